package uplink

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryScheduler re-attempts measurements whose upload finished
// unsuccessfully, with exponential backoff per measurement. Running one is
// optional; hosts preferring their own retry policy simply subscribe to the
// bus themselves.
type RetryScheduler struct {
	Process *UploadProcess
	// MaxRetries bounds the attempts per measurement. Defaults to 3.
	MaxRetries uint64
	// InitialDelay is the first backoff interval. Defaults to 30 seconds.
	InitialDelay time.Duration
	Log          *slog.Logger
}

// Run subscribes to the status bus and blocks until the context is
// cancelled.
func (s *RetryScheduler) Run(ctx context.Context) {
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	initialDelay := s.InitialDelay
	if initialDelay <= 0 {
		initialDelay = 30 * time.Second
	}

	statuses, unsubscribe := s.Process.Bus().Subscribe(16)
	defer unsubscribe()

	backoffs := make(map[uint64]retry.Backoff)
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-statuses:
			if !ok {
				return
			}
			id := status.Upload.Measurement().Identifier
			switch status.Kind {
			case StatusFinishedSuccessfully, StatusFinishedWithError:
				delete(backoffs, id)
			case StatusFinishedUnsuccessfully:
				backoff, known := backoffs[id]
				if !known {
					backoff = retry.WithMaxRetries(maxRetries, retry.NewExponential(initialDelay))
					backoffs[id] = backoff
				}
				delay, stop := backoff.Next()
				if stop {
					s.logger().Warn("giving up on measurement", "measurement", id)
					delete(backoffs, id)
					continue
				}
				s.logger().Debug("scheduling retry", "measurement", id, "delay", delay)
				measurement := status.Upload.Measurement()
				go func() {
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					if _, err := s.Process.Upload(ctx, measurement); err != nil {
						s.logger().Warn("retry attempt failed to start", "measurement", measurement.Identifier, "error", err)
					}
				}()
			}
		}
	}
}

func (s *RetryScheduler) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
