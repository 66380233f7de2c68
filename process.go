package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// DefaultChunkSize caps upload request bodies when the builder is not told
// otherwise. The collector-side maximum is deployment-specific.
const DefaultChunkSize int64 = 4 << 20

// UploadProcess orchestrates the upload lifecycle of finished measurements.
// Upload returns as soon as the first request of the protocol is on its
// way; completion arrives later on the status bus.
type UploadProcess struct {
	registry      SessionRegistry
	factory       UploadFactory
	authenticator Authenticator
	transport     Transport
	collectorURL  *url.URL
	bus           *StatusBus
	staging       *PayloadStaging
	log           *slog.Logger

	cancel      context.CancelFunc
	stopCleanup func()
}

// Upload starts or resumes the transfer of a measurement. A registered
// session with a known location resumes via a status request; anything else
// begins at a pre-request. This decision is what lets a relaunched process
// pick up an interrupted transfer instead of starting over.
func (p *UploadProcess) Upload(ctx context.Context, measurement FinishedMeasurement) (Upload, error) {
	upload, err := p.registry.Get(measurement)
	if err != nil {
		return nil, fmt.Errorf("look up session for measurement %d: %w", measurement.Identifier, err)
	}

	if upload != nil && upload.Location() != "" {
		p.log.Debug("resuming open session", "measurement", measurement.Identifier, "location", upload.Location())
		p.bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})

		token, err := p.authenticator.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		request := StatusRequest{Upload: upload, AuthToken: token}
		req, err := request.Build()
		if err != nil {
			return nil, err
		}
		if err = p.transport.Send(ctx, request.Tag(), req); err != nil {
			return nil, err
		}
		return upload, nil
	}

	if upload == nil {
		upload = p.factory.New(measurement)
		p.bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
		if err = p.registry.Register(upload); err != nil {
			return nil, err
		}
	} else {
		// Registered but never got a location: the process died between
		// register and the pre-request response. Reuse the session and try
		// the pre-request again.
		p.bus.Publish(UploadStatus{Upload: upload, Kind: StatusStarted})
	}
	p.log.Debug("starting fresh upload", "measurement", measurement.Identifier)

	token, err := p.authenticator.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	request := PreRequest{CollectorURL: p.collectorURL, Upload: upload, AuthToken: token, Staging: p.staging}
	req, err := request.Build()
	if err != nil {
		return nil, err
	}
	if err = p.transport.Send(ctx, request.Tag(), req); err != nil {
		return nil, err
	}
	return upload, nil
}

// Bus exposes the status bus for additional subscribers.
func (p *UploadProcess) Bus() *StatusBus {
	return p.bus
}

// Close stops the dispatcher and the cleanup subscriber. In-flight requests
// are abandoned; their sessions stay registered and resume on the next
// process instance. Terminal statuses already published are still processed
// before the cleanup subscriber exits.
func (p *UploadProcess) Close() {
	p.cancel()
	p.stopCleanup()
}

// finishUploads is the single place converting protocol outcomes into
// persistence state: callbacks fire here and terminal sessions leave the
// registry here, nowhere else. Its subscription is lossless; a slow host
// callback delays cleanup but never loses a terminal status.
func (p *UploadProcess) finishUploads(statuses <-chan UploadStatus) {
	for status := range statuses {
		switch status.Kind {
		case StatusFinishedSuccessfully:
			if err := status.Upload.OnSuccess(); err != nil {
				p.log.Error("success callback failed", "measurement", status.Upload.Measurement().Identifier, "error", err)
			}
			p.removeSession(status.Upload)
		case StatusFinishedWithError:
			if err := status.Upload.OnFailed(status.Cause); err != nil {
				p.log.Error("failure callback failed", "measurement", status.Upload.Measurement().Identifier, "error", err)
			}
			p.removeSession(status.Upload)
		case StatusFinishedUnsuccessfully:
			// No callbacks: the caller retries the measurement from
			// scratch later.
			p.removeSession(status.Upload)
		}
	}
}

func (p *UploadProcess) removeSession(upload Upload) {
	if err := p.registry.Remove(upload); err != nil && !errors.Is(err, ErrSessionNotFound) {
		p.log.Error("removing finished session failed", "measurement", upload.Measurement().Identifier, "error", err)
	}
}

// ProcessBuilder assembles an UploadProcess and its collaborators. Zero
// values get sensible defaults where one exists; CollectorURL, Factory,
// Measurements and Authenticator are required.
type ProcessBuilder struct {
	CollectorURL  *url.URL
	Factory       UploadFactory
	Measurements  MeasurementReader
	Authenticator Authenticator

	// Registry defaults to an in-memory registry. Pass a registry.Registry
	// for sessions that survive process restarts.
	Registry SessionRegistry
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// StagingDir defaults to a directory below the OS temp directory.
	StagingDir string
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int64
	Logger    *slog.Logger
}

// Build wires the full object graph and starts the response dispatcher and
// the terminal-status subscriber.
func (b ProcessBuilder) Build() (*UploadProcess, error) {
	if b.CollectorURL == nil {
		return nil, errors.New("collector URL is required")
	}
	if b.Factory == nil {
		return nil, errors.New("upload factory is required")
	}
	if b.Measurements == nil {
		return nil, errors.New("measurement reader is required")
	}
	if b.Authenticator == nil {
		return nil, errors.New("authenticator is required")
	}

	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	registry := b.Registry
	if registry == nil {
		registry = NewMemorySessionRegistry(b.Factory)
	}
	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	stagingDir := b.StagingDir
	if stagingDir == "" {
		stagingDir = filepath.Join(os.TempDir(), "uplink-staging")
	}
	staging, err := NewPayloadStaging(stagingDir)
	if err != nil {
		return nil, err
	}

	bus := NewStatusBus()
	transport := NewHTTPTransport(b.HTTPClient)
	handler := &EventHandler{
		Registry:      registry,
		Bus:           bus,
		Authenticator: b.Authenticator,
		Transport:     transport,
		CollectorURL:  b.CollectorURL,
		Staging:       staging,
		ChunkSize:     chunkSize,
		Log:           log,
	}
	dispatcher := &ResponseDispatcher{
		Registry:     registry,
		Measurements: b.Measurements,
		Handler:      handler,
		Bus:          bus,
		Log:          log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	statuses, stopCleanup := bus.subscribeLossless()
	process := &UploadProcess{
		registry:      registry,
		factory:       b.Factory,
		authenticator: b.Authenticator,
		transport:     transport,
		collectorURL:  b.CollectorURL,
		bus:           bus,
		staging:       staging,
		log:           log,
		cancel:        cancel,
		stopCleanup:   stopCleanup,
	}

	go dispatcher.Run(ctx, transport.Responses())
	go process.finishUploads(statuses)

	return process, nil
}
