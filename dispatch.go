package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ResponseDispatcher routes asynchronous transport outcomes back to the
// event handler. It deliberately rebuilds all state it needs, the upload
// from the session registry and the measurement from its reader, because a
// response may arrive in a process that did not send the request.
type ResponseDispatcher struct {
	Registry     SessionRegistry
	Measurements MeasurementReader
	Handler      *EventHandler
	Bus          *StatusBus
	Log          *slog.Logger
}

// Run consumes response events until the context is cancelled or the
// channel closes. Events are handled strictly one at a time, which
// guarantees that no measurement ever has a second request issued before
// the previous response was fully recorded.
func (d *ResponseDispatcher) Run(ctx context.Context, events <-chan ResponseEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			d.Dispatch(ctx, event)
		}
	}
}

// Dispatch handles a single response event.
func (d *ResponseDispatcher) Dispatch(ctx context.Context, event ResponseEvent) {
	log := d.logger().With("tag", event.Tag.String())

	measurement, err := d.Measurements.Measurement(ctx, event.Tag.MeasurementID)
	if err != nil {
		log.Error("measurement is not loadable", "error", err)
		return
	}
	upload, err := d.Registry.Get(measurement)
	if err != nil {
		log.Error("loading session failed", "error", err)
		return
	}
	if upload == nil {
		log.Warn("no session registered for measurement")
		return
	}

	if event.Err != nil {
		// The request never produced a response. That is a transient
		// transport condition; the next attempt resolves it via the status
		// request branches.
		log.Warn("request did not complete", "error", event.Err)
		d.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedUnsuccessfully})
		return
	}
	response := event.Response
	defer response.Body.Close()
	log.Debug("response received", "status", response.StatusCode)

	switch event.Tag.Kind {
	case KindStatus:
		if response.StatusCode == http.StatusPermanentRedirect {
			offset, err := resumeOffset(response.Header.Get("Range"))
			if err != nil {
				d.failProtocol(upload, KindStatus, response.StatusCode, err)
				return
			}
			upload.SetBytesUploaded(offset)
		}
		err = d.Handler.OnStatusResponse(ctx, response.StatusCode, upload)

	case KindPreRequest:
		if response.StatusCode == http.StatusOK {
			location := response.Header.Get("Location")
			if location == "" {
				d.failProtocol(upload, KindPreRequest, response.StatusCode, ErrMissingLocationHeader)
				return
			}
			if _, parseErr := url.ParseRequestURI(location); parseErr != nil {
				d.failProtocol(upload, KindPreRequest, response.StatusCode,
					fmt.Errorf("location %q: %w", location, ErrInvalidLocation))
				return
			}
			upload.SetLocation(location)
		}
		err = d.Handler.OnPreRequestResponse(ctx, response.StatusCode, upload)

	case KindUpload:
		if response.StatusCode == http.StatusCreated {
			if rangeHeader := response.Header.Get("Range"); rangeHeader != "" {
				offset, rangeErr := resumeOffset(rangeHeader)
				if rangeErr != nil {
					d.failProtocol(upload, KindUpload, response.StatusCode, rangeErr)
					return
				}
				upload.SetBytesUploaded(offset)
			} else if data, dataErr := upload.Data(); dataErr != nil {
				// The transfer is complete either way; the stale byte count
				// only matters for the audit trail.
				log.Error("payload size unavailable after completed upload", "error", dataErr)
			} else {
				upload.SetBytesUploaded(int64(len(data)))
			}
		}
		err = d.Handler.OnUploadResponse(ctx, response.StatusCode, upload)
	}

	if err != nil {
		// The handler has recorded the outcome and published the terminal
		// status already.
		log.Debug("response handling ended the upload", "error", err)
	}
}

// failProtocol records a protocol violation and fails the upload. These are
// contract mismatches between client and server and are never retried.
func (d *ResponseDispatcher) failProtocol(upload Upload, kind RequestKind, httpStatus int, cause error) {
	d.logger().Error("protocol violation", "kind", kind, "measurement", upload.Measurement().Identifier, "error", cause)
	if err := d.Registry.RecordError(upload, kind, httpStatus, cause); err != nil {
		d.logger().Error("recording protocol violation failed", "error", err)
	}
	d.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedWithError, Cause: cause})
}

// resumeOffset extracts the next upload offset from a response range header
// of the form "bytes=0-<N>", N being the index of the last byte the server
// confirmed. The offset to continue from is therefore N+1.
func resumeOffset(rangeHeader string) (int64, error) {
	if rangeHeader == "" {
		return 0, ErrMissingRangeHeader
	}
	const prefix = "bytes=0-"
	rest, found := strings.CutPrefix(rangeHeader, prefix)
	if !found {
		return 0, fmt.Errorf("header %q: %w", rangeHeader, ErrInvalidRangeHeader)
	}
	lastByte, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || lastByte < 0 {
		return 0, fmt.Errorf("header %q: %w", rangeHeader, ErrBytesUnparseable)
	}
	return lastByte + 1, nil
}

func (d *ResponseDispatcher) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}
