package uplink

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// EventHandler is the protocol state machine. It interprets the HTTP status
// of each response, records the outcome in the session registry before
// anything else, and then either issues the next request of the protocol or
// publishes a terminal status on the bus.
type EventHandler struct {
	Registry      SessionRegistry
	Bus           *StatusBus
	Authenticator Authenticator
	Transport     Transport
	CollectorURL  *url.URL
	Staging       *PayloadStaging
	ChunkSize     int64
	Log           *slog.Logger
}

// OnStatusResponse handles the response to a status request. A 308 means
// the server-side session is alive and the transfer resumes by range; a 404
// means the session is lost and the whole protocol restarts at a fresh
// pre-request. Both paths converge to the same end state as an
// uninterrupted run.
func (h *EventHandler) OnStatusResponse(ctx context.Context, httpStatus int, upload Upload) error {
	switch httpStatus {
	case http.StatusOK:
		h.logger().Debug("upload already complete", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindStatus, httpStatus, "OK", time.Now()); err != nil {
			return err
		}
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})

	case http.StatusPermanentRedirect:
		h.logger().Debug("resuming upload", "measurement", upload.Measurement().Identifier, "offset", upload.BytesUploaded())
		if err := h.Registry.Record(upload, KindStatus, httpStatus, "Permanent Redirect", time.Now()); err != nil {
			return err
		}
		return h.sendUploadRequest(ctx, upload)

	case http.StatusNotFound:
		h.logger().Debug("session lost, restarting upload", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindStatus, httpStatus, "Not Found", time.Now()); err != nil {
			return err
		}
		return h.sendPreRequest(ctx, upload)

	default:
		return h.failRequest(upload, KindStatus, httpStatus)
	}
	return nil
}

// OnPreRequestResponse handles the response to a pre-request. The staged
// pre-request payload is cleaned after the outcome was recorded and before
// any further request for the same measurement is issued; a failed Record
// keeps the staged file, so the disk never gets ahead of the durable log.
func (h *EventHandler) OnPreRequestResponse(ctx context.Context, httpStatus int, upload Upload) error {
	switch httpStatus {
	case http.StatusOK:
		h.logger().Debug("session created", "measurement", upload.Measurement().Identifier, "location", upload.Location())
		if err := h.Registry.Record(upload, KindPreRequest, httpStatus, "OK", time.Now()); err != nil {
			return err
		}
		h.cleanStagedPreRequest(upload)
		return h.sendUploadRequest(ctx, upload)

	case http.StatusUnauthorized:
		// Retryable later, with fresh credentials.
		h.logger().Warn("pre-request was not authorized", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindPreRequest, httpStatus, "Unauthorized", time.Now()); err != nil {
			return err
		}
		h.cleanStagedPreRequest(upload)
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedUnsuccessfully})

	case http.StatusConflict:
		// The server already has this measurement. Done.
		h.logger().Debug("upload exists on server", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindPreRequest, httpStatus, "Conflict", time.Now()); err != nil {
			return err
		}
		h.cleanStagedPreRequest(upload)
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})

	case http.StatusPreconditionFailed:
		// The server refuses this measurement for good. Also done.
		h.logger().Debug("server rejects this measurement", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindPreRequest, httpStatus, "Precondition Failed", time.Now()); err != nil {
			return err
		}
		h.cleanStagedPreRequest(upload)
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})

	default:
		return h.failRequest(upload, KindPreRequest, httpStatus)
	}
	return nil
}

// OnUploadResponse handles the response to an upload request. Cleanup of the
// staged chunk follows the same record-first ordering as the pre-request.
func (h *EventHandler) OnUploadResponse(_ context.Context, httpStatus int, upload Upload) error {
	switch httpStatus {
	case http.StatusCreated:
		h.logger().Debug("upload complete", "measurement", upload.Measurement().Identifier)
		if err := h.Registry.Record(upload, KindUpload, httpStatus, "Created", time.Now()); err != nil {
			return err
		}
		h.cleanStagedUpload(upload)
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedSuccessfully})
	default:
		return h.failRequest(upload, KindUpload, httpStatus)
	}
	return nil
}

func (h *EventHandler) cleanStagedPreRequest(upload Upload) {
	if h.Staging == nil {
		return
	}
	if err := h.Staging.CleanPreRequest(upload); err != nil {
		h.logger().Warn("cleaning staged pre-request payload failed", "error", err)
	}
}

func (h *EventHandler) cleanStagedUpload(upload Upload) {
	if h.Staging == nil {
		return
	}
	if err := h.Staging.CleanUpload(upload); err != nil {
		h.logger().Warn("cleaning staged chunk failed", "error", err)
	}
}

// failRequest records an unexpected HTTP status and fails the upload
// permanently. The staged payload of the failed request is cleaned only
// after the error was recorded.
func (h *EventHandler) failRequest(upload Upload, kind RequestKind, httpStatus int) error {
	h.logger().Error("request failed", "kind", kind, "measurement", upload.Measurement().Identifier, "status", httpStatus)
	cause := RequestError{StatusCode: httpStatus}
	if err := h.Registry.RecordError(upload, kind, httpStatus, cause); err != nil {
		return err
	}
	switch kind {
	case KindPreRequest:
		h.cleanStagedPreRequest(upload)
	case KindUpload:
		h.cleanStagedUpload(upload)
	}
	h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedWithError, Cause: cause})
	return cause
}

func (h *EventHandler) sendUploadRequest(ctx context.Context, upload Upload) error {
	request := UploadRequest{Upload: upload, ChunkSize: h.ChunkSize, Staging: h.Staging}
	req, err := request.Build()
	if err != nil {
		return h.failLocal(upload, KindUpload, err)
	}
	if err = h.Transport.Send(ctx, request.Tag(), req); err != nil {
		return h.failLocal(upload, KindUpload, err)
	}
	return nil
}

func (h *EventHandler) sendPreRequest(ctx context.Context, upload Upload) error {
	token, err := h.Authenticator.Authenticate(ctx)
	if err != nil {
		// Auth failures are retryable; record them but do not fail the
		// measurement for good.
		h.logger().Warn("authentication failed", "measurement", upload.Measurement().Identifier, "error", err)
		if recErr := h.Registry.RecordError(upload, KindPreRequest, 0, err); recErr != nil {
			return recErr
		}
		h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedUnsuccessfully})
		return err
	}

	request := PreRequest{CollectorURL: h.CollectorURL, Upload: upload, AuthToken: token, Staging: h.Staging}
	req, err := request.Build()
	if err != nil {
		return h.failLocal(upload, KindPreRequest, err)
	}
	if err = h.Transport.Send(ctx, request.Tag(), req); err != nil {
		return h.failLocal(upload, KindPreRequest, err)
	}
	return nil
}

// failLocal records a client-side failure to build or hand off a request.
// These indicate a contract violation, not a transient condition.
func (h *EventHandler) failLocal(upload Upload, kind RequestKind, cause error) error {
	h.logger().Error("issuing request failed", "kind", kind, "measurement", upload.Measurement().Identifier, "error", cause)
	if err := h.Registry.RecordError(upload, kind, 0, cause); err != nil {
		return err
	}
	h.Bus.Publish(UploadStatus{Upload: upload, Kind: StatusFinishedWithError, Cause: cause})
	return cause
}

func (h *EventHandler) logger() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}
