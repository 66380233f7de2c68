package uplink

import "time"

// PayloadProvider produces the bytes and meta data of one finished
// measurement. How measurements are serialized into the wire format is the
// provider's business; the upload machinery treats the payload as opaque.
type PayloadProvider interface {
	MetaData() (MetaData, error)
	Data() ([]byte, error)
}

// Upload is an in-progress or pending transfer of one finished measurement
// to the collector. It carries the server-side session location and the
// confirmed byte high-water mark.
type Upload interface {
	// Measurement returns the read-only measurement this upload transfers.
	Measurement() FinishedMeasurement
	MetaData() (MetaData, error)
	Data() ([]byte, error)

	// Location returns the URL of the server-side upload session, or the
	// empty string before the first successful pre-request.
	Location() string
	SetLocation(location string)

	// BytesUploaded is the number of bytes the server has confirmed. It
	// never decreases within a session and never exceeds the payload size.
	BytesUploaded() int64
	SetBytesUploaded(n int64)

	// Failures lists the errors accumulated by this upload attempt, oldest
	// first. The list is append-only.
	Failures() []error

	OnSuccess() error
	OnFailed(cause error) error
}

// Session is the durable counterpart of an Upload, as reconstructed from
// the session registry.
type Session struct {
	MeasurementID uint64
	Location      string
	BytesUploaded int64
	CreatedAt     time.Time
}

// ProtocolEntry is one line of a session's append-only protocol log. The
// log records every response, successful or not, and survives restarts as
// the audit trail of the upload.
type ProtocolEntry struct {
	RequestKind RequestKind
	HTTPStatus  int
	Message     string
	CausedError bool
	Time        time.Time
}

// SessionRegistry is the single source of truth about open upload sessions.
// Implementations must serialize concurrent mutations per measurement
// identifier and commit each mutation atomically.
type SessionRegistry interface {
	// Get reconstructs the Upload of the open session for the measurement,
	// or returns nil when no session is open. Safe to call after an
	// arbitrary process restart.
	Get(measurement FinishedMeasurement) (Upload, error)
	// Register creates a new session record. Registering a measurement
	// twice is ErrDuplicateSession.
	Register(upload Upload) error
	// Record appends a successful-response entry to the session's protocol
	// log and persists the upload's current location and byte progress.
	Record(upload Upload, kind RequestKind, httpStatus int, message string, at time.Time) error
	// RecordError appends an error entry, using the cause's description as
	// message.
	RecordError(upload Upload, kind RequestKind, httpStatus int, cause error) error
	// Remove deletes the session record. Removing an unknown session is
	// ErrSessionNotFound.
	Remove(upload Upload) error
}

// UploadFactory creates Uploads for fresh measurements and reconstructs
// them from persisted sessions.
type UploadFactory interface {
	New(measurement FinishedMeasurement) Upload
	FromSession(measurement FinishedMeasurement, session Session) Upload
}

// DataUpload is an Upload backed by a PayloadProvider. The OnSuccess
// callback typically marks the measurement as synchronized in the caller's
// data store.
type DataUpload struct {
	measurement   FinishedMeasurement
	payload       PayloadProvider
	location      string
	bytesUploaded int64
	failures      []error
	onSuccess     func(measurement FinishedMeasurement) error
}

func (u *DataUpload) Measurement() FinishedMeasurement { return u.measurement }

func (u *DataUpload) MetaData() (MetaData, error) { return u.payload.MetaData() }

func (u *DataUpload) Data() ([]byte, error) { return u.payload.Data() }

func (u *DataUpload) Location() string { return u.location }

func (u *DataUpload) SetLocation(location string) { u.location = location }

func (u *DataUpload) BytesUploaded() int64 { return u.bytesUploaded }

func (u *DataUpload) SetBytesUploaded(n int64) { u.bytesUploaded = n }

func (u *DataUpload) Failures() []error { return u.failures }

func (u *DataUpload) OnSuccess() error {
	if u.onSuccess == nil {
		return nil
	}
	return u.onSuccess(u.measurement)
}

func (u *DataUpload) OnFailed(cause error) error {
	u.failures = append(u.failures, cause)
	return nil
}

// DataUploadFactory builds DataUploads from a per-measurement payload
// provider.
type DataUploadFactory struct {
	// Provider supplies the payload provider of a measurement. Required.
	Provider func(measurement FinishedMeasurement) PayloadProvider
	// OnSuccess is invoked once an upload finishes successfully, before the
	// session is removed. Optional.
	OnSuccess func(measurement FinishedMeasurement) error
}

func (f DataUploadFactory) New(measurement FinishedMeasurement) Upload {
	return &DataUpload{
		measurement: measurement,
		payload:     f.Provider(measurement),
		onSuccess:   f.OnSuccess,
	}
}

func (f DataUploadFactory) FromSession(measurement FinishedMeasurement, session Session) Upload {
	return &DataUpload{
		measurement:   measurement,
		payload:       f.Provider(measurement),
		location:      session.Location,
		bytesUploaded: session.BytesUploaded,
		onSuccess:     f.OnSuccess,
	}
}
