package uplink

import (
	"fmt"
	"sync"
	"time"
)

type memorySession struct {
	session  Session
	protocol []ProtocolEntry
}

// MemorySessionRegistry keeps sessions in process memory. Uploads remain
// resumable as long as the process lives; use the registry subpackage for
// sessions that must survive a restart.
type MemorySessionRegistry struct {
	mu       sync.Mutex
	factory  UploadFactory
	sessions map[uint64]*memorySession
}

func NewMemorySessionRegistry(factory UploadFactory) *MemorySessionRegistry {
	return &MemorySessionRegistry{
		factory:  factory,
		sessions: make(map[uint64]*memorySession),
	}
}

func (r *MemorySessionRegistry) Get(measurement FinishedMeasurement) (Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[measurement.Identifier]
	if !ok {
		return nil, nil
	}
	return r.factory.FromSession(measurement, entry.session), nil
}

func (r *MemorySessionRegistry) Register(upload Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := upload.Measurement().Identifier
	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("measurement %d: %w", id, ErrDuplicateSession)
	}
	r.sessions[id] = &memorySession{session: Session{
		MeasurementID: id,
		Location:      upload.Location(),
		BytesUploaded: upload.BytesUploaded(),
		CreatedAt:     time.Now(),
	}}
	return nil
}

func (r *MemorySessionRegistry) Record(upload Upload, kind RequestKind, httpStatus int, message string, at time.Time) error {
	return r.record(upload, ProtocolEntry{
		RequestKind: kind,
		HTTPStatus:  httpStatus,
		Message:     message,
		Time:        at,
	})
}

func (r *MemorySessionRegistry) RecordError(upload Upload, kind RequestKind, httpStatus int, cause error) error {
	return r.record(upload, ProtocolEntry{
		RequestKind: kind,
		HTTPStatus:  httpStatus,
		Message:     cause.Error(),
		CausedError: true,
		Time:        time.Now(),
	})
}

func (r *MemorySessionRegistry) record(upload Upload, entry ProtocolEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := upload.Measurement().Identifier
	session, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("measurement %d: %w", id, ErrSessionNotFound)
	}
	// Recording also checkpoints the upload's resume state, so a later Get
	// reconstructs location and byte progress as of the last response.
	session.session.Location = upload.Location()
	session.session.BytesUploaded = upload.BytesUploaded()
	session.protocol = append(session.protocol, entry)
	return nil
}

func (r *MemorySessionRegistry) Remove(upload Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := upload.Measurement().Identifier
	if _, ok := r.sessions[id]; !ok {
		return fmt.Errorf("measurement %d: %w", id, ErrSessionNotFound)
	}
	delete(r.sessions, id)
	return nil
}

// Protocol returns a copy of the protocol log of the session for the given
// measurement identifier, oldest entry first.
func (r *MemorySessionRegistry) Protocol(measurementID uint64) ([]ProtocolEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[measurementID]
	if !ok {
		return nil, fmt.Errorf("measurement %d: %w", measurementID, ErrSessionNotFound)
	}
	entries := make([]ProtocolEntry, len(session.protocol))
	copy(entries, session.protocol)
	return entries, nil
}
