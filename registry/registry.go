// Package registry persists upload sessions to SQLite, which is what makes
// uploads resumable after the hosting process was killed and relaunched.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/trailmetrics/uplink"
)

// Registry is a durable uplink.SessionRegistry. Every mutation commits in
// one transaction; a concurrent reader sees either the whole update or none
// of it.
type Registry struct {
	db      *sql.DB
	factory uplink.UploadFactory
}

func New(db *sql.DB, factory uplink.UploadFactory) *Registry {
	return &Registry{db: db, factory: factory}
}

func (r *Registry) Get(measurement uplink.FinishedMeasurement) (uplink.Upload, error) {
	session := uplink.Session{MeasurementID: measurement.Identifier}
	err := r.db.QueryRow(
		`SELECT location, bytes_uploaded, created_at FROM upload_sessions WHERE measurement_id = ?`,
		measurement.Identifier,
	).Scan(&session.Location, &session.BytesUploaded, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", measurement.Identifier, err)
	}
	return r.factory.FromSession(measurement, session), nil
}

func (r *Registry) Register(upload uplink.Upload) error {
	id := upload.Measurement().Identifier
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("register session %d: %w", id, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM upload_sessions WHERE measurement_id = ?`, id).Scan(&exists)
	if err == nil {
		return fmt.Errorf("measurement %d: %w", id, uplink.ErrDuplicateSession)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("register session %d: %w", id, err)
	}

	_, err = tx.Exec(
		`INSERT INTO upload_sessions (measurement_id, location, bytes_uploaded, created_at) VALUES (?, ?, ?, ?)`,
		id, upload.Location(), upload.BytesUploaded(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("register session %d: %w", id, err)
	}
	return tx.Commit()
}

func (r *Registry) Record(upload uplink.Upload, kind uplink.RequestKind, httpStatus int, message string, at time.Time) error {
	return r.record(upload, kind, httpStatus, message, false, at)
}

func (r *Registry) RecordError(upload uplink.Upload, kind uplink.RequestKind, httpStatus int, cause error) error {
	return r.record(upload, kind, httpStatus, cause.Error(), true, time.Now())
}

func (r *Registry) record(upload uplink.Upload, kind uplink.RequestKind, httpStatus int, message string, causedError bool, at time.Time) error {
	id := upload.Measurement().Identifier
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("record for session %d: %w", id, err)
	}
	defer tx.Rollback()

	// The session row carries the resume state; the protocol row the audit
	// trail. Both change together or not at all.
	result, err := tx.Exec(
		`UPDATE upload_sessions SET location = ?, bytes_uploaded = ? WHERE measurement_id = ?`,
		upload.Location(), upload.BytesUploaded(), id,
	)
	if err != nil {
		return fmt.Errorf("record for session %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("record for session %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("measurement %d: %w", id, uplink.ErrSessionNotFound)
	}

	_, err = tx.Exec(
		`INSERT INTO upload_protocol (measurement_id, request_kind, http_status, message, caused_error, time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, int(kind), httpStatus, message, causedError, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record for session %d: %w", id, err)
	}
	return tx.Commit()
}

func (r *Registry) Remove(upload uplink.Upload) error {
	id := upload.Measurement().Identifier
	result, err := r.db.Exec(`DELETE FROM upload_sessions WHERE measurement_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove session %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove session %d: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("measurement %d: %w", id, uplink.ErrSessionNotFound)
	}
	return nil
}

// Protocol returns the protocol log of a session, oldest entry first.
func (r *Registry) Protocol(measurementID uint64) ([]uplink.ProtocolEntry, error) {
	rows, err := r.db.Query(
		`SELECT request_kind, http_status, message, caused_error, time
		 FROM upload_protocol WHERE measurement_id = ? ORDER BY id`,
		measurementID,
	)
	if err != nil {
		return nil, fmt.Errorf("protocol of session %d: %w", measurementID, err)
	}
	defer rows.Close()

	var entries []uplink.ProtocolEntry
	for rows.Next() {
		var entry uplink.ProtocolEntry
		var kind int
		if err := rows.Scan(&kind, &entry.HTTPStatus, &entry.Message, &entry.CausedError, &entry.Time); err != nil {
			return nil, fmt.Errorf("protocol of session %d: %w", measurementID, err)
		}
		entry.RequestKind = uplink.RequestKind(kind)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("protocol of session %d: %w", measurementID, err)
	}
	return entries, nil
}
