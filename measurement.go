package uplink

import (
	"context"
	"time"
)

// EventType enumerates the lifecycle events captured alongside a measurement.
type EventType int

const (
	// ModalityTypeChange marks a change of the transportation mode, for
	// example from walking to cycling. The earliest such event names the
	// modality reported to the collector.
	ModalityTypeChange EventType = iota
)

// GeoLocation is a single captured geographic position.
type GeoLocation struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Track is one continuous stretch of captured locations. Pausing and
// resuming a capture starts a new track within the same measurement.
type Track struct {
	Locations []GeoLocation
}

// Event is a lifecycle event recorded during capture.
type Event struct {
	Type  EventType
	Time  time.Time
	Value string
}

// FinishedMeasurement is an immutable, fully captured unit of sensor and
// location data ready for upload. The upload machinery holds it read-only;
// the capturing side owns it.
type FinishedMeasurement struct {
	Identifier  uint64
	TrackLength float64 // meters
	Tracks      []Track
	Events      []Event
}

// LocationCount returns the total number of captured locations across all
// tracks.
func (m FinishedMeasurement) LocationCount() uint64 {
	var n uint64
	for _, t := range m.Tracks {
		n += uint64(len(t.Locations))
	}
	return n
}

// StartLocation returns the first captured location, if any.
func (m FinishedMeasurement) StartLocation() (GeoLocation, bool) {
	for _, t := range m.Tracks {
		if len(t.Locations) > 0 {
			return t.Locations[0], true
		}
	}
	return GeoLocation{}, false
}

// EndLocation returns the last captured location, if any.
func (m FinishedMeasurement) EndLocation() (GeoLocation, bool) {
	for i := len(m.Tracks) - 1; i >= 0; i-- {
		locations := m.Tracks[i].Locations
		if len(locations) > 0 {
			return locations[len(locations)-1], true
		}
	}
	return GeoLocation{}, false
}

// InitialModality returns the value of the earliest modality change event.
// Every valid measurement starts with one; its absence is ErrNoModality.
func (m FinishedMeasurement) InitialModality() (string, error) {
	var earliest *Event
	for i := range m.Events {
		e := &m.Events[i]
		if e.Type != ModalityTypeChange {
			continue
		}
		if earliest == nil || e.Time.Before(earliest.Time) {
			earliest = e
		}
	}
	if earliest == nil {
		return "", ErrNoModality
	}
	return earliest.Value, nil
}

// MeasurementReader loads finished measurements from wherever the capturing
// side persisted them. Responses may arrive after a process restart, so the
// dispatcher reloads the measurement by identifier instead of holding it in
// a closure.
type MeasurementReader interface {
	Measurement(ctx context.Context, identifier uint64) (FinishedMeasurement, error)
}

// MeasurementReaderFunc adapts a function to the MeasurementReader interface.
type MeasurementReaderFunc func(ctx context.Context, identifier uint64) (FinishedMeasurement, error)

func (f MeasurementReaderFunc) Measurement(ctx context.Context, identifier uint64) (FinishedMeasurement, error) {
	return f(ctx, identifier)
}
