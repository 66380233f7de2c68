package uplink

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DeviceIdentity describes the installation transmitting data. It is an
// explicit constructor argument of the payload provider; there is no
// ambient global identity storage.
type DeviceIdentity struct {
	// InstallationID is stable per app install, not per device. It is
	// recreated on reinstallation for data protection reasons.
	InstallationID string
	DeviceType     string
	OSVersion      string
	AppVersion     string
}

// NewInstallationID generates a fresh installation identifier. Callers are
// expected to persist it and reuse it for all subsequent uploads.
func NewInstallationID() string {
	return uuid.NewString()
}

// MetaData carries the measurement attributes the collector needs to decide
// whether to accept an upload. The start and end location fields are nil
// for measurements without any captured location.
type MetaData struct {
	LocationCount uint64
	FormatVersion int
	StartLocLat   *float64
	StartLocLon   *float64
	StartLocTS    *time.Time
	EndLocLat     *float64
	EndLocLon     *float64
	EndLocTS      *time.Time
	MeasurementID uint64
	OSVersion     string
	AppVersion    string
	Length        float64 // meters
	Modality      string
	DeviceID      string
	DeviceType    string
}

// AddTo attaches this meta data to a request as protocol headers. Timestamps
// are transmitted as UTC milliseconds.
func (m MetaData) AddTo(req *http.Request) {
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("deviceId", m.DeviceID)
	req.Header.Set("measurementId", strconv.FormatUint(m.MeasurementID, 10))
	req.Header.Set("locationCount", strconv.FormatUint(m.LocationCount, 10))
	req.Header.Set("formatVersion", strconv.Itoa(m.FormatVersion))
	req.Header.Set("deviceType", m.DeviceType)
	req.Header.Set("osVersion", m.OSVersion)
	req.Header.Set("appVersion", m.AppVersion)
	req.Header.Set("length", strconv.FormatFloat(m.Length, 'f', -1, 64))
	req.Header.Set("modality", m.Modality)

	if m.StartLocLat != nil {
		req.Header.Set("startLocLat", strconv.FormatFloat(*m.StartLocLat, 'f', -1, 64))
	}
	if m.StartLocLon != nil {
		req.Header.Set("startLocLon", strconv.FormatFloat(*m.StartLocLon, 'f', -1, 64))
	}
	if m.StartLocTS != nil {
		req.Header.Set("startLocTS", strconv.FormatInt(m.StartLocTS.UnixMilli(), 10))
	}
	if m.EndLocLat != nil {
		req.Header.Set("endLocLat", strconv.FormatFloat(*m.EndLocLat, 'f', -1, 64))
	}
	if m.EndLocLon != nil {
		req.Header.Set("endLocLon", strconv.FormatFloat(*m.EndLocLon, 'f', -1, 64))
	}
	if m.EndLocTS != nil {
		req.Header.Set("endLocTS", strconv.FormatInt(m.EndLocTS.UnixMilli(), 10))
	}
}
