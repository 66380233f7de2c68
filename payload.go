package uplink

// MeasurementPayload is a PayloadProvider deriving upload meta data from a
// finished measurement and an explicit device identity. Serialization into
// the wire format stays with the injected Serializer.
type MeasurementPayload struct {
	Measurement   FinishedMeasurement
	Device        DeviceIdentity
	FormatVersion int
	Serializer    func(measurement FinishedMeasurement) ([]byte, error)

	dataCache []byte
}

func (p *MeasurementPayload) MetaData() (MetaData, error) {
	modality, err := p.Measurement.InitialModality()
	if err != nil {
		return MetaData{}, err
	}

	md := MetaData{
		LocationCount: p.Measurement.LocationCount(),
		FormatVersion: p.FormatVersion,
		MeasurementID: p.Measurement.Identifier,
		OSVersion:     p.Device.OSVersion,
		AppVersion:    p.Device.AppVersion,
		Length:        p.Measurement.TrackLength,
		Modality:      modality,
		DeviceID:      p.Device.InstallationID,
		DeviceType:    p.Device.DeviceType,
	}
	if start, ok := p.Measurement.StartLocation(); ok {
		lat, lon, ts := start.Latitude, start.Longitude, start.Time
		md.StartLocLat, md.StartLocLon, md.StartLocTS = &lat, &lon, &ts
	}
	if end, ok := p.Measurement.EndLocation(); ok {
		lat, lon, ts := end.Latitude, end.Longitude, end.Time
		md.EndLocLat, md.EndLocLon, md.EndLocTS = &lat, &lon, &ts
	}
	return md, nil
}

// Data serializes the measurement on first call and caches the result. Use
// a fresh instance to refresh the payload.
func (p *MeasurementPayload) Data() ([]byte, error) {
	if p.dataCache != nil {
		return p.dataCache, nil
	}
	data, err := p.Serializer(p.Measurement)
	if err != nil {
		return nil, err
	}
	p.dataCache = data
	return data, nil
}
