package uplink

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
)

// PreRequest announces an upcoming upload to the collector. Its success
// response carries the Location header naming the server-side session all
// further requests of this upload go to.
type PreRequest struct {
	CollectorURL *url.URL
	Upload       Upload
	AuthToken    string
	// Staging receives a durable copy of the payload so the transfer can
	// continue after a restart. Optional.
	Staging *PayloadStaging
}

func (r PreRequest) Tag() CorrelationTag {
	return CorrelationTag{Kind: KindPreRequest, MeasurementID: r.Upload.Measurement().Identifier}
}

func (r PreRequest) Build() (*http.Request, error) {
	metaData, err := r.Upload.MetaData()
	if err != nil {
		return nil, fmt.Errorf("load meta data: %w", err)
	}
	data, err := r.Upload.Data()
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	if r.Staging != nil {
		if _, err = r.Staging.StagePreRequest(r.Upload, data); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(http.MethodPost, r.CollectorURL.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	metaData.AddTo(req)
	req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	return req, nil
}

// UploadRequest transfers payload bytes from the confirmed high-water mark
// towards the end of the payload, at most ChunkSize bytes at a time. Large
// payloads take several upload requests against the same session location.
type UploadRequest struct {
	Upload Upload
	// ChunkSize caps the bytes sent per request. Zero or negative means a
	// single request for the whole remainder. The server-side maximum is
	// deployment-specific, hence this stays configurable.
	ChunkSize int64
	Staging   *PayloadStaging
}

func (r UploadRequest) Tag() CorrelationTag {
	return CorrelationTag{Kind: KindUpload, MeasurementID: r.Upload.Measurement().Identifier}
}

func (r UploadRequest) Build() (*http.Request, error) {
	location := r.Upload.Location()
	if location == "" {
		return nil, ErrMissingLocation
	}
	metaData, err := r.Upload.MetaData()
	if err != nil {
		return nil, fmt.Errorf("load meta data: %w", err)
	}
	data, err := r.Upload.Data()
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}

	start := r.Upload.BytesUploaded()
	end := int64(len(data))
	if start < 0 || start >= end {
		return nil, fmt.Errorf("no bytes left to upload at offset %d of %d: %w", start, end, ErrProtocol)
	}
	if r.ChunkSize > 0 && start+r.ChunkSize < end {
		end = start + r.ChunkSize
	}
	chunk := data[start:end]

	var body io.Reader = bytes.NewReader(chunk)
	if r.Staging != nil {
		staged, err := r.Staging.StageUpload(r.Upload, chunk)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(staged)
		if err != nil {
			return nil, fmt.Errorf("open staged chunk: %w", err)
		}
		body = f
	}

	req, err := http.NewRequest(http.MethodPut, location, body)
	if err != nil {
		return nil, err
	}
	metaData.AddTo(req)
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, end-start))
	return req, nil
}

// StatusRequest asks the collector how many bytes of a session it has
// received, to classify it as resumable or lost.
type StatusRequest struct {
	Upload    Upload
	AuthToken string
}

func (r StatusRequest) Tag() CorrelationTag {
	return CorrelationTag{Kind: KindStatus, MeasurementID: r.Upload.Measurement().Identifier}
}

func (r StatusRequest) Build() (*http.Request, error) {
	location := r.Upload.Location()
	if location == "" {
		return nil, ErrMissingLocation
	}
	req, err := http.NewRequest(http.MethodPost, location, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.AuthToken)
	return req, nil
}
