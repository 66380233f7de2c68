package uplink

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol                = errors.New("upload protocol error")
	ErrNotAuthenticated        = errors.New("not authenticated")
	ErrMissingRangeHeader      = errors.New("range header is missing")
	ErrInvalidRangeHeader      = errors.New("range header value is invalid")
	ErrBytesUnparseable        = errors.New("uploaded bytes value is unparseable")
	ErrMissingLocation         = errors.New("upload has no session location")
	ErrMissingLocationHeader   = errors.New("response location header is missing")
	ErrInvalidLocation         = errors.New("upload session location is invalid")
	ErrMalformedCorrelationTag = errors.New("malformed correlation tag")
	ErrDuplicateSession        = errors.New("session is already registered")
	ErrSessionNotFound         = errors.New("session not found")
	ErrNoModality              = errors.New("measurement has no modality change event")
)

// RequestError reports a response with an HTTP status code the upload
// protocol has no transition for.
type RequestError struct {
	StatusCode int
}

func (e RequestError) Error() string {
	return fmt.Sprintf("request failed with HTTP status %d", e.StatusCode)
}
