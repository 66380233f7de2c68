package uplink

import (
	"fmt"
	"strconv"
	"strings"
)

// RequestKind enumerates the three request types of the upload protocol.
// The numeric values are stored in the session protocol log, do not reorder.
type RequestKind int

const (
	KindStatus RequestKind = iota
	KindPreRequest
	KindUpload
)

func (k RequestKind) String() string {
	switch k {
	case KindStatus:
		return "STATUS"
	case KindPreRequest:
		return "PREREQUEST"
	case KindUpload:
		return "UPLOAD"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// CorrelationTag identifies the origin of an asynchronous response: which
// measurement it belongs to and which request kind produced it. It is the
// only in-memory state a response handler may rely on; everything else must
// be recoverable from the session registry.
type CorrelationTag struct {
	Kind          RequestKind
	MeasurementID uint64
}

// String renders the tag in its durable wire form "<KIND>:<measurementId>".
func (t CorrelationTag) String() string {
	return fmt.Sprintf("%s:%d", t.Kind, t.MeasurementID)
}

// ParseCorrelationTag decodes a tag from its wire form. A tag that does not
// decode structurally is reported as ErrMalformedCorrelationTag, never as a
// crash: a single broken response must not take the process down.
func ParseCorrelationTag(s string) (CorrelationTag, error) {
	kindPart, idPart, found := strings.Cut(s, ":")
	if !found {
		return CorrelationTag{}, fmt.Errorf("tag %q has no separator: %w", s, ErrMalformedCorrelationTag)
	}

	var kind RequestKind
	switch kindPart {
	case "STATUS":
		kind = KindStatus
	case "PREREQUEST":
		kind = KindPreRequest
	case "UPLOAD":
		kind = KindUpload
	default:
		return CorrelationTag{}, fmt.Errorf("tag %q has unknown request kind: %w", s, ErrMalformedCorrelationTag)
	}

	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return CorrelationTag{}, fmt.Errorf("tag %q has no valid measurement identifier: %w", s, ErrMalformedCorrelationTag)
	}
	return CorrelationTag{Kind: kind, MeasurementID: id}, nil
}
