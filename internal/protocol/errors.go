package protocol

import "errors"

// Frame-scoped errors. A frame failing with one of these is dropped on its own;
// other frames and streams are unaffected.
var (
	ErrTruncated                  = errors.New("protocol: truncated data")
	ErrStructuralMismatch         = errors.New("protocol: structural mismatch")
	ErrEmptySliceLengths          = errors.New("protocol: empty slice lengths")
	ErrLengthMismatch             = errors.New("protocol: length mismatch")
	ErrShapeDtypeMismatch         = errors.New("protocol: shape/dtype mismatch")
	ErrInvalidEnum                = errors.New("protocol: invalid enum value")
	ErrUnsupportedVersion         = errors.New("protocol: unsupported version")
	ErrFrameTooLarge              = errors.New("protocol: frame too large")
	ErrChecksumMismatch           = errors.New("protocol: checksum mismatch")
	ErrDeclaredLengthExceedsFrame = errors.New("protocol: declared length exceeds frame")
)

// Stream-scoped errors. These terminate the offending stream only.
var (
	ErrMissingHead             = errors.New("protocol: missing head")
	ErrOutOfOrder              = errors.New("protocol: out of order")
	ErrStreamIntegrityMismatch = errors.New("protocol: stream integrity mismatch")
	ErrPayloadTransformFailure = errors.New("protocol: payload transform failure")
)

// ErrorScope is the granularity an error terminates.
type ErrorScope int

const (
	ScopeNone ErrorScope = iota
	ScopeFrame
	ScopeStream
)

func (s ErrorScope) String() string {
	switch s {
	case ScopeFrame:
		return "frame"
	case ScopeStream:
		return "stream"
	default:
		return "none"
	}
}

// Scope classifies err. LengthMismatch is frame-scoped when raised by the codec
// and stream-scoped when raised by the reassembler, so callers that know the
// origin should prefer it over this helper.
func Scope(err error) ErrorScope {
	switch {
	case err == nil:
		return ScopeNone
	case errors.Is(err, ErrMissingHead),
		errors.Is(err, ErrOutOfOrder),
		errors.Is(err, ErrStreamIntegrityMismatch),
		errors.Is(err, ErrPayloadTransformFailure):
		return ScopeStream
	default:
		return ScopeFrame
	}
}

// Reason returns a short, stable label for err suitable for metrics.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	if err == nil {
		return ""
	}
	return "other"
}

var reasons = []struct {
	err   error
	label string
}{
	{ErrTruncated, "truncated"},
	{ErrEmptySliceLengths, "empty_slice_lengths"},
	{ErrStructuralMismatch, "structural_mismatch"},
	{ErrLengthMismatch, "length_mismatch"},
	{ErrShapeDtypeMismatch, "shape_dtype_mismatch"},
	{ErrInvalidEnum, "invalid_enum"},
	{ErrUnsupportedVersion, "unsupported_version"},
	{ErrFrameTooLarge, "frame_too_large"},
	{ErrChecksumMismatch, "checksum_mismatch"},
	{ErrDeclaredLengthExceedsFrame, "declared_length_exceeds_frame"},
	{ErrMissingHead, "missing_head"},
	{ErrOutOfOrder, "out_of_order"},
	{ErrStreamIntegrityMismatch, "stream_integrity_mismatch"},
	{ErrPayloadTransformFailure, "payload_transform_failure"},
}
