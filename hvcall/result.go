package hvcall

import "errors"

// Result is the signed word written back to the guest when a hypercall
// completes. Zero is success; failures are errno-flavored negatives so a
// guest can reuse its libc error strings.
type Result int64

const (
	OK              Result = 0
	ResNotFound     Result = -2  // ENOENT
	ResNoMemory     Result = -12 // ENOMEM
	ResBadMapping   Result = -14 // EFAULT
	ResInvalidInput Result = -22 // EINVAL
	ResUnsupported  Result = -95 // EOPNOTSUPP
)

// Failure taxonomy for everything a protocol can hit. Protocol code wraps
// these with %w so ResultFor can classify a failure wherever it surfaced.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoMemory     = errors.New("out of memory")
	ErrNotFound     = errors.New("not found")
	ErrUnsupported  = errors.New("unsupported hypercall")
	ErrBadMapping   = errors.New("mapping failure")
)

var resultMap = map[Result]string{
	OK:              "ok",
	ResNotFound:     "notFound",
	ResNoMemory:     "noMemory",
	ResBadMapping:   "badMapping",
	ResInvalidInput: "invalidInput",
	ResUnsupported:  "unsupported",
}

// Name will transform a result code into a human string
func (r Result) Name() string {
	if n, ok := resultMap[r]; ok {
		return n
	}

	return "unknown"
}

// ResultFor collapses an error chain into the wire result the guest sees.
// Unclassified errors report as a mapping failure, the only failure source
// that is not tagged at its origin.
func ResultFor(err error) Result {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrInvalidInput):
		return ResInvalidInput
	case errors.Is(err, ErrNoMemory):
		return ResNoMemory
	case errors.Is(err, ErrNotFound):
		return ResNotFound
	case errors.Is(err, ErrUnsupported):
		return ResUnsupported
	default:
		return ResBadMapping
	}
}
