package tefs

import "fmt"

// Kind identifies the class of failure reported by an Error. The zero value,
// KindOK, is never actually returned from an operation - it exists so a Kind
// can be stored and compared like the status codes the rest of this package
// is modelled after.
type Kind int

// Error kinds, matching the taxonomy the core surfaces to callers. There is
// no richer wrapping beyond the underlying block-device error, and no retry.
const (
	KindOK Kind = iota
	KindRead
	KindWrite
	KindErase
	KindDeviceFull
	KindFileFull
	KindFileNotFound
	KindUnreleasedBlock
	KindNotFormatted
	KindWritePastEnd
	KindEOF
	KindFileNameTooLong
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindErase:
		return "erase"
	case KindDeviceFull:
		return "device full"
	case KindFileFull:
		return "file full"
	case KindFileNotFound:
		return "file not found"
	case KindUnreleasedBlock:
		return "unreleased block"
	case KindNotFormatted:
		return "not formatted"
	case KindWritePastEnd:
		return "write past end"
	case KindEOF:
		return "eof"
	case KindFileNameTooLong:
		return "file name too long"
	default:
		return "unknown"
	}
}

// Error is the sum-type error every core operation surfaces. Op names the
// operation that failed (e.g. "open", "reserve"); Err, when non-nil, is the
// underlying block-device error that triggered it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tefs: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("tefs: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match against the exported sentinels below regardless of
// Op or a wrapped device error, comparing only on Kind.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Sentinel errors for errors.Is comparisons. Their Op/Err fields are unused;
// only Kind participates in the comparison (see Error.Is).
var (
	ErrRead             = &Error{Kind: KindRead}
	ErrWrite            = &Error{Kind: KindWrite}
	ErrErase            = &Error{Kind: KindErase}
	ErrDeviceFull       = &Error{Kind: KindDeviceFull}
	ErrFileFull         = &Error{Kind: KindFileFull}
	ErrFileNotFound     = &Error{Kind: KindFileNotFound}
	ErrUnreleasedBlock  = &Error{Kind: KindUnreleasedBlock}
	ErrNotFormatted     = &Error{Kind: KindNotFormatted}
	ErrWritePastEnd     = &Error{Kind: KindWritePastEnd}
	ErrEOF              = &Error{Kind: KindEOF}
	ErrFileNameTooLong  = &Error{Kind: KindFileNameTooLong}
)
