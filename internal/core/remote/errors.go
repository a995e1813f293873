package remote

import "github.com/pkg/errors"

var (
	ErrSubscription = errors.New("remote subscription failed")
	ErrWriteFailure = errors.New("remote write failed")
	ErrForbidden    = errors.New("identity may not write to this session")
)

// Wrap classifies cause under kind, one of the sentinels above. errors.Is
// matches both kind and anything in the cause chain; errors.Cause returns
// cause.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return &classified{kind: kind, cause: cause}
}

type classified struct {
	kind  error
	cause error
}

func (e *classified) Error() string        { return e.kind.Error() + ": " + e.cause.Error() }
func (e *classified) Cause() error         { return e.cause }
func (e *classified) Unwrap() error        { return e.cause }
func (e *classified) Is(target error) bool { return target == e.kind }
