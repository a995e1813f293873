package lifecycle

import "errors"

var (
	ErrControllerClosed = errors.New("controller is closed")
	ErrWriterClosed     = errors.New("writer is closed")
	ErrDrainTimeout     = errors.New("outbound writes did not drain in time")
)
