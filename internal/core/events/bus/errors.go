package bus

import "errors"

var (
	ErrNilHandler   = errors.New("bus: nil handler")
	ErrDefaultTopic = errors.New("bus: the default topic cannot be deleted")
)
