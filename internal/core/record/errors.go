package record

import "errors"

var (
	ErrEmptyID      = errors.New("record id is empty")
	ErrEmptyKind    = errors.New("record type is empty")
	ErrKindMismatch = errors.New("record type does not match props")
	ErrInvalid      = errors.New("record failed schema validation")
)
