package record

import "github.com/oklog/ulid/v2"

// NewID returns a fresh, time-sortable id prefixed with the kind, e.g.
// "box:01J9Z...".
func NewID(kind Kind) ID {
	return ID(string(kind) + ":" + ulid.Make().String())
}
