package document

import "github.com/zeusync/canvassync/internal/core/record"

// Origin tags where a change came from. Only OriginLocal changes are ever
// written back to the remote store.
type Origin uint8

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

type ChangeKind uint8

const (
	Added ChangeKind = iota + 1
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

func (k ChangeKind) eventType() string {
	return "document." + k.String()
}

// Change describes one mutation of the store. Before is nil for Added, After is
// nil for Removed.
type Change struct {
	Kind   ChangeKind
	Origin Origin
	ID     record.ID
	Before *record.Record
	After  *record.Record
}

type (
	Handler func(Change)
	Filter  func(Change) bool
)

// OnlyOrigin passes changes of the given provenance.
func OnlyOrigin(o Origin) Filter {
	return func(c Change) bool { return c.Origin == o }
}
