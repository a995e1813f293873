// Package record defines the drawable records a canvas session is made of.
//
// A Record carries a stable ID, a shape kind and a typed property set. Kinds the
// engine knows about (box, text, arrow) decode into concrete structs; any other
// kind decodes into ExtensionProps so newer clients can add shapes without
// older ones dropping their properties.
package record

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type (
	ID   string
	Kind string
)

const (
	KindBox   Kind = "box"
	KindText  Kind = "text"
	KindArrow Kind = "arrow"
)

// Props is the kind-specific property set of a record.
type Props interface {
	Kind() Kind
}

type Record struct {
	ID       ID
	Type     Kind
	X        float64
	Y        float64
	Rotation float64
	Props    Props
}

type wireRecord struct {
	ID       ID              `json:"id"`
	Type     Kind            `json:"type"`
	X        float64         `json:"x"`
	Y        float64         `json:"y"`
	Rotation float64         `json:"rotation,omitempty"`
	Props    json.RawMessage `json:"props,omitempty"`
}

// New builds a record whose Type follows its props.
func New(id ID, x, y float64, props Props) Record {
	r := Record{ID: id, X: x, Y: y, Props: props}
	if props != nil {
		r.Type = props.Kind()
	}
	return r
}

func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{ID: r.ID, Type: r.Type, X: r.X, Y: r.Y, Rotation: r.Rotation}
	if r.Props != nil {
		var (
			raw []byte
			err error
		)
		if ext, ok := r.Props.(ExtensionProps); ok {
			raw, err = json.Marshal(ext.Fields)
		} else {
			raw, err = json.Marshal(r.Props)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "marshal props of %s", r.ID)
		}
		w.Props = raw
	}
	return json.Marshal(w)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	props, err := decodeProps(w.Type, w.Props)
	if err != nil {
		return errors.Wrapf(err, "decode props of %s", w.ID)
	}
	*r = Record{ID: w.ID, Type: w.Type, X: w.X, Y: w.Y, Rotation: w.Rotation, Props: props}
	return nil
}

// Clone returns a deep copy that shares no maps with r.
func (r Record) Clone() Record {
	out := r
	if ext, ok := r.Props.(ExtensionProps); ok {
		out.Props = ext.clone()
	}
	return out
}

// Validate checks the structural rules every record must satisfy locally.
// Wire payloads are additionally checked against the JSON schema.
func (r Record) Validate() error {
	if strings.TrimSpace(string(r.ID)) == "" {
		return ErrEmptyID
	}
	if r.Type == "" {
		return errors.Wrapf(ErrEmptyKind, "record %s", r.ID)
	}
	if r.Props != nil && r.Props.Kind() != r.Type {
		return errors.Wrapf(ErrKindMismatch, "record %s: type %q, props %q", r.ID, r.Type, r.Props.Kind())
	}
	return nil
}
