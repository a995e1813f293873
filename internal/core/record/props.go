package record

import (
	"encoding/json"
	"maps"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type BoxProps struct {
	W     float64 `json:"w"`
	H     float64 `json:"h"`
	Fill  string  `json:"fill,omitempty"`
	Color string  `json:"color,omitempty"`
}

func (BoxProps) Kind() Kind { return KindBox }

type TextProps struct {
	Text  string  `json:"text"`
	Size  string  `json:"size,omitempty"`
	Color string  `json:"color,omitempty"`
	W     float64 `json:"w,omitempty"`
}

func (TextProps) Kind() Kind { return KindText }

type ArrowProps struct {
	Start Point  `json:"start"`
	End   Point  `json:"end"`
	From  ID     `json:"from,omitempty"`
	To    ID     `json:"to,omitempty"`
	Color string `json:"color,omitempty"`
}

func (ArrowProps) Kind() Kind { return KindArrow }

// ExtensionProps holds the property bag of a kind this build does not model.
type ExtensionProps struct {
	Type   Kind
	Fields map[string]any
}

func (e ExtensionProps) Kind() Kind { return e.Type }

func (e ExtensionProps) clone() ExtensionProps {
	out := ExtensionProps{Type: e.Type}
	if e.Fields != nil {
		out.Fields = deepCopy(e.Fields)
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := maps.Clone(m)
	for k, v := range out {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopy(vv)
		case []any:
			cp := make([]any, len(vv))
			for i, item := range vv {
				if mm, ok := item.(map[string]any); ok {
					cp[i] = deepCopy(mm)
				} else {
					cp[i] = item
				}
			}
			out[k] = cp
		}
	}
	return out
}

func decodeProps(kind Kind, raw json.RawMessage) (Props, error) {
	empty := len(raw) == 0 || string(raw) == "null"
	switch kind {
	case KindBox:
		var p BoxProps
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	case KindText:
		var p TextProps
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	case KindArrow:
		var p ArrowProps
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	default:
		if empty {
			return ExtensionProps{Type: kind}, nil
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		return ExtensionProps{Type: kind, Fields: fields}, nil
	}
}
