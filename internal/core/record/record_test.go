package record

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJSONKnownKinds(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"box", New("shape:1", 10, 20, BoxProps{W: 100, H: 50, Fill: "solid"})},
		{"text", New("shape:2", 0, 0, TextProps{Text: "hi", Size: "m"})},
		{"arrow", New("shape:3", 1, 1, ArrowProps{Start: Point{X: 0, Y: 0}, End: Point{X: 5, Y: 5}, From: "shape:1", To: "shape:2"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.rec)
			require.NoError(t, err)

			var got Record
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, tt.rec, got)
			assert.True(t, Equal(tt.rec, got))
		})
	}
}

func TestRecordUnknownKindKeepsProps(t *testing.T) {
	raw := []byte(`{"id":"shape:9","type":"sticky","x":1,"y":2,"props":{"text":"todo","tags":["a","b"],"meta":{"v":2}}}`)

	var rec Record
	require.NoError(t, json.Unmarshal(raw, &rec))
	ext, ok := rec.Props.(ExtensionProps)
	require.True(t, ok)
	assert.Equal(t, Kind("sticky"), ext.Kind())
	assert.Equal(t, "todo", ext.Fields["text"])

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestCloneDoesNotShareExtensionMaps(t *testing.T) {
	rec := Record{ID: "shape:1", Type: "sticky", Props: ExtensionProps{Type: "sticky", Fields: map[string]any{
		"meta": map[string]any{"v": 1.0},
	}}}
	cp := rec.Clone()
	cp.Props.(ExtensionProps).Fields["meta"].(map[string]any)["v"] = 2.0

	assert.Equal(t, 1.0, rec.Props.(ExtensionProps).Fields["meta"].(map[string]any)["v"])
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	var a, b Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":"s","type":"note","props":{"a":1,"b":2}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"type":"note","props":{"b":2,"a":1.0},"id":"s"}`), &b))
	assert.True(t, Equal(a, b))

	b.X = 3
	assert.False(t, Equal(a, b))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("shape:1", 0, 0, BoxProps{}).Validate())
	assert.ErrorIs(t, Record{Type: KindBox}.Validate(), ErrEmptyID)
	assert.ErrorIs(t, Record{ID: "x"}.Validate(), ErrEmptyKind)
	assert.ErrorIs(t, Record{ID: "x", Type: KindText, Props: BoxProps{}}.Validate(), ErrKindMismatch)
}

func TestValidateJSON(t *testing.T) {
	assert.NoError(t, ValidateJSON([]byte(`{"id":"shape:1","type":"box","x":1,"y":2,"props":{"w":3,"h":4}}`)))
	assert.ErrorIs(t, ValidateJSON([]byte(`{"type":"box"}`)), ErrInvalid)
	assert.ErrorIs(t, ValidateJSON([]byte(`{"id":"shape:1","type":"box","props":{"w":-1}}`)), ErrInvalid)
	assert.ErrorIs(t, ValidateJSON([]byte(`{"id":"shape:1","type":"box","x":"left"}`)), ErrInvalid)
}

func TestNewID(t *testing.T) {
	a := NewID(KindBox)
	b := NewID(KindBox)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(string(a), "box:"))
}
