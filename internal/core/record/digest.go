package record

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/gowebpki/jcs"
	"github.com/pkg/errors"
)

// Canonical returns the RFC 8785 form of the record's JSON encoding.
func (r Record) Canonical() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "canonicalize %s", r.ID)
	}
	return out, nil
}

// Digest hashes the canonical form, so two records that differ only in map
// ordering or number spelling share a digest.
func (r Record) Digest() (uint64, error) {
	canonical, err := r.Canonical()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(canonical), nil
}

// Equal reports content equality. Records that cannot be encoded never
// compare equal.
func Equal(a, b Record) bool {
	if a.ID != b.ID || a.Type != b.Type {
		return false
	}
	da, err := a.Digest()
	if err != nil {
		return false
	}
	db, err := b.Digest()
	if err != nil {
		return false
	}
	return da == db
}
