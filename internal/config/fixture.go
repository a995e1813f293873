package config

import (
	"encoding/json"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/session"
)

// Fixture is a seed file: sessions and their initial records.
//
//	sessions:
//	  - id: s1
//	    ownerId: alice
//	    records:
//	      - {id: "box:1", type: box, x: 10, y: 20, props: {w: 100, h: 50}}
type Fixture struct {
	Sessions []FixtureSession `yaml:"sessions" validate:"dive"`
}

type FixtureSession struct {
	session.Session `yaml:",inline"`
	Records         []record.Record `yaml:"-"`
}

type rawFixture struct {
	Sessions []struct {
		session.Session `yaml:",inline"`
		Records         []map[string]any `yaml:"records"`
	} `yaml:"sessions"`
}

// LoadFixture reads a seed file from path.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, errors.Wrapf(err, "read fixture %s", path)
	}
	return ParseFixture(data)
}

// ParseFixture decodes a seed document. Every record is checked against the
// record schema.
func ParseFixture(data []byte) (Fixture, error) {
	var raw rawFixture
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Fixture{}, errors.Wrap(ErrInvalidFixture, err.Error())
	}

	var fx Fixture
	for _, rs := range raw.Sessions {
		fs := FixtureSession{Session: rs.Session}
		for i, m := range rs.Records {
			body, err := json.Marshal(m)
			if err != nil {
				return Fixture{}, errors.Wrapf(ErrInvalidFixture, "session %s record %d: %v", rs.ID, i, err)
			}
			if err := record.ValidateJSON(body); err != nil {
				return Fixture{}, errors.Wrapf(ErrInvalidFixture, "session %s record %d: %v", rs.ID, i, err)
			}
			var rec record.Record
			if err := json.Unmarshal(body, &rec); err != nil {
				return Fixture{}, errors.Wrapf(ErrInvalidFixture, "session %s record %d: %v", rs.ID, i, err)
			}
			fs.Records = append(fs.Records, rec)
		}
		fx.Sessions = append(fx.Sessions, fs)
	}

	if err := validator.New().Struct(fx); err != nil {
		return Fixture{}, errors.Wrap(ErrInvalidFixture, err.Error())
	}
	return fx, nil
}
