// Package voiceprofile maps personas to the synthesis voice used for their
// replies. Profiles are read from a YAML file of the form:
//
//	default:
//	  voice: xiaoyun
//	  format: mp3
//	  sample_rate: 16000
//	personas:
//	  socrates:
//	    voice: aicheng
package voiceprofile

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/personachat/internal/backend"
)

type Profile struct {
	Voice      string `yaml:"voice" json:"voice"`
	Format     string `yaml:"format" json:"format"`
	SampleRate int    `yaml:"sample_rate" json:"sample_rate"`
	// Label is a human readable name shown by voice listings.
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// TTSOptions converts the profile into backend request options.
func (p Profile) TTSOptions() backend.TTSOptions {
	return backend.TTSOptions{Voice: p.Voice, Format: p.Format, SampleRate: p.SampleRate}
}

// over returns p with its zero fields taken from base.
func (p Profile) over(base Profile) Profile {
	if strings.TrimSpace(p.Voice) == "" {
		p.Voice = base.Voice
	}
	if strings.TrimSpace(p.Format) == "" {
		p.Format = base.Format
	}
	if p.SampleRate <= 0 {
		p.SampleRate = base.SampleRate
	}
	if p.Label == "" {
		p.Label = base.Label
	}
	return p
}

var builtin = Profile{
	Voice:      backend.DefaultVoice,
	Format:     backend.DefaultFormat,
	SampleRate: backend.DefaultSampleRate,
}

type fileFormat struct {
	Default  Profile            `yaml:"default"`
	Personas map[string]Profile `yaml:"personas"`
}

// Set resolves the profile for a persona.
type Set struct {
	def      Profile
	personas map[string]Profile
}

// New returns a set with a single default profile. Zero fields fall back to
// the backend defaults.
func New(def Profile) *Set {
	return &Set{def: def.over(builtin), personas: map[string]Profile{}}
}

// Load reads a profile file layered over base. An empty path yields base
// alone.
func Load(path string, base Profile) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		set := New(base)
		if err := validate("default", set.def); err != nil {
			return nil, err
		}
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice profiles: %w", err)
	}
	set, err := Parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("voice profiles %s: %w", path, err)
	}
	return set, nil
}

// Parse decodes a profile document. The file's default profile overrides
// base field by field; persona profiles override the resulting default.
func Parse(data []byte, base Profile) (*Set, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	set := New(f.Default.over(base))
	if err := validate("default", set.def); err != nil {
		return nil, err
	}
	for id, p := range f.Personas {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, errors.New("persona profile with empty id")
		}
		resolved := p.over(set.def)
		if err := validate(id, resolved); err != nil {
			return nil, err
		}
		set.personas[id] = resolved
	}
	return set, nil
}

func validate(name string, p Profile) error {
	switch strings.ToLower(p.Format) {
	case "mp3", "wav":
	default:
		return fmt.Errorf("%s: unsupported format %q (expected mp3|wav)", name, p.Format)
	}
	if p.SampleRate < 8000 || p.SampleRate > 48000 {
		return fmt.Errorf("%s: sample_rate %d out of range [8000,48000]", name, p.SampleRate)
	}
	return nil
}

func (s *Set) Default() Profile { return s.def }

// For returns the persona's profile, or the default when none is set.
func (s *Set) For(personaID string) Profile {
	if p, ok := s.personas[strings.TrimSpace(personaID)]; ok {
		return p
	}
	return s.def
}

// Personas lists the personas with their own profile, sorted.
func (s *Set) Personas() []string {
	out := make([]string, 0, len(s.personas))
	for id := range s.personas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
