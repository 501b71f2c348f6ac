package voiceprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/personachat/internal/backend"
)

const sample = `
default:
  voice: aixia
personas:
  socrates:
    voice: aicheng
    label: Calm baritone
  generic-guide:
    format: wav
    sample_rate: 8000
`

func TestParseLayersProfiles(t *testing.T) {
	set, err := Parse([]byte(sample), Profile{Format: "mp3"})
	require.NoError(t, err)

	assert.Equal(t, Profile{Voice: "aixia", Format: "mp3", SampleRate: 16000}, set.Default())
	assert.Equal(t, Profile{Voice: "aicheng", Format: "mp3", SampleRate: 16000, Label: "Calm baritone"}, set.For("socrates"))
	assert.Equal(t, Profile{Voice: "aixia", Format: "wav", SampleRate: 8000}, set.For("generic-guide"))
	assert.Equal(t, set.Default(), set.For("unknown"))
	assert.Equal(t, []string{"generic-guide", "socrates"}, set.Personas())
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	cases := map[string]string{
		"format":      "personas:\n  socrates:\n    format: ogg\n",
		"sample rate": "default:\n  sample_rate: 1000\n",
		"empty id":    "personas:\n  \"\":\n    voice: x\n",
		"yaml":        "default: [unterminated",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), Profile{})
			require.Error(t, err)
		})
	}
}

func TestLoadWithoutPathUsesBase(t *testing.T) {
	set, err := Load("", Profile{Voice: "ruoxi"})
	require.NoError(t, err)
	assert.Equal(t, "ruoxi", set.Default().Voice)
	assert.Equal(t, backend.DefaultFormat, set.Default().Format)
	assert.Empty(t, set.Personas())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	set, err := Load(path, Profile{})
	require.NoError(t, err)
	assert.Equal(t, "aicheng", set.For("socrates").Voice)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), Profile{})
	require.Error(t, err)
}

func TestTTSOptions(t *testing.T) {
	opts := Profile{Voice: "aixia", Format: "wav", SampleRate: 8000, Label: "x"}.TTSOptions()
	assert.Equal(t, backend.TTSOptions{Voice: "aixia", Format: "wav", SampleRate: 8000}, opts)
}
