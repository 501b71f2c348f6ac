package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessageUserMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"user_message","text":"what is justice?"}`))
	require.NoError(t, err)
	um, ok := msg.(UserMessage)
	require.Truef(t, ok, "message type = %T, want UserMessage", msg)
	assert.Equal(t, "what is justice?", um.Text)
}

func TestParseClientMessageRejectsBlankText(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"user_message","text":"  "}`))
	require.Error(t, err)
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestParseClientMessageControl(t *testing.T) {
	for _, action := range []string{ActionCancel, ActionNewChat, ActionSkipAudio} {
		msg, err := ParseClientMessage([]byte(`{"type":"client_control","action":"` + action + `"}`))
		require.NoError(t, err, action)
		control, ok := msg.(ClientControl)
		require.Truef(t, ok, "message type = %T, want ClientControl", msg)
		assert.Equal(t, action, control.Action)
	}
}

func TestParseClientMessageRejectsUnknownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","action":"stop"}`))
	require.Error(t, err)
}

func TestParseClientMessageRejectsInvalidJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	require.Error(t, err)
}

func TestTypeOf(t *testing.T) {
	got, ok := TypeOf(PlaybackEvent{Type: TypePlaybackEvent})
	require.True(t, ok)
	assert.Equal(t, TypePlaybackEvent, got)

	_, ok = TypeOf("nope")
	assert.False(t, ok, "TypeOf(string) reported a known type")
}
