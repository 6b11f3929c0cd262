package realtime

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	c := NewConfig()
	assert.Equal(t, DefaultTokenEndpoint, c.TokenEndpoint)
	assert.Equal(t, DefaultRealtimeURL, c.RealtimeURL)
	assert.Equal(t, DefaultSessionParams(), c.Params)
	assert.Equal(t, DefaultChannelLabel, c.ChannelLabel)
	assert.Zero(t, c.NegotiationTimeout)
	assert.Empty(t, c.Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("VOCALS_RT_TOKEN_ENDPOINT", "https://backend.example.com/token")
	t.Setenv("VOCALS_RT_MODEL", "gpt-4o-mini-realtime-preview")
	t.Setenv("VOCALS_RT_VOICE", "alloy")
	t.Setenv("VOCALS_RT_INSTRUCTIONS", "")
	t.Setenv("VOCALS_RT_NEGOTIATION_TIMEOUT", "15s")
	t.Setenv("VOCALS_RT_ICE_SERVERS", "stun:stun.l.google.com:19302, turn:turn.example.com")
	t.Setenv("VOCALS_RT_DEBUG_LEVEL", "debug")
	t.Setenv("VOCALS_RT_DEBUG_CHANNEL", "true")
	t.Setenv("VOCALS_RT_AUDIO_INPUT_DEVICE", "2")

	c := NewConfig()
	assert.Equal(t, "https://backend.example.com/token", c.TokenEndpoint)
	assert.Equal(t, "gpt-4o-mini-realtime-preview", c.Params.Model)
	assert.Equal(t, VoiceAlloy, c.Params.Voice)
	assert.Equal(t, "", c.Params.Instructions)
	assert.Equal(t, 15*time.Second, c.NegotiationTimeout)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "turn:turn.example.com"}, c.ICEServers)
	assert.Equal(t, "DEBUG", c.DebugLevel)
	assert.Equal(t, DebugLevel, c.LogLevel())
	assert.True(t, c.DebugChannel)
	require.NotNil(t, c.AudioInputDevice)
	assert.Equal(t, 2, *c.AudioInputDevice)
	assert.Nil(t, c.AudioOutputDevice)
	assert.Empty(t, c.Validate())
}

func TestConfigValidate(t *testing.T) {
	c := NewConfig()
	c.TokenEndpoint = "localhost:8000"
	c.Params.Voice = "robot"
	c.NegotiationTimeout = -time.Second
	c.ICEServers = []string{"http://nope"}
	c.DebugLevel = "LOUD"

	issues := c.Validate()
	assert.Len(t, issues, 5)
}

func TestPrintConfig(t *testing.T) {
	var buf bytes.Buffer
	NewConfig().PrintConfig(&buf)
	out := buf.String()
	assert.Contains(t, out, "Token Endpoint: "+DefaultTokenEndpoint)
	assert.Contains(t, out, "Negotiation Timeout: none")
	assert.Contains(t, out, "Audio Input Device: Default")
}

func TestSessionParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultSessionParams().Validate())
	assert.Error(t, SessionParams{Voice: VoiceVerse}.Validate())
	assert.Error(t, SessionParams{Model: DefaultModel, Voice: "robot"}.Validate())
}

func TestErrorCodes(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewCredentialError("token endpoint unreachable", cause)

	assert.Equal(t, "CREDENTIAL_FAILED: token endpoint unreachable: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, ErrCredential)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNegotiation)
	assert.True(t, IsStartFailure(err))
	assert.False(t, IsStartFailure(NewChannelUnavailableError("response.create")))
	assert.Equal(t, "", CodeOf(cause))

	busy := NewSessionBusyError(StateActive)
	state, ok := busy.GetDetail("state")
	require.True(t, ok)
	assert.Equal(t, "active", state)
}

func TestSessionStateStartable(t *testing.T) {
	assert.True(t, StateIdle.Startable())
	assert.True(t, StateClosed.Startable())
	assert.False(t, StateNegotiating.Startable())
	assert.False(t, StateActive.Startable())
}
