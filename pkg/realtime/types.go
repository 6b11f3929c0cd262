package realtime

import (
	"fmt"
	"time"
)

// SessionState enum
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateNegotiating SessionState = "negotiating"
	StateActive      SessionState = "active"
	StateClosed      SessionState = "closed"
)

// Startable reports whether a new session may be started from this state.
// Closed is treated exactly like Idle.
func (s SessionState) Startable() bool {
	return s == StateIdle || s == StateClosed || s == ""
}

// Voice enum
type Voice string

const (
	VoiceVerse   Voice = "verse"
	VoiceAlloy   Voice = "alloy"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceShimmer Voice = "shimmer"
)

// SupportedVoices lists the voices in the order they are offered to users.
var SupportedVoices = []Voice{VoiceVerse, VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer}

func (v Voice) Valid() bool {
	for _, sv := range SupportedVoices {
		if v == sv {
			return true
		}
	}
	return false
}

const (
	DefaultModel        = "gpt-4o-realtime-preview-2024-12-17"
	DefaultVoice        = VoiceVerse
	DefaultInstructions = "Answer the user's questions."
)

// SessionParams is the model/voice/instructions selection for one session.
type SessionParams struct {
	Model        string `json:"model"`
	Voice        Voice  `json:"voice"`
	Instructions string `json:"instructions"`
}

func DefaultSessionParams() SessionParams {
	return SessionParams{
		Model:        DefaultModel,
		Voice:        DefaultVoice,
		Instructions: DefaultInstructions,
	}
}

func (p SessionParams) Validate() error {
	if p.Model == "" {
		return NewConfigError("model is required")
	}
	if !p.Voice.Valid() {
		return NewConfigError(fmt.Sprintf("unsupported voice %q", p.Voice)).AddDetail("voice", string(p.Voice))
	}
	return nil
}

// Role of a conversation turn
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// Turn is one attributed utterance in the reconstructed conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	EventID string    `json:"event_id,omitempty"`
	At      time.Time `json:"at"`
}

// Direction of a logged event
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Handler types
type EventHandler func(LogEntry)
type TurnHandler func(Turn)
type StateHandler func(SessionState)
type ErrorHandler func(*RealtimeError)
