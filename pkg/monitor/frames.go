package monitor

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

const (
	KindEvent = "event"
	KindTurn  = "turn"
	KindState = "state"
	KindError = "error"
)

// Frame is one server-to-client message.
type Frame struct {
	Kind  string                `json:"kind"`
	At    time.Time             `json:"at"`
	Event *realtime.LogEntry    `json:"event,omitempty"`
	Turn  *realtime.Turn        `json:"turn,omitempty"`
	State realtime.SessionState `json:"state,omitempty"`
	Error *ErrorPayload         `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func EventFrame(e realtime.LogEntry) Frame {
	return Frame{Kind: KindEvent, At: e.Timestamp, Event: &e}
}

func TurnFrame(t realtime.Turn) Frame {
	return Frame{Kind: KindTurn, At: t.At, Turn: &t}
}

func StateFrame(s realtime.SessionState) Frame {
	return Frame{Kind: KindState, At: time.Now(), State: s}
}

func ErrorFrame(err *realtime.RealtimeError) Frame {
	return Frame{
		Kind:  KindError,
		At:    err.Timestamp,
		Error: &ErrorPayload{Code: err.Code, Message: err.Error()},
	}
}

// ErrorFrameFrom also accepts joined errors, reporting the first
// RealtimeError found.
func ErrorFrameFrom(err error) Frame {
	var re *realtime.RealtimeError
	if errors.As(err, &re) {
		f := ErrorFrame(re)
		f.Error.Message = err.Error()
		return f
	}
	return Frame{Kind: KindError, At: time.Now(), Error: &ErrorPayload{Message: err.Error()}}
}

const (
	InputText        = "text"
	InputClientEvent = "client_event"
)

// Input is one client-to-server message.
type Input struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
}
