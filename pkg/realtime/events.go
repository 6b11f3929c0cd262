package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Wire event types
const (
	EventTypeResponseDone                = "response.done"
	EventTypeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTypeError                       = "error"
	EventTypeConversationItemCreate      = "conversation.item.create"
	EventTypeResponseCreate              = "response.create"
	EventTypeSessionUpdate               = "session.update"
	ContentTypeAudio                     = "audio"
	ContentTypeText                      = "text"
	ContentTypeInputText                 = "input_text"
	ItemTypeMessage                      = "message"
	ItemRoleUser                         = "user"
	ItemRoleAssistant                    = "assistant"
)

// IsDeltaType reports whether t is an incremental event type. Displays hide
// these; the event log keeps them.
func IsDeltaType(t string) bool {
	return strings.HasSuffix(t, "delta")
}

// ServerEvent is an inbound event from the model. The set of variants is
// closed: ResponseDoneEvent, InputAudioTranscriptionCompletedEvent,
// ErrorEvent and UnknownEvent.
type ServerEvent interface {
	Type() string
	ID() string
	Raw() json.RawMessage
	serverEvent()
}

type serverEventBase struct {
	EventType string `json:"type"`
	EventID   string `json:"event_id,omitempty"`
	raw       json.RawMessage
}

func (b serverEventBase) Type() string         { return b.EventType }
func (b serverEventBase) ID() string           { return b.EventID }
func (b serverEventBase) Raw() json.RawMessage { return b.raw }
func (serverEventBase) serverEvent()           {}

// ResponseDoneEvent closes a model response and carries its output items.
type ResponseDoneEvent struct {
	serverEventBase
	Response Response `json:"response"`
}

type Response struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
}

type OutputItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type,omitempty"`
	Role    string        `json:"role,omitempty"`
	Status  string        `json:"status,omitempty"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// InputAudioTranscriptionCompletedEvent carries the transcript of what the user said.
type InputAudioTranscriptionCompletedEvent struct {
	serverEventBase
	ItemID       string `json:"item_id,omitempty"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type ErrorEvent struct {
	serverEventBase
	Error ServerError `json:"error"`
}

type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// UnknownEvent is any event type the interpreter does not classify.
type UnknownEvent struct {
	serverEventBase
}

// ParseServerEvent decodes one channel message. Only a payload that is not
// valid JSON is a MALFORMED_EVENT. Valid JSON without a string "type" becomes
// an UnknownEvent, and a field with an unexpected JSON type is left at its
// zero value while the rest of the event is kept.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	if !json.Valid(data) {
		return nil, NewMalformedEventError(errors.New("invalid JSON"), len(data))
	}

	base := serverEventBase{raw: append(json.RawMessage(nil), data...)}
	var fields map[string]json.RawMessage
	if json.Unmarshal(data, &fields) == nil {
		if v, ok := fields["type"]; ok {
			_ = json.Unmarshal(v, &base.EventType)
		}
		if v, ok := fields["event_id"]; ok {
			_ = json.Unmarshal(v, &base.EventID)
		}
	}

	// data is valid JSON, so Unmarshal can only fail on type mismatches, and
	// it still fills every field that did match.
	switch base.EventType {
	case EventTypeResponseDone:
		var e ResponseDoneEvent
		_ = json.Unmarshal(data, &e)
		e.serverEventBase = base
		return e, nil
	case EventTypeInputTranscriptionCompleted:
		var e InputAudioTranscriptionCompletedEvent
		_ = json.Unmarshal(data, &e)
		e.serverEventBase = base
		return e, nil
	case EventTypeError:
		var e ErrorEvent
		_ = json.Unmarshal(data, &e)
		e.serverEventBase = base
		return e, nil
	default:
		return UnknownEvent{serverEventBase: base}, nil
	}
}

// ClientEvent is an outbound event. Variants are values; WithID returns a
// copy so an event handed to the channel is never mutated.
type ClientEvent interface {
	Type() string
	ID() string
	WithID(id string) ClientEvent
}

type ConversationItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ItemContent `json:"content,omitempty"`
}

type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type ConversationItemCreate struct {
	EventID        string
	PreviousItemID string
	Item           ConversationItem
}

func (e ConversationItemCreate) Type() string { return EventTypeConversationItemCreate }
func (e ConversationItemCreate) ID() string   { return e.EventID }

func (e ConversationItemCreate) WithID(id string) ClientEvent {
	e.EventID = id
	e.Item.Content = append([]ItemContent(nil), e.Item.Content...)
	return e
}

func (e ConversationItemCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type           string           `json:"type"`
		EventID        string           `json:"event_id,omitempty"`
		PreviousItemID string           `json:"previous_item_id,omitempty"`
		Item           ConversationItem `json:"item"`
	}{e.Type(), e.EventID, e.PreviousItemID, e.Item})
}

type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Voice        Voice    `json:"voice,omitempty"`
}

type ResponseCreate struct {
	EventID  string
	Response *ResponseOptions
}

func (e ResponseCreate) Type() string { return EventTypeResponseCreate }
func (e ResponseCreate) ID() string   { return e.EventID }

func (e ResponseCreate) WithID(id string) ClientEvent {
	e.EventID = id
	if e.Response != nil {
		opts := *e.Response
		e.Response = &opts
	}
	return e
}

func (e ResponseCreate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string           `json:"type"`
		EventID  string           `json:"event_id,omitempty"`
		Response *ResponseOptions `json:"response,omitempty"`
	}{e.Type(), e.EventID, e.Response})
}

type TranscriptionOptions struct {
	Model string `json:"model"`
}

type SessionOptions struct {
	Instructions            string                `json:"instructions,omitempty"`
	Voice                   Voice                 `json:"voice,omitempty"`
	Modalities              []string              `json:"modalities,omitempty"`
	InputAudioTranscription *TranscriptionOptions `json:"input_audio_transcription,omitempty"`
}

type SessionUpdate struct {
	EventID string
	Session SessionOptions
}

func (e SessionUpdate) Type() string { return EventTypeSessionUpdate }
func (e SessionUpdate) ID() string   { return e.EventID }

func (e SessionUpdate) WithID(id string) ClientEvent {
	e.EventID = id
	return e
}

func (e SessionUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string         `json:"type"`
		EventID string         `json:"event_id,omitempty"`
		Session SessionOptions `json:"session"`
	}{e.Type(), e.EventID, e.Session})
}

// RawClientEvent is the catch-all outbound variant for event types without a
// dedicated struct.
type RawClientEvent struct {
	Fields map[string]interface{}
}

func NewRawClientEvent(fields map[string]interface{}) (RawClientEvent, error) {
	t, ok := fields["type"].(string)
	if !ok || t == "" {
		return RawClientEvent{}, NewConfigError("client event requires a string type")
	}
	return RawClientEvent{Fields: fields}, nil
}

// ParseClientEvent decodes a JSON object into a RawClientEvent.
func ParseClientEvent(data []byte) (RawClientEvent, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return RawClientEvent{}, WrapError(err, ErrCodeConfigInvalid, "client event is not a JSON object")
	}
	return NewRawClientEvent(fields)
}

func (e RawClientEvent) Type() string {
	t, _ := e.Fields["type"].(string)
	return t
}

func (e RawClientEvent) ID() string {
	id, _ := e.Fields["event_id"].(string)
	return id
}

func (e RawClientEvent) WithID(id string) ClientEvent {
	fields := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields["event_id"] = id
	return RawClientEvent{Fields: fields}
}

func (e RawClientEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields)
}

// NewUserTextItem builds the conversation.item.create carrying one user text message.
func NewUserTextItem(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Item: ConversationItem{
			Type: ItemTypeMessage,
			Role: ItemRoleUser,
			Content: []ItemContent{
				{Type: ContentTypeInputText, Text: text},
			},
		},
	}
}

func encodeClientEvent(evt ClientEvent) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Type(), err)
	}
	return data, nil
}
