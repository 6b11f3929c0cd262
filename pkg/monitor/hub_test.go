package monitor

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rojolang/vocals-rt-go/pkg/realtime"
)

func init() {
	realtime.SetGlobalLogger(realtime.NopLogger())
}

type fakeSession struct {
	mu       sync.Mutex
	events   []realtime.EventHandler
	turns    []realtime.TurnHandler
	states   []realtime.StateHandler
	errs     []realtime.ErrorHandler
	texts    []string
	sent     []realtime.ClientEvent
	sendErr  error
	state    realtime.SessionState
	messages []realtime.Turn
}

func (f *fakeSession) AddEventHandler(h realtime.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, h)
	return func() {}
}

func (f *fakeSession) AddTurnHandler(h realtime.TurnHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, h)
	return func() {}
}

func (f *fakeSession) AddStateHandler(h realtime.StateHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, h)
	return func() {}
}

func (f *fakeSession) AddErrorHandler(h realtime.ErrorHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, h)
	return func() {}
}

func (f *fakeSession) SendTextMessage(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.sendErr
}

func (f *fakeSession) SendClientEvent(evt realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, evt)
	return f.sendErr
}

func (f *fakeSession) State() realtime.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Messages() []realtime.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Turn(nil), f.messages...)
}

func (f *fakeSession) emitEvent(e realtime.LogEntry) {
	for _, h := range f.events {
		h(e)
	}
}

func (f *fakeSession) emitTurn(t realtime.Turn) {
	for _, h := range f.turns {
		h(t)
	}
}

func (f *fakeSession) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeSession) Sent() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientEvent(nil), f.sent...)
}

func setup(t *testing.T, session *fakeSession) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(session, DefaultConfig())
	e := echo.New()
	hub.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	return hub, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSnapshotOnConnect(t *testing.T) {
	session := &fakeSession{
		state: realtime.StateActive,
		messages: []realtime.Turn{
			{Role: realtime.RoleHuman, Text: "hi"},
			{Role: realtime.RoleAI, Text: "hello"},
		},
	}
	_, conn := setup(t, session)

	f := readFrame(t, conn)
	assert.Equal(t, KindState, f.Kind)
	assert.Equal(t, realtime.StateActive, f.State)

	f = readFrame(t, conn)
	require.Equal(t, KindTurn, f.Kind)
	assert.Equal(t, "hi", f.Turn.Text)
	f = readFrame(t, conn)
	assert.Equal(t, "hello", f.Turn.Text)
}

func TestBroadcastSuppressesDeltas(t *testing.T) {
	session := &fakeSession{state: realtime.StateActive}
	_, conn := setup(t, session)
	readFrame(t, conn) // state snapshot

	session.emitEvent(realtime.LogEntry{Direction: realtime.Inbound, Type: "response.audio_transcript.delta", Raw: json.RawMessage(`{}`)})
	session.emitEvent(realtime.LogEntry{Direction: realtime.Inbound, Type: "response.done", EventID: "ev_1", Raw: json.RawMessage(`{"type":"response.done"}`)})
	session.emitTurn(realtime.Turn{Role: realtime.RoleAI, Text: "It is noon."})

	f := readFrame(t, conn)
	require.Equal(t, KindEvent, f.Kind)
	assert.Equal(t, "response.done", f.Event.Type)
	assert.Equal(t, "ev_1", f.Event.EventID)

	f = readFrame(t, conn)
	require.Equal(t, KindTurn, f.Kind)
	assert.Equal(t, realtime.RoleAI, f.Turn.Role)
}

func TestTextInput(t *testing.T) {
	session := &fakeSession{state: realtime.StateActive}
	_, conn := setup(t, session)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Input{Type: InputText, Text: "hello"}))
	require.Eventually(t, func() bool { return len(session.Texts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hello", session.Texts()[0])
}

func TestClientEventInput(t *testing.T) {
	session := &fakeSession{state: realtime.StateActive}
	_, conn := setup(t, session)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Input{Type: InputClientEvent, Event: json.RawMessage(`{"type":"response.cancel"}`)}))
	require.Eventually(t, func() bool { return len(session.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "response.cancel", session.Sent()[0].Type())
}

func TestInputErrorsGoToSender(t *testing.T) {
	session := &fakeSession{state: realtime.StateIdle, sendErr: realtime.NewChannelUnavailableError("conversation.item.create")}
	_, conn := setup(t, session)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Input{Type: InputText, Text: "hello"}))
	f := readFrame(t, conn)
	require.Equal(t, KindError, f.Kind)
	assert.Equal(t, realtime.ErrCodeChannelUnavailable, f.Error.Code)

	require.NoError(t, conn.WriteJSON(Input{Type: InputClientEvent, Event: json.RawMessage(`{"no_type":1}`)}))
	f = readFrame(t, conn)
	assert.Equal(t, realtime.ErrCodeConfigInvalid, f.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	f = readFrame(t, conn)
	assert.Equal(t, KindError, f.Kind)
}

func TestErrorFrameFromJoined(t *testing.T) {
	err := errors.Join(realtime.NewChannelUnavailableError("a"), realtime.NewChannelUnavailableError("b"))
	f := ErrorFrameFrom(err)
	assert.Equal(t, realtime.ErrCodeChannelUnavailable, f.Error.Code)

	f = ErrorFrameFrom(errors.New("plain"))
	assert.Equal(t, "", f.Error.Code)
	assert.Equal(t, "plain", f.Error.Message)
}

func TestCloseDropsConnections(t *testing.T) {
	session := &fakeSession{state: realtime.StateIdle}
	hub, conn := setup(t, session)
	readFrame(t, conn)

	hub.Close()
	assert.Equal(t, 0, hub.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
