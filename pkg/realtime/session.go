package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/rojolang/vocals-rt-go/pkg/realtime"

var tracer = otel.Tracer(scopeName)

// Session is the controller for one realtime conversation at a time. All
// state, the event log and the history are guarded by mu; observers are
// called outside the lock, in the order the events were processed.
type Session struct {
	config      *Config
	credentials CredentialSource
	negotiator  Negotiator
	logger      *Logger
	now         func() time.Time

	mu         sync.Mutex
	state      SessionState
	params     SessionParams
	link       *Link
	generation uint64
	events     *EventLog
	history    *ConversationHistory

	eventHandlers handlerSet[EventHandler]
	turnHandlers  handlerSet[TurnHandler]
	stateHandlers handlerSet[StateHandler]
	errorHandlers handlerSet[ErrorHandler]
}

func NewSession(config *Config, credentials CredentialSource, negotiator Negotiator) *Session {
	if config == nil {
		config = NewConfig()
	}
	return &Session{
		config:      config,
		credentials: credentials,
		negotiator:  negotiator,
		logger:      GetGlobalLogger().WithComponent("Session"),
		now:         time.Now,
		state:       StateIdle,
		params:      config.Params,
		events:      NewEventLog(),
		history:     NewConversationHistory(),
	}
}

// NewDefaultSession wires the HTTP credential fetcher and a WebRTC negotiator
// with the default microphone and speaker. With textOnly set no audio device
// is opened and remote audio is discarded.
func NewDefaultSession(config *Config, textOnly bool) (*Session, error) {
	if config == nil {
		config = NewConfig()
	}
	var (
		mic  MediaSource
		sink PlaybackSink
	)
	if !textOnly {
		mic = NewPortAudioMicrophone(config.AudioInputDevice)
		sink = NewPortAudioSpeaker(config.AudioOutputDevice)
	}
	negotiator, err := NewWebRTCNegotiator(config, mic, sink, NewHTTPSDPExchanger(config.RealtimeURL))
	if err != nil {
		return nil, NewNegotiationError("failed to build negotiator", err)
	}
	return NewSession(config, NewCredentialFetcher(config.TokenEndpoint, config.Headers), negotiator), nil
}

// Start fetches a credential and negotiates the transport. It returns once the
// answer is applied; the session becomes active when the event channel opens.
// Starting a session that is not idle fails with SESSION_BUSY.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Startable() {
		state := s.state
		s.mu.Unlock()
		err := NewSessionBusyError(state)
		s.logger.LogError(err)
		return err
	}
	params := s.params
	if err := params.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.generation++
	gen := s.generation
	s.history.reset()
	s.state = StateNegotiating
	s.mu.Unlock()

	s.logger.LogSessionEvent("start", StateNegotiating, map[string]interface{}{
		"model": params.Model,
		"voice": string(params.Voice),
	})
	s.notifyState(StateNegotiating)

	if s.config.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.NegotiationTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "session.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.model", params.Model),
		attribute.String("session.voice", string(params.Voice)),
	)

	credential, err := s.credentials.Fetch(ctx, params)
	if err != nil {
		if CodeOf(err) == "" {
			err = NewCredentialError("failed to fetch credential", err)
		}
		return s.abortStart(gen, err, span)
	}
	span.AddEvent("credential issued")

	link, err := s.negotiator.Negotiate(ctx, params, credential, s.channelHandlers(gen))
	if err != nil {
		if CodeOf(err) == "" {
			err = NewNegotiationError("negotiation failed", err)
		}
		return s.abortStart(gen, err, span)
	}
	span.AddEvent("answer applied")

	s.mu.Lock()
	if s.generation != gen || s.state != StateNegotiating {
		s.mu.Unlock()
		s.closeLink(link)
		err := NewNegotiationError("session ended during negotiation", nil)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Message)
		return err
	}
	s.link = link
	s.mu.Unlock()

	// the channel may have opened before the link was stored
	if link.Channel.IsOpen() {
		s.activate(gen)
	}
	return nil
}

func (s *Session) abortStart(gen uint64, err error, span trace.Span) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	s.mu.Lock()
	reset := s.generation == gen && s.state == StateNegotiating
	if reset {
		s.state = StateIdle
	}
	s.mu.Unlock()

	var re *RealtimeError
	if errors.As(err, &re) {
		s.logger.LogError(re)
	}
	if reset {
		s.notifyState(StateIdle)
	}
	return err
}

func (s *Session) channelHandlers(gen uint64) ChannelHandlers {
	return ChannelHandlers{
		OnOpen:    func() { s.activate(gen) },
		OnMessage: func(data []byte) { s.handleMessage(gen, data) },
		OnClose:   func() { s.handleChannelEnd(gen, nil) },
		OnError:   func(err error) { s.handleChannelEnd(gen, err) },
	}
}

func (s *Session) activate(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.state != StateNegotiating || s.link == nil {
		s.mu.Unlock()
		return
	}
	s.events.Clear()
	s.state = StateActive
	label := s.link.Channel.Label()
	s.mu.Unlock()

	s.logger.LogSessionEvent("channel_open", StateActive, map[string]interface{}{"channel": label})
	s.notifyState(StateActive)
}

func (s *Session) handleMessage(gen uint64, data []byte) {
	if !s.isCurrent(gen) {
		return
	}
	evt, err := ParseServerEvent(data)
	if err != nil {
		var re *RealtimeError
		if errors.As(err, &re) {
			s.logger.LogError(re)
			s.notifyError(re)
		}
		return
	}

	at := s.now()
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	entry := s.events.RecordInbound(evt, at)
	turns := Interpret(evt, at)
	s.history.Append(turns...)
	s.mu.Unlock()

	if s.config.DebugChannel {
		s.logger.LogChannelEvent(Inbound, entry.Type, entry.EventID)
	}
	if e, ok := evt.(ErrorEvent); ok {
		re := NewRealtimeError(e.Error.Message, ErrCodeServerError).
			AddDetail("type", e.Error.Type).
			AddDetail("code", e.Error.Code)
		s.logger.LogError(re)
		s.notifyError(re)
	}

	s.notifyEvent(entry)
	for _, turn := range turns {
		s.notifyTurn(turn)
	}
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// handleChannelEnd tears the session down when the remote side closes the
// channel or the transport fails. Before Start has stored the link it only
// invalidates the attempt; Start then closes the link and fails.
func (s *Session) handleChannelEnd(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if s.link == nil {
		if s.state != StateNegotiating {
			s.mu.Unlock()
			return
		}
		s.generation++
		s.state = StateIdle
		s.mu.Unlock()

		if cause != nil {
			re := WrapError(cause, ErrCodeChannelUnavailable, "event channel failed during negotiation")
			s.logger.LogError(re)
			s.notifyError(re)
		}
		s.logger.LogSessionEvent("channel_closed", StateIdle, map[string]interface{}{"during": "negotiation"})
		s.notifyState(StateIdle)
		return
	}
	link := s.link
	s.link = nil
	s.generation++
	s.state = StateClosed
	s.mu.Unlock()

	if cause != nil {
		re := WrapError(cause, ErrCodeChannelUnavailable, "event channel failed")
		s.logger.LogError(re)
		s.notifyError(re)
	}
	s.logger.LogSessionEvent("channel_closed", StateClosed, nil)
	// closing from inside a transport callback must not block it
	go s.closeLink(link)
	s.notifyState(StateClosed)
}

// Stop closes the channel, stops outbound media, closes the transport and
// returns to idle. It is idempotent and safe during negotiation.
func (s *Session) Stop() {
	s.mu.Lock()
	link := s.link
	s.link = nil
	s.generation++
	prev := s.state
	s.state = StateIdle
	s.mu.Unlock()

	s.closeLink(link)
	if prev != StateIdle {
		s.logger.LogSessionEvent("stop", StateIdle, map[string]interface{}{"previous": string(prev)})
		s.notifyState(StateIdle)
	}
}

func (s *Session) closeLink(link *Link) {
	if link == nil {
		return
	}
	if link.Channel != nil {
		if err := link.Channel.Close(); err != nil {
			s.logger.WithError(err).Debug("Event channel close failed")
		}
	}
	if link.Transport != nil {
		link.Transport.StopTracks()
		if err := link.Transport.Close(); err != nil {
			s.logger.WithError(err).Debug("Transport close failed")
		}
	}
}

// SendClientEvent sends evt on the open channel, assigning an event_id when
// it has none. Without an open channel the event is dropped and
// CHANNEL_UNAVAILABLE is returned.
func (s *Session) SendClientEvent(evt ClientEvent) error {
	if evt == nil {
		return NewConfigError("nil client event")
	}

	s.mu.Lock()
	if s.state != StateActive || s.link == nil || !s.link.Channel.IsOpen() {
		s.mu.Unlock()
		err := NewChannelUnavailableError(evt.Type())
		s.logger.LogError(err)
		return err
	}
	if evt.ID() == "" {
		evt = evt.WithID(uuid.NewString())
	}
	data, err := encodeClientEvent(evt)
	if err != nil {
		s.mu.Unlock()
		return WrapError(err, ErrCodeConfigInvalid, "unencodable client event")
	}
	entry := s.events.RecordOutbound(evt, data, s.now())
	sendErr := s.link.Channel.SendText(string(data))
	s.mu.Unlock()

	if s.config.DebugChannel {
		s.logger.LogChannelEvent(Outbound, entry.Type, entry.EventID)
	}
	s.notifyEvent(entry)

	if sendErr != nil {
		re := WrapError(sendErr, ErrCodeChannelUnavailable, "send failed").AddDetail("event_type", evt.Type())
		s.logger.LogError(re)
		return re
	}
	return nil
}

// SendTextMessage adds a user text item and asks for a response. The two
// sends are independent: the second is attempted even if the first fails.
func (s *Session) SendTextMessage(text string) error {
	itemErr := s.SendClientEvent(NewUserTextItem(text))
	responseErr := s.SendClientEvent(ResponseCreate{})
	return errors.Join(itemErr, responseErr)
}

// WaitActive blocks until the channel opens, the session ends, or ctx is done.
func (s *Session) WaitActive(ctx context.Context) error {
	result := make(chan SessionState, 1)
	unsubscribe := s.AddStateHandler(func(state SessionState) {
		if state == StateNegotiating {
			return
		}
		select {
		case result <- state:
		default:
		}
	})
	defer unsubscribe()

	switch s.State() {
	case StateActive:
		return nil
	case StateIdle, StateClosed:
		return NewRealtimeError("session is not starting", ErrCodeChannelUnavailable)
	}

	select {
	case state := <-result:
		if state == StateActive {
			return nil
		}
		return NewRealtimeError("session ended before the channel opened", ErrCodeChannelUnavailable).
			AddDetail("state", string(state))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsActive() bool {
	return s.State() == StateActive
}

// Link returns the current transport and channel, or nil.
func (s *Session) Link() *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Events returns the event log, newest first.
func (s *Session) Events() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.Entries()
}

// Messages returns the conversation, oldest first.
func (s *Session) Messages() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Turns()
}

func (s *Session) Params() SessionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetParams replaces the parameters used by the next Start.
func (s *Session) SetParams(params SessionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Startable() {
		return NewSessionBusyError(s.state)
	}
	s.params = params
	return nil
}

func (s *Session) AddEventHandler(h EventHandler) func() { return s.eventHandlers.add(h) }
func (s *Session) AddTurnHandler(h TurnHandler) func()   { return s.turnHandlers.add(h) }
func (s *Session) AddStateHandler(h StateHandler) func() { return s.stateHandlers.add(h) }
func (s *Session) AddErrorHandler(h ErrorHandler) func() { return s.errorHandlers.add(h) }

func (s *Session) notifyEvent(e LogEntry) {
	for _, h := range s.eventHandlers.snapshot() {
		h(e)
	}
}

func (s *Session) notifyTurn(t Turn) {
	for _, h := range s.turnHandlers.snapshot() {
		h(t)
	}
}

func (s *Session) notifyState(state SessionState) {
	for _, h := range s.stateHandlers.snapshot() {
		h(state)
	}
}

func (s *Session) notifyError(err *RealtimeError) {
	for _, h := range s.errorHandlers.snapshot() {
		h(err)
	}
}

// handlerSet keeps handlers in registration order.
type handlerSet[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id int
	h  T
}

func (hs *handlerSet[T]) add(h T) func() {
	hs.mu.Lock()
	hs.nextID++
	id := hs.nextID
	hs.entries = append(hs.entries, handlerEntry[T]{id: id, h: h})
	hs.mu.Unlock()

	return func() {
		hs.mu.Lock()
		defer hs.mu.Unlock()
		for i, e := range hs.entries {
			if e.id == id {
				hs.entries = append(hs.entries[:i:i], hs.entries[i+1:]...)
				return
			}
		}
	}
}

func (hs *handlerSet[T]) snapshot() []T {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]T, len(hs.entries))
	for i, e := range hs.entries {
		out[i] = e.h
	}
	return out
}
