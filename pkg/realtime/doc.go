// Package realtime runs a live audio and event session with a hosted speech
// model over WebRTC.
//
// # Overview
//
// A Session fetches a short-lived credential from a trusted backend, builds a
// peer connection carrying the microphone track and an ordered data channel
// named "oai-events", and exchanges SDP with the model endpoint in a single
// HTTP POST. Once the data channel opens the session is active:
//   - every inbound and outbound event is appended to an event log
//   - completed responses and input transcriptions become conversation turns
//   - remote audio is played as soon as the track arrives
//
// # Quick Start
//
//	config := realtime.NewConfig()
//	session, err := realtime.NewDefaultSession(config, false)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	session.AddTurnHandler(realtime.CreateTranscriptHandler(func(role realtime.Role, text string) {
//		fmt.Printf("%s: %s\n", role, text)
//	}))
//	session.AddErrorHandler(realtime.CreateErrorLoggingHandler("session"))
//
//	if err := session.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer session.Stop()
//
//	if err := session.WaitActive(ctx); err != nil {
//		log.Fatal(err)
//	}
//	_ = session.SendTextMessage("Hello there")
//
// # Configuration
//
// NewConfig reads VOCALS_RT_* variables, loading a .env file when present:
//
//	VOCALS_RT_TOKEN_ENDPOINT       credential endpoint (default http://localhost:8000/token)
//	VOCALS_RT_REALTIME_URL         SDP endpoint (default https://api.openai.com/v1/realtime)
//	VOCALS_RT_MODEL                model identifier
//	VOCALS_RT_VOICE                voice identifier
//	VOCALS_RT_INSTRUCTIONS         system instructions
//	VOCALS_RT_NEGOTIATION_TIMEOUT  Go duration, 0 disables
//	VOCALS_RT_ICE_SERVERS          comma separated STUN/TURN URLs
//
// # Events
//
// Server events decode into ResponseDoneEvent,
// InputAudioTranscriptionCompletedEvent, ErrorEvent or UnknownEvent. Client
// events are ConversationItemCreate, ResponseCreate, SessionUpdate or
// RawClientEvent for anything else. SendClientEvent fills in event_id when it
// is empty.
//
// # Error Handling
//
// Every error produced by the package is a *RealtimeError with a stable code:
//
//	if realtime.IsErrorCode(err, realtime.ErrCodeChannelUnavailable) {
//		// not connected yet
//	}
//
// # Thread Safety
//
// Session methods may be called from any goroutine. Handlers run on the
// transport's goroutines and must not block for long.
package realtime
