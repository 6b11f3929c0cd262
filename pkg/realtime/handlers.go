package realtime

import (
	"log"
	"strings"
	"time"
)

// Factory functions for common handlers
func CreateLoggingEventHandler(verbose bool) EventHandler {
	return func(e LogEntry) {
		if verbose {
			log.Printf("Verbose: %s %s (%s) - Event: %s", e.Direction, e.Type, e.EventID, string(e.Raw))
		} else {
			log.Printf("%s %s at %s", e.Direction, e.Type, e.Timestamp.Format(time.RFC3339))
		}
	}
}

// CreateEventTypeFilter forwards only entries of the given type.
func CreateEventTypeFilter(eventType string, handler EventHandler) EventHandler {
	return func(e LogEntry) {
		if e.Type == eventType {
			handler(e)
		}
	}
}

// CreateDeltaFilter drops incremental *.delta events, which arrive many times
// a second during a response.
func CreateDeltaFilter(handler EventHandler) EventHandler {
	return func(e LogEntry) {
		if !IsDeltaType(e.Type) {
			handler(e)
		}
	}
}

func CreateDirectionFilter(dir Direction, handler EventHandler) EventHandler {
	return func(e LogEntry) {
		if e.Direction == dir {
			handler(e)
		}
	}
}

// CreateTranscriptHandler calls back with the text of every completed turn.
func CreateTranscriptHandler(callback func(role Role, text string)) TurnHandler {
	return func(t Turn) {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			return
		}
		callback(t.Role, text)
	}
}

func CreateErrorLoggingHandler(prefix string) ErrorHandler {
	return func(err *RealtimeError) {
		if err != nil {
			log.Printf("%s Error: %v", prefix, err.Error())
		}
	}
}

func CreateStateLoggingHandler(callback func(SessionState)) StateHandler {
	return func(state SessionState) {
		log.Printf("Session state changed to: %s at %s", state, time.Now().Format(time.RFC3339))
		if callback != nil {
			callback(state)
		}
	}
}

// CreateServerErrorHandler extracts error events sent by the model.
func CreateServerErrorHandler(callback func(ServerError)) EventHandler {
	return func(e LogEntry) {
		if evt, ok := e.Server.(ErrorEvent); ok {
			callback(evt.Error)
		}
	}
}

func SequentialEventHandlers(handlers ...EventHandler) EventHandler {
	return func(e LogEntry) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

func SequentialErrorHandlers(handlers ...ErrorHandler) ErrorHandler {
	return func(err *RealtimeError) {
		for _, h := range handlers {
			if h != nil {
				h(err)
			}
		}
	}
}
