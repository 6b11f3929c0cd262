package realtime

import (
	"encoding/json"
	"time"
)

// LogEntry is one event as it crossed the channel.
type LogEntry struct {
	Direction Direction       `json:"direction"`
	Type      string          `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"event"`
	Server    ServerEvent     `json:"-"`
	Client    ClientEvent     `json:"-"`
}

// EventLog keeps every event of the current session, newest first. It is not
// safe for concurrent use; Session serializes access.
type EventLog struct {
	entries []LogEntry
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

func (l *EventLog) appendEntry(e LogEntry) {
	// stored oldest-first, read newest-first
	l.entries = append(l.entries, e)
}

func (l *EventLog) RecordInbound(evt ServerEvent, at time.Time) LogEntry {
	e := LogEntry{
		Direction: Inbound,
		Type:      evt.Type(),
		EventID:   evt.ID(),
		Timestamp: at,
		Raw:       evt.Raw(),
		Server:    evt,
	}
	l.appendEntry(e)
	return e
}

func (l *EventLog) RecordOutbound(evt ClientEvent, raw []byte, at time.Time) LogEntry {
	e := LogEntry{
		Direction: Outbound,
		Type:      evt.Type(),
		EventID:   evt.ID(),
		Timestamp: at,
		Raw:       append(json.RawMessage(nil), raw...),
		Client:    evt,
	}
	l.appendEntry(e)
	return e
}

func (l *EventLog) Len() int {
	return len(l.entries)
}

func (l *EventLog) Clear() {
	l.entries = nil
}

// Entries returns a newest-first copy.
func (l *EventLog) Entries() []LogEntry {
	out := make([]LogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// WithoutDeltas filters incremental events out of a newest-first slice, the
// way log displays show it.
func WithoutDeltas(entries []LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		if !IsDeltaType(e.Type) {
			out = append(out, e)
		}
	}
	return out
}
