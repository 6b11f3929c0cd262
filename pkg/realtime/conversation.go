package realtime

// ConversationHistory is the append-only list of turns, oldest first. Like
// EventLog it relies on Session for serialization.
type ConversationHistory struct {
	turns []Turn
}

func NewConversationHistory() *ConversationHistory {
	return &ConversationHistory{turns: make([]Turn, 0)}
}

func (h *ConversationHistory) Append(turns ...Turn) {
	h.turns = append(h.turns, turns...)
}

func (h *ConversationHistory) Len() int {
	return len(h.turns)
}

func (h *ConversationHistory) Turns() []Turn {
	return append([]Turn(nil), h.turns...)
}

// Last returns the most recent turn of role, if any.
func (h *ConversationHistory) Last(role Role) (Turn, bool) {
	for i := len(h.turns) - 1; i >= 0; i-- {
		if h.turns[i].Role == role {
			return h.turns[i], true
		}
	}
	return Turn{}, false
}

func (h *ConversationHistory) reset() {
	h.turns = make([]Turn, 0)
}
