package realtime

import "time"

// Interpret converts one inbound event into the conversation turns it
// produces, in content order. Most events produce none.
func Interpret(evt ServerEvent, at time.Time) []Turn {
	switch e := evt.(type) {
	case ResponseDoneEvent:
		var turns []Turn
		for _, item := range e.Response.Output {
			for _, part := range item.Content {
				switch part.Type {
				case ContentTypeAudio:
					turns = append(turns, Turn{Role: RoleAI, Text: part.Transcript, EventID: e.EventID, At: at})
				case ContentTypeText:
					turns = append(turns, Turn{Role: RoleAI, Text: part.Text, EventID: e.EventID, At: at})
				}
			}
		}
		return turns
	case InputAudioTranscriptionCompletedEvent:
		return []Turn{{Role: RoleHuman, Text: e.Transcript, EventID: e.EventID, At: at}}
	case ErrorEvent, UnknownEvent:
		return nil
	default:
		return nil
	}
}
