// Package audit is the fire-and-forget sink for planning state changes.
package audit

import "log"

type Event struct {
	Action    string
	SessionID string
	StoryID   string
	ActorID   string
	Detail    string
}

// Sink receives audit events. Implementations must not block the caller on
// delivery problems; recording is best-effort.
type Sink interface {
	Record(event Event)
}

// LogSink writes audit events to the process log.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Record(event Event) {
	log.Printf(`{"audit":%q,"session_id":%q,"story_id":%q,"actor":%q,"detail":%q}`,
		event.Action, event.SessionID, event.StoryID, event.ActorID, event.Detail)
}
