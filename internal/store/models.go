package store

import "time"

// Planning session lifecycle states. Transitions only move forward:
// voting -> revealed -> completed, with voting -> completed allowed when
// the estimate is committed without an explicit reveal.
const (
	StatusVoting    = "voting"
	StatusRevealed  = "revealed"
	StatusCompleted = "completed"
)

type Story struct {
	ID          string
	Title       string
	Description string
	StoryPoints int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PlanningSession struct {
	ID        string
	StoryID   string
	CreatedBy string
	Status    string
	Scale     string
	CreatedAt time.Time
}

// Vote is unique per (SessionID, UserID); resubmission overwrites the
// value and timestamp in place. Username is denormalized from the voter's
// identity so reveal payloads need no user lookup.
type Vote struct {
	ID        string
	SessionID string
	UserID    string
	Username  string
	Value     string
	CreatedAt time.Time
}
