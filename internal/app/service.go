package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sprintdeck/api/internal/audit"
	"sprintdeck/api/internal/auth"
	"sprintdeck/api/internal/config"
	"sprintdeck/api/internal/rbac"
	"sprintdeck/api/internal/room"
	"sprintdeck/api/internal/scale"
	"sprintdeck/api/internal/store"
)

// Identity is the authenticated caller, decoded from a bearer token. Token
// issuance lives outside this service.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

type SessionView struct {
	ID            string    `json:"id"`
	StoryID       string    `json:"story_id"`
	CreatedBy     string    `json:"created_by"`
	Status        string    `json:"status"`
	Scale         string    `json:"scale"`
	CreatedAt     time.Time `json:"created_at"`
	VoteCount     int       `json:"vote_count"`
	VotesRevealed bool      `json:"votes_revealed"`
}

type VoteView struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type RevealResult struct {
	SessionID string     `json:"session_id"`
	Votes     []VoteView `json:"votes"`
	Average   *float64   `json:"average"`
	Median    *string    `json:"median"`
}

// sessionStore persists planning sessions and votes. Both the Postgres
// store and the Redis store satisfy it; missing sessions surface as
// sql.ErrNoRows from either backend.
type sessionStore interface {
	CreatePlanningSession(context.Context, store.PlanningSession) error
	GetPlanningSession(context.Context, string) (store.PlanningSession, error)
	ActiveSessionForStory(context.Context, string) (*store.PlanningSession, error)
	TransitionSessionStatus(ctx context.Context, sessionID, from, to string) (bool, error)
	UpsertVote(context.Context, store.Vote) (store.Vote, error)
	ListVotes(context.Context, string) ([]store.Vote, error)
	CountVotes(context.Context, string) (int, error)
	Ping(context.Context) error
}

// storyStore is the collaborator owning Story records. Only existence
// checks and the final story-point write pass through it.
type storyStore interface {
	GetStory(context.Context, string) (store.Story, error)
	SetStoryPoints(ctx context.Context, storyID string, points int) error
}

type roomRegistry interface {
	Join(sessionID string, conn room.Conn)
	Leave(sessionID string, conn room.Conn)
	Broadcast(sessionID string, event any)
}

type Service struct {
	cfg      config.Config
	sessions sessionStore
	stories  storyStore
	rooms    roomRegistry
	audit    audit.Sink
}

func New(cfg config.Config, dataStore *store.PostgresStore, rooms *room.Registry, sink audit.Sink) *Service {
	return &Service{
		cfg:      cfg,
		sessions: dataStore,
		stories:  dataStore,
		rooms:    rooms,
		audit:    sink,
	}
}

// NewWithSessionStore keeps stories in Postgres while planning sessions
// and votes live in the given alternative backend.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, rooms *room.Registry, sink audit.Sink) *Service {
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		stories:  dataStore,
		rooms:    rooms,
		audit:    sink,
	}
}

// IdentityFromToken validates a bearer credential and returns the caller's
// identity. It is shared by the request path and the websocket handshake.
func (s *Service) IdentityFromToken(token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:   claims.Sub,
		Username: claims.Name,
		Role:     claims.Role,
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// CreateSession starts a planning round for a story. While the story
// already has a session in voting state, creation is idempotent: the
// active session's current view is returned and no new row is written.
func (s *Service) CreateSession(ctx context.Context, ident Identity, storyID, scaleName string) (SessionView, error) {
	story, err := s.stories.GetStory(ctx, storyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionView{}, notFound("Story not found")
		}
		return SessionView{}, err
	}

	active, err := s.sessions.ActiveSessionForStory(ctx, story.ID)
	if err != nil {
		return SessionView{}, err
	}
	if active != nil {
		return s.sessionView(ctx, *active)
	}

	if scaleName == "" {
		scaleName = scale.Fibonacci
	}
	session := store.PlanningSession{
		ID:        uuid.NewString(),
		StoryID:   story.ID,
		CreatedBy: ident.UserID,
		Status:    store.StatusVoting,
		Scale:     scaleName,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.CreatePlanningSession(ctx, session); err != nil {
		return SessionView{}, err
	}

	s.rooms.Broadcast(session.ID, map[string]any{
		"type":       "session_created",
		"session_id": session.ID,
		"story_id":   session.StoryID,
		"status":     session.Status,
		"scale":      session.Scale,
		"created_at": session.CreatedAt.Format(time.RFC3339Nano),
	})
	s.audit.Record(audit.Event{
		Action:    "session_created",
		SessionID: session.ID,
		StoryID:   session.StoryID,
		ActorID:   ident.UserID,
		Detail:    "scale=" + session.Scale,
	})

	return SessionView{
		ID:        session.ID,
		StoryID:   session.StoryID,
		CreatedBy: session.CreatedBy,
		Status:    session.Status,
		Scale:     session.Scale,
		CreatedAt: session.CreatedAt,
	}, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return s.sessionView(ctx, session)
}

// SubmitVote records or overwrites the caller's vote. The broadcast stays
// anonymized: it carries the running count and the voter but never the
// submitted value.
func (s *Service) SubmitVote(ctx context.Context, ident Identity, sessionID, value string) (VoteView, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return VoteView{}, err
	}
	if session.Status != store.StatusVoting {
		return VoteView{}, invalidState("Session is not in voting state")
	}
	if !scale.IsValid(session.Scale, value) {
		return VoteView{}, invalidVote(fmt.Sprintf("Invalid vote value for %s scale", session.Scale))
	}

	stored, err := s.sessions.UpsertVote(ctx, store.Vote{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    ident.UserID,
		Username:  ident.Username,
		Value:     value,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return VoteView{}, err
	}

	if count, err := s.sessions.CountVotes(ctx, session.ID); err != nil {
		log.Printf("count votes for broadcast failed: %v", err)
	} else {
		s.rooms.Broadcast(session.ID, map[string]any{
			"type":       "vote_submitted",
			"session_id": session.ID,
			"vote_count": count,
			"user_id":    ident.UserID,
			"username":   ident.Username,
		})
	}
	s.audit.Record(audit.Event{
		Action:    "vote_submitted",
		SessionID: session.ID,
		StoryID:   session.StoryID,
		ActorID:   ident.UserID,
	})

	return voteView(stored), nil
}

// RevealVotes transitions the session to revealed and returns every vote
// plus aggregate statistics. The transition is a conditional update, so of
// two racing reveals only one succeeds; the loser sees InvalidState.
func (s *Service) RevealVotes(ctx context.Context, ident Identity, sessionID string) (RevealResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return RevealResult{}, err
	}
	if !s.canFacilitate(ident, session) {
		return RevealResult{}, forbidden("Not authorized to reveal votes")
	}
	if session.Status != store.StatusVoting {
		return RevealResult{}, invalidState("Session is not in voting state")
	}

	applied, err := s.sessions.TransitionSessionStatus(ctx, session.ID, store.StatusVoting, store.StatusRevealed)
	if err != nil {
		return RevealResult{}, err
	}
	if !applied {
		return RevealResult{}, invalidState("Session is not in voting state")
	}

	votes, err := s.sessions.ListVotes(ctx, session.ID)
	if err != nil {
		return RevealResult{}, err
	}

	result := RevealResult{
		SessionID: session.ID,
		Votes:     make([]VoteView, 0, len(votes)),
	}
	tokens := make([]string, 0, len(votes))
	for _, vote := range votes {
		result.Votes = append(result.Votes, voteView(vote))
		tokens = append(tokens, vote.Value)
	}
	if avg, ok := scale.Average(tokens); ok {
		result.Average = &avg
	}
	if median, ok := scale.Median(tokens); ok {
		result.Median = &median
	}

	s.rooms.Broadcast(session.ID, map[string]any{
		"type":       "votes_revealed",
		"session_id": session.ID,
		"votes":      result.Votes,
		"average":    result.Average,
		"median":     result.Median,
	})
	s.audit.Record(audit.Event{
		Action:    "votes_revealed",
		SessionID: session.ID,
		StoryID:   session.StoryID,
		ActorID:   ident.UserID,
		Detail:    fmt.Sprintf("votes=%d", len(votes)),
	})

	return result, nil
}

// SetFinalEstimate writes the agreed story points back to the story and
// completes the session. Allowed from voting or revealed state; the
// conditional transition runs before the story write so a racing caller
// cannot double-apply it.
func (s *Service) SetFinalEstimate(ctx context.Context, ident Identity, sessionID, finalEstimate string) (string, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !s.canFacilitate(ident, session) {
		return "", forbidden("Not authorized to set estimate")
	}
	if session.Status != store.StatusVoting && session.Status != store.StatusRevealed {
		return "", invalidState("Cannot set estimate for completed session")
	}
	points, err := strconv.Atoi(finalEstimate)
	if err != nil {
		return "", validationError("final_estimate must be an integer")
	}

	applied, err := s.sessions.TransitionSessionStatus(ctx, session.ID, session.Status, store.StatusCompleted)
	if err != nil {
		return "", err
	}
	if !applied {
		return "", invalidState("Cannot set estimate for completed session")
	}

	if err := s.stories.SetStoryPoints(ctx, session.StoryID, points); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound("Story not found")
		}
		return "", err
	}

	s.rooms.Broadcast(session.ID, map[string]any{
		"type":           "session_completed",
		"session_id":     session.ID,
		"final_estimate": finalEstimate,
	})
	s.audit.Record(audit.Event{
		Action:    "session_completed",
		SessionID: session.ID,
		StoryID:   session.StoryID,
		ActorID:   ident.UserID,
		Detail:    "final_estimate=" + finalEstimate,
	})

	return finalEstimate, nil
}

// JoinRoom admits an authenticated connection to the session's room and
// announces it. The joined event reaches the new member as well.
func (s *Service) JoinRoom(sessionID string, conn room.Conn, ident Identity) {
	s.rooms.Join(sessionID, conn)
	s.rooms.Broadcast(sessionID, map[string]any{
		"type":       "joined",
		"session_id": sessionID,
		"user_id":    ident.UserID,
		"username":   ident.Username,
	})
}

func (s *Service) LeaveRoom(sessionID string, conn room.Conn, ident Identity) {
	s.rooms.Leave(sessionID, conn)
	s.rooms.Broadcast(sessionID, map[string]any{
		"type":       "left",
		"session_id": sessionID,
		"user_id":    ident.UserID,
		"username":   ident.Username,
	})
}

func (s *Service) getSession(ctx context.Context, sessionID string) (store.PlanningSession, error) {
	session, err := s.sessions.GetPlanningSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PlanningSession{}, notFound("Planning session not found")
		}
		return store.PlanningSession{}, err
	}
	return session, nil
}

func (s *Service) sessionView(ctx context.Context, session store.PlanningSession) (SessionView, error) {
	count, err := s.sessions.CountVotes(ctx, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{
		ID:            session.ID,
		StoryID:       session.StoryID,
		CreatedBy:     session.CreatedBy,
		Status:        session.Status,
		Scale:         session.Scale,
		CreatedAt:     session.CreatedAt,
		VoteCount:     count,
		VotesRevealed: session.Status == store.StatusRevealed,
	}, nil
}

// canFacilitate reports whether ident may reveal votes or commit the final
// estimate: the session creator always can, elevated roles can for any
// session.
func (s *Service) canFacilitate(ident Identity, session store.PlanningSession) bool {
	if session.CreatedBy == ident.UserID {
		return true
	}
	return rbac.Can(rbac.Normalize(ident.Role), rbac.ActionFacilitate)
}

func voteView(vote store.Vote) VoteView {
	return VoteView{
		ID:        vote.ID,
		SessionID: vote.SessionID,
		UserID:    vote.UserID,
		Username:  vote.Username,
		Value:     vote.Value,
		CreatedAt: vote.CreatedAt,
	}
}
