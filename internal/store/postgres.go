package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetStory(ctx context.Context, storyID string) (Story, error) {
	const query = `
		SELECT id, title, description, story_points, created_at, updated_at
		FROM stories WHERE id = $1
	`
	var story Story
	err := s.db.QueryRowContext(ctx, query, storyID).Scan(
		&story.ID, &story.Title, &story.Description, &story.StoryPoints, &story.CreatedAt, &story.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Story{}, err
		}
		return Story{}, fmt.Errorf("get story: %w", err)
	}
	return story, nil
}

func (s *PostgresStore) InsertStory(ctx context.Context, story Story) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stories (id, title, description, story_points)
		VALUES ($1, $2, $3, $4)
	`, story.ID, story.Title, story.Description, story.StoryPoints)
	if err != nil {
		return fmt.Errorf("insert story: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetStoryPoints(ctx context.Context, storyID string, points int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE stories SET story_points = $2, updated_at = NOW() WHERE id = $1
	`, storyID, points)
	if err != nil {
		return fmt.Errorf("set story points: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set story points: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) CreatePlanningSession(ctx context.Context, session PlanningSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planning_sessions (id, story_id, created_by, status, scale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, session.ID, session.StoryID, session.CreatedBy, session.Status, session.Scale, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("create planning session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlanningSession(ctx context.Context, sessionID string) (PlanningSession, error) {
	const query = `
		SELECT id, story_id, created_by, status, scale, created_at
		FROM planning_sessions WHERE id = $1
	`
	var session PlanningSession
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.ID, &session.StoryID, &session.CreatedBy, &session.Status, &session.Scale, &session.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlanningSession{}, err
		}
		return PlanningSession{}, fmt.Errorf("get planning session: %w", err)
	}
	return session, nil
}

// ActiveSessionForStory returns the story's session still in voting state,
// or nil when the story has none.
func (s *PostgresStore) ActiveSessionForStory(ctx context.Context, storyID string) (*PlanningSession, error) {
	const query = `
		SELECT id, story_id, created_by, status, scale, created_at
		FROM planning_sessions
		WHERE story_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	var session PlanningSession
	err := s.db.QueryRowContext(ctx, query, storyID, StatusVoting).Scan(
		&session.ID, &session.StoryID, &session.CreatedBy, &session.Status, &session.Scale, &session.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	return &session, nil
}

// TransitionSessionStatus applies the status change only if the session is
// still in the expected prior status. A false return means another caller
// won the transition first.
func (s *PostgresStore) TransitionSessionStatus(ctx context.Context, sessionID, from, to string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE planning_sessions SET status = $3 WHERE id = $1 AND status = $2
	`, sessionID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition session status: %w", err)
	}
	return affected > 0, nil
}

// UpsertVote inserts the user's vote or, when one exists for this session,
// overwrites its value, username and timestamp in place. The stored row is
// returned, keeping the original vote id on resubmission.
func (s *PostgresStore) UpsertVote(ctx context.Context, vote Vote) (Vote, error) {
	const query = `
		INSERT INTO votes (id, session_id, user_id, username, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, user_id)
		DO UPDATE SET value = EXCLUDED.value, username = EXCLUDED.username, created_at = EXCLUDED.created_at
		RETURNING id, session_id, user_id, username, value, created_at
	`
	var stored Vote
	err := s.db.QueryRowContext(ctx, query,
		vote.ID, vote.SessionID, vote.UserID, vote.Username, vote.Value, vote.CreatedAt,
	).Scan(&stored.ID, &stored.SessionID, &stored.UserID, &stored.Username, &stored.Value, &stored.CreatedAt)
	if err != nil {
		return Vote{}, fmt.Errorf("upsert vote: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, sessionID string) ([]Vote, error) {
	const query = `
		SELECT id, session_id, user_id, username, value, created_at
		FROM votes WHERE session_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var vote Vote
		if err := rows.Scan(&vote.ID, &vote.SessionID, &vote.UserID, &vote.Username, &vote.Value, &vote.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	return votes, nil
}

func (s *PostgresStore) CountVotes(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
