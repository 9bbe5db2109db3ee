// Package session provides the Redis-backed storage backend for planning
// sessions and votes. Planning rounds are short-lived, so deployments can
// keep them in Redis instead of Postgres; stories always stay in Postgres.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"sprintdeck/api/internal/store"
)

const (
	sessionPrefix = "planning:session:"
	activePrefix  = "planning:active:"
	votesPrefix   = "planning:votes:"
)

// casAttempts bounds the optimistic retry loop in TransitionSessionStatus.
const casAttempts = 3

// RedisStore implements planning session storage using Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed planning session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) CreatePlanningSession(ctx context.Context, session store.PlanningSession) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+session.ID, payload, 0)
	if session.Status == store.StatusVoting {
		pipe.Set(ctx, activePrefix+session.StoryID, session.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create planning session: %w", err)
	}
	return nil
}

// GetPlanningSession returns sql.ErrNoRows for a missing session so the
// service layer sees the same sentinel from both storage backends.
func (s *RedisStore) GetPlanningSession(ctx context.Context, sessionID string) (store.PlanningSession, error) {
	payload, err := s.client.Get(ctx, sessionPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return store.PlanningSession{}, sql.ErrNoRows
	}
	if err != nil {
		return store.PlanningSession{}, fmt.Errorf("get planning session: %w", err)
	}
	var session store.PlanningSession
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return store.PlanningSession{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (s *RedisStore) ActiveSessionForStory(ctx context.Context, storyID string) (*store.PlanningSession, error) {
	sessionID, err := s.client.Get(ctx, activePrefix+storyID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	session, err := s.GetPlanningSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.Status != store.StatusVoting {
		return nil, nil
	}
	return &session, nil
}

// TransitionSessionStatus applies the status change only if the session is
// still in the expected prior status, using a WATCH-guarded transaction so
// two racing transitions cannot both commit.
func (s *RedisStore) TransitionSessionStatus(ctx context.Context, sessionID, from, to string) (bool, error) {
	key := sessionPrefix + sessionID
	applied := false

	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var session store.PlanningSession
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if session.Status != from {
			return nil
		}
		session.Status = to
		updated, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if from == store.StatusVoting {
				pipe.Del(ctx, activePrefix+session.StoryID)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("transition session status: %w", err)
		}
		return applied, nil
	}
	return false, nil
}

func (s *RedisStore) UpsertVote(ctx context.Context, vote store.Vote) (store.Vote, error) {
	key := votesPrefix + vote.SessionID

	existing, err := s.client.HGet(ctx, key, vote.UserID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return store.Vote{}, fmt.Errorf("lookup vote: %w", err)
	}
	if err == nil {
		var prior store.Vote
		if err := json.Unmarshal([]byte(existing), &prior); err == nil && prior.ID != "" {
			vote.ID = prior.ID
		}
	}

	payload, err := json.Marshal(vote)
	if err != nil {
		return store.Vote{}, fmt.Errorf("marshal vote: %w", err)
	}
	if err := s.client.HSet(ctx, key, vote.UserID, payload).Err(); err != nil {
		return store.Vote{}, fmt.Errorf("upsert vote: %w", err)
	}
	return vote, nil
}

func (s *RedisStore) ListVotes(ctx context.Context, sessionID string) ([]store.Vote, error) {
	entries, err := s.client.HGetAll(ctx, votesPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	votes := make([]store.Vote, 0, len(entries))
	for _, payload := range entries {
		var vote store.Vote
		if err := json.Unmarshal([]byte(payload), &vote); err != nil {
			return nil, fmt.Errorf("unmarshal vote: %w", err)
		}
		votes = append(votes, vote)
	}
	sortVotesByTime(votes)
	return votes, nil
}

func (s *RedisStore) CountVotes(ctx context.Context, sessionID string) (int, error) {
	count, err := s.client.HLen(ctx, votesPrefix+sessionID).Result()
	if err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	return int(count), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sortVotesByTime(votes []store.Vote) {
	sort.Slice(votes, func(i, j int) bool {
		return votes[i].CreatedAt.Before(votes[j].CreatedAt)
	})
}
