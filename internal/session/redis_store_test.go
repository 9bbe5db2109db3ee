package session

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"sprintdeck/api/internal/store"
)

func setupTestRedis(t *testing.T) *RedisStore {
	s := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { redisStore.Close() })
	return redisStore
}

func testSession(id, storyID string) store.PlanningSession {
	return store.PlanningSession{
		ID:        id,
		StoryID:   storyID,
		CreatedBy: "user-1",
		Status:    store.StatusVoting,
		Scale:     "fibonacci",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestCreateAndGetPlanningSession(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	session := testSession("sess-1", "story-1")
	if err := redisStore.CreatePlanningSession(ctx, session); err != nil {
		t.Fatalf("CreatePlanningSession failed: %v", err)
	}

	got, err := redisStore.GetPlanningSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetPlanningSession failed: %v", err)
	}
	if got.StoryID != "story-1" || got.Status != store.StatusVoting || got.Scale != "fibonacci" {
		t.Errorf("unexpected session: %+v", got)
	}
}

func TestGetMissingSessionReturnsNoRows(t *testing.T) {
	redisStore := setupTestRedis(t)

	_, err := redisStore.GetPlanningSession(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestActiveSessionForStory(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	active, err := redisStore.ActiveSessionForStory(ctx, "story-1")
	if err != nil {
		t.Fatalf("ActiveSessionForStory failed: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active session, got %+v", active)
	}

	if err := redisStore.CreatePlanningSession(ctx, testSession("sess-1", "story-1")); err != nil {
		t.Fatalf("CreatePlanningSession failed: %v", err)
	}

	active, err = redisStore.ActiveSessionForStory(ctx, "story-1")
	if err != nil {
		t.Fatalf("ActiveSessionForStory failed: %v", err)
	}
	if active == nil || active.ID != "sess-1" {
		t.Fatalf("expected sess-1 active, got %+v", active)
	}
}

func TestTransitionSessionStatus(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	if err := redisStore.CreatePlanningSession(ctx, testSession("sess-1", "story-1")); err != nil {
		t.Fatalf("CreatePlanningSession failed: %v", err)
	}

	applied, err := redisStore.TransitionSessionStatus(ctx, "sess-1", store.StatusVoting, store.StatusRevealed)
	if err != nil {
		t.Fatalf("TransitionSessionStatus failed: %v", err)
	}
	if !applied {
		t.Fatal("expected transition to apply")
	}

	got, err := redisStore.GetPlanningSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetPlanningSession failed: %v", err)
	}
	if got.Status != store.StatusRevealed {
		t.Errorf("expected revealed, got %s", got.Status)
	}

	// The active-session index must clear once voting ends.
	active, err := redisStore.ActiveSessionForStory(ctx, "story-1")
	if err != nil {
		t.Fatalf("ActiveSessionForStory failed: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active session after reveal, got %+v", active)
	}
}

func TestTransitionSessionStatusStalePrecondition(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	if err := redisStore.CreatePlanningSession(ctx, testSession("sess-1", "story-1")); err != nil {
		t.Fatalf("CreatePlanningSession failed: %v", err)
	}
	if _, err := redisStore.TransitionSessionStatus(ctx, "sess-1", store.StatusVoting, store.StatusRevealed); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	// A second reveal must lose: the session already left voting.
	applied, err := redisStore.TransitionSessionStatus(ctx, "sess-1", store.StatusVoting, store.StatusRevealed)
	if err != nil {
		t.Fatalf("TransitionSessionStatus failed: %v", err)
	}
	if applied {
		t.Error("expected stale transition to be rejected")
	}
}

func TestTransitionMissingSession(t *testing.T) {
	redisStore := setupTestRedis(t)

	applied, err := redisStore.TransitionSessionStatus(context.Background(), "nope", store.StatusVoting, store.StatusRevealed)
	if err != nil {
		t.Fatalf("TransitionSessionStatus failed: %v", err)
	}
	if applied {
		t.Error("expected transition of missing session to be rejected")
	}
}

func TestUpsertVoteOverwritesInPlace(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	first, err := redisStore.UpsertVote(ctx, store.Vote{
		ID:        "vote-1",
		SessionID: "sess-1",
		UserID:    "user-1",
		Username:  "dana",
		Value:     "3",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertVote failed: %v", err)
	}

	second, err := redisStore.UpsertVote(ctx, store.Vote{
		ID:        "vote-2",
		SessionID: "sess-1",
		UserID:    "user-1",
		Username:  "dana",
		Value:     "8",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertVote failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("resubmission changed vote id: %s -> %s", first.ID, second.ID)
	}
	if second.Value != "8" {
		t.Errorf("expected value 8, got %s", second.Value)
	}

	count, err := redisStore.CountVotes(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CountVotes failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 vote, got %d", count)
	}
}

func TestListVotesOrderedByTime(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	votes := []store.Vote{
		{ID: "v-b", SessionID: "sess-1", UserID: "user-b", Value: "5", CreatedAt: base.Add(2 * time.Second)},
		{ID: "v-a", SessionID: "sess-1", UserID: "user-a", Value: "3", CreatedAt: base},
		{ID: "v-c", SessionID: "sess-1", UserID: "user-c", Value: "8", CreatedAt: base.Add(4 * time.Second)},
	}
	for _, vote := range votes {
		if _, err := redisStore.UpsertVote(ctx, vote); err != nil {
			t.Fatalf("UpsertVote failed: %v", err)
		}
	}

	listed, err := redisStore.ListVotes(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListVotes failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 votes, got %d", len(listed))
	}
	for i, want := range []string{"v-a", "v-b", "v-c"} {
		if listed[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, listed[i].ID)
		}
	}
}
