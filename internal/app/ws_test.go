package app

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sprintdeck/api/internal/config"
	"sprintdeck/api/internal/room"
)

func newRealtimeServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	rooms := room.NewRegistry()
	svc := &Service{
		cfg:      config.Config{JWTSecret: testSecret},
		sessions: &fakeSessions{},
		stories:  &fakeStories{},
		rooms:    rooms,
		audit:    noopSink{},
	}
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, rooms
}

func dialPlanningWS(t *testing.T, server *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/planning/ws/" + sessionID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]any
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func TestWSRejectsMissingToken(t *testing.T) {
	server, _ := newRealtimeServer(t)
	conn := dialPlanningWS(t, server, "sess-1", "")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != 4401 {
		t.Errorf("expected close code 4401, got %d", closeErr.Code)
	}
}

func TestWSRejectsForgedToken(t *testing.T) {
	server, _ := newRealtimeServer(t)
	conn := dialPlanningWS(t, server, "sess-1", "forged.credential")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != 4401 {
		t.Errorf("expected close code 4401, got %d", closeErr.Code)
	}
}

func TestWSJoinedEventReachesNewMember(t *testing.T) {
	server, _ := newRealtimeServer(t)
	token := issueTestToken(t, "u1", "dana", "developer")
	conn := dialPlanningWS(t, server, "sess-1", token)

	event := readEvent(t, conn)
	if event["type"] != "joined" || event["user_id"] != "u1" || event["username"] != "dana" {
		t.Errorf("unexpected event: %v", event)
	}
	if event["session_id"] != "sess-1" {
		t.Errorf("unexpected session id: %v", event["session_id"])
	}
}

func TestWSBroadcastReachesRoomMembers(t *testing.T) {
	server, rooms := newRealtimeServer(t)

	first := dialPlanningWS(t, server, "sess-1", issueTestToken(t, "u1", "dana", "developer"))
	if event := readEvent(t, first); event["type"] != "joined" {
		t.Fatalf("expected own joined event, got %v", event)
	}

	second := dialPlanningWS(t, server, "sess-1", issueTestToken(t, "u2", "rob", "developer"))
	if event := readEvent(t, second); event["type"] != "joined" {
		t.Fatalf("expected own joined event, got %v", event)
	}

	// The first member sees the second join.
	event := readEvent(t, first)
	if event["type"] != "joined" || event["user_id"] != "u2" {
		t.Fatalf("expected joined for u2, got %v", event)
	}

	rooms.Broadcast("sess-1", map[string]any{"type": "vote_submitted", "session_id": "sess-1", "vote_count": 1})
	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		if event["type"] != "vote_submitted" || event["vote_count"] != float64(1) {
			t.Errorf("unexpected event: %v", event)
		}
	}
}

func TestWSRoomScoping(t *testing.T) {
	server, rooms := newRealtimeServer(t)

	member := dialPlanningWS(t, server, "sess-1", issueTestToken(t, "u1", "dana", "developer"))
	if event := readEvent(t, member); event["type"] != "joined" {
		t.Fatalf("expected joined event, got %v", event)
	}

	// An event for a different session never reaches this room.
	rooms.Broadcast("sess-2", map[string]any{"type": "votes_revealed", "session_id": "sess-2"})
	rooms.Broadcast("sess-1", map[string]any{"type": "session_completed", "session_id": "sess-1"})

	event := readEvent(t, member)
	if event["type"] != "session_completed" {
		t.Errorf("expected session_completed, got %v", event)
	}
}

func TestWSLeftEventOnDisconnect(t *testing.T) {
	server, _ := newRealtimeServer(t)

	watcher := dialPlanningWS(t, server, "sess-1", issueTestToken(t, "u1", "dana", "developer"))
	if event := readEvent(t, watcher); event["type"] != "joined" {
		t.Fatalf("expected joined event, got %v", event)
	}

	visitor := dialPlanningWS(t, server, "sess-1", issueTestToken(t, "u2", "rob", "developer"))
	if event := readEvent(t, visitor); event["type"] != "joined" {
		t.Fatalf("expected joined event, got %v", event)
	}
	if event := readEvent(t, watcher); event["type"] != "joined" || event["user_id"] != "u2" {
		t.Fatalf("expected joined for u2, got %v", event)
	}

	visitor.Close()

	event := readEvent(t, watcher)
	if event["type"] != "left" || event["user_id"] != "u2" {
		t.Errorf("expected left for u2, got %v", event)
	}
}
