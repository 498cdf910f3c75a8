package web

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"storyos/server/internal/logger"
	"storyos/server/internal/storage"
	"storyos/server/internal/visualization"
)

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sessionID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubFansOutAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := storage.NewRedisStore(storage.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	node := newTestServer(t, nil, bus)
	s := node.newSession(t)
	srv := httptest.NewServer(node.handler)
	defer srv.Close()

	conn := dialSession(t, srv, s.ID)
	waitFor(t, "subscription", func() bool { return node.hub.hasSubscription(s.ID) })

	// a second node with no local watchers publishes through Redis
	other := NewSessionHub(bus, logger.Nop())
	other.Notify(s.ID, visualization.Event{
		Type:      visualization.EventVisualPrompts,
		SessionID: s.ID,
		MessageID: "m-1",
		Prompts:   []string{"a", "b", "c"},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev visualization.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != visualization.EventVisualPrompts || ev.MessageID != "m-1" || len(ev.Prompts) != 3 {
		t.Errorf("event = %+v", ev)
	}

	conn.Close()
	waitFor(t, "unsubscribe", func() bool { return node.hub.ClientCount(s.ID) == 0 && !node.hub.hasSubscription(s.ID) })
}

func TestHubLocalDelivery(t *testing.T) {
	node := newTestServer(t, nil, nil)
	s := node.newSession(t)
	srv := httptest.NewServer(node.handler)
	defer srv.Close()

	first := dialSession(t, srv, s.ID)
	second := dialSession(t, srv, s.ID)
	waitFor(t, "two clients", func() bool { return node.hub.ClientCount(s.ID) == 2 })

	node.hub.Notify(s.ID, visualization.Event{Type: visualization.EventImage, SessionID: s.ID, URL: "https://img/1"})
	node.hub.Notify("another-session", visualization.Event{Type: visualization.EventImage, URL: "https://img/other"})

	for i, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var ev visualization.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		if ev.URL != "https://img/1" {
			t.Errorf("client %d got %+v", i, ev)
		}
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	hub := NewSessionHub(nil, logger.Nop())
	c := newClient(hub, "s", nil)

	hub.mu.Lock()
	hub.sessions["s"] = map[*Client]struct{}{c: {}}
	hub.mu.Unlock()

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount("s") != 0 {
		t.Errorf("clients = %d", hub.ClientCount("s"))
	}
	if c.enqueue([]byte("late")) {
		t.Error("enqueue succeeded after unregister")
	}
	if c.deliver([]byte("late")) {
		t.Error("deliver succeeded after unregister")
	}
}

func TestHubKeepsOneSubscriptionPerSession(t *testing.T) {
	mr := miniredis.RunT(t)
	bus, err := storage.NewRedisStore(storage.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	hub := NewSessionHub(bus, logger.Nop())
	c := newClient(hub, "s", nil)
	hub.mu.Lock()
	hub.sessions["s"] = map[*Client]struct{}{c: {}}
	hub.mu.Unlock()

	// two first-client registrations whose subscribes both complete
	hub.subscribe("s")
	hub.subscribe("s")

	if err := bus.PublishSessionEvent(context.Background(), "s", []byte(`{"type":"image"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-c.Send:
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case extra := <-c.Send:
		t.Errorf("event delivered twice: %s", extra)
	case <-time.After(200 * time.Millisecond):
	}

	hub.Unregister(c)
	if hub.hasSubscription("s") {
		t.Error("subscription left after the last client")
	}
}
