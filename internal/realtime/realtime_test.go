package realtime

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayshare/internal/docstore"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *Hub) anyWants(doctype, id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.wants(doctype, id) {
			return true
		}
	}
	return false
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestHubFiltersByDoctypeAndID(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	files := hub.Subscribe()
	files.Subscribe(docstore.DoctypeFiles, "")
	one := hub.Subscribe()
	one.Subscribe(docstore.DoctypeContacts, "c1")

	hub.Publish(docstore.Change{Doctype: docstore.DoctypeFiles, ID: "f1", Verb: docstore.VerbCreated})
	hub.Publish(docstore.Change{Doctype: docstore.DoctypeContacts, ID: "c2", Verb: docstore.VerbUpdated})
	hub.Publish(docstore.Change{Doctype: docstore.DoctypeContacts, ID: "c1", Verb: docstore.VerbDeleted})
	hub.Publish(docstore.Change{Doctype: docstore.DoctypeShared, ID: "io.cozy.files/f1", Verb: docstore.VerbUpdated})

	if len(files.Events()) != 1 {
		t.Fatalf("expected 1 files event, got %d", len(files.Events()))
	}
	if got := <-files.Events(); got.Event != EventCreated || got.Payload.ID != "f1" {
		t.Fatalf("expected CREATED f1, got %+v", got)
	}
	if len(one.Events()) != 1 {
		t.Fatalf("expected 1 contact event, got %d", len(one.Events()))
	}
	if got := <-one.Events(); got.Event != EventDeleted || got.Payload.ID != "c1" {
		t.Fatalf("expected DELETED c1, got %+v", got)
	}
}

func TestHubDropsEventsForSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	sub := hub.Subscribe()
	sub.Subscribe(docstore.DoctypeFiles, "")
	for i := 0; i < hub.buffer+10; i++ {
		hub.Publish(docstore.Change{Doctype: docstore.DoctypeFiles, ID: "f", Verb: docstore.VerbUpdated})
	}
	if len(sub.Events()) != hub.buffer {
		t.Fatalf("expected buffer to be full at %d, got %d", hub.buffer, len(sub.Events()))
	}
	if sub.dropped != 10 {
		t.Fatalf("expected 10 dropped events, got %d", sub.dropped)
	}
}

func TestHandlerStreamsSubscribedChanges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	store := docstore.NewStore()
	hub := NewHub(nil)
	unsubscribe := store.Subscribe(hub.Publish)
	server := httptest.NewServer(NewHandler(HandlerOptions{
		Hub: hub,
		Authenticate: func(_ context.Context, token string) ([]string, error) {
			if token != "good" {
				return nil, errors.New("bad token")
			}
			return []string{docstore.DoctypeFiles}, nil
		},
	}))

	conn := dial(t, server)
	send(t, conn, map[string]any{"method": MethodAuth, "payload": "good"})
	send(t, conn, map[string]any{"method": MethodSubscribe, "payload": map[string]string{"type": docstore.DoctypeContacts}})
	send(t, conn, map[string]any{"method": MethodSubscribe, "payload": map[string]string{"type": docstore.DoctypeFiles}})
	waitFor(t, "files subscription", func() bool { return hub.anyWants(docstore.DoctypeFiles, "x") })
	if hub.anyWants(docstore.DoctypeContacts, "x") {
		t.Fatalf("expected contacts subscription to be refused")
	}

	dir, err := store.CreateDir(docstore.RootDirID, "Photos")
	if err != nil {
		t.Fatalf("create dir failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	var event Event
	err = wsjson.Read(ctx, conn, &event)
	cancel()
	if err != nil {
		t.Fatalf("read event failed: %v", err)
	}
	if event.Event != EventCreated || event.Payload.ID != dir.ID || event.Payload.Type != docstore.DoctypeFiles {
		t.Fatalf("expected CREATED %s, got %+v", dir.ID, event)
	}
	if event.Payload.Doc == nil || event.Payload.Doc.Name != "Photos" {
		t.Fatalf("expected the document in the payload, got %+v", event.Payload.Doc)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "subscription cleanup", func() bool { return hub.Len() == 0 })
	unsubscribe()
	hub.Close()
	server.Close()
}

func TestHandlerRejectsBadToken(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	hub := NewHub(nil)
	server := httptest.NewServer(NewHandler(HandlerOptions{
		Hub: hub,
		Authenticate: func(context.Context, string) ([]string, error) {
			return nil, errors.New("bad token")
		},
	}))

	conn := dial(t, server)
	send(t, conn, map[string]any{"method": MethodAuth, "payload": "nope"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, _, err := conn.Read(ctx)
	cancel()
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if hub.Len() != 0 {
		t.Fatalf("expected no subscription, got %d", hub.Len())
	}
	conn.CloseNow()
	hub.Close()
	server.Close()
}

func TestHubCloseEndsConnections(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	hub := NewHub(nil)
	server := httptest.NewServer(NewHandler(HandlerOptions{Hub: hub}))

	conn := dial(t, server)
	send(t, conn, map[string]any{"method": MethodAuth, "payload": "any"})
	waitFor(t, "subscription", func() bool { return hub.Len() == 1 })
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, _, err := conn.Read(ctx)
	cancel()
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Reason != "server closing" {
		t.Fatalf("expected the close reason to be sent, got %v", err)
	}
	conn.CloseNow()
	server.Close()
}
