package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	events  []string
	fail    bool
	closed  bool
	receive chan struct{}
}

func newFakeSubscriber(fail bool) *fakeSubscriber {
	return &fakeSubscriber{fail: fail, receive: make(chan struct{}, 8)}
}

func (f *fakeSubscriber) Send(event string, payload []byte) error {
	f.mu.Lock()
	defer func() {
		f.mu.Unlock()
		f.receive <- struct{}{}
	}()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.events = append(f.events, event+":"+string(payload))
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) await(t *testing.T) {
	t.Helper()
	select {
	case <-f.receive:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestHubBroadcastPerFeed(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	live := newFakeSubscriber(false)
	windowed := newFakeSubscriber(false)
	broken := newFakeSubscriber(true)
	hub.Register("live", live)
	hub.Register("live", broken)
	hub.Register("window:10", windowed)

	hub.Broadcast("live", "record", []byte(`{"n":1}`))
	live.await(t)
	broken.await(t)
	hub.Broadcast("window:10", "aggregate", []byte(`{"n":2}`))
	windowed.await(t)

	eventually(t, func() bool { return hub.Count("live") == 1 })
	broken.mu.Lock()
	if !broken.closed {
		t.Fatal("expected failing client to be closed")
	}
	broken.mu.Unlock()
	live.mu.Lock()
	if len(live.events) != 1 || live.events[0] != `record:{"n":1}` {
		t.Fatalf("unexpected live events %v", live.events)
	}
	live.mu.Unlock()

	hub.Unregister("window:10", windowed)
	eventually(t, func() bool { return hub.Count("window:10") == 0 })
}

func TestHubCloseClosesClients(t *testing.T) {
	hub := NewHub()
	sub := newFakeSubscriber(false)
	hub.Register("live", sub)
	hub.Close()

	eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.closed
	})
	hub.Broadcast("live", "record", []byte(`{}`))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := client.Send("aggregate", []byte(`{"avg":1}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "id: 1\nevent: aggregate\ndata: {\"avg\":1}\n\n: ping\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected frames %q", got)
	}
	client.Close()
	if err := client.Send("aggregate", nil); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if !strings.HasPrefix(rec.Body.String(), "id: 1") || !client.Closed() {
		t.Fatal("expected closed client")
	}
}
