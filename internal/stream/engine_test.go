package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/transport/sse"
	"github.com/kevinledev/logwatcher/pkg/api/client"
)

func TestImmediateSubscriberReceivesEveryRecordInOrder(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	rec := &recorder{}
	engine.Subscribe(rec)

	engine.Dispatch(payload(clock.Now(), 87, 200, ""))
	engine.Dispatch(payload(clock.Now(), 120, 404, "Resource not found for GET request to /api/users"))
	engine.Dispatch(payload(clock.Now(), 950, 500, ""))

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	if got[0].IsError || got[0].Message != "" || got[0].Duration != 87 {
		t.Fatalf("unexpected first record %+v", got[0])
	}
	if !got[1].IsError || got[1].Message != "Resource not found for GET request to /api/users" {
		t.Fatalf("unexpected second record %+v", got[1])
	}
	if !got[2].IsError || got[2].Message != "Internal Server Error" || got[2].Duration != 950 {
		t.Fatalf("unexpected third record %+v", got[2])
	}
}

func TestWindowedSubscriberFlushesOnBoundaries(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	rec := &recorder{}
	start := clock.Now()
	engine.Subscribe(rec, Windowed(10*time.Second))

	clock.Set(start.Add(500 * time.Millisecond))
	engine.Dispatch(payload(clock.Now(), 50, 200, ""))
	for i, duration := range []float64{100, 200, 300} {
		clock.Set(start.Add(time.Duration(i+1) * time.Second))
		engine.Dispatch(payload(clock.Now(), duration, 200, ""))
	}
	clock.Set(start.Add(10 * time.Second))
	engine.FlushDue()

	clock.Set(start.Add(12 * time.Second))
	engine.Dispatch(payload(clock.Now(), 500, 500, "boom"))
	clock.Set(start.Add(15 * time.Second))
	engine.FlushDue()
	clock.Set(start.Add(20 * time.Second))
	engine.FlushDue()

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected priming sample plus two windows, got %d deliveries", len(got))
	}
	if got[0].Duration != 50 || got[0].Samples != 1 {
		t.Fatalf("expected the first sample to flush on its own, got %+v", got[0])
	}
	if got[1].Duration != 200 || got[1].Samples != 3 || got[1].IsError {
		t.Fatalf("expected mean 200 over three samples, got %+v", got[1])
	}
	if !got[2].IsError || got[2].Message != "boom" || got[2].Duration != 500 {
		t.Fatalf("expected error aggregate carrying boom, got %+v", got[2])
	}
}

func TestWaitFirstWindowSubscriber(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	rec := &recorder{}
	start := clock.Now()
	engine.Subscribe(rec, Windowed(10*time.Second), WaitFirstWindow())

	for i, duration := range []float64{100, 200, 300} {
		clock.Set(start.Add(time.Duration(i+1) * time.Second))
		engine.Dispatch(payload(clock.Now(), duration, 200, ""))
	}
	if len(rec.snapshot()) != 0 {
		t.Fatal("did not expect deliveries before the first window closes")
	}
	clock.Set(start.Add(10 * time.Second))
	engine.FlushDue()

	got := rec.snapshot()
	if len(got) != 1 || got[0].Duration != 200 {
		t.Fatalf("expected a single aggregate with mean 200, got %+v", got)
	}
}

func TestWindowedFlushCountMatchesElapsedWindows(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	rec := &recorder{}
	start := clock.Now()
	sub := engine.Subscribe(rec, Windowed(10*time.Second))

	span := 120 * time.Second
	gaps := []time.Duration{900 * time.Millisecond, 1700 * time.Millisecond, 1100 * time.Millisecond, 1500 * time.Millisecond}
	at := start
	for i := 0; ; i++ {
		at = at.Add(gaps[i%len(gaps)])
		if at.Sub(start) >= span {
			break
		}
		clock.Set(at)
		engine.Dispatch(payload(at, float64(i), 200, ""))
	}

	flushes := len(rec.snapshot())
	want := int(span / (10 * time.Second))
	if flushes < want-1 || flushes > want+1 {
		t.Fatalf("expected %d±1 flushes, got %d", want, flushes)
	}

	engine.mu.Lock()
	last := engine.subs[engine.indexOf(sub.ID())].window.lastFlush
	engine.mu.Unlock()
	if offset := last.Sub(start) % (10 * time.Second); offset != 0 {
		t.Fatalf("expected lastFlush aligned to window boundaries, off by %v", offset)
	}
}

func TestEmptyWindowProducesNoDelivery(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	rec := &recorder{}
	start := clock.Now()
	engine.Subscribe(rec, Windowed(5*time.Second))

	for i := 1; i <= 6; i++ {
		clock.Set(start.Add(time.Duration(i) * 5 * time.Second))
		engine.FlushDue()
	}
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("expected no deliveries from empty windows, got %d", n)
	}
}

func TestUnsubscribeStopsDeliveries(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	removed := &recorder{}
	kept := &recorder{}
	sub := engine.Subscribe(removed)
	engine.Subscribe(kept)

	engine.Dispatch(payload(clock.Now(), 10, 200, ""))
	sub.Unsubscribe()
	sub.Unsubscribe()
	engine.Unsubscribe("unknown-id")
	for i := 0; i < 5; i++ {
		engine.Dispatch(payload(clock.Now(), 10, 200, ""))
	}

	if n := len(removed.snapshot()); n != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", n)
	}
	if n := len(kept.snapshot()); n != 6 {
		t.Fatalf("expected remaining subscriber to receive 6 records, got %d", n)
	}
	if engine.Len() != 1 {
		t.Fatalf("expected 1 registered subscriber, got %d", engine.Len())
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine, clock := newTestEngineWithRegistry(nil, nil, nil, reg)
	immediate := &recorder{}
	windowed := &recorder{}
	engine.Subscribe(immediate)
	engine.Subscribe(windowed, Windowed(10*time.Second))

	engine.Dispatch([]byte(`{"method":"GET","source":"/api/users","duration_ms":20,"status_code":200}`))
	engine.Dispatch([]byte(`not json`))
	if len(immediate.snapshot()) != 0 || len(windowed.snapshot()) != 0 {
		t.Fatal("expected malformed messages to reach no subscriber")
	}

	engine.Dispatch(payload(clock.Now(), 20, 200, ""))
	if len(immediate.snapshot()) != 1 {
		t.Fatalf("expected next valid message to be delivered")
	}
	if len(windowed.snapshot()) != 1 {
		t.Fatalf("expected next valid message to prime the windowed subscriber")
	}
	if got := testutil.ToFloat64(engine.metrics.messages.WithLabelValues("malformed")); got != 2 {
		t.Fatalf("expected 2 malformed messages counted, got %v", got)
	}
}

func TestFaultySubscribersDoNotAffectOthers(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	healthy := &recorder{}
	engine.Subscribe(nil)
	engine.Subscribe(DelivererFunc(func(domain.RequestRecord) { panic("consumer bug") }))
	var nilFunc DelivererFunc
	engine.Subscribe(nilFunc)
	engine.Subscribe(healthy)

	engine.Dispatch(payload(clock.Now(), 10, 200, ""))
	if n := len(healthy.snapshot()); n != 1 {
		t.Fatalf("expected healthy subscriber to receive the record, got %d", n)
	}
	if got := testutil.ToFloat64(engine.metrics.callbackFailures); got != 3 {
		t.Fatalf("expected 3 callback failures, got %v", got)
	}
}

func TestUnsubscribeFromCallback(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	var sub *Subscription
	calls := 0
	sub = engine.Subscribe(DelivererFunc(func(domain.RequestRecord) {
		calls++
		sub.Unsubscribe()
	}))

	engine.Dispatch(payload(clock.Now(), 10, 200, ""))
	engine.Dispatch(payload(clock.Now(), 10, 200, ""))
	if calls != 1 {
		t.Fatalf("expected a single call before self-removal, got %d", calls)
	}
}

func TestSetInterval(t *testing.T) {
	engine, clock := newTestEngine(nil, nil, nil)
	start := clock.Now()
	rec := &recorder{}
	windowed := engine.Subscribe(rec, Windowed(10*time.Second), WaitFirstWindow())
	immediate := engine.Subscribe(&recorder{})

	clock.Set(start.Add(time.Second))
	engine.Dispatch(payload(clock.Now(), 70, 200, ""))

	clock.Set(start.Add(3 * time.Second))
	if !windowed.SetInterval(20 * time.Second) {
		t.Fatal("expected interval change to apply")
	}
	if immediate.SetInterval(20 * time.Second) {
		t.Fatal("did not expect immediate subscriber to accept a window")
	}
	if windowed.SetInterval(0) {
		t.Fatal("did not expect a zero window to be accepted")
	}
	if engine.SetInterval("missing", time.Second) {
		t.Fatal("did not expect unknown subscriber to accept a window")
	}

	clock.Set(start.Add(16 * time.Second))
	engine.FlushDue()
	if len(rec.snapshot()) != 0 {
		t.Fatal("did not expect a flush before the projected boundary")
	}
	clock.Set(start.Add(17 * time.Second))
	engine.FlushDue()
	got := rec.snapshot()
	if len(got) != 1 || got[0].Duration != 70 {
		t.Fatalf("expected buffered record to flush at the projected boundary, got %+v", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	engine, _ := newTestEngine(transport, nil, NewFlag(false))

	if !engine.Connect() {
		t.Fatal("expected first connect to open a stream")
	}
	if engine.Connect() {
		t.Fatal("did not expect second connect to open a stream")
	}
	h := transport.awaitOpen(t)
	h.OnOpen()
	if engine.Connect() {
		t.Fatal("did not expect connect while connected to open a stream")
	}
	if engine.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", engine.State())
	}
	if n := transport.opens(); n != 1 {
		t.Fatalf("expected exactly one live stream, got %d", n)
	}
	engine.Close()
}

func TestSubscribeConnectsOnlyWhenGenerating(t *testing.T) {
	transport := newFakeTransport()
	flag := NewFlag(false)
	engine, _ := newTestEngine(transport, nil, flag)

	engine.Subscribe(&recorder{})
	if engine.State() != StateDisconnected {
		t.Fatalf("expected no connection while inactive, got %s", engine.State())
	}

	flag.Set(true)
	transport.awaitOpen(t)
	engine.Subscribe(&recorder{})
	if n := transport.opens(); n != 1 {
		t.Fatalf("expected one stream after activation, got %d", n)
	}
	engine.Close()
}

func TestDisconnectNotifiesProducerAsynchronously(t *testing.T) {
	transport := newFakeTransport()
	stopper := newStubStopper(errors.New("producer unreachable"))
	flag := NewFlag(true)
	engine, _ := newTestEngine(transport, stopper, flag)

	engine.Subscribe(&recorder{})
	transport.awaitOpen(t).OnOpen()

	flag.Set(false)
	if engine.State() != StateDisconnected {
		t.Fatalf("expected local disconnect to be immediate, got %s", engine.State())
	}
	select {
	case <-stopper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected stop notification")
	}
	if engine.Disconnect() {
		t.Fatal("did not expect a second disconnect to act")
	}
	engine.Close()
	if engine.State() != StateDisconnected {
		t.Fatalf("expected failed notification to leave state disconnected, got %s", engine.State())
	}
}

func TestTransportErrorFollowsSignal(t *testing.T) {
	transport := newFakeTransport()
	flag := NewFlag(true)
	engine, _ := newTestEngine(transport, nil, flag)

	engine.Subscribe(&recorder{})
	h := transport.awaitOpen(t)
	h.OnOpen()

	h.OnError(errors.New("connection reset"))
	if engine.State() != StateRetrying {
		t.Fatalf("expected retrying while generating, got %s", engine.State())
	}
	h.OnOpen()
	if engine.State() != StateConnected {
		t.Fatalf("expected reconnect to restore connected, got %s", engine.State())
	}

	flag.mu.Lock()
	flag.active = false
	flag.mu.Unlock()
	h.OnError(errors.New("connection reset"))
	if engine.State() != StateDisconnected {
		t.Fatalf("expected disconnect when generation stopped, got %s", engine.State())
	}
	engine.Close()
}

func TestStaleSessionEventsAreIgnored(t *testing.T) {
	transport := newFakeTransport()
	engine, clock := newTestEngine(transport, nil, nil)
	rec := &recorder{}
	engine.Subscribe(rec)
	old := transport.awaitOpen(t)
	old.OnOpen()

	old.OnEvent(sse.Event{Name: DefaultEventName, Data: payload(clock.Now(), 10, 200, "")})
	old.OnEvent(sse.Event{Name: "heartbeat", Data: payload(clock.Now(), 10, 200, "")})
	engine.Disconnect()
	old.OnEvent(sse.Event{Name: DefaultEventName, Data: payload(clock.Now(), 10, 200, "")})

	engine.Connect()
	fresh := transport.awaitOpen(t)
	fresh.OnEvent(sse.Event{Name: DefaultEventName, Data: payload(clock.Now(), 10, 200, "")})
	old.OnOpen()
	if engine.State() != StateRetrying {
		t.Fatalf("expected replaced session callbacks to be ignored, got %s", engine.State())
	}

	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("expected only the live connected session to deliver, got %d", n)
	}
	engine.Close()
}

func TestDispatchWhileInactiveDisconnects(t *testing.T) {
	transport := newFakeTransport()
	flag := NewFlag(true)
	engine, clock := newTestEngine(transport, nil, flag)
	rec := &recorder{}
	engine.Subscribe(rec)
	transport.awaitOpen(t).OnOpen()

	flag.mu.Lock()
	flag.active = false
	flag.mu.Unlock()
	engine.Dispatch(payload(clock.Now(), 10, 200, ""))

	if len(rec.snapshot()) != 0 {
		t.Fatal("did not expect delivery after generation stopped")
	}
	if engine.State() != StateDisconnected {
		t.Fatalf("expected disconnect, got %s", engine.State())
	}
	engine.Close()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newTestEngine(transport Transport, stopper StopNotifier, signal Signal) (*Engine, *fakeClock) {
	return newTestEngineWithRegistry(transport, stopper, signal, prometheus.NewRegistry())
}

func newTestEngineWithRegistry(transport Transport, stopper StopNotifier, signal Signal, reg prometheus.Registerer) (*Engine, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := New(transport, stopper, signal, logger, Config{Registerer: reg, StopTimeout: time.Second})
	engine.now = clock.Now
	return engine, clock
}

func payload(at time.Time, duration float64, status int, errorMessage string) []byte {
	metadata := "{}"
	if errorMessage != "" {
		metadata = fmt.Sprintf(`{"error_type":"server_error","error_message":%q}`, errorMessage)
	}
	return []byte(fmt.Sprintf(`{"timestamp":%q,"method":"GET","source":"/api/users","duration_ms":%v,"status_code":%d,"metadata":%s}`,
		at.Format(time.RFC3339Nano), duration, status, metadata))
}

type recorder struct {
	mu      sync.Mutex
	records []domain.RequestRecord
}

func (r *recorder) Deliver(rec domain.RequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) snapshot() []domain.RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RequestRecord, len(r.records))
	copy(out, r.records)
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	count  int
	opened chan sse.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan sse.Handler, 8)}
}

func (f *fakeTransport) Stream(ctx context.Context, h sse.Handler) error {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	f.opened <- h
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeTransport) awaitOpen(t *testing.T) sse.Handler {
	t.Helper()
	select {
	case h := <-f.opened:
		return h
	case <-time.After(time.Second):
		t.Fatal("expected transport to open a stream")
		return nil
	}
}

type stubStopper struct {
	calls chan struct{}
	err   error
}

func newStubStopper(err error) *stubStopper {
	return &stubStopper{calls: make(chan struct{}, 4), err: err}
}

func (s *stubStopper) Stop(context.Context) (client.StreamStatus, error) {
	s.calls <- struct{}{}
	if s.err != nil {
		return client.StreamStatus{}, s.err
	}
	return client.StreamStatus{Status: "stopped"}, nil
}
