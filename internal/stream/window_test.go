package stream

import (
	"testing"
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
)

func TestAggregateMeanAndLastMetadata(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	agg, ok := Aggregate([]domain.RequestRecord{
		{Time: base, Method: "GET", Source: "/api/users", Duration: 100, Status: 200},
		{Time: base.Add(time.Second), Method: "PUT", Source: "/api/orders", Duration: 200, Status: 201},
		{Time: base.Add(2 * time.Second), Method: "DELETE", Source: "/api/products", Duration: 300, Status: 500, IsError: true, Message: "boom"},
	})
	if !ok {
		t.Fatal("expected an aggregate")
	}
	if agg.Duration != 200 {
		t.Fatalf("expected mean 200, got %v", agg.Duration)
	}
	if agg.Samples != 3 {
		t.Fatalf("expected 3 samples, got %d", agg.Samples)
	}
	if !agg.Time.Equal(base.Add(2*time.Second)) || agg.Method != "DELETE" || agg.Source != "/api/products" {
		t.Fatalf("expected metadata of the last record, got %+v", agg)
	}
	if !agg.IsError || agg.Message != "boom" || agg.Status != 500 {
		t.Fatalf("expected error fields of the last record, got %+v", agg)
	}
	if _, ok := Aggregate(nil); ok {
		t.Fatal("did not expect an aggregate for an empty window")
	}
}

func TestWindowFirstSampleFlushesImmediately(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Second, base, false)

	agg, ok := w.add(domain.RequestRecord{Duration: 40}, base.Add(time.Second))
	if !ok || agg.Duration != 40 {
		t.Fatalf("expected first sample to flush, got %v %+v", ok, agg)
	}
	if !w.lastFlush.Equal(base) {
		t.Fatalf("expected boundary to stay aligned at %v, got %v", base, w.lastFlush)
	}
	if _, ok := w.add(domain.RequestRecord{Duration: 60}, base.Add(2*time.Second)); ok {
		t.Fatal("did not expect a second flush inside the window")
	}
}

func TestWindowWaitFirstHoldsUntilBoundary(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Second, base, true)

	if _, ok := w.add(domain.RequestRecord{Duration: 100}, base.Add(time.Second)); ok {
		t.Fatal("did not expect the first sample to flush")
	}
	agg, ok := w.add(domain.RequestRecord{Duration: 300}, base.Add(11*time.Second))
	if !ok {
		t.Fatal("expected the crossing arrival to flush")
	}
	if agg.Duration != 200 {
		t.Fatalf("expected mean 200 including the crossing record, got %v", agg.Duration)
	}
}

func TestWindowBoundaryAlignment(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Second, base, true)

	w.add(domain.RequestRecord{Duration: 1}, base.Add(3*time.Second))
	if _, ok := w.add(domain.RequestRecord{Duration: 1}, base.Add(12500*time.Millisecond)); !ok {
		t.Fatal("expected flush after the first boundary")
	}
	if want := base.Add(10 * time.Second); !w.lastFlush.Equal(want) {
		t.Fatalf("expected lastFlush %v, got %v", want, w.lastFlush)
	}
	if _, ok := w.add(domain.RequestRecord{Duration: 1}, base.Add(19*time.Second)); ok {
		t.Fatal("did not expect a flush before the second boundary")
	}
	if _, ok := w.add(domain.RequestRecord{Duration: 1}, base.Add(41*time.Second)); !ok {
		t.Fatal("expected flush after skipping several boundaries")
	}
	if want := base.Add(40 * time.Second); !w.lastFlush.Equal(want) {
		t.Fatalf("expected lastFlush to skip whole windows to %v, got %v", want, w.lastFlush)
	}
}

func TestWindowDueOnEmptyBufferAdvancesOnly(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Second, base, false)

	if _, ok := w.due(base.Add(25 * time.Second)); ok {
		t.Fatal("did not expect an aggregate from an empty window")
	}
	if want := base.Add(20 * time.Second); !w.lastFlush.Equal(want) {
		t.Fatalf("expected lastFlush %v, got %v", want, w.lastFlush)
	}
}

func TestWindowResizeProjectsElapsedFraction(t *testing.T) {
	base := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	w := newWindow(10*time.Second, base, true)
	w.add(domain.RequestRecord{Duration: 70}, base.Add(time.Second))

	now := base.Add(3 * time.Second)
	w.resize(20*time.Second, now)
	if want := now.Add(-6 * time.Second); !w.lastFlush.Equal(want) {
		t.Fatalf("expected projected lastFlush %v, got %v", want, w.lastFlush)
	}
	if len(w.buffer) != 1 {
		t.Fatalf("expected buffer to survive resize, got %d records", len(w.buffer))
	}
	if _, ok := w.due(now.Add(13 * time.Second)); ok {
		t.Fatal("did not expect flush before the projected boundary")
	}
	agg, ok := w.due(now.Add(14 * time.Second))
	if !ok || agg.Duration != 70 {
		t.Fatalf("expected buffered record to flush at the projected boundary, got %v %+v", ok, agg)
	}
}
