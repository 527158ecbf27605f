package stream

import (
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
)

// window holds the buffer and flush bookkeeping of one windowed subscriber.
type window struct {
	interval  time.Duration
	buffer    []domain.RequestRecord
	lastFlush time.Time
	primed    bool
	waitFirst bool
}

func newWindow(interval time.Duration, now time.Time, waitFirst bool) *window {
	if interval <= 0 {
		interval = DefaultWindow
	}
	return &window{interval: interval, lastFlush: now, waitFirst: waitFirst}
}

// add buffers rec and returns the aggregate when the window closes on this arrival.
func (w *window) add(rec domain.RequestRecord, now time.Time) (domain.RequestRecord, bool) {
	first := !w.primed && !w.waitFirst
	w.primed = true
	w.buffer = append(w.buffer, rec)
	if !first && now.Sub(w.lastFlush) < w.interval {
		return domain.RequestRecord{}, false
	}
	return w.flush(now)
}

// due flushes a window whose boundary has passed without a new arrival.
func (w *window) due(now time.Time) (domain.RequestRecord, bool) {
	if now.Sub(w.lastFlush) < w.interval {
		return domain.RequestRecord{}, false
	}
	return w.flush(now)
}

func (w *window) flush(now time.Time) (domain.RequestRecord, bool) {
	w.advance(now)
	agg, ok := Aggregate(w.buffer)
	w.buffer = w.buffer[:0]
	return agg, ok
}

// advance moves lastFlush forward by whole intervals so irregular arrivals never drift the boundary.
func (w *window) advance(now time.Time) {
	elapsed := now.Sub(w.lastFlush)
	if elapsed < w.interval {
		return
	}
	w.lastFlush = w.lastFlush.Add((elapsed / w.interval) * w.interval)
}

// resize switches the window length, keeping the same fraction of the current window elapsed.
func (w *window) resize(interval time.Duration, now time.Time) {
	elapsed := now.Sub(w.lastFlush)
	if elapsed < 0 {
		elapsed = 0
	}
	fraction := float64(elapsed%w.interval) / float64(w.interval)
	w.lastFlush = now.Add(-time.Duration(fraction * float64(interval)))
	w.interval = interval
}

// Aggregate summarises buffered records: mean duration, everything else from the last record.
func Aggregate(records []domain.RequestRecord) (domain.RequestRecord, bool) {
	if len(records) == 0 {
		return domain.RequestRecord{}, false
	}
	var sum float64
	for _, rec := range records {
		sum += rec.Duration
	}
	agg := records[len(records)-1]
	agg.Duration = sum / float64(len(records))
	agg.Samples = len(records)
	return agg, true
}
