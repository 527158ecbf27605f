package domain

import "time"

// RequestRecord is one normalized API request sample read from the upstream stream.
// Aggregates reuse the same shape with Duration holding the window mean.
type RequestRecord struct {
	Time      time.Time
	Method    string
	Source    string
	Duration  float64
	Status    int
	IsError   bool
	Message   string
	RequestID string
	ErrorType string
	Samples   int
}

// RequestAggregate is an archived window summary.
type RequestAggregate struct {
	ID            int64
	WindowSeconds int
	RecordedAt    time.Time
	Method        string
	Source        string
	Status        int
	IsError       bool
	Message       string
	AvgDurationMS float64
	Samples       int
	CreatedAt     time.Time
}

// AggregateFromRecord converts a flushed window into its archived form.
func AggregateFromRecord(window time.Duration, rec RequestRecord) RequestAggregate {
	return RequestAggregate{
		WindowSeconds: int(window / time.Second),
		RecordedAt:    rec.Time.UTC(),
		Method:        rec.Method,
		Source:        rec.Source,
		Status:        rec.Status,
		IsError:       rec.IsError,
		Message:       rec.Message,
		AvgDurationMS: rec.Duration,
		Samples:       rec.Samples,
	}
}
