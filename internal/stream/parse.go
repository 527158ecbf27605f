package stream

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kevinledev/logwatcher/internal/domain"
)

// ErrMalformedPayload indicates a stream message that is not a JSON object or carries unusable fields.
var ErrMalformedPayload = errors.New("stream: malformed payload")

// ErrMissingTimestamp indicates a stream message without a usable timestamp.
var ErrMissingTimestamp = errors.New("stream: missing timestamp")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseRecord builds a request record from one raw api.request payload.
func ParseRecord(data []byte) (domain.RequestRecord, error) {
	if !gjson.ValidBytes(data) {
		return domain.RequestRecord{}, fmt.Errorf("%w: invalid json", ErrMalformedPayload)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return domain.RequestRecord{}, fmt.Errorf("%w: expected object", ErrMalformedPayload)
	}
	ts, err := parseTimestamp(root.Get("timestamp"))
	if err != nil {
		return domain.RequestRecord{}, err
	}
	status := int(root.Get("status_code").Int())
	rec := domain.RequestRecord{
		Time:      ts,
		Method:    root.Get("method").String(),
		Source:    root.Get("source").String(),
		Duration:  root.Get("duration_ms").Float(),
		Status:    status,
		IsError:   status >= http.StatusBadRequest,
		RequestID: root.Get("request_id").String(),
		Samples:   1,
	}
	if rec.IsError {
		rec.Message = strings.TrimSpace(root.Get("metadata.error_message").String())
		rec.ErrorType = root.Get("metadata.error_type").String()
		if rec.Message == "" {
			rec.Message = http.StatusText(status)
		}
	}
	return rec, nil
}

// parseTimestamp accepts epoch milliseconds or an RFC 3339 string; zone-less strings are UTC.
func parseTimestamp(value gjson.Result) (time.Time, error) {
	switch value.Type {
	case gjson.Number:
		ms := value.Float()
		if ms == 0 {
			return time.Time{}, ErrMissingTimestamp
		}
		if ms == math.Trunc(ms) {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
		return time.Unix(0, int64(ms*float64(time.Millisecond))).UTC(), nil
	case gjson.String:
		raw := strings.TrimSpace(value.Str)
		if raw == "" {
			return time.Time{}, ErrMissingTimestamp
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedPayload, raw)
	case gjson.Null, gjson.False:
		return time.Time{}, ErrMissingTimestamp
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported timestamp type", ErrMalformedPayload)
	}
}
