package sse

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

const maxLineSize = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Handler receives stream lifecycle callbacks. Calls are made from the streaming goroutine.
type Handler interface {
	OnOpen()
	OnEvent(Event)
	OnError(error)
}

// Decoder reads text/event-stream frames.
type Decoder struct {
	scanner *bufio.Scanner
	lastID  string
	retry   time.Duration
}

// NewDecoder wraps r. lastID seeds the id reported for events that do not set one.
func NewDecoder(r io.Reader, lastID string) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: scanner, lastID: lastID}
}

// Decode returns the next event that carries data. It returns io.EOF when the stream ends;
// a trailing frame without a blank line terminator is discarded.
func (d *Decoder) Decode() (Event, error) {
	var (
		name    string
		data    strings.Builder
		hasData bool
	)
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if !hasData {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{ID: d.lastID, Name: name, Data: []byte(data.String())}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				d.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				d.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastID reports the most recent event id seen.
func (d *Decoder) LastID() string {
	return d.lastID
}

// Retry reports the last reconnection delay requested by the server, zero when none.
func (d *Decoder) Retry() time.Duration {
	return d.retry
}
