package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/service/feed"
)

func TestPrinterJSONLines(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, "window:10", true)
	p.print(domain.RequestRecord{
		Time:     time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC),
		Method:   "POST",
		Source:   "/api/orders",
		Duration: 200,
		Status:   500,
		IsError:  true,
		Message:  "boom",
		Samples:  3,
	})

	var rec feed.Record
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &rec); err != nil {
		t.Fatalf("decode line %q: %v", out.String(), err)
	}
	if rec.Feed != "window:10" || rec.DurationMS != 200 || rec.Message != "boom" || rec.Samples != 3 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestPrinterHumanLines(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, feed.LiveKey, false)
	p.print(domain.RequestRecord{Time: time.Now(), Method: "GET", Source: "/api/users", Duration: 42, Status: 404, IsError: true, Message: "Not Found"})

	line := out.String()
	if !strings.Contains(line, "/api/users") || !strings.Contains(line, "42.0ms") || !strings.Contains(line, "404 Not Found") {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.UpstreamBaseURL != defaultUpstream || cfg.EventsPath != "/stream/events/" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}

	cfg.UpstreamBaseURL = "http://producer:9000"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.UpstreamBaseURL != "http://producer:9000" {
		t.Fatalf("expected saved upstream, got %q", loaded.UpstreamBaseURL)
	}
}
