package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds runtime configuration for the gateway service.
type GatewayConfig struct {
	Environment           string          `yaml:"environment"`
	Addr                  string          `yaml:"addr"`
	UpstreamBaseURL       string          `yaml:"upstream_base_url"`
	UpstreamEventsPath    string          `yaml:"upstream_events_path"`
	UpstreamStartPath     string          `yaml:"upstream_start_path"`
	UpstreamStopPath      string          `yaml:"upstream_stop_path"`
	EventName             string          `yaml:"event_name"`
	DefaultWindow         time.Duration   `yaml:"default_window"`
	FlushTick             time.Duration   `yaml:"flush_tick"`
	RetryBase             time.Duration   `yaml:"retry_base"`
	RetryMax              time.Duration   `yaml:"retry_max"`
	Generating            bool            `yaml:"generating"`
	SignalRedisAddr       string          `yaml:"signal_redis_addr"`
	SignalRedisPassword   string          `yaml:"signal_redis_password"`
	SignalRedisDB         int             `yaml:"signal_redis_db"`
	SignalChannel         string          `yaml:"signal_channel"`
	DatabaseURL           string          `yaml:"database_url"`
	MigrationsDir         string          `yaml:"migrations_dir"`
	ArchiveWindows        []time.Duration `yaml:"archive_windows"`
	ForwardURL            string          `yaml:"forward_url"`
	ForwardToken          string          `yaml:"forward_token"`
	ForwardWindow         time.Duration   `yaml:"forward_window"`
	DownstreamConnectRate int             `yaml:"downstream_connect_rate"`
	LogLevel              string          `yaml:"log_level"`
	LogFile               string          `yaml:"log_file"`
}

// DefaultGatewayConfig returns the built-in settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Environment:           "development",
		Addr:                  ":4000",
		UpstreamBaseURL:       "http://localhost:8000",
		UpstreamEventsPath:    "/stream/events/",
		UpstreamStartPath:     "/stream/start/",
		UpstreamStopPath:      "/stream/stop/",
		EventName:             "api.request",
		DefaultWindow:         10 * time.Second,
		FlushTick:             250 * time.Millisecond,
		RetryBase:             time.Second,
		RetryMax:              30 * time.Second,
		Generating:            true,
		SignalChannel:         "stream_state",
		MigrationsDir:         "db/migrations",
		ForwardWindow:         10 * time.Second,
		DownstreamConnectRate: 20,
		LogLevel:              "info",
	}
}

// LoadGatewayConfig layers the YAML file named by LOGWATCHER_CONFIG over the defaults and then
// applies environment variables, which take precedence.
func LoadGatewayConfig() (GatewayConfig, error) {
	cfg := DefaultGatewayConfig()
	if path := GetString("LOGWATCHER_CONFIG", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return GatewayConfig{}, fmt.Errorf("read config file: %w", err)
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return GatewayConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *GatewayConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *GatewayConfig) {
	cfg.Environment = GetString("APP_ENV", cfg.Environment)
	cfg.Addr = GetString("GATEWAY_ADDR", cfg.Addr)
	cfg.UpstreamBaseURL = GetString("UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	cfg.UpstreamEventsPath = GetString("UPSTREAM_EVENTS_PATH", cfg.UpstreamEventsPath)
	cfg.UpstreamStartPath = GetString("UPSTREAM_START_PATH", cfg.UpstreamStartPath)
	cfg.UpstreamStopPath = GetString("UPSTREAM_STOP_PATH", cfg.UpstreamStopPath)
	cfg.EventName = GetString("UPSTREAM_EVENT_NAME", cfg.EventName)
	cfg.DefaultWindow = GetDuration("STREAM_DEFAULT_WINDOW_SECONDS", time.Second, cfg.DefaultWindow)
	cfg.FlushTick = GetDuration("STREAM_FLUSH_TICK_MS", time.Millisecond, cfg.FlushTick)
	cfg.RetryBase = GetDuration("STREAM_RETRY_BASE_MS", time.Millisecond, cfg.RetryBase)
	cfg.RetryMax = GetDuration("STREAM_RETRY_MAX_SECONDS", time.Second, cfg.RetryMax)
	cfg.Generating = GetBool("GENERATING", cfg.Generating)
	cfg.SignalRedisAddr = GetString("SIGNAL_REDIS_ADDR", cfg.SignalRedisAddr)
	cfg.SignalRedisPassword = GetString("SIGNAL_REDIS_PASSWORD", cfg.SignalRedisPassword)
	cfg.SignalRedisDB = GetInt("SIGNAL_REDIS_DB", cfg.SignalRedisDB)
	cfg.SignalChannel = GetString("SIGNAL_CHANNEL", cfg.SignalChannel)
	cfg.DatabaseURL = GetString("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = GetString("DB_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.ArchiveWindows = GetDurations("ARCHIVE_WINDOW_SECONDS", time.Second, cfg.ArchiveWindows)
	cfg.ForwardURL = GetString("FORWARD_URL", cfg.ForwardURL)
	cfg.ForwardToken = GetString("FORWARD_TOKEN", cfg.ForwardToken)
	cfg.ForwardWindow = GetDuration("FORWARD_WINDOW_SECONDS", time.Second, cfg.ForwardWindow)
	cfg.DownstreamConnectRate = GetInt("DOWNSTREAM_CONNECT_RATE", cfg.DownstreamConnectRate)
	cfg.LogLevel = GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = GetString("LOG_FILE", cfg.LogFile)
}

// EventsURL joins the upstream base URL and events path.
func (c GatewayConfig) EventsURL() string {
	return joinURL(c.UpstreamBaseURL, c.UpstreamEventsPath)
}

func joinURL(base, path string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return base + path
}
