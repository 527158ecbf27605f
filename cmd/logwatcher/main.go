package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/kevinledev/logwatcher/internal/domain"
	"github.com/kevinledev/logwatcher/internal/service/feed"
	"github.com/kevinledev/logwatcher/internal/stream"
	"github.com/kevinledev/logwatcher/internal/transport/sse"
	apiclient "github.com/kevinledev/logwatcher/pkg/api/client"
	"github.com/kevinledev/logwatcher/pkg/logger"
)

const defaultUpstream = "http://localhost:8000"

type cliConfig struct {
	UpstreamBaseURL string `json:"upstream_base_url"`
	EventsPath      string `json:"events_path"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "tail":
		err = commandTail(args)
	case "watch":
		err = commandWatch(args)
	case "start":
		err = commandProducer(args, true)
	case "stop":
		err = commandProducer(args, false)
	case "use":
		err = commandUse(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	upstream := fs.String("upstream", "", "Producer base URL (default from 'logwatcher use')")
	asJSON := fs.Bool("json", false, "Print JSON lines even on a terminal")
	logLevel := fs.String("log-level", "error", "Connection log level written to stderr")
	fs.Parse(args)
	return follow(*upstream, 0, *asJSON, *logLevel)
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	upstream := fs.String("upstream", "", "Producer base URL (default from 'logwatcher use')")
	window := fs.Int("window", int(stream.DefaultWindow/time.Second), "Aggregation window in seconds")
	asJSON := fs.Bool("json", false, "Print JSON lines even on a terminal")
	logLevel := fs.String("log-level", "error", "Connection log level written to stderr")
	fs.Parse(args)
	if *window <= 0 {
		return errors.New("--window must be positive")
	}
	return follow(*upstream, time.Duration(*window)*time.Second, *asJSON, *logLevel)
}

// follow streams records, or window aggregates when window is positive, until interrupted.
func follow(upstream string, window time.Duration, asJSON bool, logLevel string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(upstream) != "" {
		cfg.UpstreamBaseURL = upstream
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logger.ParseLevel(logLevel)})).With("service", "logwatcher")

	transport, err := sse.NewClient(strings.TrimRight(cfg.UpstreamBaseURL, "/")+cfg.EventsPath, log)
	if err != nil {
		return err
	}
	engine := stream.New(transport, nil, nil, log, stream.Config{Registerer: prometheus.NewRegistry()})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := feed.Key(window)
	if err != nil {
		return err
	}
	p := newPrinter(os.Stdout, key, asJSON || !term.IsTerminal(int(os.Stdout.Fd())))
	var opts []stream.SubscribeOption
	if window > 0 {
		opts = append(opts, stream.Windowed(window))
	}
	sub := engine.Subscribe(stream.DelivererFunc(p.print), opts...)
	defer sub.Unsubscribe()

	engine.Run(ctx)
	return nil
}

type printer struct {
	out  io.Writer
	key  string
	json bool
}

func newPrinter(out io.Writer, key string, asJSON bool) *printer {
	return &printer{out: out, key: key, json: asJSON}
}

func (p *printer) print(rec domain.RequestRecord) {
	if p.json {
		payload, err := feed.MarshalRecord(p.key, rec)
		if err != nil {
			return
		}
		fmt.Fprintf(p.out, "%s\n", payload)
		return
	}
	status := fmt.Sprintf("%d", rec.Status)
	if rec.IsError {
		status += " " + rec.Message
	}
	if p.key == feed.LiveKey {
		fmt.Fprintf(p.out, "%s\t%-6s\t%s\t%.1fms\t%s\n", rec.Time.Local().Format(time.TimeOnly), rec.Method, rec.Source, rec.Duration, status)
		return
	}
	fmt.Fprintf(p.out, "%s\t%s\tavg %.1fms over %d\tlast %s %s\t%s\n", rec.Time.Local().Format(time.TimeOnly), p.key, rec.Duration, rec.Samples, rec.Method, rec.Source, status)
}

func commandProducer(args []string, start bool) error {
	name := "stop"
	if start {
		name = "start"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	upstream := fs.String("upstream", "", "Producer base URL (default from 'logwatcher use')")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*upstream) != "" {
		cfg.UpstreamBaseURL = *upstream
	}
	client, err := apiclient.New(cfg.UpstreamBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var status apiclient.StreamStatus
	if start {
		status, err = client.Start(ctx)
	} else {
		status, err = client.Stop(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Println(status.Status)
	return nil
}

func commandUse(args []string) error {
	fs := flag.NewFlagSet("use", flag.ExitOnError)
	upstream := fs.String("upstream", "", "Producer base URL to remember")
	eventsPath := fs.String("events-path", "", "Event stream path on the producer")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*upstream) == "" && strings.TrimSpace(*eventsPath) == "" {
		return errors.New("--upstream or --events-path is required")
	}
	if strings.TrimSpace(*upstream) != "" {
		if _, err := apiclient.New(*upstream); err != nil {
			return err
		}
		cfg.UpstreamBaseURL = strings.TrimSpace(*upstream)
	}
	if strings.TrimSpace(*eventsPath) != "" {
		cfg.EventsPath = strings.TrimSpace(*eventsPath)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("upstream saved")
	return nil
}

func loadConfig() (cliConfig, error) {
	defaults := cliConfig{UpstreamBaseURL: defaultUpstream, EventsPath: "/stream/events/"}
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaults, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.UpstreamBaseURL == "" {
		cfg.UpstreamBaseURL = defaults.UpstreamBaseURL
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = defaults.EventsPath
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "logwatcher", "config.json"), nil
}

func printUsage() {
	fmt.Printf("logwatcher CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	logwatcher tail [--upstream http://localhost:8000] [--json]
	logwatcher watch [--window 10] [--upstream http://localhost:8000] [--json]
	logwatcher start [--upstream http://localhost:8000]
	logwatcher stop [--upstream http://localhost:8000]
	logwatcher use --upstream http://producer:8000 [--events-path /stream/events/]
	logwatcher version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
