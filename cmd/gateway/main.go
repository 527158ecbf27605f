package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kevinledev/logwatcher/internal/app/migrate"
	httpx "github.com/kevinledev/logwatcher/internal/http"
	"github.com/kevinledev/logwatcher/internal/repository/postgres"
	"github.com/kevinledev/logwatcher/internal/service/archive"
	"github.com/kevinledev/logwatcher/internal/service/feed"
	"github.com/kevinledev/logwatcher/internal/service/forward"
	gensignal "github.com/kevinledev/logwatcher/internal/signal"
	"github.com/kevinledev/logwatcher/internal/stream"
	"github.com/kevinledev/logwatcher/internal/transport/sse"
	"github.com/kevinledev/logwatcher/internal/ws"
	apiclient "github.com/kevinledev/logwatcher/pkg/api/client"
	"github.com/kevinledev/logwatcher/pkg/config"
	"github.com/kevinledev/logwatcher/pkg/logger"
	"github.com/kevinledev/logwatcher/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		logger.New("gateway", logger.ParseLevel("info")).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log, logFile := logger.NewWithFile("gateway", logger.ParseLevel(cfg.LogLevel), cfg.LogFile)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := sse.NewClient(cfg.EventsURL(), log, sse.WithRetry(cfg.RetryBase, cfg.RetryMax))
	if err != nil {
		log.Error("invalid upstream events url", "error", err)
		os.Exit(1)
	}
	producer, err := apiclient.New(cfg.UpstreamBaseURL, apiclient.WithStartPath(cfg.UpstreamStartPath), apiclient.WithStopPath(cfg.UpstreamStopPath))
	if err != nil {
		log.Error("invalid upstream base url", "error", err)
		os.Exit(1)
	}

	genFlag := stream.NewFlag(cfg.Generating)
	var publisher gensignal.Publisher
	var bridge *gensignal.RedisBridge
	if addr := strings.TrimSpace(cfg.SignalRedisAddr); addr != "" {
		bridge, err = gensignal.NewRedisBridge(addr, cfg.SignalRedisPassword, cfg.SignalRedisDB, cfg.SignalChannel, genFlag, log)
		if err != nil {
			log.Warn("redis signal bridge unavailable", "error", err)
		} else {
			defer bridge.Close()
			publisher = bridge
		}
	}
	generation := gensignal.NewController(genFlag, publisher, log)

	engine := stream.New(transport, producer, genFlag, log, stream.Config{
		EventName:     cfg.EventName,
		DefaultWindow: cfg.DefaultWindow,
		FlushTick:     cfg.FlushTick,
		Registerer:    prometheus.DefaultRegisterer,
	})
	defer engine.Close()

	hub := ws.NewHub()
	defer hub.Close()
	feeds := feed.NewService(engine, hub, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		engine.Run(groupCtx)
		return nil
	})
	if bridge != nil {
		group.Go(func() error {
			if err := bridge.Run(groupCtx); err != nil {
				log.Warn("redis signal bridge stopped", "error", err)
			}
			return nil
		})
	}

	var archiveSvc httpx.AggregateArchive
	var dbHealth func(context.Context) error
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		windows := cfg.ArchiveWindows
		if len(windows) == 0 {
			windows = []time.Duration{cfg.DefaultWindow}
		}
		svc := archive.NewService(postgres.New(pool), engine, windows, 0, log)
		group.Go(func() error {
			svc.Run(groupCtx)
			return nil
		})
		archiveSvc = svc
		dbHealth = pool.Ping
	}

	if url := strings.TrimSpace(cfg.ForwardURL); url != "" {
		emitter, err := telemetry.NewEmitter(url, cfg.ForwardToken, nil)
		if err != nil {
			log.Error("invalid forward url", "error", err)
			os.Exit(1)
		}
		forwarder := forward.NewService(engine, emitter, cfg.ForwardWindow, 0, log)
		group.Go(func() error {
			forwarder.Run(groupCtx)
			return nil
		})
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Engine:      engine,
		Feeds:       feeds,
		Generation:  generation,
		Archive:     archiveSvc,
		DBHealth:    dbHealth,
		ConnectRate: cfg.DownstreamConnectRate,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	group.Go(func() error {
		log.Info("gateway server starting", "addr", cfg.Addr, "upstream", cfg.EventsURL(), "generating", genFlag.Active())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Error("gateway stopped with error", "error", err)
		engine.Close()
		os.Exit(1)
	}
	log.Info("gateway stopped")
}
