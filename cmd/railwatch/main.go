package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"github.com/railwatch/railwatch/internal/api"
	"github.com/railwatch/railwatch/internal/broker"
	"github.com/railwatch/railwatch/internal/config"
	"github.com/railwatch/railwatch/internal/conversation"
	"github.com/railwatch/railwatch/internal/detector"
	"github.com/railwatch/railwatch/internal/llm"
	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/models"
	"github.com/railwatch/railwatch/internal/notifier"
	"github.com/railwatch/railwatch/internal/platform"
	"github.com/railwatch/railwatch/internal/remediation"
	"github.com/railwatch/railwatch/internal/retention"
	"github.com/railwatch/railwatch/internal/store"
	"github.com/railwatch/railwatch/internal/stream"
	"github.com/railwatch/railwatch/internal/telemetry"
	"github.com/railwatch/railwatch/internal/utils"
)

// ingestBuffer sizes the shared channel between the stream layer and the
// detector.
const ingestBuffer = 10000

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting railwatch",
		slog.String("address", cfg.Server.Address),
		slog.String("environment", cfg.Environment))

	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	bus := broker.New(logger, 1024)

	st, err := store.Open(filepath.Join(cfg.Database.Dir, "railwatch.db"), logger, store.WithBus(bus))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	platformClient := platform.NewClient(cfg.Railway.APIURL, cfg.Railway.APIToken, logger,
		platform.WithRateLimits(cfg.Performance.RateLimitPerSec, cfg.Performance.RateLimitPerHour))

	var openaiClient, anthropicClient llm.Client
	if cfg.LLM.OpenAIKey != "" {
		openaiClient = llm.NewOpenAIClient(cfg.LLM.OpenAIKey, cfg.LLM.OpenAIModel)
	}
	if cfg.LLM.AnthropicKey != "" {
		anthropicClient = llm.NewAnthropicClient(cfg.LLM.AnthropicKey, cfg.LLM.AnthropicModel, cfg.LLM.Timeout)
	}
	router := llm.NewRouter(openaiClient, anthropicClient, cfg.LLM.DefaultProvider)
	if !router.Enabled() {
		logger.Warn("no llm provider configured, detection runs on the pattern lane only")
	}

	ingest := make(chan models.LogEvent, ingestBuffer)
	supervisor := stream.NewSupervisor(cfg.Railway.WSURL, cfg.Railway.APIToken, stream.Options{
		ConnectionTimeout: cfg.Performance.ConnectionTimeout,
		HeartbeatInterval: cfg.Performance.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Performance.HeartbeatTimeout,
		MaxBackoff:        cfg.Performance.MaxBackoff,
		LevelFilter:       cfg.Performance.LogLevelFilter,
	}, bus, ingest, cfg.Performance.MaxRetryAttempts, logger)

	det := detector.New(ingest, st, st, router, bus, logger)
	if cfg.Performance.BatchWindowMin > 0 {
		det.SetBatchWindow(cfg.Performance.BatchWindowMin)
	}
	if cfg.Performance.BufferRetention > 0 {
		det.SetEventSink(st)
	}

	var slackAPI notifier.SlackAPI
	var responder conversation.Responder
	if cfg.SlackEnabled() {
		client := slack.New(cfg.Slack.BotToken)
		slackAPI = client
		responder = &slackResponder{api: client}
	} else {
		logger.Warn("slack not configured, alerts are logged only")
	}
	ntf := notifier.New(slackAPI, cfg.Slack.ChannelID, st, platformClient, router, bus, logger)

	coordinator := remediation.New(st, platformClient, ntf, bus, logger)
	conversations := conversation.New(st, platformClient, responder, bus, logger)
	sweeper := retention.New(st, cfg.Retention.Days, cfg.Performance.BufferRetention, logger)
	collector := telemetry.New(bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reconcile actions orphaned by a previous process before taking traffic.
	if cfg.PlatformEnabled() {
		if err := coordinator.RecoverStale(ctx); err != nil {
			logger.Warn("stale action recovery failed", slog.Any("error", err))
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return det.Run(groupCtx) })
	group.Go(func() error { return ntf.Run(groupCtx) })
	group.Go(func() error { return coordinator.Run(groupCtx) })
	group.Go(func() error { return conversations.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })
	group.Go(func() error { return collector.Run(groupCtx) })

	statePersister := stream.NewStatePersister(supervisor, st, cfg.Performance.PollingInterval, logger)
	group.Go(func() error { return statePersister.Run(groupCtx) })

	if cfg.PlatformEnabled() {
		targets := models.ExpandTargets(cfg.Railway.Projects, cfg.Railway.Environments, cfg.Railway.Services)
		for _, target := range targets {
			if _, err := supervisor.Start(target, ""); err != nil {
				logger.Error("failed to start log stream",
					slog.String("target", target.Key()), slog.Any("error", err))
			}
		}
		logger.Info("log streams starting", slog.Int("targets", len(targets)))
	} else {
		logger.Warn("railway token not configured, no log streams started")
	}

	server := api.NewServer(st, supervisor, ntf, conversations, collector, registry,
		cfg.Slack.SigningSecret, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("http server listening", slog.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	supervisor.Close()
	if err := group.Wait(); err != nil {
		logger.Warn("pipeline shutdown", slog.Any("error", err))
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("railwatch stopped")
}

// slackResponder adapts the Slack client to the conversation reply surface.
type slackResponder struct {
	api *slack.Client
}

func (r *slackResponder) Reply(ctx context.Context, channelID, threadTS, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, _, err := r.api.PostMessageContext(ctx, channelID, opts...)
	return err
}
