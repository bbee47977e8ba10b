package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mfalcone/taskwatch/internal/config"
	"github.com/mfalcone/taskwatch/internal/httpapi"
	"github.com/mfalcone/taskwatch/internal/observability"
	"github.com/mfalcone/taskwatch/internal/reliability"
	"github.com/mfalcone/taskwatch/internal/session"
	"github.com/mfalcone/taskwatch/internal/stream"
	"github.com/mfalcone/taskwatch/internal/taskapi"
	"github.com/mfalcone/taskwatch/internal/tasks"
	"github.com/mfalcone/taskwatch/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	sessions := session.NewManager(cfg.UserID, cfg.SessionInactivityTimeout)
	client := taskapi.NewClient(cfg.UpstreamBaseURL)

	var mirror tasks.Store
	if cfg.DatabaseURL != "" {
		pg, err := tasks.NewPostgresStore(context.Background(), cfg.DatabaseURL, sessions.ScopeID())
		if err != nil {
			log.Fatalf("postgres mirror init failed: %v", err)
		}
		defer pg.Close()
		mirror = pg
		log.Printf("task snapshot mirror: postgres")
	} else {
		log.Printf("task snapshot mirror: disabled")
	}

	feed := tracker.NewFeed(200)
	store := tracker.NewStore(tracker.Options{
		API:                 client,
		Notifier:            tracker.NewBridge(feed, nil),
		Scope:               sessions,
		Mirror:              mirror,
		CreateRefreshDelay:  cfg.CreateRefreshDelay,
		ProcessRefreshDelay: cfg.ProcessRefreshDelay,
	})
	defer store.Close()

	poller := tracker.NewPoller(store, cfg.PollInterval, nil)
	defer poller.Close()
	poller.SetOnPoll(metrics.PollCycles.Inc)
	store.SetOnChange(poller.Sync)

	streams := stream.NewManager(stream.Config{
		BaseURL:       cfg.StreamBaseURL,
		AutoReconnect: cfg.AutoReconnect,
		TaskPolicy:    reliability.FixedInterval(cfg.StreamRetryInterval),
		MessagePolicy: reliability.FixedInterval(cfg.StreamRetryInterval),
		LogPolicy:     reliability.BoundedBackoff(cfg.LogRetryBase, cfg.LogRetryCap, cfg.LogRetryMaxAttempts),
	}, stream.Handlers{
		OnTaskUpdate: func(_ string, evt tasks.LifecycleEvent) {
			metrics.StreamEvents.WithLabelValues(string(evt.Type)).Inc()
			store.ApplyLifecycleEvent(evt)
		},
		OnMessage: func(evt tasks.MessageEvent) {
			metrics.StreamEvents.WithLabelValues("message").Inc()
			if evt.TaskID != "" {
				log.Printf("message for task %s: %s", evt.TaskID, evt.Content)
			}
		},
		OnLog: func(evt tasks.LogEvent) {
			metrics.StreamEvents.WithLabelValues("log").Inc()
			log.Printf("upstream %s: %s", evt.Level, evt.Line)
		},
		OnConnect: func(key string) {
			metrics.StreamConnected(key)
			log.Printf("stream %s connected", key)
		},
		OnDisconnect: func(key string) {
			metrics.StreamDisconnected(key)
			log.Printf("stream %s disconnected", key)
		},
		OnError: func(key string, err error) {
			metrics.StreamReconnects.WithLabelValues(key).Inc()
			if errors.Is(err, stream.ErrStreamUnavailable) {
				log.Printf("stream %s gave up: %v", key, err)
			}
		},
	}, nil, nil)
	defer streams.Close()

	if err := streams.SubscribeToMessages(); err != nil {
		log.Printf("message stream subscribe failed: %v", err)
	}
	if err := streams.SubscribeToLogs(); err != nil {
		log.Printf("log stream subscribe failed: %v", err)
	}

	if err := store.Refresh(context.Background()); err != nil {
		log.Printf("initial refresh failed: %v", err)
	}
	for _, t := range store.Tasks() {
		if t.Status.Terminal() {
			continue
		}
		if err := streams.SubscribeToTask(t.ID); err != nil {
			log.Printf("subscribe to task %s: %v", t.ID, err)
		}
	}

	api := httpapi.New(cfg, store, streams, poller, sessions, mirror, feed, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
