package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voicewire-labs/voicewire/src/agents"
	"github.com/voicewire-labs/voicewire/src/calls"
	"github.com/voicewire-labs/voicewire/src/config"
	"github.com/voicewire-labs/voicewire/src/logger"
	"github.com/voicewire-labs/voicewire/src/metrics"
	"github.com/voicewire-labs/voicewire/src/secrets"
	"github.com/voicewire-labs/voicewire/src/transports"
)

func main() {
	logger.Init()
	log := logger.Named("Server")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	registry := calls.NewRegistry()
	agentDir := agents.NewMemoryDirectory()
	prompts := agents.NewMemoryPrompts()
	store := secrets.EnvStore{}

	var transcripts calls.TranscriptSink
	var turnMetrics calls.MetricSink
	if cfg.Redis.Addr != "" {
		sink := calls.NewRedisSink(calls.RedisSinkConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.Ping(pingCtx); err != nil {
			cancel()
			log.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		defer sink.Close()
		transcripts, turnMetrics = sink, sink
		log.Info("Persisting to redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		sink := calls.NewMemorySink()
		transcripts, turnMetrics = sink, sink
		log.Info("Persisting in memory only")
	}

	collector := metrics.NewCollector("voicewire", prometheus.DefaultRegisterer)

	handler := transports.NewHandler(transports.HandlerConfig{
		Config:      cfg,
		Logger:      logger.Default(),
		Calls:       registry,
		Agents:      agentDir,
		Prompts:     prompts,
		Secrets:     store,
		Transcripts: transcripts,
		TurnMetrics: turnMetrics,
		Metrics:     collector,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", handler.HandleWebSocket)
	mux.HandleFunc("/media-stream", handler.HandleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Listening", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", zap.Error(err))
	}
}
