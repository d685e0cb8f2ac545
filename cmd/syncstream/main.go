// Command syncstream runs the router service: it consumes the shared inbound
// stream, processes message payloads, and fans results out to every endpoint
// each user has an active session on.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/syncstream/config"
	"github.com/c360/syncstream/errors"
	"github.com/c360/syncstream/health"
	"github.com/c360/syncstream/metric"
	"github.com/c360/syncstream/natsclient"
	"github.com/c360/syncstream/router"
	"github.com/c360/syncstream/session"
	"github.com/c360/syncstream/stream"
	"github.com/c360/syncstream/stream/natslog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	processorName := flag.String("processor", "word-length", "processing hook: word-length or echo")
	flag.Parse()

	if err := run(*configPath, *processorName); err != nil {
		fmt.Fprintf(os.Stderr, "syncstream: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, processorName string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	processor, err := selectProcessor(processorName)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitor := health.NewMonitor()
	monitor.UpdateUnhealthy("transport", "not connected")
	monitor.UpdateHealthy("router", "starting")

	client, err := natsclient.New(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithLogger(&natsLogger{logger: logger}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				monitor.UpdateHealthy("transport", "connected")
			} else {
				monitor.UpdateDegraded("transport", "reconnecting")
			}
		}),
	)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Error("connection close failed", "error", err)
		}
	}()
	monitor.UpdateHealthy("transport", "connected")
	logger.Info("connected", "url", cfg.NATS.URL)

	transport := natslog.New(client,
		natslog.WithPrefix(cfg.Streams.Prefix),
		natslog.WithAckWait(cfg.Streams.AckWait),
		natslog.WithLogger(logger),
	)

	registry, err := buildRegistry(ctx, cfg, client, logger)
	if err != nil {
		return err
	}

	var metrics *metric.Metrics
	if cfg.Metrics.Enabled {
		metrics = metric.New()
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
	}
	go serveHTTP(ctx, cfg.Metrics, monitor, logger)

	start, err := parseStart(cfg.Router.Start)
	if err != nil {
		return err
	}
	r, err := router.New(transport, registry, processor,
		router.WithInboundStream(cfg.Streams.Inbound),
		router.WithGroup(cfg.Router.Group),
		router.WithWorkers(cfg.Router.Workers),
		router.WithBatchSize(cfg.Router.BatchSize),
		router.WithBlockWait(cfg.Router.BlockWait),
		router.WithStart(start),
		router.WithLogger(logger),
		router.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	logger.Info("starting router",
		"inbound", cfg.Streams.Inbound, "group", cfg.Router.Group, "workers", cfg.Router.Workers)
	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func buildRegistry(ctx context.Context, cfg config.Config, client *natsclient.Client, logger *slog.Logger) (session.Registry, error) {
	switch cfg.Session.Backend {
	case config.SessionBackendKV:
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Session.Bucket,
			Description: "syncstream session registry",
		})
		if err != nil {
			return nil, err
		}
		logger.Info("session registry backed by key-value bucket", "bucket", cfg.Session.Bucket)
		return session.NewKV(bucket, session.WithKVTTL(cfg.Session.TTL)), nil
	default:
		logger.Info("session registry in memory")
		return session.NewMemory(session.WithTTL(cfg.Session.TTL)), nil
	}
}

func parseStart(s string) (stream.Start, error) {
	switch s {
	case "earliest":
		return stream.StartEarliest, nil
	case "latest", "":
		return stream.StartLatest, nil
	default:
		return stream.StartLatest, errors.WrapInvalid(errors.ErrInvalidConfig, "main", "parseStart", s)
	}
}

func serveHTTP(ctx context.Context, cfg config.Metrics, monitor *health.Monitor, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.Handler("syncstream"))
	if cfg.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("http listening", "addr", cfg.Addr, "metrics", cfg.Enabled)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
	}
}

func selectProcessor(name string) (router.Processor, error) {
	switch name {
	case "word-length":
		return wordLength, nil
	case "echo":
		return router.Echo, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "main", "selectProcessor", name)
	}
}

// wordLength is the built-in processing hook: it answers a "word" payload
// with the word's rune length.
var wordLength = router.ProcessorFunc(func(_ context.Context, payload map[string]string) (map[string]string, error) {
	word, ok := payload["word"]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "main", "wordLength", "payload has no word")
	}
	return map[string]string{
		"word":   word,
		"length": strconv.Itoa(utf8.RuneCountInString(word)),
	}, nil
})
