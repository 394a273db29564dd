// Command streamrd is a small demo binary exercising a streamclient.Client
// end to end: it connects, optionally publishes on a timer, and optionally
// subscribes and logs what arrives. It also serves Prometheus metrics and
// process resource gauges.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/adred-codev/streamclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	_ "go.uber.org/automaxprocs"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[streamrd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := LoadConfig(nil)
	if err != nil {
		bootLogger.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg)
	cfg.LogConfig(logger)

	registry := prometheus.NewRegistry()
	gauges := newResourceGauges(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gauges.run(ctx, cfg.ResourceInterval, logger)

	go serveMetrics(cfg.MetricsAddr, registry, logger)

	client, err := buildClient(cfg, logger, registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build streamclient")
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := client.Connect(connectCtx); err != nil {
		connectCancel()
		logger.Fatal().Err(err).Msg("failed to connect")
	}
	connectCancel()
	logger.Info().Str("state", client.State().String()).Msg("connected")

	if cfg.Subscribe {
		go runSubscriber(ctx, client, cfg, logger)
	}
	if cfg.Publish {
		go runPublisher(ctx, client, cfg, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	if err := client.Disconnect(); err != nil {
		logger.Error().Err(err).Msg("error during disconnect")
	}
}

func newLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	logger := zerolog.New(writer).With().Timestamp().Str("service", "streamrd").Logger()
	if cfg.LogFormat == "pretty" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: writer})
	}
	return logger
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func buildClient(cfg *Config, logger zerolog.Logger, registry *prometheus.Registry) (*streamclient.Client, error) {
	opts := []streamclient.Option{
		streamclient.WithURL(cfg.WSURL),
		streamclient.WithLogger(logger),
		streamclient.WithMetricsRegistry(registry),
		streamclient.WithAutoConnect(cfg.AutoConnect),
		streamclient.WithAutoDisconnect(cfg.AutoDisconnect, 30*time.Second),
		streamclient.WithMaxPublishQueueSize(cfg.MaxQueueSize),
	}
	if cfg.RESTBaseURL != "" {
		opts = append(opts, streamclient.WithRESTBaseURL(cfg.RESTBaseURL))
	}
	if cfg.PrivateKeyHex != "" {
		opts = append(opts, streamclient.WithPrivateKeyHex(cfg.PrivateKeyHex))
	}
	return streamclient.New(opts...)
}

func runPublisher(ctx context.Context, client *streamclient.Client, cfg *Config, logger zerolog.Logger) {
	ticker := time.NewTicker(cfg.PublishEvery)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			content := []byte(fmt.Sprintf(`{"seq":%d,"ts":%d}`, seq, time.Now().UnixMilli()))
			msg, err := client.Publish(ctx, cfg.StreamID, content, streamclient.PublishOptions{Partition: cfg.Partition})
			if err != nil {
				logger.Warn().Err(err).Msg("publish failed")
				continue
			}
			logger.Debug().
				Str("stream_id", cfg.StreamID).
				Uint32("sequence_number", msg.SequenceNumber).
				Msg("published")
		}
	}
}

func runSubscriber(ctx context.Context, client *streamclient.Client, cfg *Config, logger zerolog.Logger) {
	sub, err := client.Subscribe(ctx, cfg.StreamID, cfg.Partition)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe failed")
		return
	}
	defer sub.Close(context.Background())

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			logger.Debug().
				Str("stream_id", msg.StreamID).
				Str("publisher_id", msg.PublisherID).
				Str("content", string(msg.Content)).
				Msg("delivered")
		}
	}
}
