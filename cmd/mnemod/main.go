package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/mnemo/internal/audit"
	"github.com/basket/mnemo/internal/bus"
	"github.com/basket/mnemo/internal/config"
	"github.com/basket/mnemo/internal/consent"
	"github.com/basket/mnemo/internal/effects"
	"github.com/basket/mnemo/internal/fusion"
	"github.com/basket/mnemo/internal/gateway"
	"github.com/basket/mnemo/internal/idempotency"
	"github.com/basket/mnemo/internal/ingest"
	otelPkg "github.com/basket/mnemo/internal/otel"
	"github.com/basket/mnemo/internal/storage"
	"github.com/basket/mnemo/internal/telemetry"
	"github.com/basket/mnemo/internal/toolcall"
	"github.com/basket/mnemo/internal/vector"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                      Start the memory daemon
  %s -home <dir>          Use <dir> instead of ~/.mnemo

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MNEMO_HOME              Data directory (default: ~/.mnemo)
  MNEMO_BIND_ADDR         Override bind_addr from config.yaml
  MNEMO_LOG_LEVEL         Override log_level from config.yaml
`)
}

func main() {
	homeFlag := flag.String("home", "", "data directory (default: ~/.mnemo or MNEMO_HOME)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *versionFlag {
		fmt.Println("mnemod", Version)
		return
	}

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_CREATE", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if len(cfg.AuthTokens) == 0 {
		logger.Warn("no auth_tokens configured; every request will be rejected until config.yaml lists at least one token")
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Telemetry provider. No-op when disabled; metric instruments still
	// exist so callers never branch on it.
	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := storage.Open(cfg.ResolvedDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath())

	sink, err := audit.NewSink(cfg.HomeDir, store, logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer func() { _ = sink.Close() }()

	// The vector index is in-process and rebuilt from the durable rows on
	// every start.
	index := vector.NewIndex(vector.NewLocalEmbedder())
	rebuilt, err := rebuildIndex(ctx, store, index)
	if err != nil {
		fatalStartup(logger, "E_INDEX_REBUILD", err)
	}
	logger.Info("startup phase", "phase", "index_rebuilt", "memories", rebuilt)

	eventBus := bus.New()
	consentEngine := consent.NewEngine(store)

	runner := effects.NewRunner(logger, effects.WithErrorHook(func(name string) {
		metrics.EffectFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("effect", name)))
	}))

	coord := idempotency.NewCoordinator(store, logger)
	if v := cfg.Idempotency.StaleAfterSeconds; v > 0 {
		coord.StaleAfter = time.Duration(v) * time.Second
	}
	if v := cfg.Idempotency.PollIntervalMillis; v > 0 {
		coord.PollInterval = time.Duration(v) * time.Millisecond
	}
	if v := cfg.Idempotency.PollDeadlineSeconds; v > 0 {
		coord.PollDeadline = time.Duration(v) * time.Second
	}

	sweeper := idempotency.NewSweeper(store, logger)
	if v := cfg.Idempotency.RetainCompletedHours; v > 0 {
		sweeper.RetainCompleted = time.Duration(v) * time.Hour
	}
	if v := cfg.Idempotency.RetainReservedMins; v > 0 {
		sweeper.RetainReserved = time.Duration(v) * time.Minute
	}
	sweeper.OnSwept = func(n int64) {
		metrics.LedgerSweptRows.Add(context.Background(), n)
	}
	if err := sweeper.Start(); err != nil {
		fatalStartup(logger, "E_SWEEPER_START", err)
	}
	defer sweeper.Stop()

	pipeline := ingest.NewPipeline(consentEngine, coord, store, index, sink, runner, eventBus, logger)
	fusionEngine := fusion.NewEngine(consentEngine, store, index, nil, logger)

	router, err := toolcall.NewRouter(fusionEngine, pipeline, consentEngine, store, index, metrics, eventBus, logger)
	if err != nil {
		fatalStartup(logger, "E_ROUTER_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Router:       router,
		Store:        store,
		Sink:         sink,
		Bus:          eventBus,
		AuthTokens:   cfg.AuthTokens,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	// Token-table edits land without a restart; everything else waits for
	// the next start.
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			next, err := config.Load(cfg.HomeDir)
			if err != nil {
				logger.Error("config hot-reload rejected", "error", err)
				continue
			}
			gw.UpdateTokens(next.AuthTokens)
			logger.Info("auth token table reloaded", "tokens", len(next.AuthTokens))
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "rpc", "/rpc", "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown phases: stop intake, drain in-flight effects, then let the
	// deferred closers flush audit and close the database.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if err := runner.Drain(shutdownCtx); err != nil {
		logger.Warn("effect runner drain timed out", "error", err)
	}
	logger.Info("shutdown complete")
}

// rebuildIndex replays every live memory row into the vector index.
func rebuildIndex(ctx context.Context, store *storage.Store, index *vector.Index) (int, error) {
	n := 0
	err := store.LiveMemories(ctx, func(m storage.Memory) error {
		var meta map[string]string
		if len(m.Metadata) > 0 {
			// Metadata rows written by older builds may hold non-string
			// values; those entries are skipped, not fatal.
			_ = json.Unmarshal(m.Metadata, &meta)
		}
		if err := index.Add(ctx, m.TenantID, m.Collection, m.ID, m.Content, vector.StampCreatedAt(meta, m.CreatedAt)); err != nil {
			return fmt.Errorf("index memory %s: %w", m.ID, err)
		}
		n++
		return nil
	})
	return n, err
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"mnemod","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
