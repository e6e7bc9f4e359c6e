package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/relaylevel/internal/engine"
	"github.com/agentworkforce/relaylevel/internal/httpapi"
	"github.com/agentworkforce/relaylevel/internal/kv"
	"github.com/agentworkforce/relaylevel/internal/logger"
	"github.com/agentworkforce/relaylevel/internal/notify"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

const shutdownTimeout = 10 * time.Second

func main() {
	base, closeLog, err := logger.New(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	log.Logger = base

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loadConfig(), base); err != nil {
		log.Fatal().Err(err).Msg("relaylevel failed")
	}
}

type config struct {
	Addr             string
	Profile          string
	KVDSN            string
	BusDSN           string
	BroadcastHub     bool
	SnapshotKey      string
	ApplierURL       string
	ApplierToken     string
	ApplierTimeout   time.Duration
	Demo             bool
	DefaultLevel     string
	TickInterval     time.Duration
	WarningThreshold time.Duration
	QueueDSN         string
	QueueSize        int
	Workers          int
	JWTSecret        string
	MaxBodyBytes     int64
	RateLimitMax     int
	RateLimitWindow  time.Duration
}

func loadConfig() config {
	return config{
		Addr:             envOrDefault("RELAYLEVEL_ADDR", ":8080"),
		Profile:          strings.ToLower(strings.TrimSpace(os.Getenv("RELAYLEVEL_BACKEND_PROFILE"))),
		KVDSN:            strings.TrimSpace(os.Getenv("RELAYLEVEL_KV_DSN")),
		BusDSN:           strings.TrimSpace(os.Getenv("RELAYLEVEL_BUS_DSN")),
		BroadcastHub:     boolEnv("RELAYLEVEL_BROADCAST_HUB", false),
		SnapshotKey:      envOrDefault("RELAYLEVEL_SNAPSHOT_KEY", engine.DefaultSnapshotKey),
		ApplierURL:       strings.TrimSpace(os.Getenv("RELAYLEVEL_APPLIER_URL")),
		ApplierToken:     strings.TrimSpace(os.Getenv("RELAYLEVEL_APPLIER_TOKEN")),
		ApplierTimeout:   durationEnv("RELAYLEVEL_APPLIER_TIMEOUT", engine.DefaultRemoteTimeout),
		Demo:             boolEnv("RELAYLEVEL_DEMO_MODE", false),
		DefaultLevel:     envOrDefault("RELAYLEVEL_DEFAULT_LEVEL", string(engine.DefaultLevel)),
		TickInterval:     durationEnv("RELAYLEVEL_TICK_INTERVAL", engine.DefaultTickInterval),
		WarningThreshold: warningThresholdEnv(),
		QueueDSN:         strings.TrimSpace(os.Getenv("RELAYLEVEL_REMOTE_QUEUE_DSN")),
		QueueSize:        intEnv("RELAYLEVEL_REMOTE_QUEUE_SIZE", 1024),
		Workers:          intEnv("RELAYLEVEL_REMOTE_WORKERS", 2),
		JWTSecret:        os.Getenv("RELAYLEVEL_JWT_SECRET"),
		MaxBodyBytes:     int64Env("RELAYLEVEL_MAX_BODY_BYTES", 0),
		RateLimitMax:     intEnv("RELAYLEVEL_RATE_LIMIT_MAX", 0),
		RateLimitWindow:  durationEnv("RELAYLEVEL_RATE_LIMIT_WINDOW", time.Minute),
	}
}

// warningThresholdEnv accepts either RELAYLEVEL_WARNING_THRESHOLD as a
// duration or EXPIRY_WARNING_THRESHOLD_MS in milliseconds.
func warningThresholdEnv() time.Duration {
	if ms := int64Env("EXPIRY_WARNING_THRESHOLD_MS", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return durationEnv("RELAYLEVEL_WARNING_THRESHOLD", override.DefaultWarningThreshold)
}

// components are the collaborators built from config; close releases them
// in reverse order of construction.
type components struct {
	kv      kv.PersistentKV
	bus     pubsub.PubSub
	hub     *pubsub.Hub
	applier remote.Applier
	queue   remote.Queue
	worker  *remote.Worker
}

func (c *components) close() {
	if c.worker != nil {
		c.worker.Stop()
	}
	if c.queue != nil {
		_ = c.queue.Close()
	}
	if c.bus != nil {
		_ = c.bus.Close()
	}
	if c.kv != nil {
		_ = c.kv.Close()
	}
}

func buildComponents(cfg config, base zerolog.Logger) (*components, error) {
	profileKV, profileBus, profileQueue, err := storageProfileDefaultsFromEnv(cfg.Profile)
	if err != nil {
		return nil, err
	}
	c := &components{}
	kvDSN := firstNonEmpty(cfg.KVDSN, profileKV, "memory://relaylevel")
	c.kv, err = kv.BuildFromDSN(kvDSN)
	if err != nil {
		return nil, fmt.Errorf("kv backend %q: %w", redactDSN(kvDSN), err)
	}

	if cfg.BroadcastHub {
		c.hub = pubsub.NewHub()
	}
	busDSN := firstNonEmpty(cfg.BusDSN, profileBus)
	switch {
	case busDSN != "":
		c.bus, err = pubsub.BuildFromDSN(busDSN)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("broadcast bus %q: %w", redactDSN(busDSN), err)
		}
	case c.hub != nil:
		c.bus = c.hub.Join()
	}

	if cfg.Demo {
		c.applier = remote.DemoApplier{Logger: base}
	} else {
		if cfg.ApplierURL == "" {
			c.close()
			return nil, errors.New("RELAYLEVEL_APPLIER_URL is required unless RELAYLEVEL_DEMO_MODE is set")
		}
		c.applier = remote.NewHTTPApplier(cfg.ApplierURL, cfg.ApplierToken, &http.Client{Timeout: cfg.ApplierTimeout})
	}

	c.queue, err = remote.BuildQueueFromDSN(firstNonEmpty(cfg.QueueDSN, profileQueue), cfg.QueueSize)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("remote queue: %w", err)
	}
	c.worker, err = remote.NewWorker(remote.WorkerOptions{
		Applier: c.applier,
		Queue:   c.queue,
		Workers: cfg.Workers,
		Timeout: cfg.ApplierTimeout,
		Logger:  base,
	})
	if err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func run(ctx context.Context, cfg config, base zerolog.Logger) error {
	c, err := buildComponents(cfg, base)
	if err != nil {
		return err
	}
	defer c.close()

	level, err := override.ParseLevel(cfg.DefaultLevel)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Options{
		KV:               c.kv,
		SnapshotKey:      cfg.SnapshotKey,
		PubSub:           c.bus,
		Applier:          c.applier,
		Worker:           c.worker,
		Notifier:         notify.NewLogNotifier(base),
		Logger:           base,
		TickInterval:     cfg.TickInterval,
		WarningThreshold: cfg.WarningThreshold,
		RemoteTimeout:    cfg.ApplierTimeout,
		DefaultLevel:     level,
		Demo:             cfg.Demo,
	})
	if err != nil {
		return err
	}
	c.worker.Start(ctx)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewServerWithConfig(eng, httpapi.ServerConfig{
			JWTSecret:       cfg.JWTSecret,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow,
			MaxBodyBytes:    cfg.MaxBodyBytes,
			Broadcast:       c.hub,
			Logger:          base,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	base.Info().
		Str("addr", cfg.Addr).
		Str("profile", firstNonEmpty(cfg.Profile, "custom")).
		Str("tab_id", eng.TabID()).
		Bool("broadcast_hub", c.hub != nil).
		Msg("relaylevel listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		base.Warn().Err(err).Msg("http shutdown incomplete")
	}
	base.Info().Msg("relaylevel stopped")
	return nil
}

func storageProfileDefaultsFromEnv(profile string) (kvDSN, busDSN, queueDSN string, err error) {
	dataDir := envOrDefault("RELAYLEVEL_DATA_DIR", ".relaylevel")
	natsURL := strings.TrimRight(strings.TrimSpace(os.Getenv("RELAYLEVEL_NATS_URL")), "/")
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://relaylevel", "memory://relaylevel", "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "kv"),
			"memory://relaylevel",
			"file://" + filepath.Join(dataDir, "remote-queue.json"),
			nil
	case "nats":
		if natsURL == "" {
			return "", "", "", fmt.Errorf("RELAYLEVEL_NATS_URL is required when RELAYLEVEL_BACKEND_PROFILE=%s", profile)
		}
		return natsURL + "/relaylevel", natsURL, "memory://", nil
	case "production", "prod":
		postgresDSN := strings.TrimSpace(os.Getenv("RELAYLEVEL_POSTGRES_DSN"))
		if postgresDSN == "" || natsURL == "" {
			return "", "", "", fmt.Errorf("RELAYLEVEL_POSTGRES_DSN and RELAYLEVEL_NATS_URL are required when RELAYLEVEL_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, natsURL, "file://" + filepath.Join(dataDir, "remote-queue.json"), nil
	default:
		return "", "", "", fmt.Errorf("unsupported RELAYLEVEL_BACKEND_PROFILE: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// redactDSN drops credentials before a DSN is logged or returned.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer setting, using fallback")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration setting, using fallback")
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean setting, using fallback")
		return fallback
	}
}
