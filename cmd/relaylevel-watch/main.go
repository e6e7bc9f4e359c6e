package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/relaylevel/internal/engine"
	"github.com/agentworkforce/relaylevel/internal/kv"
	"github.com/agentworkforce/relaylevel/internal/logger"
	"github.com/agentworkforce/relaylevel/internal/override"
	"github.com/agentworkforce/relaylevel/internal/pubsub"
	"github.com/agentworkforce/relaylevel/internal/remote"
)

func main() {
	kvDSN := flag.String("kv-dsn", envOrDefault("RELAYLEVEL_KV_DSN", ""), "shared snapshot store DSN")
	busDSN := flag.String("bus-dsn", strings.TrimSpace(os.Getenv("RELAYLEVEL_BUS_DSN")), "broadcast bus DSN (optional)")
	snapshotKey := flag.String("snapshot-key", envOrDefault("RELAYLEVEL_SNAPSHOT_KEY", engine.DefaultSnapshotKey), "snapshot key")
	applierURL := flag.String("applier-url", strings.TrimSpace(os.Getenv("RELAYLEVEL_APPLIER_URL")), "log-level control API base URL; empty runs in demo mode")
	applierToken := flag.String("applier-token", strings.TrimSpace(os.Getenv("RELAYLEVEL_APPLIER_TOKEN")), "control API bearer token")
	operator := flag.String("operator", envOrDefault("RELAYLEVEL_OPERATOR", defaultOperator()), "operator name for the watch session")
	defaultLevel := flag.String("default-level", envOrDefault("RELAYLEVEL_DEFAULT_LEVEL", string(engine.DefaultLevel)), "level restored on revert")
	threshold := flag.Duration("warning-threshold", durationEnv("RELAYLEVEL_WARNING_THRESHOLD", override.DefaultWarningThreshold), "expiring-soon threshold")
	tickInterval := flag.Duration("tick-interval", durationEnv("RELAYLEVEL_TICK_INTERVAL", engine.DefaultTickInterval), "expiry clock period")
	timeout := flag.Duration("timeout", durationEnv("RELAYLEVEL_APPLIER_TIMEOUT", engine.DefaultRemoteTimeout), "per remote call timeout")
	interval := flag.Duration("resync-interval", durationEnv("RELAYLEVEL_WATCH_RESYNC_INTERVAL", 30*time.Second), "fallback resync interval")
	intervalJitter := flag.Float64("resync-jitter", floatEnv("RELAYLEVEL_WATCH_RESYNC_JITTER", 0.2), "resync interval jitter ratio (0.0-1.0)")
	once := flag.Bool("once", false, "print the current snapshot and exit")
	keep := flag.Bool("auto-keep", false, "answer every pending decision with keep-all")
	flag.Parse()

	base, closeLog, err := logger.New(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	log.Logger = base

	if strings.TrimSpace(*kvDSN) == "" {
		log.Fatal().Msg("kv-dsn is required (--kv-dsn or RELAYLEVEL_KV_DSN)")
	}
	level, err := override.ParseLevel(*defaultLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid default level")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	store, err := kv.BuildFromDSN(*kvDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open snapshot store")
	}
	defer store.Close()

	var bus pubsub.PubSub
	if strings.TrimSpace(*busDSN) != "" {
		bus, err = pubsub.BuildFromDSN(*busDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to join broadcast bus")
		}
		defer bus.Close()
	}

	opts := engine.Options{
		KV:               store,
		SnapshotKey:      *snapshotKey,
		PubSub:           bus,
		Logger:           base,
		TickInterval:     *tickInterval,
		WarningThreshold: *threshold,
		RemoteTimeout:    *timeout,
		DefaultLevel:     level,
		Demo:             strings.TrimSpace(*applierURL) == "",
	}
	if !opts.Demo {
		opts.Applier = remote.NewHTTPApplier(*applierURL, *applierToken, &http.Client{Timeout: *timeout})
	}
	eng, err := engine.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build engine")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *once {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := eng.Resync(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to read snapshot")
		}
		if err := printSnapshot(os.Stdout, eng.Snapshot(), eng.Now()); err != nil {
			log.Fatal().Err(err).Msg("failed to print snapshot")
		}
		return
	}

	if err := eng.BeginSession(*operator, time.Time{}); err != nil {
		log.Fatal().Err(err).Msg("failed to start watch session")
	}
	events, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	if err := eng.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}
	defer eng.Stop()
	base.Info().
		Str("tab_id", eng.TabID()).
		Bool("auto_keep", *keep).
		Bool("demo", opts.Demo).
		Msg("watch tab started")

	go followEvents(rootCtx, eng, events, *keep, base)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			base.Info().Err(rootCtx.Err()).Msg("watch tab stopping")
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(rootCtx, *timeout)
			if err := eng.Resync(ctx); err != nil {
				base.Warn().Err(err).Msg("periodic resync failed")
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// decisionResolver is the part of the engine followEvents needs.
type decisionResolver interface {
	ResolveDecision(ctx context.Context, action engine.DecisionAction) (engine.DecisionResult, error)
}

// followEvents logs what an operator would see in a tab and, with
// autoKeep, answers each new decision prompt with keep-all.
func followEvents(ctx context.Context, resolver decisionResolver, events <-chan engine.Event, autoKeep bool, base zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case engine.EventReverted:
				for _, entry := range ev.Overrides {
					base.Warn().Str("service_id", entry.ServiceID).Str("level", entry.Level.String()).Msg("override reverted")
				}
			case engine.EventDecision:
				if ev.Decision == nil || ev.Decision.State != engine.DecisionPending {
					continue
				}
				base.Warn().
					Uint64("cycle", ev.Decision.Cycle).
					Int("expiring", len(ev.Decision.Expiring)).
					Msg("overrides expiring soon, decision pending")
				if !autoKeep {
					continue
				}
				result, err := resolver.ResolveDecision(ctx, engine.ActionKeep)
				switch {
				case errors.Is(err, engine.ErrNoPendingDecision):
					// Another tab answered first.
				case err != nil:
					base.Warn().Err(err).Msg("auto keep failed")
				default:
					base.Info().Uint64("cycle", result.Cycle).Int("renewed", len(result.Overrides)).Msg("auto keep renewed overrides")
				}
			}
		}
	}
}

func printSnapshot(w io.Writer, entries []override.Override, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVICE\tENV\tLEVEL\tREMAINING\tEXPIRING")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
			entry.ID,
			firstNonEmpty(entry.ServiceName, entry.ServiceID),
			firstNonEmpty(entry.EnvID, "-"),
			entry.Level,
			entry.Remaining(now).Truncate(time.Second),
			entry.IsExpiringSoon,
		)
	}
	return tw.Flush()
}

func defaultOperator() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "watch"
	}
	return "watch@" + host
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float setting, using fallback")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
