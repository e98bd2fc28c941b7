package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-evidence/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-evidence/pkg/config"
	"github.com/Mindburn-Labs/helm-evidence/pkg/custody"
	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
	"github.com/Mindburn-Labs/helm-evidence/pkg/observability"
	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
	"github.com/Mindburn-Labs/helm-evidence/pkg/store"
)

// runtime is the process wiring shared by commands that run the custody
// pipeline.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	log     *store.CustodyLog
	index   *store.SQLIndex
	sealer  *custody.Sealer
	closers []func(context.Context) error
}

// newRuntime wires configuration, logging, telemetry and the resiliency
// guard into a Sealer. With persist set it also opens the artifact store and
// the manifest index.
func newRuntime(ctx context.Context, stderr io.Writer, persist bool) (rt *runtime, err error) {
	cfg := config.Load()
	logger, logCloser, err := observability.NewLogger(observability.LogConfig{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	}, stderr)
	if err != nil {
		return nil, err
	}

	rt = &runtime{cfg: cfg, logger: logger}
	rt.onClose(func(context.Context) error { return logCloser.Close() })
	defer func() {
		if err != nil {
			_ = rt.Close(ctx)
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = Version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	rt.obs, err = observability.New(ctx, obsCfg, observability.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	rt.onClose(rt.obs.Shutdown)

	guard, err := rt.buildGuard()
	if err != nil {
		return nil, err
	}

	rt.log = store.NewCustodyLog()
	rt.log.AddHandler(func(ev *store.CustodyEvent) {
		logger.Info("custody event",
			"type", ev.Type,
			"case_id", ev.CaseID,
			"combined_hash", ev.CombinedHash,
			"sequence", ev.Sequence,
			"event_hash", ev.EventHash,
		)
	})

	opts := []custody.Option{
		custody.WithGenerator(hashing.NewGenerator(hashing.WithLogger(logger))),
		custody.WithGuard(guard),
		custody.WithCustodyLog(rt.log),
		custody.WithLogger(logger),
	}

	seed, err := cfg.SigningSeed()
	if err != nil {
		return nil, err
	}
	if seed != nil {
		opts = append(opts, custody.WithSigningSeed(seed))
	}

	if persist {
		persistOpts, err := rt.openPersistence(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, persistOpts...)
	}

	rt.sealer = custody.NewSealer(opts...)
	return rt, nil
}

func (rt *runtime) buildGuard() (*resiliency.Guard, error) {
	regOpts := []resiliency.RegistryOption{
		resiliency.WithRegistryLogger(rt.logger),
		resiliency.WithBreakerOptions(resiliency.WithStateChangeHook(rt.obs.BreakerHook())),
	}
	guardOpts := []resiliency.GuardOption{
		resiliency.WithInstrumenter(rt.obs),
		resiliency.WithGuardLogger(rt.logger),
	}

	var limits map[string]resiliency.RateLimit
	if path := rt.cfg.ResilienceProfile; path != "" {
		profile, err := config.LoadResilienceProfile(path)
		if err != nil {
			return nil, err
		}
		applied, err := profile.Apply()
		if err != nil {
			return nil, err
		}
		regOpts = append(regOpts, applied.RegistryOptions...)
		guardOpts = append(guardOpts, applied.GuardOptions...)
		limits = applied.RateLimits
		rt.logger.Debug("resilience profile loaded", "name", profile.Name, "services", profile.ServiceNames())
	}

	if len(limits) > 0 {
		if rt.cfg.RedisAddr != "" {
			limiter := resiliency.NewRedisLimiterFromAddr(rt.cfg.RedisAddr, rt.cfg.RedisPassword, rt.cfg.RedisDB, limits)
			rt.onClose(func(context.Context) error { return limiter.Close() })
			guardOpts = append(guardOpts, resiliency.WithLimiter(limiter))
		} else {
			guardOpts = append(guardOpts, resiliency.WithLimiter(resiliency.NewLocalLimiter(limits)))
		}
	}

	return resiliency.NewGuard(resiliency.NewRegistry(regOpts...), guardOpts...), nil
}

func (rt *runtime) openPersistence(ctx context.Context) ([]custody.Option, error) {
	cfg := rt.cfg
	st, err := artifacts.NewStore(ctx, artifacts.StoreType(cfg.ArtifactStorageType), cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}
	if c, ok := st.(io.Closer); ok {
		rt.onClose(func(context.Context) error { return c.Close() })
	}
	if _, ok := st.(*artifacts.FileStore); ok {
		rt.logger.Debug("artifact store ready", "type", "fs", "dir", cfg.ArtifactDir())
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.DatabaseDriver == "sqlite" && cfg.DatabaseURL != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabaseURL), 0o750); err != nil {
			return nil, err
		}
	}
	idx, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.onClose(func(context.Context) error { return idx.Close() })
	rt.index = idx

	return []custody.Option{custody.WithArtifactStore(st), custody.WithIndex(idx)}, nil
}

func (rt *runtime) onClose(fn func(context.Context) error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
