package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/stackline/internal/config"
	"github.com/yairfalse/stackline/internal/history"
	"github.com/yairfalse/stackline/internal/telemetry"
	"github.com/yairfalse/stackline/providers"
	_ "github.com/yairfalse/stackline/providers/aws"
)

// loadConfig reads the config file, applies flag overrides and sets up
// logging. Commands that talk to the cloud pass needRegion.
func loadConfig(cmd *cobra.Command, opts *globalOptions, needRegion bool) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, usageError("%v", err)
		}
		cfg = loaded
	}

	if opts.region != "" {
		cfg.AWS.Region = opts.region
	}
	if opts.profile != "" {
		cfg.AWS.Profile = opts.profile
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.stateDir != "" {
		cfg.State.Dir = opts.stateDir
	}

	if err := telemetry.SetupLogging(cfg.Log, cmd.ErrOrStderr()); err != nil {
		return nil, usageError("%v", err)
	}

	if needRegion {
		if err := cfg.Validate(); err != nil {
			return nil, usageError("invalid configuration: %v (use --region or set [aws].region)", err)
		}
	}
	return cfg, nil
}

// startTelemetry installs the OTEL providers; the returned func flushes them.
func startTelemetry(ctx context.Context, opts *globalOptions, cfg *config.Config) func() {
	p, err := telemetry.NewProvider(ctx, cfg.OTEL, telemetry.ServiceInfo{
		Version:  version,
		Provider: opts.provider,
		Region:   cfg.AWS.Region,
	})
	if err != nil {
		log.Warn().Err(err).Msg("telemetry disabled")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}
}

func newProvider(ctx context.Context, opts *globalOptions, cfg *config.Config, region string) (providers.CloudProvider, error) {
	if region == "" {
		region = cfg.AWS.Region
	}
	p, err := providers.GetProvider(ctx, opts.provider, providers.ProviderConfig{
		Region:  region,
		Profile: cfg.AWS.Profile,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", opts.provider, err)
	}
	return p, nil
}

// runInterruptible runs fn until it returns or the process is signalled.
// A signal cancels fn's context; fn still finishes its current node.
func runInterruptible(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fnErr error
	var g run.Group
	g.Add(func() error {
		fnErr = fn(ctx)
		return fnErr
	}, func(error) {
		cancel()
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err := g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Warn().Str("signal", sig.Signal.String()).Msg("interrupted")
		if fnErr != nil {
			return fnErr
		}
		return &exitError{code: exitFailure, err: fmt.Errorf("interrupted by %s", sig.Signal)}
	}
	return err
}

// recordHistory is best effort; a locked or missing store only warns.
func recordHistory(cfg *config.Config, record func(*history.Store) error) {
	store, err := history.Open(cfg.State.Dir)
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable")
		return
	}
	defer store.Close()
	if err := record(store); err != nil {
		log.Warn().Err(err).Msg("failed to record history")
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
