package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetwright/fleetwright/pkg/cloud"
	"github.com/fleetwright/fleetwright/pkg/config"
	"github.com/fleetwright/fleetwright/pkg/engine"
	"github.com/fleetwright/fleetwright/pkg/policy"
	remotessh "github.com/fleetwright/fleetwright/pkg/remote/ssh"
	"github.com/fleetwright/fleetwright/pkg/stores"
	"github.com/fleetwright/fleetwright/pkg/telemetry"
)

// app wires the engine components a command needs. Commands build one with
// newApp and must call close when done.
type app struct {
	settings     *config.Settings
	logger       zerolog.Logger
	store        *stores.SQLiteStore
	checkpoints  *engine.CheckpointStore
	loader       *config.Loader
	resolver     *engine.Resolver
	gate         *policy.Gate
	orchestrator *engine.Orchestrator
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
}

func newApp(ctx context.Context) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	logCfg := telemetry.LoggingConfig{
		Level:  settings.LogLevel,
		Format: settings.LogFormat,
		Output: "stderr",
	}
	if verbose {
		logCfg.Level = "debug"
	}
	logger, err := telemetry.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         settings.DatabasePath(),
		FreshnessTTL: settings.FreshnessTTL.Duration,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	checkpoints, err := engine.NewCheckpointStore(settings.CheckpointDir(), logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       settings.MetricsAddr != "",
		ListenAddress: settings.MetricsAddr,
		Namespace:     "fleetwright",
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if settings.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:            settings.Tracing.Enabled,
		Exporter:           settings.Tracing.Exporter,
		Endpoint:           settings.Tracing.Endpoint,
		SamplingRate:       settings.Tracing.SamplingRate,
		Insecure:           settings.Tracing.Insecure,
		MaxExportBatchSize: 512,
		ExportTimeout:      30 * time.Second,
	}, "fleetwright", appVersion, "production")
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	loader := config.NewLoader(settings.ProjectRoot, settings.WorkflowsRoot)
	resolver := engine.NewResolver(settings, nil, logger)

	var dispatcher engine.Dispatcher
	if settings.SSH.User != "" {
		d, err := remotessh.NewDispatcher(remotessh.Config{
			User:           settings.SSH.User,
			Port:           settings.SSH.Port,
			PrivateKeyPath: settings.SSH.KeyPath,
			KnownHostsPath: settings.SSH.KnownHostsPath,
			ConnectTimeout: settings.SSH.ConnectTimeout.Duration,
			WorkDir:        settings.SSH.WorkDir,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		dispatcher = d
	}

	monitor := engine.NewMonitor(engine.MonitorConfig{
		FastPollInterval:      settings.Monitor.FastPollInterval.Duration,
		WaitPollInterval:      settings.Monitor.WaitPollInterval.Duration,
		HeartbeatPollInterval: settings.Monitor.HeartbeatPollInterval.Duration,
		StaleThreshold:        settings.Monitor.StaleThreshold.Duration,
		TailLines:             settings.Monitor.TailLines,
		LogDir:                settings.LogDir(),
	}, dispatcher, checkpoints, store, metrics, logger)

	gate := policy.NewGate(logger)
	if settings.PolicyDir != "" {
		if err := gate.LoadDir(settings.PolicyDir); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	orchestrator, err := engine.NewOrchestrator(
		resolver, monitor, checkpoints, loader, gate, settings.ExecutionDir(),
		tracer, metrics, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		settings:     settings,
		logger:       logger,
		store:        store,
		checkpoints:  checkpoints,
		loader:       loader,
		resolver:     resolver,
		gate:         gate,
		orchestrator: orchestrator,
		metrics:      metrics,
		tracer:       tracer,
	}, nil
}

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("failed to flush traces")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close store")
	}
}

// cloudSyncer builds the provider syncer, which needs the CLI configured.
func (a *app) cloudSyncer() (*cloud.Syncer, error) {
	if a.settings.Cloud.Binary == "" {
		return nil, fmt.Errorf("no provider CLI configured (set cloud.binary or FLEETWRIGHT_CLOUD_BINARY)")
	}
	client, err := cloud.NewCLIClient(a.settings.Cloud.Binary, a.settings.Cloud.Timeout.Duration)
	if err != nil {
		return nil, err
	}
	return cloud.NewSyncer(client, a.store, a.logger), nil
}

// parseParams turns key=value pairs into a parameter map. Values parse as
// YAML scalars so booleans and numbers come through typed.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = parseScalar(value)
	}
	return params, nil
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if _, err := fmt.Sscanf(s, "%g", &n); err == nil && fmt.Sprintf("%g", n) == s {
		return n
	}
	return s
}
