package cli

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/toolmesh/builtins"
	"github.com/petal-labs/toolmesh/configload"
	"github.com/petal-labs/toolmesh/obs"
	"github.com/petal-labs/toolmesh/providerhost"
)

// bootHost resolves configuration, constructs a Host with every built-in
// and configured external provider registered and started, and wires
// lifecycle events into OpenTelemetry metrics and tracing. Callers must
// call Shutdown on the returned host.
func bootHost(ctx context.Context, cmd *cobra.Command) (*providerhost.Host, configload.HostConfig, []string, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	quiet, _ := cmd.Root().PersistentFlags().GetBool("quiet")

	cfg, err := configload.Load(configPath)
	if err != nil {
		return nil, configload.HostConfig{}, nil, exitError(exitValidation, "loading configuration: %v", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	if quiet {
		level = "error"
	}
	logger := obs.NewLogger(os.Stderr, level, cfg.Log.Format)

	host, err := providerhost.NewHost(providerhost.HostOptions{
		SocketDir:                   cfg.Socket.Dir,
		ToolCallTimeout:              cfg.Performance.ToolCallTimeout,
		ProviderRegistrationTimeout:  cfg.Performance.ProviderRegistrationTimeout,
		ProviderShutdownGrace:        cfg.Performance.ProviderShutdownGrace,
		Logger:                       logger,
	})
	if err != nil {
		return nil, configload.HostConfig{}, nil, exitError(exitRuntime, "starting provider host: %v", err)
	}

	meter := otelapi.GetMeterProvider().Meter("toolmesh")
	tracer := otelapi.GetTracerProvider().Tracer("toolmesh")

	metricsHandler, err := obs.NewMetricsHandler(meter)
	if err != nil {
		return nil, configload.HostConfig{}, nil, exitError(exitRuntime, "initializing metrics: %v", err)
	}
	tracingHandler := obs.NewTracingHandler(tracer)
	sub := host.Subscribe()
	go obs.Subscribe(ctx, sub, obs.MultiEventHandler(metricsHandler.Handle, tracingHandler.Handle))

	callMetrics, err := obs.NewToolCallMetrics(meter)
	if err != nil {
		return nil, configload.HostConfig{}, nil, exitError(exitRuntime, "initializing call metrics: %v", err)
	}
	host.WrapCallTool(func(next providerhost.CallToolFunc) providerhost.CallToolFunc {
		wrapped := obs.WrapCallTool(tracer, callMetrics, func(ctx context.Context, name string, args []byte) ([]byte, error) {
			return next(ctx, name, args)
		})
		return func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
			return wrapped(ctx, name, args)
		}
	})

	host.Start(ctx)

	if err := host.RegisterBuiltin(ctx, builtins.NewTimeProvider(), nil); err != nil {
		return nil, configload.HostConfig{}, nil, exitError(exitRuntime, "registering builtin time provider: %v", err)
	}

	externalNames := make([]string, 0, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		spec := providerhost.SpawnSpec{
			Path:          pc.Path,
			Runtime:       providerhost.RuntimeCommand{Command: pc.RuntimeCommand, Args: pc.RuntimeArgs},
			ShutdownGrace: cfg.Performance.ProviderShutdownGrace,
		}
		analysis := providerhost.ChangeAnalysis{
			RestartTriggers: pc.ChangeAnalysis.RestartTriggers,
			ReinitTriggers:  pc.ChangeAnalysis.ReinitTriggers,
		}
		if err := host.StartExternalProvider(ctx, name, spec, cfg.Dev.HotReload, analysis); err != nil {
			return nil, configload.HostConfig{}, nil, exitError(exitProvider, "starting provider %q: %v", name, err)
		}
		externalNames = append(externalNames, name)
	}

	return host, cfg, externalNames, nil
}

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to toolmesh.yaml (default: discovered)")
}

// waitForProvidersReady blocks until every named provider reaches Running
// or Stopped, or ctx is cancelled. One-shot commands (list, call) need this
// because provider registration over the socket happens asynchronously
// relative to StartExternalProvider returning.
func waitForProvidersReady(ctx context.Context, host *providerhost.Host, names []string) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		allSettled := true
		for _, name := range names {
			switch host.ProviderStatus(name) {
			case providerhost.StatusRunning, providerhost.StatusStopped:
			default:
				allSettled = false
			}
		}
		if allSettled {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
