package providerhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// HostOptions configures a Host's dependencies and performance tunables.
// Every duration defaults per base spec §6 when left zero.
type HostOptions struct {
	SocketDir             string
	MaxFrameBytes         int
	ToolCallTimeout       time.Duration
	ProviderRegistrationTimeout time.Duration
	ProviderShutdownGrace time.Duration
	ReloadDebounce        time.Duration
	Logger                *slog.Logger
	Clock                 clockwork.Clock
}

// Host is the host-facing interface consumed by an MCP request layer: it
// exposes ListTools, CallTool, and Subscribe, and owns the full core
// subsystem (registry, call tracker, socket hub, process supervisor,
// provider manager, and the hot-reload coordinator) wired one-way per the
// ownership rule in base spec §9.
type Host struct {
	opts HostOptions

	bus        *EventBus
	registry   *Registry
	tracker    *CallTracker
	hub        *SocketHub
	supervisor *ProcessSupervisor
	manager    *ProviderManager
	reloader   *ReloadCoordinator

	socketPath string
	callTool   CallToolFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	shutdownOnce sync.Once
}

// CallToolFunc matches ProviderManager.CallTool's signature so callers can
// wrap the call path that Host.CallTool invokes with instrumentation
// (tracing, metrics), the same way lifecycle events are observed via
// Subscribe.
type CallToolFunc func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

// NewHost constructs a Host and binds its listening socket. Call Start to
// begin serving before registering or calling tools.
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	dir := opts.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	socketPath := filepath.Join(dir, fmt.Sprintf("toolmesh-%d.sock", os.Getpid()))

	bus := NewEventBus(0)
	registry := NewRegistry(bus)
	tracker := NewCallTracker(opts.Clock)
	hub := NewSocketHub(socketPath, opts.MaxFrameBytes, opts.Logger)
	supervisor := NewProcessSupervisor(opts.Logger)

	manager := NewProviderManager(ManagerConfig{
		Registry:                    registry,
		Tracker:                     tracker,
		Hub:                         hub,
		Supervisor:                  supervisor,
		Bus:                         bus,
		Clock:                       opts.Clock,
		Logger:                      opts.Logger,
		ToolCallTimeout:             opts.ToolCallTimeout,
		ProviderRegistrationTimeout: opts.ProviderRegistrationTimeout,
		ProviderShutdownGrace:       opts.ProviderShutdownGrace,
	})

	reloader, err := NewReloadCoordinator(manager, opts.Logger, opts.ReloadDebounce)
	if err != nil {
		return nil, fmt.Errorf("providerhost: creating reload coordinator: %w", err)
	}

	if err := hub.Listen(); err != nil {
		_ = reloader.Close()
		return nil, err
	}

	h := &Host{
		opts:       opts,
		bus:        bus,
		registry:   registry,
		tracker:    tracker,
		hub:        hub,
		supervisor: supervisor,
		manager:    manager,
		reloader:   reloader,
		socketPath: socketPath,
	}
	h.callTool = manager.CallTool
	return h, nil
}

// WrapCallTool installs middleware around the tool-call path that
// Host.CallTool invokes, e.g. to record per-call spans and metrics. Call it
// before Start; it composes, so the most recently installed wrapper runs
// outermost.
func (h *Host) WrapCallTool(wrap func(CallToolFunc) CallToolFunc) {
	h.callTool = wrap(h.callTool)
}

// SocketPath returns the Unix domain socket path the hub is bound to.
func (h *Host) SocketPath() string {
	return h.socketPath
}

// Start begins serving the socket and dispatching hub/reload events. It
// does not block.
func (h *Host) Start(ctx context.Context) {
	h.runCtx, h.runCancel = context.WithCancel(ctx)

	h.wg.Add(3)
	go func() { defer h.wg.Done(); h.hub.Serve(h.runCtx) }()
	go func() { defer h.wg.Done(); h.manager.Run(h.runCtx) }()
	go func() { defer h.wg.Done(); h.reloader.Run(h.runCtx) }()
}

// RegisterBuiltin installs a built-in provider directly into the registry
// via the Built-in Provider Host path.
func (h *Host) RegisterBuiltin(ctx context.Context, provider *BuiltinProvider, config map[string]any) error {
	return h.manager.RegisterBuiltin(ctx, provider, config)
}

// StartExternalProvider spawns an external provider's child process and
// optionally arms hot-reload watching for its entry path.
func (h *Host) StartExternalProvider(ctx context.Context, name string, spec SpawnSpec, watchForReload bool, analysis ChangeAnalysis) error {
	spec.SocketPath = h.socketPath
	if err := h.manager.StartExternal(ctx, name, spec); err != nil {
		return err
	}
	if watchForReload {
		return h.reloader.Watch(name, spec, analysis)
	}
	return nil
}

// ListTools returns every registered tool descriptor in deterministic
// order by name.
func (h *Host) ListTools() []ToolDescriptor {
	return h.registry.List()
}

// CallResult is the host-facing outcome shape named in base spec §6.
type CallResult struct {
	OK   bool
	Data json.RawMessage
	// Error and Kind are set only when OK is false.
	Error string
	Kind  ErrorKind
}

// CallTool routes name's invocation to its owning provider and returns a
// CallResult rather than a raw error, matching the host-facing interface
// shape of base spec §6.
func (h *Host) CallTool(ctx context.Context, name string, args json.RawMessage) CallResult {
	data, err := h.callTool(ctx, name, args)
	if err == nil {
		return CallResult{OK: true, Data: data}
	}
	return CallResult{OK: false, Error: err.Error(), Kind: KindOf(err)}
}

// Subscribe registers an event-stream listener for tool-registered,
// tool-unregistered, provider-connected, provider-disconnected, and
// provider-failed notifications.
func (h *Host) Subscribe() *EventSubscription {
	return h.bus.Subscribe()
}

// ProviderStatus reports a provider's current lifecycle state.
func (h *Host) ProviderStatus(name string) Status {
	return h.manager.Status(name)
}

// Reload drives the hot-reload algorithm for an already-started external
// provider with an updated spec.
func (h *Host) Reload(ctx context.Context, name string, newSpec SpawnSpec) error {
	newSpec.SocketPath = h.socketPath
	return h.manager.Reload(ctx, name, newSpec)
}

// Shutdown cancels all in-flight calls with HostShutdown, stops every
// provider's child with its configured grace period, closes the socket,
// and unlinks the socket file. Safe to call once; subsequent calls are
// no-ops.
func (h *Host) Shutdown(ctx context.Context) {
	h.shutdownOnce.Do(func() {
		h.manager.Shutdown(ctx)
		if h.runCancel != nil {
			h.runCancel()
		}
		_ = h.reloader.Close()
		_ = h.hub.Shutdown()
		h.tracker.Close()
		h.bus.Close()
		h.wg.Wait()
	})
}
