package providerhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ProviderKind tags whether a provider runs in-process or as a child.
type ProviderKind string

const (
	ProviderBuiltin  ProviderKind = "builtin"
	ProviderExternal ProviderKind = "external"
)

// Status is a provider's position in the lifecycle state machine of §4.6.
type Status string

const (
	StatusIdle      Status = "Idle"
	StatusStarting  Status = "Starting"
	StatusRunning   Status = "Running"
	StatusReloading Status = "Reloading"
	StatusStopped   Status = "Stopped"
)

// DefaultToolCallTimeout and DefaultRegistrationTimeout are the base spec's
// named defaults (§4.6, §6 performance tunables).
const (
	DefaultToolCallTimeout     = 30 * time.Second
	DefaultRegistrationTimeout = 15 * time.Second
)

// BuiltinCallContext is passed to a built-in tool handler on every invoke.
type BuiltinCallContext struct {
	Provider string
	State    any
	Logger   *slog.Logger
}

// BuiltinHandlerFunc executes one built-in tool call in-process.
type BuiltinHandlerFunc func(ctx context.Context, call BuiltinCallContext, tool string, args json.RawMessage) (json.RawMessage, error)

// BuiltinProvider is the shape accepted by the Built-in Provider Host (§4.7):
// a name, version, declared tool list, optional lifecycle hooks, and the
// handler that services every one of its tools.
type BuiltinProvider struct {
	Name        string
	Version     string
	Description string
	Tools       []ToolDescriptor
	Initialize  func(ctx context.Context, config map[string]any) (any, error)
	Dispose     func(ctx context.Context, state any) error
	Handler     BuiltinHandlerFunc
}

// providerEntry is the Provider Manager's private record for one provider,
// built-in or external, guarded by its own mutex so unrelated providers
// never contend on a single lock.
type providerEntry struct {
	mu     sync.Mutex
	name   string
	kind   ProviderKind
	status Status

	// external
	spec     SpawnSpec
	conn     *Connection
	handle   *ProcessHandle
	regTimer clockwork.Timer

	// builtin
	builtin *BuiltinProvider
	state   any
}

func (e *providerEntry) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *providerEntry) getStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ProviderManager is the core orchestrator described in base spec §4.6: it
// owns the Socket Hub and the Process Supervisor, subscribes to hub events,
// binds connections to provider identities on first registration, and
// routes callTool between the built-in and external paths.
type ProviderManager struct {
	registry   *Registry
	tracker    *CallTracker
	hub        *SocketHub
	supervisor *ProcessSupervisor
	bus        *EventBus
	clock      clockwork.Clock
	logger     *slog.Logger

	toolCallTimeout      time.Duration
	registrationTimeout  time.Duration
	providerShutdownGrace time.Duration

	mu          sync.Mutex
	providers   map[string]*providerEntry
	connBinding map[string]string // connection ID -> provider name

	stopCh chan struct{}
}

// ManagerConfig bundles the dependencies and tunables of a ProviderManager.
type ManagerConfig struct {
	Registry              *Registry
	Tracker               *CallTracker
	Hub                   *SocketHub
	Supervisor            *ProcessSupervisor
	Bus                   *EventBus
	Clock                 clockwork.Clock
	Logger                *slog.Logger
	ToolCallTimeout       time.Duration
	ProviderRegistrationTimeout time.Duration
	ProviderShutdownGrace time.Duration
}

// NewProviderManager wires a manager from cfg, applying the base spec's
// defaults for any zero-valued duration.
func NewProviderManager(cfg ManagerConfig) *ProviderManager {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = DefaultToolCallTimeout
	}
	if cfg.ProviderRegistrationTimeout <= 0 {
		cfg.ProviderRegistrationTimeout = DefaultRegistrationTimeout
	}
	if cfg.ProviderShutdownGrace <= 0 {
		cfg.ProviderShutdownGrace = DefaultShutdownGrace
	}
	return &ProviderManager{
		registry:              cfg.Registry,
		tracker:                cfg.Tracker,
		hub:                    cfg.Hub,
		supervisor:             cfg.Supervisor,
		bus:                    cfg.Bus,
		clock:                  cfg.Clock,
		logger:                 cfg.Logger,
		toolCallTimeout:        cfg.ToolCallTimeout,
		registrationTimeout:    cfg.ProviderRegistrationTimeout,
		providerShutdownGrace:  cfg.ProviderShutdownGrace,
		providers:              make(map[string]*providerEntry),
		connBinding:            make(map[string]string),
		stopCh:                 make(chan struct{}),
	}
}

// Run consumes hub events until ctx is cancelled. Call it from a dedicated
// goroutine; the hub never calls back into the manager directly, only
// through this one-way event subscription.
func (m *ProviderManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.hub.Events():
			if !ok {
				return
			}
			m.handleHubEvent(ctx, event)
		}
	}
}

func (m *ProviderManager) handleHubEvent(ctx context.Context, event HubEvent) {
	switch event.Kind {
	case HubEventConnected:
		// Awaiting the connection's first frame; no provider binding yet.
	case HubEventFrame:
		m.handleFrame(ctx, event.Conn, event.Frame)
	case HubEventClosed:
		m.handleConnClosed(event.Conn, event.Reason)
	}
}

func (m *ProviderManager) boundProvider(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.connBinding[connID]
	return name, ok
}

func (m *ProviderManager) handleFrame(ctx context.Context, conn *Connection, frame Frame) {
	provider, bound := m.boundProvider(conn.ID)
	if !bound {
		if frame.Type != FrameRegister {
			m.logger.Warn("connection sent traffic before registering", slog.String("conn", conn.ID))
			m.hub.CloseConnection(conn, ErrUnregisteredTraffic)
			return
		}
		m.handleRegister(conn, frame)
		return
	}

	switch frame.Type {
	case FrameToolResponse:
		m.handleToolResponse(provider, frame)
	case FrameLog:
		m.handleLog(provider, frame)
	default:
		m.logger.Debug("ignoring unexpected frame from bound connection",
			slog.String("provider", provider), slog.String("type", string(frame.Type)))
	}
}

func (m *ProviderManager) handleRegister(conn *Connection, frame Frame) {
	var data RegisterData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		m.logger.Warn("malformed register frame", slog.Any("error", err))
		m.hub.CloseConnection(conn, &MalformedFrame{Cause: err})
		return
	}

	m.mu.Lock()
	entry := m.providers[data.Name]
	m.mu.Unlock()
	if entry == nil || entry.kind != ProviderExternal {
		m.logger.Warn("register from unknown provider", slog.String("provider", data.Name))
		m.hub.CloseConnection(conn, fmt.Errorf("providerhost: unknown provider %q", data.Name))
		return
	}

	entry.mu.Lock()
	if entry.status != StatusStarting || entry.conn != nil {
		entry.mu.Unlock()
		m.logger.Warn("register from already-bound or non-starting provider", slog.String("provider", data.Name))
		m.hub.CloseConnection(conn, fmt.Errorf("providerhost: provider %q already bound", data.Name))
		return
	}
	if entry.regTimer != nil {
		entry.regTimer.Stop()
		entry.regTimer = nil
	}
	entry.conn = conn
	entry.mu.Unlock()

	tools := make([]ToolDescriptor, 0, len(data.Tools))
	for _, t := range data.Tools {
		tools = append(tools, ToolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}

	if err := m.registry.ReplaceProviderTools(data.Name, tools); err != nil {
		m.logger.Warn("tool registration rejected", slog.String("provider", data.Name), slog.Any("error", err))
		m.failProvider(entry, err.Error())
		m.hub.CloseConnection(conn, err)
		return
	}

	m.mu.Lock()
	m.connBinding[conn.ID] = data.Name
	m.mu.Unlock()

	entry.setStatus(StatusRunning)
	m.bus.Publish(Event{Kind: EventProviderConnected, Provider: data.Name})
}

func (m *ProviderManager) handleToolResponse(provider string, frame Frame) {
	if frame.ID == "" {
		m.logger.Debug("tool_response missing id", slog.String("provider", provider))
		return
	}
	outcome := CallOutcome{Data: frame.Data}
	if frame.Error != "" {
		outcome = CallOutcome{Err: NewCallError(HandlerError, frame.Error, nil)}
	}
	if stale := m.tracker.Complete(frame.ID, outcome); stale {
		m.logger.Debug("discarding stale tool_response", slog.String("provider", provider), slog.String("id", frame.ID))
	}
}

func (m *ProviderManager) handleLog(provider string, frame Frame) {
	var data LogData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		return
	}
	attrs := []any{slog.String("provider", provider)}
	switch data.Level {
	case "error":
		m.logger.Error(data.Message, attrs...)
	case "warn", "warning":
		m.logger.Warn(data.Message, attrs...)
	case "debug":
		m.logger.Debug(data.Message, attrs...)
	default:
		m.logger.Info(data.Message, attrs...)
	}
}

func (m *ProviderManager) handleConnClosed(conn *Connection, reason error) {
	m.mu.Lock()
	provider, bound := m.connBinding[conn.ID]
	if bound {
		delete(m.connBinding, conn.ID)
	}
	m.mu.Unlock()
	if !bound {
		return
	}

	m.mu.Lock()
	entry := m.providers[provider]
	m.mu.Unlock()
	if entry == nil {
		return
	}
	m.disconnectProvider(entry, reason)
}

// disconnectProvider transitions a Running provider to Stopped after losing
// its connection, idempotently: a provider already mid-reload or stopped is
// left untouched so controlled transitions never double-fire events.
func (m *ProviderManager) disconnectProvider(entry *providerEntry, reason error) {
	entry.mu.Lock()
	if entry.status != StatusRunning {
		entry.mu.Unlock()
		return
	}
	entry.status = StatusStopped
	entry.conn = nil
	entry.mu.Unlock()

	_ = m.registry.ClearProvider(entry.name)
	msg := "provider disconnected"
	if reason != nil {
		msg = reason.Error()
	}
	m.tracker.AbortProvider(entry.name, ProviderDisconnected, msg)
	m.bus.Publish(Event{Kind: EventProviderDisconnected, Provider: entry.name, Reason: msg})
}

func (m *ProviderManager) failProvider(entry *providerEntry, reason string) {
	entry.mu.Lock()
	entry.status = StatusStopped
	entry.conn = nil
	entry.mu.Unlock()

	_ = m.registry.ClearProvider(entry.name)
	m.tracker.AbortProvider(entry.name, ProviderUnavailable, reason)
	m.bus.Publish(Event{Kind: EventProviderFailed, Provider: entry.name, Reason: reason})
}

// RegisterBuiltin installs a built-in provider: runs Initialize (if set),
// installs its declared tools atomically, and marks it Running. Built-in
// providers never touch the Socket Hub.
func (m *ProviderManager) RegisterBuiltin(ctx context.Context, provider *BuiltinProvider, config map[string]any) error {
	if provider == nil || provider.Name == "" {
		return errors.New("providerhost: builtin provider must have a name")
	}
	entry := &providerEntry{name: provider.Name, kind: ProviderBuiltin, status: StatusStarting, builtin: provider}

	m.mu.Lock()
	if _, exists := m.providers[provider.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("providerhost: provider %q already registered", provider.Name)
	}
	m.providers[provider.Name] = entry
	m.mu.Unlock()

	if provider.Initialize != nil {
		state, err := provider.Initialize(ctx, config)
		if err != nil {
			entry.setStatus(StatusStopped)
			return fmt.Errorf("providerhost: initialize builtin %q: %w", provider.Name, err)
		}
		entry.mu.Lock()
		entry.state = state
		entry.mu.Unlock()
	}

	descriptors := make([]ToolDescriptor, len(provider.Tools))
	copy(descriptors, provider.Tools)
	if err := m.registry.ReplaceProviderTools(provider.Name, descriptors); err != nil {
		entry.setStatus(StatusStopped)
		return err
	}
	entry.setStatus(StatusRunning)
	m.bus.Publish(Event{Kind: EventProviderConnected, Provider: provider.Name})
	return nil
}

// StartExternal pre-registers an external provider entry and spawns its
// child process, arming the registration deadline timer. It returns once the
// spawn call itself succeeds; Running is reached asynchronously on register.
func (m *ProviderManager) StartExternal(ctx context.Context, name string, spec SpawnSpec) error {
	entry := &providerEntry{name: name, kind: ProviderExternal, status: StatusStarting, spec: spec}

	m.mu.Lock()
	if _, exists := m.providers[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("providerhost: provider %q already registered", name)
	}
	m.providers[name] = entry
	m.mu.Unlock()

	return m.spawnLocked(ctx, entry)
}

func (m *ProviderManager) spawnLocked(ctx context.Context, entry *providerEntry) error {
	handle, err := m.supervisor.Spawn(ctx, entry.name, entry.spec, func(reason ExitReason) {
		if reason.Stopped {
			return
		}
		m.disconnectProvider(entry, fmt.Errorf("provider process exited: %v", reason.Err))
	})
	if err != nil {
		entry.setStatus(StatusStopped)
		m.bus.Publish(Event{Kind: EventProviderFailed, Provider: entry.name, Reason: err.Error()})
		return err
	}

	entry.mu.Lock()
	entry.handle = handle
	entry.status = StatusStarting
	timer := m.clock.AfterFunc(m.registrationTimeout, func() {
		m.onRegistrationTimeout(entry)
	})
	entry.regTimer = timer
	entry.mu.Unlock()
	return nil
}

func (m *ProviderManager) onRegistrationTimeout(entry *providerEntry) {
	entry.mu.Lock()
	if entry.status != StatusStarting || entry.conn != nil {
		entry.mu.Unlock()
		return
	}
	entry.status = StatusStopped
	entry.mu.Unlock()

	m.logger.Warn("provider did not register in time", slog.String("provider", entry.name))
	_ = m.supervisor.Stop(context.Background(), entry.name)
	m.tracker.AbortProvider(entry.name, ProviderUnavailable, "registration timeout")
	m.bus.Publish(Event{Kind: EventProviderFailed, Provider: entry.name, Reason: "registration timeout"})
}

// CallTool performs the §4.6 routing algorithm: look up the owning provider,
// invoke built-ins synchronously, or drive the Call Tracker and Socket Hub
// for external ones.
func (m *ProviderManager) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	descriptor, ok := m.registry.Get(name)
	if !ok {
		return nil, NewCallError(ToolNotFound, fmt.Sprintf("tool %q is not registered", name), nil)
	}

	m.mu.Lock()
	entry := m.providers[descriptor.Provider]
	m.mu.Unlock()
	if entry == nil {
		return nil, NewCallError(ToolNotFound, fmt.Sprintf("tool %q has no owning provider", name), nil)
	}

	if entry.kind == ProviderBuiltin {
		return m.callBuiltin(ctx, entry, name, args)
	}
	return m.callExternal(ctx, entry, name, args)
}

func (m *ProviderManager) callBuiltin(ctx context.Context, entry *providerEntry, tool string, args json.RawMessage) (json.RawMessage, error) {
	entry.mu.Lock()
	state := entry.state
	handler := entry.builtin.Handler
	entry.mu.Unlock()
	if handler == nil {
		return nil, NewCallError(HandlerError, fmt.Sprintf("builtin provider %q has no handler", entry.name), nil)
	}
	out, err := handler(ctx, BuiltinCallContext{Provider: entry.name, State: state, Logger: m.logger}, tool, args)
	if err != nil {
		var callErr *CallError
		if errors.As(err, &callErr) {
			return nil, callErr
		}
		return nil, NewCallError(HandlerError, err.Error(), err)
	}
	return out, nil
}

func (m *ProviderManager) callExternal(ctx context.Context, entry *providerEntry, tool string, args json.RawMessage) (json.RawMessage, error) {
	entry.mu.Lock()
	status := entry.status
	conn := entry.conn
	entry.mu.Unlock()

	switch status {
	case StatusReloading:
		return nil, NewCallError(ProviderReloading, fmt.Sprintf("provider %q is reloading", entry.name), nil)
	case StatusRunning:
		// proceeds below
	default:
		return nil, NewCallError(ProviderUnavailable, fmt.Sprintf("provider %q is %s", entry.name, status), nil)
	}
	if conn == nil {
		return nil, NewCallError(ProviderUnavailable, fmt.Sprintf("provider %q has no connection", entry.name), nil)
	}

	deadline := m.clock.Now().Add(m.toolCallTimeout)
	id, done := m.tracker.Begin(entry.name, tool, deadline)

	payload, err := json.Marshal(ToolCallData{ToolName: tool, Params: args})
	if err != nil {
		m.tracker.Complete(id, CallOutcome{})
		return nil, NewCallError(ProtocolError, "encode tool_call", err)
	}
	if err := conn.Send(Frame{Type: FrameToolCall, ID: id, ProviderID: entry.name, Data: payload}); err != nil {
		m.tracker.Complete(id, CallOutcome{})
		return nil, NewCallError(ProviderDisconnected, "writing tool_call", err)
	}

	outcome := Await(ctx, done)
	return outcome.Data, outcome.Err
}

// StopProvider performs a final, terminal stop of provider: it clears its
// tools, aborts its pending calls, and stops its child if external.
func (m *ProviderManager) StopProvider(ctx context.Context, name string) error {
	m.mu.Lock()
	entry := m.providers[name]
	m.mu.Unlock()
	if entry == nil {
		return fmt.Errorf("providerhost: unknown provider %q", name)
	}

	entry.mu.Lock()
	kind := entry.kind
	builtin := entry.builtin
	state := entry.state
	entry.status = StatusStopped
	entry.mu.Unlock()

	_ = m.registry.ClearProvider(name)
	m.tracker.AbortProvider(name, HostShutdown, "provider stopped")

	if kind == ProviderExternal {
		return m.supervisor.Stop(ctx, name)
	}
	if builtin != nil && builtin.Dispose != nil {
		return builtin.Dispose(ctx, state)
	}
	return nil
}

// Shutdown performs host-wide shutdown: it aborts every in-flight call with
// HostShutdown and stops every provider.
func (m *ProviderManager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	m.tracker.AbortAll(HostShutdown, "host shutdown")

	m.mu.Lock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		_ = m.StopProvider(ctx, name)
	}
}

// Status returns the current lifecycle status of provider, or StatusIdle if
// it is unknown to the manager.
func (m *ProviderManager) Status(name string) Status {
	m.mu.Lock()
	entry := m.providers[name]
	m.mu.Unlock()
	if entry == nil {
		return StatusIdle
	}
	return entry.getStatus()
}

// Reload performs the §4.8 reload algorithm for an external provider: it
// atomically clears the provider's tools, stops its current child, fails
// its in-flight calls with ProviderReloading, then spawns a fresh child
// against newSpec. The registry never exposes a partial tool set for name
// during this sequence because ClearProvider and the eventual post-register
// ReplaceProviderTools are each themselves atomic swaps.
func (m *ProviderManager) Reload(ctx context.Context, name string, newSpec SpawnSpec) error {
	m.mu.Lock()
	entry := m.providers[name]
	m.mu.Unlock()
	if entry == nil || entry.kind != ProviderExternal {
		return fmt.Errorf("providerhost: %q is not a known external provider", name)
	}

	entry.setStatus(StatusReloading)
	_ = m.registry.ClearProvider(name)
	_ = m.supervisor.Stop(ctx, name)
	m.tracker.AbortProvider(name, ProviderReloading, "provider reloading")

	entry.mu.Lock()
	entry.spec = newSpec
	entry.conn = nil
	entry.mu.Unlock()

	if err := m.spawnLocked(ctx, entry); err != nil {
		entry.setStatus(StatusStopped)
		m.bus.Publish(Event{Kind: EventProviderFailed, Provider: name, Reason: err.Error()})
		return err
	}
	return nil
}
