// Package providerrt is the library linked into child processes that act as
// external tool providers. It implements the provider-side half of the base
// spec's IPC protocol: connect, register, and service tool_call frames until
// the socket closes.
package providerrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"reflect"
	"sync"

	"github.com/petal-labs/toolmesh/providerhost"
)

// CallContext is passed to every tool handler invocation.
type CallContext struct {
	Provider string
	State    any
	Logger   *slog.Logger
}

// ToolHandlerFunc executes one tool call and returns its success payload.
// A non-nil error becomes the string reason of a tool_response error.
type ToolHandlerFunc func(ctx context.Context, call CallContext, args json.RawMessage) (any, error)

// ToolDefinition is one tool this provider offers.
type ToolDefinition struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      ToolHandlerFunc
}

// InitializeFunc is called once at startup with a nil previous state, and
// again on every reinitialize frame with the provider's current state as a
// distinct, read-only argument for migration. On a reinitialize frame its
// return value is deep-copied before it becomes the new state; the value
// returned at startup is installed as is.
type InitializeFunc func(ctx context.Context, config json.RawMessage, previous any) (any, error)

// Runtime is the provider-side half of the IPC protocol: it owns the socket
// connection, the tool table, and the provider state object.
type Runtime struct {
	name        string
	version     string
	description string
	initialize  InitializeFunc
	logger      *slog.Logger

	mu    sync.Mutex
	tools map[string]ToolDefinition
	state any

	conn   net.Conn
	reader *providerhost.FrameReader
	writer *providerhost.FrameWriter
}

// New creates a runtime identifying itself as name/version/description on
// registration.
func New(name, version, description string) *Runtime {
	return &Runtime{
		name:        name,
		version:     version,
		description: description,
		tools:       make(map[string]ToolDefinition),
		logger:      slog.Default(),
	}
}

// SetLogger overrides the default slog logger used for diagnostic output.
func (r *Runtime) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RegisterTool adds or replaces a tool definition.
func (r *Runtime) RegisterTool(def ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// SetInitialize installs the lifecycle hook invoked on startup and on every
// reinitialize frame.
func (r *Runtime) SetInitialize(fn InitializeFunc) {
	r.initialize = fn
}

// Connect reads the three environment variables from the child environment
// contract, dials the socket, and sends the register frame declaring this
// provider's identity and current tool list.
func (r *Runtime) Connect(ctx context.Context) error {
	socketPath := os.Getenv(providerhost.EnvSocketPath)
	if socketPath == "" {
		return fmt.Errorf("providerrt: %s is not set", providerhost.EnvSocketPath)
	}
	if os.Getenv(providerhost.EnvProviderMode) == "" {
		return fmt.Errorf("providerrt: %s is not set", providerhost.EnvProviderMode)
	}
	name := os.Getenv(providerhost.EnvProviderName)
	if name == "" {
		return fmt.Errorf("providerrt: %s is not set", providerhost.EnvProviderName)
	}
	r.name = name

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("providerrt: dial %q: %w", socketPath, err)
	}
	r.conn = conn
	r.reader = providerhost.NewFrameReader(conn, 0)
	r.writer = providerhost.NewFrameWriter(conn, 0)

	if r.initialize != nil {
		state, err := r.initialize(ctx, nil, nil)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("providerrt: initialize: %w", err)
		}
		r.mu.Lock()
		r.state = state
		r.mu.Unlock()
	}

	return r.sendRegister()
}

func (r *Runtime) sendRegister() error {
	r.mu.Lock()
	manifests := make([]providerhost.ToolManifest, 0, len(r.tools))
	for _, def := range r.tools {
		manifests = append(manifests, providerhost.ToolManifest{
			Name:         def.Name,
			Description:  def.Description,
			InputSchema:  def.InputSchema,
			OutputSchema: def.OutputSchema,
		})
	}
	r.mu.Unlock()

	data, err := json.Marshal(providerhost.RegisterData{
		Name:        r.name,
		Version:     r.version,
		Description: r.description,
		Tools:       manifests,
		PID:         os.Getpid(),
	})
	if err != nil {
		return fmt.Errorf("providerrt: encode register: %w", err)
	}
	return r.writer.Write(providerhost.Frame{Type: providerhost.FrameRegister, Data: data})
}

// Run connects and then serves until the socket closes. Cancellation of ctx
// is observed between frames, not while Serve is blocked reading one.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Connect(ctx); err != nil {
		return err
	}
	return r.Serve(ctx)
}

// Serve reads frames indefinitely, dispatching tool_call and reinitialize
// frames until the connection closes, at which point it returns nil so the
// caller can exit cleanly (the base spec's "on socket close: exit the
// process cleanly").
func (r *Runtime) Serve(ctx context.Context) error {
	if r.conn == nil {
		return ErrNotConnected
	}
	defer r.conn.Close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := r.reader.Next()
		if err != nil {
			return nil
		}
		switch frame.Type {
		case providerhost.FrameToolCall:
			go r.handleToolCall(ctx, frame)
		case providerhost.FrameReinitialize:
			r.handleReinitialize(ctx, frame)
		default:
			r.logger.Debug("providerrt: ignoring frame", slog.String("type", string(frame.Type)))
		}
	}
}

func (r *Runtime) handleToolCall(ctx context.Context, frame providerhost.Frame) {
	var data providerhost.ToolCallData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		r.respondError(frame.ID, fmt.Sprintf("malformed tool_call: %v", err))
		return
	}

	r.mu.Lock()
	def, ok := r.tools[data.ToolName]
	state := r.state
	r.mu.Unlock()
	if !ok {
		r.respondError(frame.ID, fmt.Sprintf("unknown tool %q", data.ToolName))
		return
	}

	result, err := func() (out any, handlerErr error) {
		defer func() {
			if p := recover(); p != nil {
				handlerErr = fmt.Errorf("handler panic: %v", p)
			}
		}()
		return def.Handler(ctx, CallContext{Provider: r.name, State: state, Logger: r.logger}, data.Params)
	}()
	if err != nil {
		r.respondError(frame.ID, err.Error())
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		r.respondError(frame.ID, fmt.Sprintf("encode result: %v", err))
		return
	}
	if writeErr := r.writer.Write(providerhost.Frame{Type: providerhost.FrameToolResponse, ID: frame.ID, Data: payload}); writeErr != nil {
		r.logger.Warn("providerrt: write tool_response failed", slog.Any("error", writeErr))
	}
}

func (r *Runtime) respondError(id, reason string) {
	if writeErr := r.writer.Write(providerhost.Frame{Type: providerhost.FrameToolResponse, ID: id, Error: reason}); writeErr != nil {
		r.logger.Warn("providerrt: write tool_response error failed", slog.Any("error", writeErr))
	}
}

func (r *Runtime) handleReinitialize(ctx context.Context, frame providerhost.Frame) {
	if r.initialize == nil {
		return
	}
	r.mu.Lock()
	previous := r.state
	r.mu.Unlock()

	newState, err := r.initialize(ctx, frame.Data, previous)
	if err != nil {
		r.logger.Error("providerrt: reinitialize failed", slog.Any("error", err))
		return
	}

	copied, err := deepCopyState(newState)
	if err != nil {
		r.logger.Error("providerrt: deep-copying new state failed", slog.Any("error", err))
		copied = newState
	}

	r.mu.Lock()
	r.state = copied
	r.mu.Unlock()
}

// Log sends a structured log record to the host's logger over the log
// frame, in addition to any local logging a handler performs.
func (r *Runtime) Log(level, message string, fields map[string]any) error {
	var fieldsRaw json.RawMessage
	if len(fields) > 0 {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		fieldsRaw = encoded
	}
	data, err := json.Marshal(providerhost.LogData{Level: level, Message: message, Fields: fieldsRaw})
	if err != nil {
		return err
	}
	return r.writer.Write(providerhost.Frame{Type: providerhost.FrameLog, Data: data})
}

// deepCopyState isolates newState from the caller's copy via a JSON
// marshal/unmarshal round trip into a freshly allocated value of the same
// concrete type, satisfying the isolation requirement in base spec §9.
func deepCopyState(state any) (any, error) {
	if state == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	t := reflect.TypeOf(state)
	if t.Kind() == reflect.Ptr {
		out := reflect.New(t.Elem()).Interface()
		if err := json.Unmarshal(encoded, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	out := reflect.New(t).Interface()
	if err := json.Unmarshal(encoded, out); err != nil {
		return nil, err
	}
	return reflect.ValueOf(out).Elem().Interface(), nil
}

// ErrNotConnected is returned by Serve when it is called before Connect has
// established a connection.
var ErrNotConnected = errors.New("providerrt: not connected")
