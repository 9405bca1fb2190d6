// Package builtins supplies in-process tool providers registered through
// the Built-in Provider Host path, requiring no child process or socket
// connection.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/petal-labs/toolmesh/providerhost"
)

// timeState is the built-in time provider's initialized state: the
// location loaded from its configuration, defaulting to UTC.
type timeState struct {
	location *time.Location
}

// NewTimeProvider builds the "time" built-in provider, exposing "now" and
// "since" tools. Its configuration accepts an optional "location" key
// naming an IANA time zone (e.g. "America/New_York"); an empty or missing
// value uses UTC.
func NewTimeProvider() *providerhost.BuiltinProvider {
	return &providerhost.BuiltinProvider{
		Name:        "time",
		Version:     "1.0.0",
		Description: "Current time and elapsed-duration calculations.",
		Tools: []providerhost.ToolDescriptor{
			{
				Name:        "now",
				Description: "Returns the current time in the provider's configured location.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				OutputSchema: json.RawMessage(
					`{"type":"object","properties":{"rfc3339":{"type":"string"}}}`,
				),
			},
			{
				Name:        "since",
				Description: "Returns the elapsed duration since an RFC3339 timestamp.",
				InputSchema: json.RawMessage(
					`{"type":"object","properties":{"timestamp":{"type":"string"}},"required":["timestamp"]}`,
				),
				OutputSchema: json.RawMessage(
					`{"type":"object","properties":{"elapsedSeconds":{"type":"number"}}}`,
				),
			},
		},
		Initialize: initializeTime,
		Dispose:    disposeTime,
		Handler:    handleTime,
	}
}

func initializeTime(_ context.Context, config map[string]any) (any, error) {
	loc := time.UTC
	if raw, ok := config["location"]; ok {
		name, _ := raw.(string)
		if name != "" {
			parsed, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("builtins: loading time zone %q: %w", name, err)
			}
			loc = parsed
		}
	}
	return &timeState{location: loc}, nil
}

func disposeTime(_ context.Context, _ any) error {
	return nil
}

func handleTime(_ context.Context, call providerhost.BuiltinCallContext, tool string, args json.RawMessage) (json.RawMessage, error) {
	state, _ := call.State.(*timeState)
	loc := time.UTC
	if state != nil && state.location != nil {
		loc = state.location
	}

	switch tool {
	case "now":
		return json.Marshal(map[string]string{"rfc3339": time.Now().In(loc).Format(time.RFC3339)})
	case "since":
		var params struct {
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("builtins: decoding since params: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, params.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("builtins: parsing timestamp %q: %w", params.Timestamp, err)
		}
		return json.Marshal(map[string]float64{"elapsedSeconds": time.Since(parsed).Seconds()})
	default:
		return nil, fmt.Errorf("builtins: unknown tool %q", tool)
	}
}
