package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/toolmesh/providerhost"
)

// NewCallCmd creates the "call" subcommand.
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool> [args-json]",
		Short: "Start every configured provider and invoke one tool",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall,
	}
	addConfigFlag(cmd)
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	toolName := args[0]
	argsJSON := "{}"
	if len(args) == 2 {
		argsJSON = args[1]
	}
	var params json.RawMessage
	if err := json.Unmarshal([]byte(argsJSON), &params); err != nil {
		return exitError(exitValidation, "args must be valid JSON: %v", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	host, cfg, externalNames, err := bootHost(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Performance.ProviderShutdownGrace+5*time.Second)
		defer shutdownCancel()
		host.Shutdown(shutdownCtx)
	}()

	waitForProvidersReady(ctx, host, externalNames)

	callCtx, callCancel := context.WithTimeout(ctx, cfg.Performance.ToolCallTimeout)
	defer callCancel()

	result := host.CallTool(callCtx, toolName, params)
	if !result.OK {
		code := exitRuntime
		if result.Kind == providerhost.Timeout {
			code = exitTimeout
		}
		return exitError(code, "calling %q: %s", toolName, strings.TrimSpace(result.Error))
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(result.Data))
	return nil
}
