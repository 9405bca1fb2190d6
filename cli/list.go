package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewListCmd creates the "list" subcommand.
func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Start every configured provider and list their registered tools",
		RunE:  runList,
	}
	addConfigFlag(cmd)
	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
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
	tools := host.ListTools()

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tPROVIDER\tDESCRIPTION")
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\n", t.Name, t.Provider, desc)
	}
	return writer.Flush()
}
