package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	mode       string
}

// newRootCmd creates and configures the root command. Running it without a
// subcommand starts the server.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "render-proxy",
		Short: "An HTTP service that returns the markup of a target URL.",
		Long: `render-proxy retrieves a URL on behalf of its caller and returns the
resulting markup. In render mode pages are loaded in headless Chrome and the
post-JavaScript DOM is returned; in raw mode a single GET is issued and the
body is relayed verbatim.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.mode, "mode", "", "fetch mode override: render or raw")

	cmd.AddCommand(newServeCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "render-proxy: %v\n", err)
		stop()
		os.Exit(1)
	}
}
