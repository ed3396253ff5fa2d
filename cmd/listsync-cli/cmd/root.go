package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/listsync/cmd/listsync-cli/internal/client"
)

var (
	serverURL      string
	requestTimeout time.Duration
	outputFormat   string
)

var rootCmd = &cobra.Command{
	Use:   "listsync-cli",
	Short: "Inspect, push and watch listsync lists",
	Long: `listsync-cli talks to a listsync server over HTTP and its websocket stream.

Available commands:
  stats     Show registry statistics and every known list
  get       Print the current snapshot of a list
  push      Replace a list with a JSON array of items
  watch     Follow one or more lists as they change

Use "listsync-cli [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
}

// Execute runs the root command with a context cancelled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("LISTSYNC_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "listsync server URL (env LISTSYNC_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "table", "output format: table or json")
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, requestTimeout)
}
