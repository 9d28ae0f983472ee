// Package cmd defines the harvester command line: the serve command that runs
// a crawler process and client commands that drive a running one.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/api"
)

type rootOptions struct {
	configPath string
	logLevel   string
	addr       string
	apiKey     string
	timeout    time.Duration
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A continuous, polite web harvester.",
		Long: `harvester discovers sources, schedules and fetches their pages politely,
and indexes the readable content for downstream retrieval.

Run "harvester serve" to start a process; the other commands talk to a
running process over its HTTP front door.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&opts.addr, "addr", envOr("HARVESTER_ADDR", "http://localhost:8080"), "front door address for client commands")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv("HARVESTER_AUTH_API_KEY"), "API key for client commands")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout for client commands")

	cmd.AddCommand(
		newServeCmd(opts),
		newSeedCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newSourcesCmd(opts),
		newStatusCmd(opts),
		newWorkersCmd(opts),
		newHostsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() *api.Client {
	return api.NewClient(o.addr, o.apiKey, o.timeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
