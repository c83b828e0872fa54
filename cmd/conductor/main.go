// Command conductor is the Conductor CLI client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:9090"

// cli carries the global flags shared by every subcommand.
type cli struct {
	server  string
	token   string
	timeout time.Duration
	client  *Client
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Conductor CLI",
		Long:          "conductor talks to a conductord server: submit tasks, follow their progress and manage agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			c.client = &Client{
				BaseURL:    strings.TrimRight(c.server, "/"),
				Token:      c.token,
				HTTPClient: &http.Client{Timeout: c.timeout},
			}
		},
	}

	server := os.Getenv("CONDUCTOR_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&c.server, "server", server, "server URL (or $CONDUCTOR_SERVER)")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("CONDUCTOR_TOKEN"), "JWT auth token (or $CONDUCTOR_TOKEN)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 15*time.Second, "HTTP request timeout")

	root.AddCommand(
		versionCmd(),
		c.statusCmd(),
		c.loginCmd(),
		c.submitCmd(),
		c.batchCmd(),
		c.taskCmd(),
		c.tasksCmd(),
		c.cancelCmd(),
		c.agentsCmd(),
		c.agentCmd(),
		c.statsCmd(),
		c.exportCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}
