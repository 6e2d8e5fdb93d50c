package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick"
	"github.com/loykin/sidekick/pkg/client"
)

const defaultAPITimeout = 10 * time.Second

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon admin URL (default from config [server])")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", defaultAPITimeout, "request timeout")
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(*globalFlags, *apiFlags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(globalFlags *GlobalFlags, restartFlags *RestartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the sidecar",
		Long: `Restart terminates the sidecar and launches it again. By default only
the backend and extension ports are re-checked; --all re-checks every port
and rebinds the proxy.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(*globalFlags, restartFlags.APIFlags)
			if err != nil {
				return err
			}
			if err := c.Restart(cmd.Context(), restartFlags.All); err != nil {
				return err
			}
			cmd.Println("restart requested")
			return nil
		},
	}
	addAPIFlags(cmd, &restartFlags.APIFlags)
	cmd.Flags().BoolVar(&restartFlags.All, "all", false, "revalidate every port")
	return cmd
}

// createUpdateCommand creates the update subcommand
func createUpdateCommand(globalFlags *GlobalFlags, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check for a staged sidecar build now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(*globalFlags, *apiFlags)
			if err != nil {
				return err
			}
			if err := c.CheckForUpdate(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("update check requested")
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(globalFlags *GlobalFlags, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sidecar lifecycle events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(*globalFlags, historyFlags.APIFlags)
			if err != nil {
				return err
			}
			events, err := c.History(cmd.Context(), historyFlags.Limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	addAPIFlags(cmd, &historyFlags.APIFlags)
	cmd.Flags().IntVar(&historyFlags.Limit, "limit", 0, "maximum number of events (server default when 0)")
	return cmd
}

// newClient builds an admin client. Without --api-url the address comes
// from the config's [server] section.
func newClient(g GlobalFlags, f APIFlags) (*client.Client, error) {
	url := f.APIUrl
	if url == "" {
		var err error
		if url, err = apiURLFromConfig(g.ConfigPath); err != nil {
			return nil, err
		}
	}
	level := slog.LevelWarn
	if g.Verbose {
		level = slog.LevelDebug
	}
	return client.New(client.Config{
		BaseURL: url,
		Timeout: f.APITimeout,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}), nil
}

func apiURLFromConfig(path string) (string, error) {
	if path == "" {
		return client.DefaultConfig().BaseURL, nil
	}
	cfg, err := sidekick.LoadConfig(path)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Server.Listen == "" {
		return "", fmt.Errorf("admin server disabled in %s; pass --api-url", path)
	}
	return "http://" + dialAddr(cfg.Server.Listen) + cfg.Server.BasePath, nil
}

// dialAddr turns a listen address into one a client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
