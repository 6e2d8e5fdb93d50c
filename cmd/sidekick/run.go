package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sidekick"
)

const defaultShutdownTimeout = 15 * time.Second

// createRunCommand creates the run subcommand
func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config.toml]",
		Short: "Supervise the sidecar until interrupted",
		Long: `Run loads the configuration, launches the sidecar and keeps it alive
until SIGINT or SIGTERM. Port flags pin a port for this run; the remaining
ports are negotiated and persisted for the next start.

Examples:
  sidekick run --config=sidekick.toml
  sidekick run sidekick.toml --proxy-port=9150 --disable-updater`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, path, *runFlags)
		},
	}
	cmd.Flags().IntVar(&runFlags.CDPPort, "cdp-port", 0, "pin the debug-protocol port")
	cmd.Flags().IntVar(&runFlags.ProxyPort, "proxy-port", 0, "pin the proxy port")
	cmd.Flags().IntVar(&runFlags.BackendPort, "backend-port", 0, "pin the sidecar backend port")
	cmd.Flags().IntVar(&runFlags.ExtensionPort, "extension-port", 0, "pin the extension port")
	cmd.Flags().StringVar(&runFlags.ResourcesDir, "resources-dir", "", "override the sidecar resources directory")
	cmd.Flags().BoolVar(&runFlags.DisableServer, "disable-server", false, "do not launch the sidecar")
	cmd.Flags().BoolVar(&runFlags.DisableUpdater, "disable-updater", false, "never look for staged updates")
	cmd.Flags().DurationVar(&runFlags.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout, "time allowed for a clean shutdown")
	return cmd
}

func (f RunFlags) overrides() sidekick.Ports {
	return sidekick.Ports{
		CDP:       f.CDPPort,
		Proxy:     f.ProxyPort,
		Backend:   f.BackendPort,
		Extension: f.ExtensionPort,
	}
}

func runDaemon(ctx context.Context, configPath string, f RunFlags) error {
	cfg, err := sidekick.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	d, err := sidekick.New(cfg, sidekick.Options{
		Overrides:      f.overrides(),
		ResourcesDir:   f.ResourcesDir,
		DisableServer:  f.DisableServer,
		DisableUpdater: f.DisableUpdater,
	})
	if err != nil {
		return err
	}
	timeout := f.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return d.Run(ctx, timeout)
}
