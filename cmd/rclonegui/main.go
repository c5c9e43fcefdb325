// Package main is the entrypoint for the RCloneGUI daemon and CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/client"
	"github.com/GamblerIX/RCloneGUI/internal/config"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// requestTimeout bounds CLI commands that do not wait for a mount.
const requestTimeout = 30 * time.Second

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	addr       string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "rclonegui",
		Short: "RCloneGUI - supervise rclone mounts and sync jobs",
		Long: `RCloneGUI keeps rclone mounts alive, adopts mounts started elsewhere
and runs sync tasks on demand or on a cron schedule.

Run 'rclonegui daemon' to start the supervisor. Most other commands talk
to the running daemon over its local API.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default is the user config directory)")
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", "", "Daemon API address (default from config)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(flags),
		newDaemonCmd(flags),
		newDiscoverCmd(),
		newStatusCmd(flags),
		newMountCmd(flags),
		newUnmountCmd(flags),
		newReconcileCmd(flags),
		newSyncCmd(flags),
		newRunsCmd(flags),
		newScheduleCmd(flags),
		newLogsCmd(flags),
		newRemotesCmd(flags),
	)

	return rootCmd
}

// loadConfig loads the config file named by --config, or the default one,
// and validates it.
func (f *globalFlags) loadConfig() (*config.AppConfig, string, error) {
	path := f.configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, path, nil
}

// client returns an API client for the running daemon.
func (f *globalFlags) client() (*client.Client, error) {
	if f.addr != "" {
		return client.New(f.addr), nil
	}
	cfg, _, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.API.Enabled {
		return nil, fmt.Errorf("the daemon API is disabled; enable api.enabled or pass --addr")
	}
	return client.New(cfg.API.Listen), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("RCloneGUI %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(
		newConfigShowCmd(flags),
		newConfigInitCmd(flags),
	)

	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := flags.loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("Config file:        %s\n", path)
			fmt.Println()
			fmt.Printf("rclone binary:      %s\n", cfg.Rclone.Binary)
			if cfg.Rclone.ConfigPath != "" {
				fmt.Printf("rclone config:      %s\n", cfg.Rclone.ConfigPath)
			}
			fmt.Printf("Data directory:     %s\n", cfg.DataDir)
			fmt.Printf("Definitions:        %s\n", cfg.DefinitionsFile)
			fmt.Printf("Log level:          %s\n", cfg.Log.Level)
			if cfg.Log.File != "" {
				fmt.Printf("Log file:           %s\n", cfg.Log.File)
			}
			fmt.Printf("Mount root:         %s\n", cfg.Mount.MountRoot)
			fmt.Printf("Mount cache:        %s\n", cfg.Mount.CacheDir)
			fmt.Printf("Ready timeout:      %s\n", cfg.Mount.ReadyTimeout.Std())
			fmt.Printf("Discovery interval: %s\n", cfg.Mount.DiscoveryInterval.Std())
			fmt.Printf("Unmount on exit:    %v\n", cfg.Mount.UnmountOnExit)
			fmt.Printf("Stats interval:     %s\n", cfg.Sync.StatsInterval.Std())
			fmt.Printf("History retention:  %s\n", cfg.Sync.HistoryRetention.Std())
			if cfg.API.Enabled {
				fmt.Printf("API listen:         %s\n", cfg.API.Listen)
			} else {
				fmt.Println("API listen:         disabled")
			}

			return nil
		},
	}
}

func newConfigInitCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and empty definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				p, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = p
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultAppConfig(filepath.Dir(path))
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)

			if _, err := os.Stat(cfg.DefinitionsFile); os.IsNotExist(err) {
				if err := (&config.Definitions{}).Save(cfg.DefinitionsFile); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfg.DefinitionsFile)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

// commandContext returns a context bounded by timeout.
func commandContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// formatTime renders t for tables, or "-" when unset.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// truncate shortens s to n runes for fixed-width tables.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// printRule prints a table separator of the given width.
func printRule(width int) {
	fmt.Println(strings.Repeat("-", width))
}
