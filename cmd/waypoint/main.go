package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/hylla/waypoint/internal/platform"
)

// version is stamped at build time.
var version = "dev"

// Environment variables read by the root command.
const (
	envDevMode = "WAYPOINT_DEV_MODE"
	envAppName = "WAYPOINT_APP_NAME"
	envEditor  = "WAYPOINT_EDITOR_ID"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCommand(os.Stdout, os.Stderr)
	if err := fang.Execute(ctx, root, fang.WithVersion(version)); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes one command line with plain cobra output.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCommand(stdout, stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globalFlags holds the persistent root flags shared by every command.
type globalFlags struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
}

// cli carries process streams and global flags into command handlers.
type cli struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	c := &cli{stdout: stdout, stderr: stderr}

	defaultDev := version == "dev"
	if envDev, ok := parseBoolEnv(envDevMode); ok {
		defaultDev = envDev
	}
	defaultApp := platform.DefaultAppName
	if envApp := strings.TrimSpace(os.Getenv(envAppName)); envApp != "" {
		defaultApp = envApp
	}

	root := &cobra.Command{
		Use:     "waypoint",
		Short:   "Collaborative project milestones, tasks, and KPIs with single-editor leases",
		Version: version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "path to config TOML")
	pf.StringVar(&c.flags.dbPath, "db", "", "path to sqlite database")
	pf.StringVar(&c.flags.appName, "app", defaultApp, "application name for config/data path resolution")
	pf.BoolVar(&c.flags.devMode, "dev", defaultDev, "use dev mode paths (<app>-dev)")

	root.AddCommand(
		c.pathsCommand(),
		c.serveCommand(),
		c.createCommand(),
		c.listCommand(),
		c.statusCommand(),
		c.exportCommand(),
		c.importCommand(),
		c.leaseCommand(),
		c.eventsCommand(),
	)
	return root
}

func (c *cli) pathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config and data locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := c.paths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", paths.AppName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", c.flags.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", c.resolveConfigPath(paths))
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", c.resolveDBPath(paths))
			return nil
		},
	}
}

func (c *cli) paths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: c.flags.appName,
		DevMode: c.flags.devMode,
	})
}

func (c *cli) resolveConfigPath(paths platform.Paths) string {
	if v := strings.TrimSpace(c.flags.configPath); v != "" {
		return v
	}
	return paths.ConfigPath
}

func (c *cli) resolveDBPath(paths platform.Paths) string {
	if v := strings.TrimSpace(c.flags.dbPath); v != "" {
		return v
	}
	return paths.DBPath
}

// parseBoolEnv reads a boolean env var; ok is false when unset or unparsable.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
