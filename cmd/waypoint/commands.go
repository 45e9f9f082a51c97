package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	serveradapter "github.com/hylla/waypoint/internal/adapters/server"
	"github.com/hylla/waypoint/internal/adapters/server/common"
)

// withEnv opens the runtime for one command, runs fn, and closes it.
func (c *cli) withEnv(cmd *cobra.Command, name string, fn func(context.Context, *runtimeEnv) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := c.open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close runtime: %w", closeErr)
		}
	}()

	env.logger.Info("command flow start", "command", name)
	if err := fn(ctx, env); err != nil {
		env.logger.Error("command flow failed", "command", name, "err", err)
		return fmt.Errorf("run %s command: %w", name, err)
	}
	env.logger.Info("command flow complete", "command", name)
	return nil
}

// editorFlags binds the explicit editor identity every mutating command needs.
type editorFlags struct {
	id   string
	name string
}

func (f *editorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "editor", os.Getenv(envEditor), "editor id that holds the edit lease")
	cmd.Flags().StringVar(&f.name, "editor-name", "", "editor display name")
}

func (f editorFlags) editor() (common.Editor, error) {
	if strings.TrimSpace(f.id) == "" {
		return common.Editor{}, errors.New("--editor is required")
	}
	return common.Editor{ID: strings.TrimSpace(f.id), Name: strings.TrimSpace(f.name)}, nil
}

func (c *cli) serveCommand() *cobra.Command {
	var httpBind, apiEndpoint, mcpEndpoint, metricsEndpoint string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP tools, and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, "serve", func(ctx context.Context, env *runtimeEnv) error {
				cfg := serverConfig(env, cmd, httpBind, apiEndpoint, mcpEndpoint, metricsEndpoint)
				return runServe(ctx, env, cfg)
			})
		},
	}
	cmd.Flags().StringVar(&httpBind, "http", "", "HTTP listen address (defaults to server.http_bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "HTTP API base endpoint")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP streamable HTTP endpoint")
	cmd.Flags().StringVar(&metricsEndpoint, "metrics-endpoint", "", "prometheus metrics endpoint")
	return cmd
}

// serverConfig layers changed serve flags over the config file's server section.
func serverConfig(env *runtimeEnv, cmd *cobra.Command, httpBind, apiEndpoint, mcpEndpoint, metricsEndpoint string) serveradapter.Config {
	cfg := serveradapter.Config{
		HTTPBind:        env.cfg.Server.HTTPBind,
		APIEndpoint:     env.cfg.Server.APIEndpoint,
		MCPEndpoint:     env.cfg.Server.MCPEndpoint,
		MetricsEndpoint: env.cfg.Server.MetricsEndpoint,
		ServerName:      "waypoint",
		ServerVersion:   version,
	}
	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.HTTPBind = httpBind
	}
	if flags.Changed("api-endpoint") {
		cfg.APIEndpoint = apiEndpoint
	}
	if flags.Changed("mcp-endpoint") {
		cfg.MCPEndpoint = mcpEndpoint
	}
	if flags.Changed("metrics-endpoint") {
		cfg.MetricsEndpoint = metricsEndpoint
	}
	return cfg
}

// serveCommandRunner is swapped in tests to avoid binding a socket.
var serveCommandRunner = serveradapter.Run

// runServe runs autosave loops alongside the HTTP server until ctx ends.
func runServe(ctx context.Context, env *runtimeEnv, cfg serveradapter.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		_ = env.service.Run(ctx)
	}()

	err := serveCommandRunner(ctx, cfg, serveradapter.Dependencies{
		Projects: env.projects,
		Gatherer: env.registry,
		Ready:    env.Ready,
	})
	cancel()
	loops.Wait()
	return err
}

func (c *cli) createCommand() *cobra.Command {
	var (
		req    common.CreateProjectRequest
		editor editorFlags
		keep   bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and save a new project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ed, err := editor.editor()
			if err != nil {
				return err
			}
			return c.withEnv(cmd, "create", func(ctx context.Context, env *runtimeEnv) error {
				snap, err := env.projects.CreateProject(ctx, ed, req)
				if err != nil {
					return err
				}
				if !keep {
					if err := env.projects.ReleaseLease(ctx, snap.ID, ed); err != nil {
						return fmt.Errorf("release lease: %w", err)
					}
				}
				return writeJSON(cmd.OutOrStdout(), snap)
			})
		},
	}
	editor.bind(cmd)
	flags := cmd.Flags()
	flags.StringVar(&req.ID, "id", "", "project id (generated when empty)")
	flags.StringVar(&req.Name, "name", "", "project name")
	flags.StringVar(&req.Description, "description", "", "project description")
	flags.StringVar(&req.Client, "client", "", "client name")
	flags.StringVar(&req.StartDate, "start", "", "start date (YYYY-MM-DD)")
	flags.StringVar(&req.EndDate, "end", "", "end date (YYYY-MM-DD)")
	flags.StringVar(&req.Status, "status", "", "project status")
	flags.BoolVar(&keep, "keep-lease", false, "keep the edit lease after creating")
	return cmd
}

func (c *cli) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, "list", func(ctx context.Context, env *runtimeEnv) error {
				projects, err := env.projects.ListProjects(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tSAVED")
				for _, p := range projects {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Name, p.SavedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) statusCommand() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync and lease state for one project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, "status", func(ctx context.Context, env *runtimeEnv) error {
				status, err := env.projects.ProjectStatus(ctx, projectID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), status)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (c *cli) exportCommand() *cobra.Command {
	var projectID, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one project as a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, "export", func(ctx context.Context, env *runtimeEnv) error {
				data, err := env.projects.Export(ctx, projectID)
				if err != nil {
					return err
				}
				if len(data) == 0 || data[len(data)-1] != '\n' {
					data = append(data, '\n')
				}
				if outPath == "-" {
					if _, err := cmd.OutOrStdout().Write(data); err != nil {
						return fmt.Errorf("write export to stdout: %w", err)
					}
					return nil
				}
				if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
					return fmt.Errorf("create export output dir: %w", err)
				}
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write export file: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (c *cli) importCommand() *cobra.Command {
	var (
		projectID string
		inPath    string
		editor    editorFlags
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace a project from an exported JSON document",
		Long:  "Import acquires the edit lease, replaces the project wholesale, saves, and releases the lease.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ed, err := editor.editor()
			if err != nil {
				return err
			}
			data, err := readInput(inPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withEnv(cmd, "import", func(ctx context.Context, env *runtimeEnv) error {
				return importProject(ctx, env.projects, projectID, ed, data, cmd.OutOrStdout())
			})
		},
	}
	editor.bind(cmd)
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&inPath, "in", "-", "input JSON file ('-' for stdin)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// importProject runs acquire, import, save, release. The lease is released even when import fails.
func importProject(ctx context.Context, projects common.ProjectService, projectID string, editor common.Editor, data []byte, out io.Writer) (err error) {
	if _, err := projects.AcquireLease(ctx, projectID, editor); err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if releaseErr := projects.ReleaseLease(ctx, projectID, editor); releaseErr != nil && err == nil {
			err = fmt.Errorf("release lease: %w", releaseErr)
		}
	}()

	snap, err := projects.Import(ctx, projectID, editor, data)
	if err != nil {
		return err
	}
	if _, err := projects.Save(ctx, projectID); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "imported %s (%d milestones, %d tasks, overall %d%%)\n", snap.ID, len(snap.Milestones), len(snap.Tasks), snap.OverallProgress)
	return nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" || strings.TrimSpace(path) == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import file: %w", err)
	}
	return data, nil
}

func (c *cli) leaseCommand() *cobra.Command {
	var (
		projectID string
		editor    editorFlags
	)
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Inspect or manage a project's edit lease",
	}
	cmd.PersistentFlags().StringVar(&projectID, "project", "", "project id")
	cmd.PersistentFlags().StringVar(&editor.id, "editor", os.Getenv(envEditor), "editor id that holds the edit lease")
	cmd.PersistentFlags().StringVar(&editor.name, "editor-name", "", "editor display name")
	_ = cmd.MarkPersistentFlagRequired("project")

	leaseAction := func(use, short string, fn func(context.Context, *runtimeEnv, common.Editor, io.Writer) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(sub *cobra.Command, _ []string) error {
				ed, err := editor.editor()
				if err != nil {
					return err
				}
				return c.withEnv(sub, "lease "+use, func(ctx context.Context, env *runtimeEnv) error {
					return fn(ctx, env, ed, sub.OutOrStdout())
				})
			},
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show the current lease holder",
			Args:  cobra.NoArgs,
			RunE: func(sub *cobra.Command, _ []string) error {
				return c.withEnv(sub, "lease status", func(ctx context.Context, env *runtimeEnv) error {
					status, err := env.projects.ProjectStatus(ctx, projectID)
					if err != nil {
						return err
					}
					if status.Lease == nil {
						_, _ = fmt.Fprintln(sub.OutOrStdout(), "free")
						return nil
					}
					return writeJSON(sub.OutOrStdout(), status.Lease)
				})
			},
		},
		leaseAction("acquire", "Acquire the edit lease", func(ctx context.Context, env *runtimeEnv, ed common.Editor, out io.Writer) error {
			lease, err := env.projects.AcquireLease(ctx, projectID, ed)
			if err != nil {
				return err
			}
			return writeJSON(out, lease)
		}),
		leaseAction("renew", "Renew a held edit lease", func(ctx context.Context, env *runtimeEnv, ed common.Editor, out io.Writer) error {
			lease, err := env.projects.RenewLease(ctx, projectID, ed)
			if err != nil {
				return err
			}
			return writeJSON(out, lease)
		}),
		leaseAction("release", "Release the edit lease", func(ctx context.Context, env *runtimeEnv, ed common.Editor, out io.Writer) error {
			if err := env.projects.ReleaseLease(ctx, projectID, ed); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(out, "released")
			return nil
		}),
	)
	return cmd
}

func (c *cli) eventsCommand() *cobra.Command {
	var (
		projectID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded change events for one project, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEnv(cmd, "events", func(ctx context.Context, env *runtimeEnv) error {
				events, err := env.projects.ListEvents(ctx, projectID, limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, evt := range events {
					if err := enc.Encode(evt); err != nil {
						return fmt.Errorf("encode event: %w", err)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to list")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	encoded = append(encoded, '\n')
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}
