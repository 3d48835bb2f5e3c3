package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/steward/internal/clock"
	"github.com/rendis/steward/internal/diagram"
	"github.com/rendis/steward/internal/scanner"
	"github.com/rendis/steward/internal/store"
	stewardmcp "github.com/rendis/steward/pkg/mcp"
	"github.com/rendis/steward/pkg/schema"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP tools over stdio and run scheduled overdue scans",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron spec for overdue scans",
				Sources: cli.EnvVars("STEWARD_SCAN_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Runs inspected in parallel per scan",
				Sources: cli.EnvVars("STEWARD_SCAN_CONCURRENCY"),
			},
			&cli.BoolFlag{
				Name:  "no-scan",
				Usage: "Disable scheduled scans",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the MCP protocol; logs go to stderr.
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if !cmd.Bool("no-scan") {
				sched, err := scanner.NewScheduler(a.scanner, cfg.ScanSchedule, scanner.ScanOptions{}, a.logger)
				if err != nil {
					return err
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer func() {
					_ = sched.Stop()
					if r := sched.LastReport(); r != nil {
						a.logger.Info("last scheduled scan", slog.String("report", r.String()))
					}
				}()
			}

			srv := stewardmcp.NewStewardServer(stewardmcp.StewardServerDeps{
				Engine:    a.engine,
				Scanner:   a.scanner,
				Store:     a.store,
				Validator: a.validator,
				Hub:       a.hub,
				Version:   version,
				Logger:    a.logger,
			})
			a.logger.Info("steward serving", slog.String("db", cfg.DBPath), slog.String("schedule", cfg.ScanSchedule))
			return srv.Serve(ctx)
		},
	}
}

func newScanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Run one overdue scan and print the report",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "org",
				Usage: "Only scan runs of this organization",
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Runs inspected in parallel",
				Sources: cli.EnvVars("STEWARD_SCAN_CONCURRENCY"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			report, err := a.scanner.Scan(ctx, scanner.ScanOptions{OrganizationID: cmd.String("org")})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, report.String())
			for _, f := range report.Failures {
				fmt.Fprintf(cmd.Root().Writer, "  run %s step %s: [%s] %s\n", f.RunID, f.StepID, f.Code, f.Error)
			}
			return nil
		},
	}
}

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "vacuum",
				Usage: "Compact the database file after migrating",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())
			fmt.Fprintf(cmd.Root().Writer, "database %s is up to date\n", cfg.DBPath)
			if cmd.Bool("vacuum") {
				if err := a.store.Vacuum(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.Root().Writer, "database vacuumed")
			}
			return nil
		},
	}
}

func newProcessesCommand() *cli.Command {
	return &cli.Command{
		Name:  "processes",
		Usage: "List saved process definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "org",
				Usage: "Only list processes of this organization",
			},
			&cli.BoolFlag{
				Name:  "all-versions",
				Usage: "List every version instead of the latest",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			defs, err := a.store.ListProcesses(ctx, store.ProcessFilter{
				OrganizationID: cmd.String("org"),
				AllVersions:    cmd.Bool("all-versions"),
			})
			if err != nil {
				return err
			}
			w := cmd.Root().Writer
			if len(defs) == 0 {
				fmt.Fprintln(w, "no processes")
				return nil
			}
			for _, def := range defs {
				fmt.Fprintf(w, "%s v%d\t%s\t%s\t%d steps\n", def.ID, def.Version, def.OrganizationID, def.Name, len(def.Steps))
			}
			return nil
		},
	}
}

func newDefineCommand() *cli.Command {
	return &cli.Command{
		Name:      "define",
		Usage:     "Validate and save a process definition from a JSON file",
		ArgsUsage: "<file.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Validate only",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return schema.NewError(schema.ErrCodeValidation, "define requires a definition file")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var def schema.ProcessDefinition
			if err := json.Unmarshal(data, &def); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err)
			}

			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			out := cmd.Root().Writer
			result := a.validator.Validate(&def)
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning %s: %s\n", w.Path, w.Message)
			}
			if err := result.ToError(); err != nil {
				return err
			}
			if cmd.Bool("dry-run") {
				fmt.Fprintf(out, "process %s is valid (%d steps)\n", def.ID, len(def.Steps))
				return nil
			}
			if err := a.store.SaveProcess(ctx, &def); err != nil {
				return err
			}
			fmt.Fprintf(out, "saved process %s version %d (%d steps)\n", def.ID, def.Version, len(def.Steps))
			return nil
		},
	}
}

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:  "diagram",
		Usage: "Draw a process, or a run's progress through it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "process", Usage: "Process id"},
			&cli.IntFlag{Name: "process-version", Usage: "Process version (default: latest)"},
			&cli.StringFlag{Name: "run", Usage: "Run id; overlays each step's status"},
			&cli.StringFlag{Name: "format", Usage: "ascii, mermaid or image", Value: "ascii"},
			&cli.StringFlag{Name: "out", Usage: "Write to this file instead of stdout (required for image)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			format := cmd.String("format")
			if format != "ascii" && format != "mermaid" && format != "image" {
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", format)
			}
			if format == "image" && cmd.String("out") == "" {
				return schema.NewError(schema.ErrCodeValidation, "image format requires --out")
			}
			processID, runID := cmd.String("process"), cmd.String("run")
			if processID == "" && runID == "" {
				return schema.NewError(schema.ErrCodeValidation, "diagram requires --process or --run")
			}

			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var run *schema.ActiveRun
			version := cmd.Int("process-version")
			if runID != "" {
				if run, err = a.store.GetRun(ctx, runID); err != nil {
					return err
				}
				processID, version = run.ProcessID, run.ProcessVersion
			}
			def, err := a.store.GetProcess(ctx, processID, version)
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, run, clock.Real{}.Now())
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "ascii":
				data = []byte(diagram.RenderASCII(model))
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			default:
				if data, err = diagram.RenderImage(ctx, model); err != nil {
					return err
				}
			}

			if out := cmd.String("out"); out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = cmd.Root().Writer.Write(data)
			return err
		},
	}
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(_ context.Context, cmd *cli.Command) error {
			printVersion(cmd.Root().Writer)
			return nil
		},
	}
}
