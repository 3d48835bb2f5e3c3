package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "steward",
		Usage:                 "Coordinate multi-step business process runs",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to settings.json",
				Value: settingsPath(),
			},
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "Database path or libSQL DSN",
				Sources: cli.EnvVars("STEWARD_DB_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("STEWARD_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Sources: cli.EnvVars("STEWARD_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for run locks shared between processes",
				Sources: cli.EnvVars("STEWARD_REDIS_ADDR"),
			},
			&cli.BoolFlag{
				Name:    "otlp",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("STEWARD_OTLP"),
			},
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newScanCommand(),
			newMigrateCommand(),
			newDefineCommand(),
			newProcessesCommand(),
			newDiagramCommand(),
			newVersionCommand(),
		},
	}
}

// resolveConfig loads the layered config and applies the flags that were
// set on the command line.
func resolveConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadConfig(cmd.String("config"), os.Getenv)
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, cmd)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("redis-addr") {
		cfg.RedisAddr = cmd.String("redis-addr")
	}
	if cmd.IsSet("otlp") {
		cfg.OTLP = cmd.Bool("otlp")
	}
	if cmd.IsSet("schedule") {
		cfg.ScanSchedule = cmd.String("schedule")
	}
	if cmd.IsSet("concurrency") {
		cfg.ScanConcurrency = cmd.Int("concurrency")
	}
}
