package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/sqlforge/internal"
	pkgconfig "github.com/starford/sqlforge/pkg/config"
)

// loadConfig locates the project root and parses its config file. An
// explicit --config path pins both; otherwise the file is searched from
// the working directory upward.
func loadConfig(cmd *cli.Command) (*internal.Config, string, error) {
	configPath := cmd.String("config")
	var root string
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		root, err = internal.FindProjectRoot(cwd)
		if err != nil {
			return nil, "", err
		}
		configPath = filepath.Join(root, internal.ConfigFileName)
	} else {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, "", err
		}
		configPath = abs
		root = filepath.Dir(abs)
	}

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, root, nil
}

func options(cfg *internal.Config, root string) []internal.Option {
	return []internal.Option{
		internal.WithConfig(cfg),
		internal.WithProjectRoot(root),
	}
}

func main() {
	cmd := &cli.Command{
		Name:  "sqlforge",
		Usage: "Build SQL templates into migrations and apply them to a development database",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "nearest sqlforge.yaml",
				Sources:     cli.EnvVars("SQLFORGE_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "build",
				Usage: "Write timestamped migration files for changed templates",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunBuild(ctx, os.Stdout, options(cfg, root)...)
				},
			},
			{
				Name:  "apply",
				Usage: "Execute changed templates against the development database",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunApply(ctx, os.Stdout, options(cfg, root)...)
				},
			},
			{
				Name:  "watch",
				Usage: "Apply templates as they change, until interrupted",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunWatch(ctx, options(cfg, root)...)
				},
			},
			{
				Name:      "register",
				Usage:     "Mark a template as already built without writing a migration",
				ArgsUsage: "<template path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						return fmt.Errorf("register: template path required")
					}
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunRegister(ctx, path, options(cfg, root)...)
				},
			},
			{
				Name:      "promote",
				Usage:     "Strip a template's work-in-progress marker",
				ArgsUsage: "<template path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						return fmt.Errorf("promote: template path required")
					}
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunPromote(ctx, path, options(cfg, root)...)
				},
			},
			{
				Name:  "status",
				Usage: "List every template's build and apply classification",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, root, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					return internal.RunStatus(ctx, os.Stdout, options(cfg, root)...)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
