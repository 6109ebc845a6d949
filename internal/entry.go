// Package internal wires configuration, storage, the database gateway,
// and the orchestrator into the sqlforge commands.
package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/starford/sqlforge/internal/buildlog"
	"github.com/starford/sqlforge/internal/db"
	"github.com/starford/sqlforge/internal/orchestrator"
	"github.com/starford/sqlforge/internal/storage"
	"github.com/starford/sqlforge/internal/watch"
)

func newApplication(opts ...Option) (*application, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if app.root == "" {
		root, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		app.root = root
	}
	if app.logger == nil {
		app.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: app.config.App.LogLevel,
		}))
	}
	return app, nil
}

// resolve joins a config path to the project root unless it is absolute.
func (a *application) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, p)
}

// gateway returns the SQL executor: the injected test double when present,
// otherwise a fresh pq-backed gateway plus its dispose function.
func (a *application) gateway() (orchestrator.Executor, func()) {
	if a.exec != nil {
		return a.exec, func() {}
	}
	gw := db.NewGateway(a.config.Database.URL, a.logger)
	return gw, gw.Disconnect
}

// newOrchestrator builds the orchestrator and its collaborators. The
// template directory must exist; its absence is a fatal discovery error.
func (a *application) newOrchestrator(exec orchestrator.Executor) (*orchestrator.Orchestrator, error) {
	cfg := a.config

	tmplDir := a.resolve(cfg.Templates.Dir)
	templates, err := storage.NewFS(tmplDir)
	if err != nil {
		return nil, fmt.Errorf("template directory: %w", err)
	}

	migDir := a.resolve(cfg.Migrations.Dir)
	if err := os.MkdirAll(migDir, 0o755); err != nil {
		return nil, fmt.Errorf("create migrations dir: %w", err)
	}
	migrations, err := storage.NewFS(migDir)
	if err != nil {
		return nil, fmt.Errorf("migrations directory: %w", err)
	}

	logs := buildlog.NewStore(
		a.resolve(cfg.BuildLogs.Shared),
		a.resolve(cfg.BuildLogs.Local),
	)

	keyPrefix := cfg.Templates.Dir
	if filepath.IsAbs(keyPrefix) {
		if rel, relErr := filepath.Rel(a.root, keyPrefix); relErr == nil {
			keyPrefix = rel
		}
	}

	return orchestrator.New(templates, migrations, logs, exec, a.logger, orchestrator.Settings{
		Filter:            cfg.Templates.Filter,
		WIPMarker:         cfg.Templates.WIPMarker,
		Prefix:            cfg.Migrations.Prefix,
		Banner:            cfg.Migrations.Banner,
		Footer:            cfg.Migrations.Footer,
		WrapInTransaction: cfg.Migrations.WrapInTransaction,
		LogKeyPrefix:      filepath.ToSlash(keyPrefix),
	}), nil
}

func writeResult(out io.Writer, res *orchestrator.Result) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// RunBuild materializes changed templates into migration files.
func RunBuild(ctx context.Context, out io.Writer, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(nil) // build needs no database
	if err != nil {
		return err
	}
	res, err := orch.Build(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("build finished",
		slog.Int("built", len(res.Built)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("errors", len(res.Errors)))
	return writeResult(out, res)
}

// RunApply executes changed templates against the development database.
// An interrupt cancels the batch through the context so the deferred
// pool disconnect still runs instead of the signal killing the process.
func RunApply(ctx context.Context, out io.Writer, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, dispose := app.gateway()
	defer dispose()

	orch, err := app.newOrchestrator(exec)
	if err != nil {
		return err
	}
	res, err := orch.Apply(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("apply finished",
		slog.Int("applied", len(res.Applied)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("errors", len(res.Errors)))
	return writeResult(out, res)
}

// RunWatch observes the template directory and applies changes until
// interrupted. The gateway pool is released on the way out.
func RunWatch(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	exec, dispose := app.gateway()
	defer dispose()

	orch, err := app.newOrchestrator(exec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watch.New(
		app.resolve(app.config.Templates.Dir),
		app.config.Templates.Filter,
		watch.DefaultDebounce,
		orch,
		app.logger,
	)

	events := make(chan watch.Event, 64)
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Run(gCtx, events)
	})
	g.Go(func() error {
		for ev := range events {
			switch ev.Kind {
			case watch.Changed:
				app.logger.Info("template changed", slog.String("path", ev.Path))
			case watch.Applied:
				app.logger.Info("template applied", slog.String("path", ev.Path))
			case watch.Error:
				app.logger.Error("template apply failed",
					slog.String("path", ev.Path),
					slog.String("error", ev.Err.Error()))
			}
		}
		return nil
	})

	return g.Wait()
}

// RunRegister marks a template as already built without writing a
// migration file.
func RunRegister(_ context.Context, path string, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(nil)
	if err != nil {
		return err
	}
	return orch.Register(path)
}

// RunPromote strips a template's WIP marker.
func RunPromote(_ context.Context, path string, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(nil)
	if err != nil {
		return err
	}
	return orch.Promote(path)
}

// RunStatus writes the per-template classification listing as JSON.
func RunStatus(_ context.Context, out io.Writer, opts ...Option) error {
	app, err := newApplication(opts...)
	if err != nil {
		return err
	}
	orch, err := app.newOrchestrator(nil)
	if err != nil {
		return err
	}
	statuses, err := orch.Statuses()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(statuses)
}
