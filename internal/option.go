package internal

import (
	"log/slog"

	"github.com/starford/sqlforge/internal/orchestrator"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	root   string
	logger *slog.Logger
	exec   orchestrator.Executor
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithProjectRoot sets the directory all relative config paths resolve
// against.
func WithProjectRoot(root string) Option {
	return func(a *application) {
		a.root = root
	}
}

// WithLogger overrides the default structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *application) {
		a.logger = logger
	}
}

// WithExecutor overrides the database gateway, for tests.
func WithExecutor(exec orchestrator.Executor) Option {
	return func(a *application) {
		a.exec = exec
	}
}
