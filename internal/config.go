package internal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ConfigFileName is looked up from the working directory upward to locate
// the project root.
const ConfigFileName = "sqlforge.yaml"

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Templates  TemplatesConfig   `yaml:"templates"`
	Migrations MigrationsConfig  `yaml:"migrations"`
	BuildLogs  BuildLogsConfig   `yaml:"build_logs"`
	Database   DatabaseConfig    `yaml:"database"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Templates.Validate(); err != nil {
		return err
	}
	if err := c.Migrations.Validate(); err != nil {
		return err
	}
	return c.BuildLogs.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
}

// TemplatesConfig locates and filters the SQL template files.
type TemplatesConfig struct {
	Dir       string `yaml:"dir"`
	Filter    string `yaml:"filter"`
	WIPMarker string `yaml:"wip_marker"`
}

// Validate validates the templates configuration.
func (c *TemplatesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Filter, validation.Required),
		validation.Field(&c.WIPMarker, validation.Required),
	)
}

// MigrationsConfig controls generated migration files.
type MigrationsConfig struct {
	Dir               string `yaml:"dir"`
	Prefix            string `yaml:"prefix"`
	Banner            string `yaml:"banner"`
	Footer            string `yaml:"footer"`
	WrapInTransaction bool   `yaml:"wrap_in_transaction"`
}

// Validate validates the migrations configuration.
func (c *MigrationsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Prefix, validation.Required),
	)
}

// BuildLogsConfig addresses the two persisted build logs. Shared is meant
// for version control; Local is per developer and must be gitignored.
type BuildLogsConfig struct {
	Shared string `yaml:"shared"`
	Local  string `yaml:"local"`
}

// Validate validates the build-log configuration.
func (c *BuildLogsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Shared, validation.Required),
		validation.Field(&c.Local, validation.Required),
	)
}

// DatabaseConfig holds the development database connection string.
// It is only required for apply and watch; build works offline.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
		},
		Templates: TemplatesConfig{
			Dir:       "sql/templates",
			Filter:    "*.sql",
			WIPMarker: ".wip",
		},
		Migrations: MigrationsConfig{
			Dir:               "sql/migrations",
			Prefix:            "tmpl",
			Banner:            "-- Generated migration. Edit the template instead of this file.",
			Footer:            "",
			WrapInTransaction: true,
		},
		BuildLogs: BuildLogsConfig{
			Shared: ".sqlforge/buildlog.json",
			Local:  ".sqlforge/buildlog.local.json",
		},
		Database: DatabaseConfig{
			URL: "${DATABASE_URL}",
		},
	}
}

// FindProjectRoot walks upward from start looking for the config file and
// returns the directory containing it. Not finding one is fatal for the
// whole invocation.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("project root not found: no %s in %s or any parent", ConfigFileName, start)
		}
		dir = parent
	}
}
