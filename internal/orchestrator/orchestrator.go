// Package orchestrator coordinates template discovery, classification,
// dependency ordering, migration building, and database application.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/sqlforge/internal/apperr"
	"github.com/starford/sqlforge/internal/buildlog"
	"github.com/starford/sqlforge/internal/checksum"
	"github.com/starford/sqlforge/internal/db"
	"github.com/starford/sqlforge/internal/deps"
	"github.com/starford/sqlforge/internal/stamp"
	"github.com/starford/sqlforge/internal/storage"
	"github.com/starford/sqlforge/internal/template"
)

// Executor runs SQL text against the development database. *db.Gateway is
// the production implementation; tests inject doubles.
type Executor interface {
	Exec(ctx context.Context, sqlText string) error
}

// Settings carries the configuration slice the orchestrator needs.
type Settings struct {
	// Filter is the glob matched against template base names.
	Filter string
	// WIPMarker flags apply-only templates, e.g. ".wip".
	WIPMarker string
	// Prefix goes into migration filenames: <ts>_<prefix>-<name>.sql.
	Prefix string
	// Banner and Footer wrap generated migration content.
	Banner string
	Footer string
	// WrapInTransaction surrounds migration content with BEGIN/COMMIT.
	WrapInTransaction bool
	// LogKeyPrefix is the template directory relative to the project
	// root; build-log keys are project-root-relative for portability.
	LogKeyPrefix string
}

// Orchestrator is the state machine behind build, apply, register,
// promote, and watch events. Templates within one batch are processed
// strictly sequentially; there is no concurrent log mutation.
type Orchestrator struct {
	templates  storage.Provider
	migrations storage.Provider
	logs       *buildlog.Store
	exec       Executor
	logger     *slog.Logger
	settings   Settings
}

// New wires an orchestrator from its collaborators.
func New(templates, migrations storage.Provider, logs *buildlog.Store, exec Executor, logger *slog.Logger, s Settings) *Orchestrator {
	return &Orchestrator{
		templates:  templates,
		migrations: migrations,
		logs:       logs,
		exec:       exec,
		logger:     logger,
		settings:   s,
	}
}

// logKey converts a template-dir-relative path into the project-root-
// relative key used in both build logs.
func (o *Orchestrator) logKey(rel string) string {
	return path.Join(o.settings.LogKeyPrefix, rel)
}

func (o *Orchestrator) discover() ([]*template.Template, error) {
	return template.Discover(o.templates, o.settings.Filter, o.settings.WIPMarker)
}

func (o *Orchestrator) load(kind buildlog.Kind) *buildlog.BuildLog {
	log, warn := o.logs.Load(kind)
	if warn != nil {
		o.logger.Warn("orchestrator: build log recovered",
			slog.String("source", warn.Source),
			slog.String("path", warn.Path),
			slog.String("message", warn.Message))
	}
	return log
}

func needsBuild(t *template.Template, st *buildlog.TemplateState) bool {
	if t.WIP {
		return false
	}
	return st == nil || st.LastBuildHash != t.Hash
}

func needsApply(t *template.Template, st *buildlog.TemplateState) bool {
	return st == nil || st.LastAppliedHash != t.Hash
}

// Build materializes every changed non-WIP template into a timestamped
// migration file and records the outcome in the shared log. A failing
// template is recorded and skipped over; it never halts the batch.
func (o *Orchestrator) Build(ctx context.Context) (*Result, error) {
	tmpls, err := o.discover()
	if err != nil {
		return nil, err
	}
	log := o.load(buildlog.Shared)

	res := &Result{}
	var pending []*template.Template
	for _, t := range tmpls {
		if needsBuild(t, log.GetState(o.logKey(t.Path))) {
			pending = append(pending, t)
		} else {
			res.Skipped = append(res.Skipped, t.Path)
		}
	}

	ordered, err := deps.Order(pending)
	if err != nil {
		return nil, err
	}

	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := log.State(o.logKey(t.Path))
		ts, newLast := stamp.Next(log.LastTimestamp)
		log.LastTimestamp = newLast

		filename := fmt.Sprintf("%s_%s-%s.sql", ts, o.settings.Prefix, t.Name)
		if err := o.migrations.Write(filename, o.renderMigration(t)); err != nil {
			st.LastBuildError = err.Error()
			res.Errors = append(res.Errors, ProcessError{
				File:     t.Path,
				Template: t.Name,
				Error:    err.Error(),
			})
			o.logger.Error("build failed",
				slog.String("template", t.Path),
				slog.String("error", err.Error()))
			continue
		}

		st.LastBuildHash = t.Hash
		st.LastBuildDate = time.Now().UTC().Format(time.RFC3339)
		st.LastBuildError = ""
		st.LastMigrationFile = filename
		res.Built = append(res.Built, t.Path)
		o.logger.Info("built migration",
			slog.String("template", t.Path),
			slog.String("migration", filename))
	}

	if err := o.logs.Save(buildlog.Shared, log); err != nil {
		return nil, err
	}
	return res, nil
}

// renderMigration wraps template content with the configured banner and
// footer and, when enabled, a transaction.
func (o *Orchestrator) renderMigration(t *template.Template) []byte {
	var b strings.Builder
	if o.settings.Banner != "" {
		b.WriteString(o.settings.Banner)
		b.WriteString("\n\n")
	}
	if o.settings.WrapInTransaction {
		b.WriteString("BEGIN;\n\n")
	}
	b.Write(t.Content)
	if !strings.HasSuffix(string(t.Content), "\n") {
		b.WriteString("\n")
	}
	if o.settings.WrapInTransaction {
		b.WriteString("\nCOMMIT;\n")
	}
	if o.settings.Footer != "" {
		b.WriteString("\n")
		b.WriteString(o.settings.Footer)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// Apply executes every changed template (WIP included) against the
// development database and records the outcome in the local log.
// Per-template isolation is the core failure contract: one failing
// template never prevents processing of the rest of the batch.
func (o *Orchestrator) Apply(ctx context.Context) (*Result, error) {
	tmpls, err := o.discover()
	if err != nil {
		return nil, err
	}
	log := o.load(buildlog.Local)

	res := &Result{}
	var pending []*template.Template
	for _, t := range tmpls {
		if needsApply(t, log.GetState(o.logKey(t.Path))) {
			pending = append(pending, t)
		} else {
			res.Skipped = append(res.Skipped, t.Path)
		}
	}

	ordered, err := deps.Order(pending)
	if err != nil {
		return nil, err
	}

	for _, t := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.applyOne(ctx, t, log, res)
	}

	if err := o.logs.Save(buildlog.Local, log); err != nil {
		return nil, err
	}
	return res, nil
}

// applyOne executes one template and mutates the local log and result.
func (o *Orchestrator) applyOne(ctx context.Context, t *template.Template, log *buildlog.BuildLog, res *Result) {
	st := log.State(o.logKey(t.Path))
	if err := o.exec.Exec(ctx, string(t.Content)); err != nil {
		hint := db.Hint(err)
		st.LastAppliedError = err.Error()
		res.Errors = append(res.Errors, ProcessError{
			File:     t.Path,
			Template: t.Name,
			Error:    err.Error(),
			Hint:     hint,
		})
		o.logger.Error("apply failed",
			slog.String("template", t.Path),
			slog.String("error", err.Error()))
		return
	}
	st.LastAppliedHash = t.Hash
	st.LastAppliedDate = time.Now().UTC().Format(time.RFC3339)
	st.LastAppliedError = ""
	res.Applied = append(res.Applied, t.Path)
	o.logger.Info("applied template", slog.String("template", t.Path))
}

// ApplyPath applies a single template file, identified by its path
// relative to the template directory. The local log is persisted before
// returning, one save per event; the watch loop calls this for each
// debounced change.
func (o *Orchestrator) ApplyPath(ctx context.Context, rel string) (*Result, error) {
	data, err := o.templates.Read(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("template %s: %w", rel, apperr.ErrNotFound)
		}
		return nil, err
	}
	name, wip := template.Parse(rel, o.settings.WIPMarker)
	t := &template.Template{
		Name:    name,
		Path:    rel,
		Hash:    checksum.Sum(data),
		WIP:     wip,
		Content: data,
	}

	log := o.load(buildlog.Local)
	res := &Result{}
	if !needsApply(t, log.GetState(o.logKey(t.Path))) {
		res.Skipped = append(res.Skipped, t.Path)
		return res, nil
	}

	o.applyOne(ctx, t, log, res)
	if err := o.logs.Save(buildlog.Local, log); err != nil {
		return nil, err
	}
	return res, nil
}

// Register marks a template as already built, adopting a pre-existing
// database object without writing a migration file. Paths outside the
// template directory are rejected with a distinct error.
func (o *Orchestrator) Register(pathArg string) error {
	rel, err := o.relTemplatePath(pathArg)
	if err != nil {
		return err
	}
	data, err := o.templates.Read(rel)
	if err != nil {
		return fmt.Errorf("register %s: %w", rel, err)
	}

	log := o.load(buildlog.Shared)
	st := log.State(o.logKey(rel))
	st.LastBuildHash = checksum.Sum(data)
	st.LastBuildDate = time.Now().UTC().Format(time.RFC3339)
	st.LastBuildError = ""
	if err := o.logs.Save(buildlog.Shared, log); err != nil {
		return err
	}
	o.logger.Info("registered template", slog.String("template", rel))
	return nil
}

// Promote strips the WIP marker from a template's filename: a pure rename
// plus reclassification on the next run. It performs no build or apply.
// Promoting a non-WIP template is an error.
func (o *Orchestrator) Promote(pathArg string) error {
	rel, err := o.relTemplatePath(pathArg)
	if err != nil {
		return err
	}
	_, wip := template.Parse(rel, o.settings.WIPMarker)
	if !wip {
		return fmt.Errorf("promote %s: %w", rel, apperr.ErrNotWIP)
	}

	ext := path.Ext(rel)
	target := strings.TrimSuffix(rel, o.settings.WIPMarker+ext) + ext
	if _, err := o.templates.Read(target); err == nil {
		return fmt.Errorf("promote %s: target %s already exists", rel, target)
	}
	if err := o.templates.Move(rel, target); err != nil {
		return err
	}
	o.logger.Info("promoted template",
		slog.String("from", rel),
		slog.String("to", target))
	return nil
}

// Statuses returns the read-only classification of every discovered
// template against both logs.
func (o *Orchestrator) Statuses() ([]Status, error) {
	tmpls, err := o.discover()
	if err != nil {
		return nil, err
	}
	shared := o.load(buildlog.Shared)
	local := o.load(buildlog.Local)

	out := make([]Status, 0, len(tmpls))
	for _, t := range tmpls {
		key := o.logKey(t.Path)
		bs := shared.GetState(key)
		as := local.GetState(key)
		s := Status{
			Path:       t.Path,
			Name:       t.Name,
			WIP:        t.WIP,
			NeedsBuild: needsBuild(t, bs),
			NeedsApply: needsApply(t, as),
		}
		if bs != nil {
			s.LastBuildDate = bs.LastBuildDate
			s.LastBuildError = bs.LastBuildError
		}
		if as != nil {
			s.LastAppliedDate = as.LastAppliedDate
			s.LastAppliedError = as.LastAppliedError
		}
		out = append(out, s)
	}
	return out, nil
}

// relTemplatePath normalizes a user-supplied path (absolute, cwd
// relative, or template-dir relative) to a template-dir-relative path,
// rejecting anything that resolves outside the template directory.
func (o *Orchestrator) relTemplatePath(p string) (string, error) {
	root := o.templates.Root()
	abs := p
	if !filepath.IsAbs(p) {
		// Try template-dir relative first, then relative to the cwd.
		slashed := filepath.ToSlash(p)
		if _, err := o.templates.Read(slashed); err == nil {
			return slashed, nil
		}
		a, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		abs = a
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s: %w", p, apperr.ErrOutsideRoot)
	}
	return filepath.ToSlash(rel), nil
}
