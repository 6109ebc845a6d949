package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/starford/sqlforge/internal/apperr"
	"github.com/starford/sqlforge/internal/buildlog"
	"github.com/starford/sqlforge/internal/checksum"
	"github.com/starford/sqlforge/internal/storage"
)

// fakeExec records executed SQL and fails statements containing a marker.
type fakeExec struct {
	failOn string
	calls  []string
}

func (f *fakeExec) Exec(_ context.Context, sqlText string) error {
	f.calls = append(f.calls, sqlText)
	if f.failOn != "" && strings.Contains(sqlText, f.failOn) {
		return errors.New("pq: syntax error at or near " + f.failOn)
	}
	return nil
}

type env struct {
	orch    *Orchestrator
	exec    *fakeExec
	tmplDir string
	migDir  string
	logs    *buildlog.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	tmplDir := filepath.Join(root, "sql", "templates")
	migDir := filepath.Join(root, "sql", "migrations")
	if err := os.MkdirAll(tmplDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(migDir, 0o755); err != nil {
		t.Fatal(err)
	}
	tmpls, err := storage.NewFS(tmplDir)
	if err != nil {
		t.Fatal(err)
	}
	migs, err := storage.NewFS(migDir)
	if err != nil {
		t.Fatal(err)
	}
	logs := buildlog.NewStore(
		filepath.Join(root, ".sqlforge", "buildlog.json"),
		filepath.Join(root, ".sqlforge", "buildlog.local.json"),
	)
	exec := &fakeExec{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := New(tmpls, migs, logs, exec, logger, Settings{
		Filter:            "*.sql",
		WIPMarker:         ".wip",
		Prefix:            "tmpl",
		Banner:            "-- generated",
		WrapInTransaction: true,
		LogKeyPrefix:      "sql/templates",
	})
	return &env{orch: orch, exec: exec, tmplDir: tmplDir, migDir: migDir, logs: logs}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(e.tmplDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) migrationFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.migDir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, en := range entries {
		out = append(out, en.Name())
	}
	return out
}

func TestBuildFirstRun(t *testing.T) {
	e := newEnv(t)
	body := "CREATE OR REPLACE FUNCTION audit() RETURNS trigger AS $$ BEGIN RETURN NEW; END $$;"
	e.write(t, "audit.sql", body)

	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(res.Built) != 1 || res.Built[0] != "audit.sql" {
		t.Fatalf("Built = %v", res.Built)
	}

	log, _ := e.logs.Load(buildlog.Shared)
	st := log.GetState("sql/templates/audit.sql")
	if st == nil {
		t.Fatal("no log entry under project-root-relative key")
	}
	if st.LastBuildHash != checksum.Sum([]byte(body)) {
		t.Errorf("lastBuildHash = %s", st.LastBuildHash)
	}
	if st.LastMigrationFile == "" {
		t.Error("lastMigrationFile empty")
	}
	if ok, _ := regexp.MatchString(`^\d{14}_tmpl-audit\.sql$`, st.LastMigrationFile); !ok {
		t.Errorf("migration filename = %s", st.LastMigrationFile)
	}

	files := e.migrationFiles(t)
	if len(files) != 1 || files[0] != st.LastMigrationFile {
		t.Errorf("migration dir = %v", files)
	}
	data, err := os.ReadFile(filepath.Join(e.migDir, files[0]))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "-- generated\n") {
		t.Error("banner missing")
	}
	if !strings.Contains(content, "BEGIN;") || !strings.Contains(content, "COMMIT;") {
		t.Error("transaction wrapper missing")
	}
	if !strings.Contains(content, body) {
		t.Error("template body missing")
	}
}

func TestBuildUnchangedSkips(t *testing.T) {
	e := newEnv(t)
	e.write(t, "audit.sql", "CREATE FUNCTION audit() RETURNS trigger AS $$ $$;")

	if _, err := e.orch.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Built) != 0 {
		t.Errorf("Built = %v, want none", res.Built)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "audit.sql" {
		t.Errorf("Skipped = %v", res.Skipped)
	}
	if files := e.migrationFiles(t); len(files) != 1 {
		t.Errorf("unchanged rebuild wrote extra files: %v", files)
	}
}

func TestBuildContentChangeTriggersRebuild(t *testing.T) {
	e := newEnv(t)
	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 1;")
	if _, err := e.orch.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 2;")
	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Built) != 1 {
		t.Fatalf("Built = %v", res.Built)
	}
	if files := e.migrationFiles(t); len(files) != 2 {
		t.Errorf("migration files = %v, want 2", files)
	}
}

func TestBuildTimestampsStrictlyIncrease(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.sql", "CREATE VIEW a AS SELECT 1;")
	e.write(t, "b.sql", "CREATE VIEW b AS SELECT 2;")
	e.write(t, "c.sql", "CREATE VIEW c AS SELECT 3;")

	if _, err := e.orch.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	files := e.migrationFiles(t)
	if len(files) != 3 {
		t.Fatalf("files = %v", files)
	}
	seen := make(map[string]bool)
	for _, f := range files {
		ts := f[:14]
		if seen[ts] {
			t.Fatalf("duplicate timestamp in %v", files)
		}
		seen[ts] = true
	}
}

func TestWIPNeverBuilt(t *testing.T) {
	e := newEnv(t)
	e.write(t, "feature.wip.sql", "CREATE VIEW feature AS SELECT 1;")

	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Built) != 0 {
		t.Errorf("WIP template built: %v", res.Built)
	}

	applied, err := e.orch.Apply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(applied.Applied) != 1 || applied.Applied[0] != "feature.wip.sql" {
		t.Errorf("Applied = %v", applied.Applied)
	}
}

func TestApplyUnchangedSkips(t *testing.T) {
	e := newEnv(t)
	e.write(t, "audit.sql", "CREATE FUNCTION audit() RETURNS trigger AS $$ $$;")

	if _, err := e.orch.Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := e.orch.Apply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 0 {
		t.Errorf("Applied = %v, want none", res.Applied)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "audit.sql" {
		t.Errorf("Skipped = %v", res.Skipped)
	}
	if len(e.exec.calls) != 1 {
		t.Errorf("exec called %d times, want 1", len(e.exec.calls))
	}
}

func TestApplyFailureIsolation(t *testing.T) {
	e := newEnv(t)
	for i := 1; i <= 5; i++ {
		body := fmt.Sprintf("CREATE VIEW v%d AS SELECT %d;", i, i)
		if i == 3 {
			body = "CREATE VIEW v3 AS SELEKT broken;"
		}
		e.write(t, fmt.Sprintf("v%d.sql", i), body)
	}
	e.exec.failOn = "SELEKT"

	res, err := e.orch.Apply(context.Background())
	if err != nil {
		t.Fatalf("batch must not fail as a whole: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("Errors = %+v, want exactly 1", res.Errors)
	}
	if res.Errors[0].File != "v3.sql" {
		t.Errorf("failing file = %s", res.Errors[0].File)
	}
	if len(res.Applied) != 4 {
		t.Errorf("Applied = %v, want 4 successes", res.Applied)
	}

	log, _ := e.logs.Load(buildlog.Local)
	st := log.GetState("sql/templates/v3.sql")
	if st == nil || st.LastAppliedError == "" {
		t.Error("lastAppliedError not recorded")
	}
	if st != nil && st.LastAppliedHash != "" {
		t.Error("failed apply must not record a hash")
	}
}

func TestApplySuccessClearsError(t *testing.T) {
	e := newEnv(t)
	e.write(t, "v.sql", "CREATE VIEW v AS SELEKT 1;")
	e.exec.failOn = "SELEKT"
	if _, err := e.orch.Apply(context.Background()); err != nil {
		t.Fatal(err)
	}

	e.exec.failOn = ""
	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 1;")
	if _, err := e.orch.Apply(context.Background()); err != nil {
		t.Fatal(err)
	}

	log, _ := e.logs.Load(buildlog.Local)
	st := log.GetState("sql/templates/v.sql")
	if st.LastAppliedError != "" {
		t.Errorf("lastAppliedError = %q, want cleared", st.LastAppliedError)
	}
	if st.LastAppliedHash == "" {
		t.Error("lastAppliedHash missing after successful retry")
	}
}

func TestApplyDependencyOrder(t *testing.T) {
	e := newEnv(t)
	// Discovery order is lexical, so the dependent view comes first.
	e.write(t, "a_view.sql", "CREATE VIEW a_view AS SELECT * FROM users;")
	e.write(t, "users.sql", "CREATE TABLE users (id int);")

	if _, err := e.orch.Apply(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(e.exec.calls) != 2 {
		t.Fatalf("exec calls = %d", len(e.exec.calls))
	}
	if !strings.Contains(e.exec.calls[0], "CREATE TABLE users") {
		t.Errorf("declaration did not run first; first call: %q", e.exec.calls[0])
	}
}

func TestApplyPath(t *testing.T) {
	e := newEnv(t)
	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 1;")

	res, err := e.orch.ApplyPath(context.Background(), "v.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 1 {
		t.Fatalf("Applied = %v", res.Applied)
	}

	// Unchanged file skips without touching the database again.
	res, err = e.orch.ApplyPath(context.Background(), "v.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 {
		t.Errorf("Skipped = %v", res.Skipped)
	}
	if len(e.exec.calls) != 1 {
		t.Errorf("exec calls = %d", len(e.exec.calls))
	}
}

func TestApplyPathMissingFile(t *testing.T) {
	e := newEnv(t)
	_, err := e.orch.ApplyPath(context.Background(), "ghost.sql")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRegisterAdoptsWithoutMigration(t *testing.T) {
	e := newEnv(t)
	e.write(t, "legacy.sql", "CREATE VIEW legacy AS SELECT 1;")

	if err := e.orch.Register("legacy.sql"); err != nil {
		t.Fatal(err)
	}
	if files := e.migrationFiles(t); len(files) != 0 {
		t.Errorf("register wrote migration files: %v", files)
	}

	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Built) != 0 {
		t.Errorf("registered template rebuilt: %v", res.Built)
	}
}

func TestRegisterTwiceSingleEntry(t *testing.T) {
	e := newEnv(t)
	e.write(t, "legacy.sql", "CREATE VIEW legacy AS SELECT 1;")
	if err := e.orch.Register("legacy.sql"); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Register("legacy.sql"); err != nil {
		t.Fatal(err)
	}
	log, _ := e.logs.Load(buildlog.Shared)
	if len(log.Templates) != 1 {
		t.Errorf("entries = %d, want 1", len(log.Templates))
	}
}

func TestRegisterRejectsOutsidePath(t *testing.T) {
	e := newEnv(t)
	outside := filepath.Join(filepath.Dir(e.tmplDir), "elsewhere.sql")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := e.orch.Register(outside)
	if !errors.Is(err, apperr.ErrOutsideRoot) {
		t.Errorf("err = %v, want ErrOutsideRoot", err)
	}
}

func TestPromote(t *testing.T) {
	e := newEnv(t)
	e.write(t, "feature.wip.sql", "CREATE VIEW feature AS SELECT 1;")

	if err := e.orch.Promote("feature.wip.sql"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(e.tmplDir, "feature.sql")); err != nil {
		t.Errorf("promoted file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.tmplDir, "feature.wip.sql")); !errors.Is(err, os.ErrNotExist) {
		t.Error("WIP file still present")
	}
	// No database work and no migrations from a promote.
	if len(e.exec.calls) != 0 || len(e.migrationFiles(t)) != 0 {
		t.Error("promote performed build or apply work")
	}
}

func TestPromoteNonWIPErrors(t *testing.T) {
	e := newEnv(t)
	e.write(t, "done.sql", "CREATE VIEW done AS SELECT 1;")
	err := e.orch.Promote("done.sql")
	if !errors.Is(err, apperr.ErrNotWIP) {
		t.Errorf("err = %v, want ErrNotWIP", err)
	}
	if _, statErr := os.Stat(filepath.Join(e.tmplDir, "done.sql")); statErr != nil {
		t.Error("non-WIP file was renamed")
	}
}

func TestPromoteRefusesOverwrite(t *testing.T) {
	e := newEnv(t)
	e.write(t, "v.wip.sql", "CREATE VIEW v AS SELECT 1;")
	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 2;")
	if err := e.orch.Promote("v.wip.sql"); err == nil {
		t.Error("expected error when target exists")
	}
}

func TestStatuses(t *testing.T) {
	e := newEnv(t)
	e.write(t, "built.sql", "CREATE VIEW built AS SELECT 1;")
	e.write(t, "fresh.wip.sql", "CREATE VIEW fresh AS SELECT 2;")
	if _, err := e.orch.Build(context.Background()); err != nil {
		t.Fatal(err)
	}

	statuses, err := e.orch.Statuses()
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %+v", statuses)
	}
	byPath := map[string]Status{}
	for _, s := range statuses {
		byPath[s.Path] = s
	}
	if s := byPath["built.sql"]; s.NeedsBuild || !s.NeedsApply || s.LastBuildDate == "" {
		t.Errorf("built.sql status = %+v", s)
	}
	if s := byPath["fresh.wip.sql"]; !s.WIP || s.NeedsBuild || !s.NeedsApply {
		t.Errorf("fresh.wip.sql status = %+v", s)
	}
}

func TestBuildCorruptSharedLogRecovers(t *testing.T) {
	e := newEnv(t)
	e.write(t, "v.sql", "CREATE VIEW v AS SELECT 1;")
	if err := os.MkdirAll(filepath.Dir(e.logs.Path(buildlog.Shared)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.logs.Path(buildlog.Shared), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := e.orch.Build(context.Background())
	if err != nil {
		t.Fatalf("corrupt log must not abort: %v", err)
	}
	if len(res.Built) != 1 {
		t.Errorf("Built = %v", res.Built)
	}
}
