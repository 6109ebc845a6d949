// Package buildlog persists per-template build and apply state.
//
// Two physical logs exist with the same record shape but distinct
// semantics: the shared log carries build state and is meant for version
// control; the local log carries apply state and is private to one
// developer. "Built but not applied" and "applied but not built" are both
// representable, intentionally.
package buildlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Version is the only build-log format version in circulation.
const Version = "1.0"

// Kind selects one of the two persisted logs.
type Kind string

const (
	// Shared holds build state and is intended for version control.
	Shared Kind = "shared"
	// Local holds apply state, per developer, excluded from version control.
	Local Kind = "local"
)

// TemplateState is the last-known outcome for one template, keyed by its
// project-root-relative path. Build-side and apply-side fields evolve
// independently: a template can be built on one machine and applied on
// another, and the two views can disagree.
type TemplateState struct {
	LastBuildHash     string `json:"lastBuildHash,omitempty"`
	LastBuildDate     string `json:"lastBuildDate,omitempty"`
	LastBuildError    string `json:"lastBuildError,omitempty"`
	LastMigrationFile string `json:"lastMigrationFile,omitempty"`
	LastAppliedHash   string `json:"lastAppliedHash,omitempty"`
	LastAppliedDate   string `json:"lastAppliedDate,omitempty"`
	LastAppliedError  string `json:"lastAppliedError,omitempty"`
}

// BuildLog is the persisted map of template states plus the timestamp
// high-water mark used by the migration filename allocator.
type BuildLog struct {
	Version       string                    `json:"version"`
	LastTimestamp string                    `json:"lastTimestamp"`
	Templates     map[string]*TemplateState `json:"templates"`
}

// New returns an empty build log in the current format version.
func New() *BuildLog {
	return &BuildLog{
		Version:   Version,
		Templates: make(map[string]*TemplateState),
	}
}

// GetState returns the recorded state for path, or nil when absent.
func (l *BuildLog) GetState(path string) *TemplateState {
	return l.Templates[path]
}

// State returns the state entry for path, creating it when absent.
// Registering or re-processing the same path always updates the one
// entry; duplicates cannot occur.
func (l *BuildLog) State(path string) *TemplateState {
	if st, ok := l.Templates[path]; ok {
		return st
	}
	st := &TemplateState{}
	l.Templates[path] = st
	return st
}

// Warning describes a non-fatal problem recovering persisted state.
type Warning struct {
	Source  string
	Message string
	Path    string
}

// Store loads and saves the shared and local build logs.
type Store struct {
	paths map[Kind]string
}

// NewStore creates a store addressing the two physical log files.
func NewStore(sharedPath, localPath string) *Store {
	return &Store{paths: map[Kind]string{
		Shared: sharedPath,
		Local:  localPath,
	}}
}

// Path returns the file path backing kind.
func (s *Store) Path(kind Kind) string { return s.paths[kind] }

// Load reads the log of the given kind. A missing file yields a fresh
// empty log; unreadable or unparsable content yields the same fallback
// plus a warning. Load never fails: callers inspect the warning, they do
// not handle errors.
func (s *Store) Load(kind Kind) (*BuildLog, *Warning) {
	path := s.paths[kind]
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return New(), &Warning{
			Source:  string(kind) + " build log",
			Message: fmt.Sprintf("unreadable, starting fresh: %v", err),
			Path:    path,
		}
	}

	var log BuildLog
	if err := json.Unmarshal(data, &log); err != nil {
		return New(), &Warning{
			Source:  string(kind) + " build log",
			Message: fmt.Sprintf("unparsable, starting fresh: %v", err),
			Path:    path,
		}
	}
	if log.Version == "" {
		log.Version = Version
	}
	if log.Templates == nil {
		log.Templates = make(map[string]*TemplateState)
	}
	return &log, nil
}

// Save writes the entire log of the given kind via an atomic replace
// (temp file + rename) so a crash mid-write cannot truncate it. The
// output is UTF-8 JSON with a trailing newline.
func (s *Store) Save(kind Kind, log *BuildLog) error {
	path := s.paths[kind]
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("buildlog: marshal %s: %w", kind, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("buildlog: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".buildlog-tmp-*")
	if err != nil {
		return fmt.Errorf("buildlog: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("buildlog: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("buildlog: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("buildlog: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("buildlog: rename: %w", err)
	}
	success = true
	return nil
}
