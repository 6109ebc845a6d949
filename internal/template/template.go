// Package template models SQL template files and their discovery.
package template

import (
	"fmt"
	"path"
	"strings"

	"github.com/starford/sqlforge/internal/checksum"
	"github.com/starford/sqlforge/internal/storage"
)

// Template is one discovered SQL template file.
type Template struct {
	// Name is the base file name without extension or WIP marker,
	// e.g. "audit" for "functions/audit.wip.sql".
	Name string
	// Path is the file path relative to the template directory root.
	Path string
	// Hash is the MD5 digest of the file's current content.
	Hash string
	// WIP marks an apply-only template, derived from the filename marker.
	WIP bool
	// Content is the raw template text.
	Content []byte
}

// Parse derives name and WIP status from a relative path. The marker is a
// substring placed before the extension, e.g. "audit.wip.sql".
func Parse(rel, wipMarker string) (name string, wip bool) {
	base := path.Base(rel)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if wipMarker != "" && strings.HasSuffix(stem, wipMarker) {
		return strings.TrimSuffix(stem, wipMarker), true
	}
	return stem, false
}

// Discover lists template files matching the glob filter, reads and hashes
// each, and returns them in the provider's stable listing order. Templates
// are rediscovered fresh on every invocation; nothing is cached.
func Discover(store storage.Provider, filter, wipMarker string) ([]*Template, error) {
	paths, err := store.List(filter)
	if err != nil {
		return nil, fmt.Errorf("template: discover: %w", err)
	}
	out := make([]*Template, 0, len(paths))
	for _, rel := range paths {
		data, err := store.Read(rel)
		if err != nil {
			return nil, fmt.Errorf("template: read %s: %w", rel, err)
		}
		name, wip := Parse(rel, wipMarker)
		out = append(out, &Template{
			Name:    name,
			Path:    rel,
			Hash:    checksum.Sum(data),
			WIP:     wip,
			Content: data,
		})
	}
	return out, nil
}
