// Package storage defines the template-directory file-system abstraction.
package storage

// Provider is the interface for template and migration file operations.
// All paths are relative to the provider's root directory.
type Provider interface {
	// List returns the relative paths of every file under the root whose
	// base name matches the glob pattern, in lexical order.
	List(pattern string) ([]string, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Move renames oldPath to newPath.
	Move(oldPath, newPath string) error
	// Root returns the absolute root directory.
	Root() string
}
