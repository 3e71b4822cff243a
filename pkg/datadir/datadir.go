// Package datadir encapsulates all path knowledge for the .relaydeck/ data
// directory. It provides a Dir value object with accessors for the config
// file, the .env file, and the local runtime state (database and log).
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const gitignoreContent = "local/\n.env\n"

// Dir is a value object that resolves paths within a .relaydeck/ directory.
type Dir struct {
	root string
}

// New creates a Dir rooted at the given path. The path is converted to an
// absolute path. No I/O is performed; use EnsureStructure to create the
// directory layout.
func New(root string) Dir {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return Dir{root: abs}
}

// Root returns the absolute path to the .relaydeck/ directory.
func (d Dir) Root() string { return d.root }

// ConfigPath returns the path to the config file. A config.toml is used when
// present; otherwise config.yaml.
func (d Dir) ConfigPath() string {
	toml := filepath.Join(d.root, "config.toml")
	if _, err := os.Stat(toml); err == nil {
		return toml
	}

	return filepath.Join(d.root, "config.yaml")
}

// EnvPath returns the path to the .env file.
func (d Dir) EnvPath() string { return filepath.Join(d.root, ".env") }

// LocalDir returns the path to the local (gitignored) runtime state directory.
func (d Dir) LocalDir() string { return filepath.Join(d.root, "local") }

// DBPath returns the path to the sqlite database.
func (d Dir) DBPath() string { return filepath.Join(d.root, "local", "relaydeck.db") }

// LogPath returns the path to the log file used while the TUI owns the terminal.
func (d Dir) LogPath() string { return filepath.Join(d.root, "local", "relaydeck.log") }

// GitignorePath returns the path to the .gitignore file inside .relaydeck/.
func (d Dir) GitignorePath() string { return filepath.Join(d.root, ".gitignore") }

// Exists reports whether the root directory exists on disk.
func (d Dir) Exists() bool {
	info, err := os.Stat(d.root)

	return err == nil && info.IsDir()
}

// EnsureStructure creates the root and local/ directories and the .gitignore
// file if they are missing. It is safe to call multiple times.
func EnsureStructure(d Dir) error {
	if err := os.MkdirAll(d.LocalDir(), 0o750); err != nil {
		return fmt.Errorf("datadir: create local dir: %w", err)
	}

	path := d.GitignorePath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, []byte(gitignoreContent), 0o600); err != nil {
		return fmt.Errorf("datadir: gitignore: %w", err)
	}

	return nil
}
