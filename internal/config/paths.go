// Package config manages plugkit configuration and per-project paths.
//
// Per-project state lives under <root>/.plugkit/ containing installed.json,
// history.db and the snapshots/ export directory.
package config

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// DirName is the per-project state directory.
const DirName = ".plugkit"

// Paths contains all the filesystem paths plugkit uses for one project.
type Paths struct {
	// Root is the project root.
	Root string

	// Dir is the state directory (default: <root>/.plugkit)
	Dir string

	// Installed is the tracker file
	Installed string

	// Snapshots is where failed-install snapshots are exported
	Snapshots string

	// History is the sqlite transaction history database
	History string

	// ProjectConfig is the optional project config file
	ProjectConfig string
}

// ProjectPaths returns the paths for the project rooted at root.
// PLUGKIT_DIR overrides the state directory.
func ProjectPaths(root string) (*Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve project root %s", root)
	}

	dir := os.Getenv("PLUGKIT_DIR")
	if dir == "" {
		dir = filepath.Join(abs, DirName)
	}

	return &Paths{
		Root:          abs,
		Dir:           dir,
		Installed:     filepath.Join(dir, "installed.json"),
		Snapshots:     filepath.Join(dir, "snapshots"),
		History:       filepath.Join(dir, "history.db"),
		ProjectConfig: filepath.Join(abs, ".plugkit.yaml"),
	}, nil
}

// EnsureDirectories creates all necessary directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.Dir, p.Snapshots} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}
	return nil
}
