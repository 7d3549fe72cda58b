package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/danieljhkim/plugkit/internal/catalog"
	"github.com/danieljhkim/plugkit/internal/config"
	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/installer"
	"github.com/danieljhkim/plugkit/internal/pkgmgr"
	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
	"github.com/danieljhkim/plugkit/internal/snapshot"
	"github.com/danieljhkim/plugkit/internal/tracker"
	"github.com/danieljhkim/plugkit/internal/txlog"
)

const reactPackageJSON = `{
  "name": "demo",
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0"
  },
  "devDependencies": {
    "typescript": "^5.3.0",
    "vite": "^5.0.0"
  }
}
`

// npmOK records every invocation to .npm-calls in the project root.
const npmOK = `echo "$0 $*" >> .npm-calls`

// npmFail mangles package.json and fails the way npm does on a bad package.
const npmFail = `echo '{"name":"mangled"}' > package.json
echo "npm ERR! code E404" >&2
echo "npm ERR! 404 Not Found - GET https://registry.npmjs.org/nope" >&2
exit 1`

// testEnv is a real project on disk with the full install stack wired.
type testEnv struct {
	t        *testing.T
	root     string
	paths    *config.Paths
	fs       fsops.FS
	sink     *txlog.SQLiteSink
	registry *plugin.Registry
	tracker  *tracker.FileStore
}

func setupTestEnv(t *testing.T, catalogs ...string) *testEnv {
	t.Helper()

	root := t.TempDir()
	t.Setenv("PLUGKIT_DIR", "")
	writeFile(t, filepath.Join(root, "package.json"), reactPackageJSON)
	if err := os.MkdirAll(filepath.Join(root, "src"), 0755); err != nil {
		t.Fatalf("failed to create src: %v", err)
	}

	paths, err := config.ProjectPaths(root)
	if err != nil {
		t.Fatalf("ProjectPaths() error = %v", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error = %v", err)
	}

	fs := fsops.NewRealFS()
	log := zaptest.NewLogger(t).Sugar()

	var catalogPaths []string
	for i, content := range catalogs {
		path := filepath.Join(t.TempDir(), "catalog"+string(rune('a'+i))+".yaml")
		writeFile(t, path, content)
		catalogPaths = append(catalogPaths, path)
	}
	registry, err := catalog.NewLoader(fs, log).Registry(catalogPaths...)
	if err != nil {
		t.Fatalf("Registry() error = %v", err)
	}

	sink, err := txlog.NewSQLiteSink(paths.History)
	if err != nil {
		t.Fatalf("NewSQLiteSink() error = %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	return &testEnv{
		t:        t,
		root:     root,
		paths:    paths,
		fs:       fs,
		sink:     sink,
		registry: registry,
		tracker:  tracker.NewFileStore(fs, paths.Installed),
	}
}

// install runs one install with the package manager replaced by script.
func (e *testEnv) install(script string, names ...string) (*installer.Report, error) {
	e.t.Helper()

	plugins, err := e.registry.Lookup(names)
	if err != nil {
		e.t.Fatalf("Lookup(%v) error = %v", names, err)
	}

	pctx, err := project.Detect(e.fs, e.root)
	if err != nil {
		e.t.Fatalf("Detect() error = %v", err)
	}

	log := zaptest.NewLogger(e.t).Sugar()
	snaps, err := snapshot.New(snapshot.Options{
		Root:   e.root,
		Files:  config.DefaultCriticalFiles,
		FS:     e.fs,
		Logger: log,
	})
	if err != nil {
		e.t.Fatalf("snapshot.New() error = %v", err)
	}
	defer snaps.Destroy()

	pm := pkgmgr.NewExec(log).WithCommand(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", append([]string{"-c", script, name}, args...)...)
	})

	inst, err := installer.New(installer.Options{
		Project:   pctx,
		Tracker:   e.tracker,
		Snapshots: snaps,
		Log:       txlog.New(txlog.Options{Sink: e.sink, Logger: log}),
		Packages:  pm,
		FS:        e.fs,
		Logger:    log,
		Silent:    true,
		ExportDir: e.paths.Snapshots,
	})
	if err != nil {
		e.t.Fatalf("installer.New() error = %v", err)
	}
	return inst.Install(context.Background(), plugins)
}

func (e *testEnv) path(rel string) string {
	return filepath.Join(e.root, rel)
}

func (e *testEnv) read(rel string) string {
	e.t.Helper()
	data, err := os.ReadFile(e.path(rel))
	if err != nil {
		e.t.Fatalf("failed to read %s: %v", rel, err)
	}
	return string(data)
}

func (e *testEnv) exists(rel string) bool {
	_, err := os.Stat(e.path(rel))
	return err == nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
