package installer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/danieljhkim/plugkit/internal/clock"
	"github.com/danieljhkim/plugkit/internal/fsops/fsopstest"
	"github.com/danieljhkim/plugkit/internal/pkgmgr"
	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
	"github.com/danieljhkim/plugkit/internal/snapshot"
	"github.com/danieljhkim/plugkit/internal/tracker"
	"github.com/danieljhkim/plugkit/internal/txlog"
)

const (
	root        = "/proj"
	trackerPath = "/proj/.plugkit/installed.json"
	exportDir   = "/proj/.plugkit/snapshots"
)

type pmCall struct {
	names []string
	dev   bool
}

// recordingPM is a package manager that records calls and can modify the
// manifest the way a real one would.
type recordingPM struct {
	mu     sync.Mutex
	mem    *fsopstest.MemFS
	events *events
	calls  []pmCall
	err    error
}

func (p *recordingPM) Install(ctx context.Context, names []string, opts pkgmgr.Options) error {
	p.mu.Lock()
	p.calls = append(p.calls, pmCall{names: append([]string(nil), names...), dev: opts.Dev})
	p.mu.Unlock()
	p.events.add("pm:" + strings.Join(names, ","))

	p.mem.SetFile(root+"/package.json", `{"dependencies":{"touched":"1"}}`)
	return p.err
}

type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type fixture struct {
	mem       *fsopstest.MemFS
	pm        *recordingPM
	events    *events
	store     *tracker.FileStore
	log       *txlog.Log
	snapshots *snapshot.Manager
	project   *project.Context
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))

	mem := fsopstest.NewMemFS()
	mem.SetFile(root+"/package.json", `{"dependencies":{"react":"^18.2.0"}}`)
	mem.SetFile(root+"/src/main.tsx", "render(<App />)")

	ev := &events{}
	pm := &recordingPM{mem: mem, events: ev}

	snaps, err := snapshot.New(snapshot.Options{
		Root:   root,
		Files:  []string{"package.json", "src/main.tsx"},
		FS:     mem,
		Clock:  clk,
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(snaps.Destroy)

	pctx := &project.Context{
		Root:             root,
		Framework:        project.FrameworkReact,
		FrameworkVersion: "18.2.0",
		TypeScript:       true,
		PackageManager:   "npm",
		Dependencies:     map[string]string{"react": "^18.2.0"},
		DevDependencies:  map[string]string{},
		SrcDir:           "src",
	}

	f := &fixture{
		mem:       mem,
		pm:        pm,
		events:    ev,
		store:     tracker.NewFileStore(mem, trackerPath),
		log:       txlog.New(txlog.Options{Clock: clk, Logger: log}),
		snapshots: snaps,
		project:   pctx,
	}
	f.opts = Options{
		Project:   pctx,
		Tracker:   f.store,
		Snapshots: snaps,
		Log:       f.log,
		Packages:  pm,
		FS:        mem,
		Clock:     clk,
		Logger:    log,
		ExportDir: exportDir,
	}
	return f
}

func (f *fixture) installer(t *testing.T) *Installer {
	t.Helper()
	in, err := New(f.opts)
	require.NoError(t, err)
	return in
}

func (f *fixture) track(t *testing.T, infos ...plugin.Info) {
	t.Helper()
	state := tracker.NewState()
	for _, info := range infos {
		state.Add(tracker.NewRecord(info, time.Time{}))
	}
	require.NoError(t, f.store.Save(state))
	f.mem.Writes = nil
}

// testPlugin builds a plugin that records its lifecycle in f.events and
// creates src/<name>.ts when configured.
func (f *fixture) testPlugin(name string, category plugin.Category, edit func(*plugin.Builder)) plugin.Plugin {
	b := plugin.NewBuilder().
		Named(name, strings.ToUpper(name), "test plugin "+name).
		ForFrameworks(project.FrameworkReact).
		InCategory(category).
		WithInstall(func(ctx context.Context, env *plugin.Env) (*plugin.InstallResult, error) {
			f.events.add("install:" + name)
			return &plugin.InstallResult{Dependencies: []string{name}, DevDependencies: []string{"@types/" + name}}, nil
		}).
		WithConfigure(func(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
			f.events.add("configure:" + name)
			op, err := env.Files.CreateFile("src/"+name+".ts", []byte("export {}"))
			if err != nil {
				return nil, err
			}
			return &plugin.ConfigResult{Files: []plugin.FileOperation{op}}, nil
		}).
		WithRollback(func(ctx context.Context, env *plugin.Env) error {
			f.events.add("rollback:" + name)
			return ctx.Err()
		})
	if edit != nil {
		edit(b)
	}
	return b.MustBuild()
}

func TestNew(t *testing.T) {
	f := newFixture(t)

	opts := f.opts
	opts.Project = nil
	_, err := New(opts)
	assert.Error(t, err)

	opts = f.opts
	opts.Packages = nil
	_, err = New(opts)
	assert.Error(t, err)

	opts.SkipPackages = true
	_, err = New(opts)
	assert.NoError(t, err)

	opts = f.opts
	opts.PackageManager = "cargo"
	_, err = New(opts)
	assert.ErrorIs(t, err, pkgmgr.ErrUnsupported)
}

func TestInstall_AllAlreadyInstalled(t *testing.T) {
	f := newFixture(t)
	p1 := f.testPlugin("p1", plugin.CategoryUtils, nil)
	p2 := f.testPlugin("p2", plugin.CategoryHTTP, nil)
	f.track(t, p1.Info(), p2.Info())

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1, p2})
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Empty(t, report.Installed)
	assert.Empty(t, report.Warnings)
	assert.Empty(t, report.Files)
	assert.Equal(t, []string{"p1", "p2"}, report.AlreadyInstalled)
	assert.NotEmpty(t, report.TransactionID)

	assert.Empty(t, f.pm.calls)
	assert.Empty(t, f.mem.Writes)
	assert.Empty(t, f.events.all())
	assert.Empty(t, f.snapshots.List())
}

func TestInstall_SelfHealingRegistration(t *testing.T) {
	f := newFixture(t)
	f.project.Dependencies["zustand"] = "^4.5.0"

	detected := f.testPlugin("zustand", plugin.CategoryState, func(b *plugin.Builder) {
		b.WithDetect(func(pctx *project.Context) bool { return pctx.HasDependency("zustand") })
	})

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{detected})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Empty(t, report.Installed)
	assert.Empty(t, f.pm.calls)

	assert.Equal(t, []string{trackerPath}, f.mem.Writes, "only the tracker is written")

	state, err := f.store.Load()
	require.NoError(t, err)
	rec, ok := state.Get("zustand")
	require.True(t, ok)
	assert.True(t, rec.Detected)
}

func TestInstall_ValidationFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	a := f.testPlugin("a", plugin.CategoryUtils, func(b *plugin.Builder) { b.IncompatibleWith("b") })
	b := f.testPlugin("b", plugin.CategoryUtils, nil)

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{a, b})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	assert.False(t, report.Success)
	assert.Empty(t, report.Installed)
	assert.Empty(t, report.Warnings)
	assert.Empty(t, report.Files)
	assert.Empty(t, report.SnapshotID)
	assert.Equal(t, StateConflictChecked, report.FailedState)

	assert.Empty(t, f.pm.calls)
	assert.Empty(t, f.mem.Writes)
	assert.Empty(t, f.events.all())

	tx, err := f.log.Get(report.TransactionID)
	require.NoError(t, err)
	assert.False(t, tx.Success)
	assert.Equal(t, 1, tx.ErrorCount())
}

func TestInstall_RequestOrderIsConfigurationOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []string
	}{
		{"requirement first", []string{"p1", "p2"}},
		{"dependent first", []string{"p2", "p1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			byName := map[string]plugin.Plugin{
				"p1": f.testPlugin("p1", plugin.CategoryUtils, nil),
				"p2": f.testPlugin("p2", plugin.CategoryHTTP, func(b *plugin.Builder) { b.Requires("p1") }),
			}
			var input []plugin.Plugin
			for _, n := range tt.order {
				input = append(input, byName[n])
			}
			first, second := tt.order[0], tt.order[1]

			report, err := f.installer(t).Install(context.Background(), input)
			require.NoError(t, err)
			assert.True(t, report.Success)
			assert.Equal(t, tt.order, report.Installed)
			assert.Equal(t, []plugin.FileOperation{
				{Kind: plugin.FileCreate, Path: "src/" + first + ".ts"},
				{Kind: plugin.FileCreate, Path: "src/" + second + ".ts"},
			}, report.Files)

			assert.Equal(t, []string{
				"install:" + first, "install:" + second,
				"pm:" + first + "," + second, "pm:@types/" + first + ",@types/" + second,
				"configure:" + first, "configure:" + second,
			}, f.events.all())

			require.Len(t, f.pm.calls, 2)
			assert.False(t, f.pm.calls[0].dev)
			assert.True(t, f.pm.calls[1].dev)

			state, err := f.store.Load()
			require.NoError(t, err)
			assert.Equal(t, []string{"p1", "p2"}, state.Names())

			assert.Empty(t, f.snapshots.List(), "snapshot is released on success")

			tx, err := f.log.Get(report.TransactionID)
			require.NoError(t, err)
			assert.Equal(t, 0, tx.WarningCount(), "in-batch requirement is satisfied")
		})
	}
}

func TestInstall_ExclusiveCategoryAlreadyTaken(t *testing.T) {
	f := newFixture(t)
	p1 := f.testPlugin("p1", plugin.CategoryRouting, nil)
	p2 := f.testPlugin("p2", plugin.CategoryRouting, nil)
	f.track(t, p1.Info())

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "p2 conflicts with installed routing plugin p1")
	assert.NotEmpty(t, errors.GetAllHints(err))

	assert.False(t, report.Success)
	assert.Empty(t, f.pm.calls)
	assert.Empty(t, f.mem.Writes)
	assert.Empty(t, f.events.all())
}

func TestInstall_ConfigureFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("template missing")

	p1 := f.testPlugin("p1", plugin.CategoryUtils, nil)
	p2 := f.testPlugin("p2", plugin.CategoryHTTP, func(b *plugin.Builder) {
		b.WithConfigure(func(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
			f.events.add("configure:p2")
			op, err := env.Files.ModifyFile("src/main.tsx", func(cur []byte) ([]byte, error) {
				return append([]byte("import './p2'\n"), cur...), nil
			})
			if err != nil {
				return nil, err
			}
			return &plugin.ConfigResult{Files: []plugin.FileOperation{op}}, nil
		})
	})
	p3 := f.testPlugin("p3", plugin.CategoryCSS, func(b *plugin.Builder) {
		b.WithConfigure(func(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
			f.events.add("configure:p3")
			if _, err := env.Files.CreateFile("src/p3.ts", []byte("half")); err != nil {
				return nil, err
			}
			return nil, boom
		})
	})
	p4 := f.testPlugin("p4", plugin.CategoryForms, nil)

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1, p2, p3, p4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigure))
	assert.True(t, errors.Is(err, boom))

	assert.False(t, report.Success)
	assert.Empty(t, report.Installed)
	assert.Empty(t, report.Files)
	assert.Equal(t, StatePackagesInstalled, report.FailedState)
	assert.NotEmpty(t, report.SnapshotID)
	assert.Equal(t, exportDir+"/"+report.SnapshotID+".json", report.SnapshotPath)

	ev := f.events.all()
	assert.Equal(t, []string{"rollback:p2", "rollback:p1"}, ev[len(ev)-2:])
	assert.NotContains(t, ev, "configure:p4")
	assert.NotContains(t, ev, "rollback:p3")

	for _, created := range []string{"src/p1.ts", "src/p3.ts"} {
		_, ok := f.mem.File(root + "/" + created)
		assert.False(t, ok, "%s should be removed", created)
	}
	main, _ := f.mem.File(root + "/src/main.tsx")
	assert.Equal(t, "render(<App />)", main)
	pkg, _ := f.mem.File(root + "/package.json")
	assert.Equal(t, `{"dependencies":{"react":"^18.2.0"}}`, pkg, "manifest changes are undone")
	_, ok := f.mem.File(root + "/package-lock.json")
	assert.False(t, ok)

	_, ok = f.mem.File(trackerPath)
	assert.False(t, ok, "a failed install never writes the tracker")

	_, kept := f.snapshots.Get(report.SnapshotID)
	assert.True(t, kept, "snapshot is kept after failure")
	_, ok = f.mem.File(report.SnapshotPath)
	assert.True(t, ok)

	tx, err := f.log.Get(report.TransactionID)
	require.NoError(t, err)
	assert.False(t, tx.Success)
	assert.Equal(t, report.SnapshotID, tx.SnapshotID)
	formatted := txlog.Format(tx)
	assert.Contains(t, formatted, "[rollback-start]")
	assert.Contains(t, formatted, "[rollback-complete]")
}

func TestInstall_RollbackHookFailureDoesNotStopRestore(t *testing.T) {
	f := newFixture(t)
	p1 := f.testPlugin("p1", plugin.CategoryUtils, func(b *plugin.Builder) {
		b.WithRollback(func(ctx context.Context, env *plugin.Env) error {
			f.events.add("rollback:p1")
			return errors.New("cannot undo")
		})
	})
	p2 := f.testPlugin("p2", plugin.CategoryHTTP, func(b *plugin.Builder) {
		b.WithConfigure(func(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
			return nil, errors.New("fail")
		})
	})

	_, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1, p2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigure))
	assert.False(t, errors.Is(err, ErrRollback), "rollback failures never replace the cause")

	_, ok := f.mem.File(root + "/src/p1.ts")
	assert.False(t, ok)
}

func TestInstall_PackageManagerFailure(t *testing.T) {
	f := newFixture(t)
	f.pm.err = errors.New("npm ERR! 404")
	p1 := f.testPlugin("p1", plugin.CategoryUtils, nil)

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPackageInstall))
	assert.Equal(t, StatePreHooksRun, report.FailedState)

	assert.Len(t, f.pm.calls, 1, "dev batch is not attempted after the regular batch fails")
	assert.NotContains(t, f.events.all(), "configure:p1")

	pkg, _ := f.mem.File(root + "/package.json")
	assert.Equal(t, `{"dependencies":{"react":"^18.2.0"}}`, pkg)
}

func TestInstall_PluginInstallFailuresAreCollected(t *testing.T) {
	f := newFixture(t)
	bad := func(name string) func(*plugin.Builder) {
		return func(b *plugin.Builder) {
			b.WithInstall(func(ctx context.Context, env *plugin.Env) (*plugin.InstallResult, error) {
				f.events.add("install:" + name)
				return nil, errors.Newf("%s unavailable", name)
			})
		}
	}
	p1 := f.testPlugin("p1", plugin.CategoryUtils, bad("p1"))
	p2 := f.testPlugin("p2", plugin.CategoryHTTP, bad("p2"))

	_, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1, p2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPackageInstall))
	assert.Contains(t, err.Error(), "p1 unavailable")
	assert.Contains(t, err.Error(), "p2 unavailable")
	assert.Equal(t, []string{"install:p1", "install:p2"}, f.events.all())
	assert.Empty(t, f.pm.calls)
}

func TestInstall_HookFailuresAreWarnings(t *testing.T) {
	f := newFixture(t)
	p1 := f.testPlugin("p1", plugin.CategoryUtils, func(b *plugin.Builder) {
		b.WithPreInstall(func(ctx context.Context, env *plugin.Env) error {
			return errors.New("pre broke")
		})
		b.WithPostInstall(func(ctx context.Context, env *plugin.Env) error {
			return errors.New("post broke")
		})
	})

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"p1"}, report.Installed)
	require.Len(t, report.Warnings, 2)
	assert.Contains(t, report.Warnings[0], "pre broke")
	assert.Contains(t, report.Warnings[1], "post broke")

	tx, err := f.log.Get(report.TransactionID)
	require.NoError(t, err)
	assert.True(t, tx.Success)
	assert.Equal(t, 2, tx.WarningCount())
	assert.Zero(t, tx.ErrorCount())
}

func TestInstall_ValidationWarningsPassThrough(t *testing.T) {
	f := newFixture(t)
	p1 := f.testPlugin("p1", plugin.CategoryUI, func(b *plugin.Builder) { b.Requires("tailwindcss") })

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1})
	require.NoError(t, err)
	assert.True(t, report.Success)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "tailwindcss")

	// The requirement is reported once, by validation.
	tx, err := f.log.Get(report.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.WarningCount())
}

func TestInstall_SkipPackages(t *testing.T) {
	f := newFixture(t)
	f.opts.SkipPackages = true
	f.opts.Packages = nil
	p1 := f.testPlugin("p1", plugin.CategoryUtils, nil)

	report, err := f.installer(t).Install(context.Background(), []plugin.Plugin{p1})
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"configure:p1"}, f.events.all())
}

func TestInstall_CancellationRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p1 := f.testPlugin("p1", plugin.CategoryUtils, func(b *plugin.Builder) {
		b.WithConfigure(func(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
			f.events.add("configure:p1")
			op, err := env.Files.CreateFile("src/p1.ts", []byte("x"))
			cancel()
			return &plugin.ConfigResult{Files: []plugin.FileOperation{op}}, err
		})
	})
	p2 := f.testPlugin("p2", plugin.CategoryHTTP, nil)

	report, err := f.installer(t).Install(ctx, []plugin.Plugin{p1, p2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, report.Success)

	ev := f.events.all()
	assert.NotContains(t, ev, "configure:p2")
	assert.Contains(t, ev, "rollback:p1", "rollback runs on a live context")

	_, ok := f.mem.File(root + "/src/p1.ts")
	assert.False(t, ok)

	_, open := f.log.Current()
	assert.False(t, open, "the transaction is closed")
}

func TestInstall_SequentialCalls(t *testing.T) {
	f := newFixture(t)
	in := f.installer(t)

	p1 := f.testPlugin("p1", plugin.CategoryUtils, nil)
	_, err := in.Install(context.Background(), []plugin.Plugin{p1})
	require.NoError(t, err)

	report, err := in.Install(context.Background(), []plugin.Plugin{p1})
	require.NoError(t, err)
	assert.Empty(t, report.Installed)
	assert.Equal(t, []string{"p1"}, report.AlreadyInstalled)
	assert.Len(t, f.log.IDs(), 2)
}
