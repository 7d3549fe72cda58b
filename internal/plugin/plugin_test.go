package plugin

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/danieljhkim/plugkit/internal/pool"
	"github.com/danieljhkim/plugkit/internal/project"
)

func noopInstall(ctx context.Context, env *Env) (*InstallResult, error) {
	return &InstallResult{}, nil
}

func noopConfigure(ctx context.Context, env *Env) (*ConfigResult, error) {
	return &ConfigResult{}, nil
}

func base(name string, c Category) *Builder {
	return NewBuilder().
		Named(name, name+" display", "the "+name+" plugin").
		ForFrameworks(project.FrameworkReact).
		InCategory(c).
		WithInstall(noopInstall).
		WithConfigure(noopConfigure)
}

func TestCategory(t *testing.T) {
	assert.Len(t, Categories(), 11)
	for _, c := range Categories() {
		assert.True(t, c.Valid(), c)
	}
	assert.False(t, Category("databases").Valid())

	assert.True(t, CategoryRouting.Exclusive())
	assert.True(t, CategoryState.Exclusive())
	assert.False(t, CategoryUI.Exclusive())
}

func TestBuilder(t *testing.T) {
	var rolledBack bool
	p, err := NewBuilder().
		Named("react-router", "React Router", "Declarative routing").
		ForFrameworks(project.FrameworkReact, project.FrameworkPreact).
		InCategory(CategoryRouting).
		WithVersion("6.22.0").
		WithFrameworkConstraint(">=18.0.0").
		IncompatibleWith("tanstack-router").
		Recommends("zustand").
		WithDetect(func(pctx *project.Context) bool { return pctx.HasDependency("react-router-dom") }).
		WithInstall(func(ctx context.Context, env *Env) (*InstallResult, error) {
			return &InstallResult{Dependencies: []string{"react-router-dom"}}, nil
		}).
		WithConfigure(noopConfigure).
		WithRollback(func(ctx context.Context, env *Env) error { rolledBack = true; return nil }).
		Build()
	require.NoError(t, err)

	info := p.Info()
	assert.Equal(t, "react-router", info.Name)
	assert.Equal(t, CategoryRouting, info.Category)
	assert.Equal(t, []string{"tanstack-router"}, info.IncompatibleWith)
	assert.True(t, info.SupportsFramework(project.FrameworkPreact))
	assert.False(t, info.SupportsFramework(project.FrameworkVue))

	res, err := p.Install(context.Background(), &Env{})
	require.NoError(t, err)
	assert.Equal(t, []string{"react-router-dom"}, res.Dependencies)

	assert.True(t, p.Detect(&project.Context{Dependencies: map[string]string{"react-router-dom": "^6"}}))
	assert.NoError(t, p.PreInstall(context.Background(), &Env{}))
	assert.NoError(t, p.PostInstall(context.Background(), &Env{}))
	require.NoError(t, p.Rollback(context.Background(), &Env{}))
	assert.True(t, rolledBack)
}

func TestBuilder_UnsetDetectorNeverDetects(t *testing.T) {
	p := base("plain", CategoryUtils).MustBuild()
	assert.False(t, p.Detect(&project.Context{}))
}

func TestBuilder_IsReusable(t *testing.T) {
	b := base("a", CategoryUI).Requires("x")
	first := b.MustBuild()
	b.Requires("y")
	second := b.MustBuild()

	assert.Equal(t, []string{"x"}, first.Info().Requires)
	assert.Equal(t, []string{"x", "y"}, second.Info().Requires)
}

func TestBuilder_Validation(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{name: "missing name", b: NewBuilder().ForFrameworks(project.FrameworkReact).InCategory(CategoryUI).WithInstall(noopInstall).WithConfigure(noopConfigure)},
		{name: "missing display name", b: NewBuilder().Named("x", "", "").ForFrameworks(project.FrameworkReact).InCategory(CategoryUI).WithInstall(noopInstall).WithConfigure(noopConfigure)},
		{name: "name with slash", b: base("@scope/x", CategoryUI)},
		{name: "bad category", b: base("x", Category("databases"))},
		{name: "no frameworks", b: NewBuilder().Named("x", "X", "").InCategory(CategoryUI).WithInstall(noopInstall).WithConfigure(noopConfigure)},
		{name: "bad constraint", b: base("x", CategoryUI).WithFrameworkConstraint(">>nope")},
		{name: "missing install", b: NewBuilder().Named("x", "X", "").ForFrameworks(project.FrameworkReact).InCategory(CategoryUI).WithConfigure(noopConfigure)},
		{name: "missing configure", b: NewBuilder().Named("x", "X", "").ForFrameworks(project.FrameworkReact).InCategory(CategoryUI).WithInstall(noopInstall)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			assert.ErrorIs(t, err, ErrInvalidPlugin)
		})
	}

	assert.Panics(t, func() { base("x", Category("nope")).MustBuild() })
}

func TestCheckConstraint(t *testing.T) {
	tests := []struct {
		constraint, version string
		want                bool
		wantErr             bool
	}{
		{constraint: "", version: "18.2.0", want: true},
		{constraint: ">=18.0.0", version: "", want: true},
		{constraint: ">=18.0.0", version: "18.2.0", want: true},
		{constraint: ">=18.0.0", version: "17.0.2", want: false},
		{constraint: "^14", version: "14.1.0", want: true},
		{constraint: "~3.3", version: "3.4.0", want: false},
		{constraint: ">>x", version: "1.0.0", wantErr: true},
		{constraint: ">=1", version: "banana", wantErr: true},
	}

	for _, tt := range tests {
		got, err := CheckConstraint(tt.constraint, tt.version)
		if tt.wantErr {
			assert.Error(t, err, "%s %s", tt.constraint, tt.version)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %s", tt.constraint, tt.version)
	}
}

func newRegistry(t *testing.T, plugins ...Plugin) *Registry {
	t.Helper()
	r := NewRegistry(zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.RegisterAll(plugins...))
	return r
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := newRegistry(t,
		base("zustand", CategoryState).MustBuild(),
		base("axios", CategoryHTTP).MustBuild(),
	)

	assert.ErrorIs(t, r.Register(base("axios", CategoryHTTP).MustBuild()), ErrDuplicatePlugin)
	assert.Equal(t, 2, r.Len())

	p, ok := r.Get("zustand")
	require.True(t, ok)
	assert.Equal(t, "zustand", p.Info().Name)

	plugins, err := r.Lookup([]string{"zustand", "axios"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zustand", "axios"}, Names(plugins))

	_, err = r.Lookup([]string{"axios", "redux", "mobx"})
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	assert.Contains(t, err.Error(), "redux, mobx")
	assert.NotEmpty(t, errors.GetAllHints(err))
}

func TestRegistry_RegisterAllKeepsValid(t *testing.T) {
	r := NewRegistry(nil)
	bad := &FuncPlugin{info: Info{Name: "broken"}}
	err := r.RegisterAll(base("good", CategoryUI).MustBuild(), bad)
	assert.ErrorIs(t, err, ErrInvalidPlugin)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Queries(t *testing.T) {
	r := newRegistry(t,
		base("react-router", CategoryRouting).WithFrameworkConstraint(">=18").MustBuild(),
		base("tanstack-router", CategoryRouting).RequiresTypeScript().MustBuild(),
		base("vite-pwa", CategoryTooling).ForBundlers(project.BundlerVite).MustBuild(),
		NewBuilder().Named("pinia", "Pinia", "Vue store").ForFrameworks(project.FrameworkVue).
			InCategory(CategoryState).WithInstall(noopInstall).WithConfigure(noopConfigure).MustBuild(),
		base("zustand", CategoryState).IncompatibleWith("redux-toolkit").MustBuild(),
		base("redux-toolkit", CategoryState).MustBuild(),
	)

	assert.Equal(t, []string{"react-router", "tanstack-router"}, Names(r.ByCategory(CategoryRouting)))
	assert.Equal(t, []string{"pinia"}, Names(r.ByFramework(project.FrameworkVue)))
	assert.Equal(t, []string{"pinia", "redux-toolkit", "zustand"}, Names(r.ByCategory(CategoryState)))

	pctx := &project.Context{Framework: project.FrameworkReact, FrameworkVersion: "17.0.2", Bundler: project.BundlerWebpack}
	assert.Equal(t, []string{"redux-toolkit", "zustand"}, Names(r.Compatible(pctx)))

	pctx = &project.Context{Framework: project.FrameworkReact, FrameworkVersion: "18.2.0", TypeScript: true, Bundler: project.BundlerVite}
	assert.Equal(t,
		[]string{"react-router", "redux-toolkit", "tanstack-router", "vite-pwa", "zustand"},
		Names(r.Compatible(pctx)))

	zustand, _ := r.Get("zustand")
	assert.NotContains(t, Names(r.CompatibleWith(zustand, pctx)), "redux-toolkit")

	assert.Equal(t, []string{"react-router", "tanstack-router"}, Names(r.Search("ROUTER")))
	assert.Equal(t, []string{"pinia"}, Names(r.Search("vue store")))
	assert.Equal(t, []string{"vite-pwa"}, Names(r.Search("tooling")))
	assert.Empty(t, r.Search("graphql"))
}

func TestRegistry_DetectInstalled(t *testing.T) {
	has := func(dep string) DetectFunc {
		return func(pctx *project.Context) bool { return pctx.HasDependency(dep) }
	}
	r := newRegistry(t,
		base("zustand", CategoryState).WithDetect(has("zustand")).MustBuild(),
		base("axios", CategoryHTTP).WithDetect(has("axios")).MustBuild(),
		base("vitest", CategoryTesting).WithDetect(has("vitest")).MustBuild(),
		base("flaky", CategoryUtils).WithDetect(func(*project.Context) bool { panic("bad detector") }).MustBuild(),
	)

	c, err := pool.New(pool.Options{MaxWorkers: 2})
	require.NoError(t, err)

	pctx := &project.Context{
		Dependencies:    map[string]string{"zustand": "^4", "axios": "^1"},
		DevDependencies: map[string]string{},
	}
	detected, err := r.DetectInstalled(context.Background(), pctx, c)

	assert.Equal(t, []string{"axios", "zustand"}, Names(detected))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky")
}
