package plugin

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/danieljhkim/plugkit/internal/project"
)

// InstallFunc implements Plugin.Install.
type InstallFunc func(ctx context.Context, env *Env) (*InstallResult, error)

// ConfigureFunc implements Plugin.Configure.
type ConfigureFunc func(ctx context.Context, env *Env) (*ConfigResult, error)

// HookFunc implements PreInstall, PostInstall and Rollback.
type HookFunc func(ctx context.Context, env *Env) error

// DetectFunc implements Detector.Detect.
type DetectFunc func(pctx *project.Context) bool

// FuncPlugin is a Plugin assembled from functions by a Builder. It
// satisfies every capability interface; unset hooks do nothing and an unset
// detector never detects.
type FuncPlugin struct {
	info        Info
	detect      DetectFunc
	install     InstallFunc
	configure   ConfigureFunc
	preInstall  HookFunc
	postInstall HookFunc
	rollback    HookFunc
}

var (
	_ Plugin          = (*FuncPlugin)(nil)
	_ Detector        = (*FuncPlugin)(nil)
	_ PreInstaller    = (*FuncPlugin)(nil)
	_ PostInstaller   = (*FuncPlugin)(nil)
	_ RollbackHandler = (*FuncPlugin)(nil)
)

func (p *FuncPlugin) Info() Info {
	return p.info
}

func (p *FuncPlugin) Install(ctx context.Context, env *Env) (*InstallResult, error) {
	return p.install(ctx, env)
}

func (p *FuncPlugin) Configure(ctx context.Context, env *Env) (*ConfigResult, error) {
	return p.configure(ctx, env)
}

func (p *FuncPlugin) Detect(pctx *project.Context) bool {
	if p.detect == nil {
		return false
	}
	return p.detect(pctx)
}

func (p *FuncPlugin) PreInstall(ctx context.Context, env *Env) error {
	if p.preInstall == nil {
		return nil
	}
	return p.preInstall(ctx, env)
}

func (p *FuncPlugin) PostInstall(ctx context.Context, env *Env) error {
	if p.postInstall == nil {
		return nil
	}
	return p.postInstall(ctx, env)
}

func (p *FuncPlugin) Rollback(ctx context.Context, env *Env) error {
	if p.rollback == nil {
		return nil
	}
	return p.rollback(ctx, env)
}

// Builder assembles a FuncPlugin fluently:
//
//	p, err := plugin.NewBuilder().
//		Named("zustand", "Zustand", "Small state management").
//		ForFrameworks(project.FrameworkReact).
//		InCategory(plugin.CategoryState).
//		WithInstall(install).
//		WithConfigure(configure).
//		Build()
type Builder struct {
	p FuncPlugin
}

// NewBuilder starts a plugin definition.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Named(name, displayName, description string) *Builder {
	b.p.info.Name = name
	b.p.info.DisplayName = displayName
	b.p.info.Description = description
	return b
}

func (b *Builder) ForFrameworks(frameworks ...project.Framework) *Builder {
	b.p.info.Frameworks = append(b.p.info.Frameworks, frameworks...)
	return b
}

func (b *Builder) InCategory(c Category) *Builder {
	b.p.info.Category = c
	return b
}

func (b *Builder) WithVersion(v string) *Builder {
	b.p.info.Version = v
	return b
}

// WithFrameworkConstraint restricts the framework version, e.g. ">=18".
func (b *Builder) WithFrameworkConstraint(constraint string) *Builder {
	b.p.info.FrameworkConstraint = constraint
	return b
}

func (b *Builder) RequiresTypeScript() *Builder {
	b.p.info.RequiresTypeScript = true
	return b
}

func (b *Builder) ForBundlers(bundlers ...project.Bundler) *Builder {
	b.p.info.Bundlers = append(b.p.info.Bundlers, bundlers...)
	return b
}

func (b *Builder) Requires(names ...string) *Builder {
	b.p.info.Requires = append(b.p.info.Requires, names...)
	return b
}

func (b *Builder) IncompatibleWith(names ...string) *Builder {
	b.p.info.IncompatibleWith = append(b.p.info.IncompatibleWith, names...)
	return b
}

func (b *Builder) Recommends(names ...string) *Builder {
	b.p.info.Recommends = append(b.p.info.Recommends, names...)
	return b
}

func (b *Builder) WithDetect(fn DetectFunc) *Builder {
	b.p.detect = fn
	return b
}

func (b *Builder) WithInstall(fn InstallFunc) *Builder {
	b.p.install = fn
	return b
}

func (b *Builder) WithConfigure(fn ConfigureFunc) *Builder {
	b.p.configure = fn
	return b
}

func (b *Builder) WithPreInstall(fn HookFunc) *Builder {
	b.p.preInstall = fn
	return b
}

func (b *Builder) WithPostInstall(fn HookFunc) *Builder {
	b.p.postInstall = fn
	return b
}

func (b *Builder) WithRollback(fn HookFunc) *Builder {
	b.p.rollback = fn
	return b
}

// Build validates the definition and returns the plugin. The builder may
// be reused; later changes do not affect plugins already built.
func (b *Builder) Build() (*FuncPlugin, error) {
	p := b.p
	p.info = cloneInfo(b.p.info)

	if p.install == nil {
		return nil, errors.Wrapf(ErrInvalidPlugin, "%s: install function is required", p.info.Name)
	}
	if p.configure == nil {
		return nil, errors.Wrapf(ErrInvalidPlugin, "%s: configure function is required", p.info.Name)
	}
	if err := ValidateInfo(p.info); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustBuild is Build for definitions known to be valid.
func (b *Builder) MustBuild() *FuncPlugin {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

func cloneInfo(i Info) Info {
	i.Frameworks = append([]project.Framework(nil), i.Frameworks...)
	i.Bundlers = append([]project.Bundler(nil), i.Bundlers...)
	i.Requires = append([]string(nil), i.Requires...)
	i.IncompatibleWith = append([]string(nil), i.IncompatibleWith...)
	i.Recommends = append([]string(nil), i.Recommends...)
	return i
}
