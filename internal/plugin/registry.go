package plugin

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/logger"
	"github.com/danieljhkim/plugkit/internal/pool"
	"github.com/danieljhkim/plugkit/internal/project"
)

var (
	// ErrInvalidPlugin is returned for definitions that fail validation.
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("plugin already registered")

	// ErrUnknownPlugin is returned by Lookup for names not in the registry.
	ErrUnknownPlugin = errors.New("unknown plugin")
)

// ValidateInfo checks the static fields every plugin must carry.
func ValidateInfo(info Info) error {
	invalid := func(format string, args ...any) error {
		return errors.Wrapf(ErrInvalidPlugin, "%s: "+format, append([]any{info.Name}, args...)...)
	}

	if info.Name == "" {
		return errors.Wrap(ErrInvalidPlugin, "missing name")
	}
	if strings.ContainsAny(info.Name, " /\\") {
		return invalid("name must not contain spaces or slashes")
	}
	if info.DisplayName == "" {
		return invalid("missing display name")
	}
	if !info.Category.Valid() {
		return invalid("invalid category %q", info.Category)
	}
	if len(info.Frameworks) == 0 {
		return invalid("frameworks must not be empty")
	}
	if info.FrameworkConstraint != "" {
		if _, err := semver.NewConstraint(info.FrameworkConstraint); err != nil {
			return invalid("invalid framework constraint %q: %v", info.FrameworkConstraint, err)
		}
	}
	return nil
}

// CheckConstraint reports whether version satisfies constraint. An empty
// constraint or an unknown version is treated as satisfied.
func CheckConstraint(constraint, version string) (bool, error) {
	if constraint == "" || version == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, errors.Wrapf(err, "invalid constraint %q", constraint)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, errors.Wrapf(err, "invalid version %q", version)
	}
	return c.Check(v), nil
}

// Registry holds the known plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	logger  *zap.SugaredLogger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		logger:  logger.OrNop(log),
	}
}

// Register validates and adds a plugin.
func (r *Registry) Register(p Plugin) error {
	info := p.Info()
	if err := ValidateInfo(info); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[info.Name]; exists {
		return errors.Wrapf(ErrDuplicatePlugin, "%s", info.Name)
	}
	r.plugins[info.Name] = p
	return nil
}

// RegisterAll registers every plugin that validates and returns the
// failures joined. Valid plugins are kept even when others fail.
func (r *Registry) RegisterAll(plugins ...Plugin) error {
	var errs []error
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			r.logger.Warnw("plugin excluded from registry", "plugin", p.Info().Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the plugin with the given name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Lookup resolves names in order. Every unknown name is reported in one
// error.
func (r *Registry) Lookup(names []string) ([]Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]Plugin, 0, len(names))
	var unknown []string
	for _, name := range names {
		p, ok := r.plugins[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		plugins = append(plugins, p)
	}
	if len(unknown) > 0 {
		return nil, errors.WithHint(
			errors.Wrapf(ErrUnknownPlugin, "%s", strings.Join(unknown, ", ")),
			"run 'plugkit list' to see available plugins",
		)
	}
	return plugins, nil
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// All returns every plugin sorted by name.
func (r *Registry) All() []Plugin {
	return r.filter(func(Plugin) bool { return true })
}

// ByCategory returns the plugins in category c.
func (r *Registry) ByCategory(c Category) []Plugin {
	return r.filter(func(p Plugin) bool { return p.Info().Category == c })
}

// ByFramework returns the plugins that support f.
func (r *Registry) ByFramework(f project.Framework) []Plugin {
	return r.filter(func(p Plugin) bool { return p.Info().SupportsFramework(f) })
}

// Compatible returns the plugins usable in pctx: framework supported,
// framework version within the constraint, TypeScript present when
// required and bundler listed when the plugin restricts bundlers.
func (r *Registry) Compatible(pctx *project.Context) []Plugin {
	return r.filter(func(p Plugin) bool { return IsCompatible(p.Info(), pctx) })
}

// CompatibleWith is Compatible minus the plugins that ref declares
// incompatible.
func (r *Registry) CompatibleWith(ref Plugin, pctx *project.Context) []Plugin {
	excluded := make(map[string]bool)
	for _, name := range ref.Info().IncompatibleWith {
		excluded[name] = true
	}
	return r.filter(func(p Plugin) bool {
		return !excluded[p.Info().Name] && IsCompatible(p.Info(), pctx)
	})
}

// IsCompatible reports whether info can be installed into pctx.
func IsCompatible(info Info, pctx *project.Context) bool {
	if !info.SupportsFramework(pctx.Framework) {
		return false
	}
	if ok, err := CheckConstraint(info.FrameworkConstraint, pctx.FrameworkVersion); err != nil || !ok {
		return false
	}
	if info.RequiresTypeScript && !pctx.TypeScript {
		return false
	}
	if len(info.Bundlers) > 0 {
		found := false
		for _, b := range info.Bundlers {
			if b == pctx.Bundler {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Search matches query case-insensitively against name, display name,
// description and category.
func (r *Registry) Search(query string) []Plugin {
	q := strings.ToLower(strings.TrimSpace(query))
	return r.filter(func(p Plugin) bool {
		info := p.Info()
		for _, field := range []string{info.Name, info.DisplayName, info.Description, string(info.Category)} {
			if strings.Contains(strings.ToLower(field), q) {
				return true
			}
		}
		return false
	})
}

// DetectInstalled runs every plugin's detector against pctx on the
// controller and returns the plugins that report themselves present, sorted
// by name. A detector that fails or panics counts as not detected; the
// failures are returned joined alongside the detected plugins.
func (r *Registry) DetectInstalled(ctx context.Context, pctx *project.Context, c *pool.Controller) ([]Plugin, error) {
	var detectors []Plugin
	for _, p := range r.All() {
		if _, ok := p.(Detector); ok {
			detectors = append(detectors, p)
		}
	}

	tasks := make([]pool.Task[bool], len(detectors))
	for i, p := range detectors {
		d := p.(Detector)
		tasks[i] = func(ctx context.Context) (bool, error) {
			return d.Detect(pctx), nil
		}
	}

	results := pool.ExecuteAll(ctx, c, tasks)

	var detected []Plugin
	var errs []error
	for _, res := range results {
		p := detectors[res.Index]
		if !res.Success {
			errs = append(errs, errors.Wrapf(res.Err, "detect %s", p.Info().Name))
			continue
		}
		if res.Value {
			detected = append(detected, p)
		}
	}
	return detected, errors.Join(errs...)
}

func (r *Registry) filter(keep func(Plugin) bool) []Plugin {
	r.mu.RLock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if keep(p) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Info().Name < out[j].Info().Name
	})
	return out
}
