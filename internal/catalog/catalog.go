// Package catalog turns YAML plugin definitions into plugins.
//
// A definition carries the plugin metadata, the npm packages it installs,
// the dependency names that mark it as already present, and a list of static
// file changes applied during configuration. The embedded default catalog is
// always loaded first; user catalogs listed in config may add plugins or
// replace a default definition by name.
package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/logger"
	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
)

//go:embed default.yaml
var defaultCatalog []byte

// ErrInvalidCatalog is returned for catalogs that fail to parse or compile.
var ErrInvalidCatalog = errors.New("invalid catalog")

// SrcPlaceholder in a file path is replaced by the project's source dir.
const SrcPlaceholder = "{src}"

// FileAction is how a file entry is applied.
type FileAction string

const (
	// ActionCreate writes the file, replacing any existing content.
	ActionCreate FileAction = "create"

	// ActionAppend adds content to the end, creating the file when missing.
	ActionAppend FileAction = "append"

	// ActionPrepend adds content to the start of the file unless it is
	// already there, creating the file when missing.
	ActionPrepend FileAction = "prepend"
)

// File is one static file change.
type File struct {
	Path    string     `yaml:"path"`
	Action  FileAction `yaml:"action"`
	Content string     `yaml:"content"`

	// TypeScriptPath replaces Path in TypeScript projects.
	TypeScriptPath string `yaml:"tsPath,omitempty"`
}

// Definition is one plugin as written in YAML.
type Definition struct {
	Name                string   `yaml:"name"`
	DisplayName         string   `yaml:"displayName"`
	Description         string   `yaml:"description"`
	Category            string   `yaml:"category"`
	Version             string   `yaml:"version"`
	Frameworks          []string `yaml:"frameworks"`
	FrameworkConstraint string   `yaml:"frameworkConstraint,omitempty"`
	RequiresTypeScript  bool     `yaml:"requiresTypeScript,omitempty"`
	Bundlers            []string `yaml:"bundlers,omitempty"`
	Requires            []string `yaml:"requires,omitempty"`
	IncompatibleWith    []string `yaml:"incompatibleWith,omitempty"`
	Recommends          []string `yaml:"recommends,omitempty"`

	// Detect lists dependency names whose presence means the plugin is
	// already installed. Defaults to Dependencies without version suffixes.
	Detect []string `yaml:"detect,omitempty"`

	Dependencies    []string `yaml:"dependencies,omitempty"`
	DevDependencies []string `yaml:"devDependencies,omitempty"`
	Files           []File   `yaml:"files,omitempty"`
	Message         string   `yaml:"message,omitempty"`
}

// Catalog is a parsed catalog file.
type Catalog struct {
	Plugins []Definition `yaml:"plugins"`
}

// Parse decodes a catalog. Unknown keys are rejected.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to parse catalog"), ErrInvalidCatalog)
	}
	return &c, nil
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Loader reads catalogs and compiles them into a registry.
type Loader struct {
	fs     fsops.FS
	logger *zap.SugaredLogger
}

// NewLoader creates a Loader.
func NewLoader(fs fsops.FS, log *zap.SugaredLogger) *Loader {
	return &Loader{fs: fs, logger: logger.OrNop(log)}
}

// LoadFile parses the catalog at path.
func (l *Loader) LoadFile(path string) (*Catalog, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return c, nil
}

// Registry builds a registry from the default catalog followed by the
// catalogs at paths. A later definition replaces an earlier one with the same
// name and keeps the earlier position.
func (l *Loader) Registry(paths ...string) (*plugin.Registry, error) {
	catalogs := []*Catalog{Default()}
	for _, p := range paths {
		c, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		catalogs = append(catalogs, c)
	}

	defs := Merge(catalogs...)
	plugins, err := Compile(defs)
	if err != nil {
		return nil, err
	}

	reg := plugin.NewRegistry(l.logger)
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	l.logger.Debugw("catalog loaded", "plugins", reg.Len(), "files", len(paths))
	return reg, nil
}

// Merge flattens catalogs in order.
func Merge(catalogs ...*Catalog) []Definition {
	var out []Definition
	index := make(map[string]int)
	for _, c := range catalogs {
		for _, d := range c.Plugins {
			if i, ok := index[d.Name]; ok {
				out[i] = d
				continue
			}
			index[d.Name] = len(out)
			out = append(out, d)
		}
	}
	return out
}

// Compile builds every definition. All failures are reported together.
func Compile(defs []Definition) ([]plugin.Plugin, error) {
	var (
		plugins []plugin.Plugin
		errs    []error
	)
	for _, d := range defs {
		p, err := d.Compile()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		plugins = append(plugins, p)
	}
	if len(errs) > 0 {
		return nil, errors.Mark(errors.Join(errs...), ErrInvalidCatalog)
	}
	return plugins, nil
}

// Compile builds the plugin described by d.
func (d Definition) Compile() (*plugin.FuncPlugin, error) {
	for _, f := range d.Files {
		if err := f.validate(); err != nil {
			return nil, errors.Wrapf(err, "%s", d.Name)
		}
	}

	frameworks := make([]project.Framework, len(d.Frameworks))
	for i, f := range d.Frameworks {
		frameworks[i] = project.Framework(f)
	}
	bundlers := make([]project.Bundler, len(d.Bundlers))
	for i, b := range d.Bundlers {
		bundlers[i] = project.Bundler(b)
	}

	b := plugin.NewBuilder().
		Named(d.Name, d.DisplayName, d.Description).
		ForFrameworks(frameworks...).
		InCategory(plugin.Category(d.Category)).
		WithVersion(d.Version).
		WithFrameworkConstraint(d.FrameworkConstraint).
		ForBundlers(bundlers...).
		Requires(d.Requires...).
		IncompatibleWith(d.IncompatibleWith...).
		Recommends(d.Recommends...).
		WithDetect(d.detect).
		WithInstall(d.install).
		WithConfigure(d.configure)
	if d.RequiresTypeScript {
		b = b.RequiresTypeScript()
	}
	return b.Build()
}

func (d Definition) detectNames() []string {
	if len(d.Detect) > 0 {
		return d.Detect
	}
	names := make([]string, 0, len(d.Dependencies))
	for _, dep := range d.Dependencies {
		names = append(names, PackageName(dep))
	}
	return names
}

func (d Definition) detect(pctx *project.Context) bool {
	for _, name := range d.detectNames() {
		if pctx.HasDependency(name) {
			return true
		}
	}
	return false
}

func (d Definition) install(ctx context.Context, env *plugin.Env) (*plugin.InstallResult, error) {
	return &plugin.InstallResult{
		Dependencies:    append([]string(nil), d.Dependencies...),
		DevDependencies: append([]string(nil), d.DevDependencies...),
	}, nil
}

func (d Definition) configure(ctx context.Context, env *plugin.Env) (*plugin.ConfigResult, error) {
	result := &plugin.ConfigResult{Message: d.Message}
	for _, f := range d.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, err := f.apply(env)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", d.Name)
		}
		result.Files = append(result.Files, op)
	}
	return result, nil
}

// PackageName strips a version suffix from an npm package spec, keeping the
// scope of scoped packages.
func PackageName(spec string) string {
	at := strings.LastIndex(spec, "@")
	if at <= 0 {
		return spec
	}
	return spec[:at]
}

func (f File) validate() error {
	if f.Path == "" {
		return errors.New("file entry without path")
	}
	switch f.Action {
	case ActionCreate, ActionAppend, ActionPrepend:
		return nil
	default:
		return errors.Newf("%s: unknown action %q", f.Path, f.Action)
	}
}

// Resolve returns the project-relative path for pctx.
func (f File) Resolve(pctx *project.Context) string {
	path := f.Path
	if f.TypeScriptPath != "" && pctx != nil && pctx.TypeScript {
		path = f.TypeScriptPath
	}
	src := "."
	if pctx != nil && pctx.SrcDir != "" {
		src = pctx.SrcDir
	}
	path = strings.ReplaceAll(path, SrcPlaceholder, src)
	return strings.TrimPrefix(path, "./")
}

func (f File) apply(env *plugin.Env) (plugin.FileOperation, error) {
	rel := f.Resolve(env.Project)
	switch f.Action {
	case ActionAppend:
		return env.Files.AppendFile(rel, []byte(f.Content))
	case ActionPrepend:
		exists, err := env.Files.Exists(rel)
		if err != nil {
			return plugin.FileOperation{}, err
		}
		if !exists {
			return env.Files.CreateFile(rel, []byte(f.Content))
		}
		return env.Files.ModifyFile(rel, func(current []byte) ([]byte, error) {
			if bytes.Contains(current, []byte(f.Content)) {
				return current, nil
			}
			return append([]byte(f.Content), current...), nil
		})
	default:
		return env.Files.CreateFile(rel, []byte(f.Content))
	}
}
