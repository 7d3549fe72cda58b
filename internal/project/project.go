// Package project describes the target project an install runs against.
package project

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"

	"github.com/danieljhkim/plugkit/internal/fsops"
)

// ErrNoPackageJSON is returned by Detect when the root has no package.json.
var ErrNoPackageJSON = errors.New("package.json not found")

// Framework identifies the UI framework of a project.
type Framework string

const (
	FrameworkReact  Framework = "react"
	FrameworkNextJS Framework = "nextjs"
	FrameworkVue    Framework = "vue"
	FrameworkSvelte Framework = "svelte"
	FrameworkSolid  Framework = "solid"
	FrameworkPreact Framework = "preact"
)

// Bundler identifies the build tool of a project. Empty means unknown.
type Bundler string

const (
	BundlerVite    Bundler = "vite"
	BundlerNext    Bundler = "next"
	BundlerWebpack Bundler = "webpack"
	BundlerParcel  Bundler = "parcel"
	BundlerRollup  Bundler = "rollup"
)

// Context is a read-only description of a project. Nothing mutates it during
// an install call.
type Context struct {
	Root             string
	Name             string
	Framework        Framework
	FrameworkVersion string
	TypeScript       bool
	Bundler          Bundler
	PackageManager   string
	Dependencies     map[string]string
	DevDependencies  map[string]string
	SrcDir           string
}

// HasDependency reports whether name is a regular or dev dependency.
func (c *Context) HasDependency(name string) bool {
	_, ok := c.DependencyVersion(name)
	return ok
}

// DependencyVersion returns the declared range for name.
func (c *Context) DependencyVersion(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if v, ok := c.Dependencies[name]; ok {
		return v, true
	}
	v, ok := c.DevDependencies[name]
	return v, ok
}

// DependencyNames returns every declared dependency name, sorted.
func (c *Context) DependencyNames() []string {
	names := make([]string, 0, len(c.Dependencies)+len(c.DevDependencies))
	seen := make(map[string]bool)
	for _, m := range []map[string]string{c.Dependencies, c.DevDependencies} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Path joins a project-relative path onto Root.
func (c *Context) Path(rel string) string {
	return filepath.Join(c.Root, rel)
}

// SourcePath joins a path relative to the source directory onto Root.
func (c *Context) SourcePath(rel string) string {
	return filepath.Join(c.Root, c.SrcDir, rel)
}

type packageJSON struct {
	Name            string            `json:"name"`
	PackageManager  string            `json:"packageManager"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// frameworkPackages is checked in order; next must win over react.
var frameworkPackages = []struct {
	pkg       string
	framework Framework
}{
	{"next", FrameworkNextJS},
	{"react", FrameworkReact},
	{"vue", FrameworkVue},
	{"svelte", FrameworkSvelte},
	{"solid-js", FrameworkSolid},
	{"preact", FrameworkPreact},
}

var bundlerPackages = []struct {
	pkg     string
	bundler Bundler
}{
	{"next", BundlerNext},
	{"vite", BundlerVite},
	{"webpack", BundlerWebpack},
	{"parcel", BundlerParcel},
	{"rollup", BundlerRollup},
}

var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"bun.lock", "bun"},
	{"package-lock.json", "npm"},
}

// Detect reads package.json, lockfiles and tsconfig.json under root.
func Detect(fs fsops.FS, root string) (*Context, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", root)
	}

	data, err := fs.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		if exists, _ := fs.Exists(filepath.Join(root, "package.json")); !exists {
			return nil, errors.WithHint(
				errors.Wrapf(ErrNoPackageJSON, "in %s", root),
				"run plugkit from the root of a JavaScript project",
			)
		}
		return nil, errors.Wrap(err, "failed to read package.json")
	}

	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrap(err, "failed to parse package.json")
	}

	ctx := &Context{
		Root:            root,
		Name:            pkg.Name,
		Dependencies:    nonNil(pkg.Dependencies),
		DevDependencies: nonNil(pkg.DevDependencies),
		SrcDir:          ".",
	}

	for _, fp := range frameworkPackages {
		if v, ok := ctx.DependencyVersion(fp.pkg); ok {
			ctx.Framework = fp.framework
			ctx.FrameworkVersion = NormalizeVersion(v)
			break
		}
	}
	for _, bp := range bundlerPackages {
		if ctx.HasDependency(bp.pkg) {
			ctx.Bundler = bp.bundler
			break
		}
	}

	ctx.TypeScript = ctx.HasDependency("typescript")
	if !ctx.TypeScript {
		ctx.TypeScript, _ = fs.Exists(filepath.Join(root, "tsconfig.json"))
	}

	ctx.PackageManager = detectPackageManager(fs, root, pkg.PackageManager)

	if ok, _ := fs.Exists(filepath.Join(root, "src")); ok {
		ctx.SrcDir = "src"
	}

	return ctx, nil
}

func detectPackageManager(fs fsops.FS, root, declared string) string {
	for _, lf := range lockfiles {
		if ok, _ := fs.Exists(filepath.Join(root, lf.file)); ok {
			return lf.manager
		}
	}
	if declared != "" {
		name, _, _ := strings.Cut(declared, "@")
		switch name {
		case "npm", "yarn", "pnpm", "bun":
			return name
		}
	}
	return "npm"
}

// NormalizeVersion turns a declared range such as "^18.2.0" into the
// version it is anchored at. Unparseable ranges yield "".
func NormalizeVersion(declared string) string {
	v := strings.TrimSpace(declared)
	if i := strings.IndexAny(v, " |"); i >= 0 {
		v = v[:i]
	}
	v = strings.TrimLeft(v, "^~>=<v")
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return ""
	}
	return parsed.String()
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
