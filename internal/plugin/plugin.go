// Package plugin defines what a plugin is and how plugins are registered.
//
// A plugin must be able to Install (report the packages it needs) and
// Configure (write its files into the project). Everything else is
// optional and expressed as small capability interfaces that the installer
// discovers with a type assertion: Detector, PreInstaller, PostInstaller and
// RollbackHandler.
package plugin

import (
	"context"

	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/project"
)

// Category groups plugins by purpose.
type Category string

const (
	CategoryRouting   Category = "routing"
	CategoryState     Category = "state"
	CategoryHTTP      Category = "http"
	CategoryCSS       Category = "css"
	CategoryTooling   Category = "tooling"
	CategoryTesting   Category = "testing"
	CategoryUI        Category = "ui"
	CategoryForms     Category = "forms"
	CategoryAnimation Category = "animation"
	CategoryNextJS    Category = "nextjs"
	CategoryUtils     Category = "utils"
)

var categories = []Category{
	CategoryRouting, CategoryState, CategoryHTTP, CategoryCSS, CategoryTooling,
	CategoryTesting, CategoryUI, CategoryForms, CategoryAnimation,
	CategoryNextJS, CategoryUtils,
}

// Categories returns the closed category set in declaration order.
func Categories() []Category {
	return append([]Category(nil), categories...)
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// Exclusive reports whether a project may hold at most one plugin of c.
func (c Category) Exclusive() bool {
	return c == CategoryRouting || c == CategoryState
}

// Info is the static description of a plugin.
type Info struct {
	Name        string
	DisplayName string
	Description string
	Category    Category
	Version     string

	Frameworks []project.Framework

	// FrameworkConstraint is a semver constraint on the framework version,
	// e.g. ">=18.0.0". Empty means any version.
	FrameworkConstraint string

	RequiresTypeScript bool

	// Bundlers restricts the plugin to the listed bundlers. Empty means any.
	Bundlers []project.Bundler

	Requires         []string
	IncompatibleWith []string
	Recommends       []string
}

// SupportsFramework reports whether f is listed in Frameworks.
func (i Info) SupportsFramework(f project.Framework) bool {
	for _, fw := range i.Frameworks {
		if fw == f {
			return true
		}
	}
	return false
}

// FileOpKind is the kind of change a plugin made to a file.
type FileOpKind string

const (
	FileCreate FileOpKind = "create"
	FileModify FileOpKind = "modify"
	FileAppend FileOpKind = "append"
)

// FileOperation records one file change, with Path relative to the project
// root.
type FileOperation struct {
	Kind FileOpKind `json:"kind"`
	Path string     `json:"path"`
}

// InstallResult lists the packages a plugin needs.
type InstallResult struct {
	Dependencies    []string
	DevDependencies []string
	Message         string
}

// ConfigResult lists the files a plugin changed.
type ConfigResult struct {
	Files   []FileOperation
	Message string
}

// FileWriter performs project-relative writes. Implementations back up
// every file before its first change.
type FileWriter interface {
	CreateFile(rel string, content []byte) (FileOperation, error)
	ModifyFile(rel string, modify func(current []byte) ([]byte, error)) (FileOperation, error)
	AppendFile(rel string, content []byte) (FileOperation, error)
	ReadFile(rel string) ([]byte, error)
	Exists(rel string) (bool, error)
}

// Env is what a plugin sees during one install call.
type Env struct {
	Project *project.Context
	Files   FileWriter
	Logger  *zap.SugaredLogger
}

// Plugin is the mandatory plugin surface.
type Plugin interface {
	Info() Info
	Install(ctx context.Context, env *Env) (*InstallResult, error)
	Configure(ctx context.Context, env *Env) (*ConfigResult, error)
}

// Detector reports whether a plugin is already present in a project.
type Detector interface {
	Detect(pctx *project.Context) bool
}

// PreInstaller runs before any package is installed.
type PreInstaller interface {
	PreInstall(ctx context.Context, env *Env) error
}

// PostInstaller runs after every plugin is configured.
type PostInstaller interface {
	PostInstall(ctx context.Context, env *Env) error
}

// RollbackHandler undoes plugin-specific side effects that file restoration
// cannot.
type RollbackHandler interface {
	Rollback(ctx context.Context, env *Env) error
}

// Names returns the names of plugins in order.
func Names(plugins []Plugin) []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Info().Name
	}
	return names
}
