package cli

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/catalog"
	"github.com/danieljhkim/plugkit/internal/config"
	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/logger"
	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/pool"
	"github.com/danieljhkim/plugkit/internal/project"
	"github.com/danieljhkim/plugkit/internal/tracker"
	"github.com/danieljhkim/plugkit/internal/txlog"
)

// app holds the collaborators every command needs.
type app struct {
	paths    *config.Paths
	cfg      *config.Config
	log      *zap.SugaredLogger
	fs       fsops.FS
	registry *plugin.Registry
	tracker  *tracker.FileStore
}

// newApp resolves paths, loads configuration and the plugin catalog.
func newApp() (*app, error) {
	paths, err := config.ProjectPaths(projectDir)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(paths)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, JSON: cfg.Log.JSON})
	if err != nil {
		return nil, err
	}

	fs := fsops.NewRealFS()
	registry, err := catalog.NewLoader(fs, log).Registry(cfg.Catalog.Paths...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load plugin catalog")
	}

	return &app{
		paths:    paths,
		cfg:      cfg,
		log:      log,
		fs:       fs,
		registry: registry,
		tracker:  tracker.NewFileStore(fs, paths.Installed),
	}, nil
}

// detectProject reads the project at the configured root.
func (a *app) detectProject() (*project.Context, error) {
	return project.Detect(a.fs, a.paths.Root)
}

// detectProjectIfPresent is detectProject for commands that also work
// outside a project.
func (a *app) detectProjectIfPresent() (*project.Context, error) {
	pctx, err := a.detectProject()
	if errors.Is(err, project.ErrNoPackageJSON) {
		return nil, nil
	}
	return pctx, err
}

// history opens the transaction history database.
func (a *app) history() (*txlog.SQLiteSink, error) {
	if err := a.paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return txlog.NewSQLiteSink(a.paths.History)
}

// controller builds the worker pool for batch detection.
func (a *app) controller() (*pool.Controller, error) {
	return pool.New(pool.Options{
		MaxWorkers:  a.cfg.Workers,
		TaskTimeout: a.cfg.TaskTimeout,
		Logger:      a.log,
	})
}

func (a *app) close() {
	_ = a.log.Sync()
}

// outputJSON writes a value as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// pluginView is the JSON shape of a plugin.
type pluginView struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category"`
	Version     string   `json:"version,omitempty"`
	Frameworks  []string `json:"frameworks"`
	Installed   bool     `json:"installed"`
}

func newPluginView(p plugin.Plugin, installed *tracker.State) pluginView {
	info := p.Info()
	fws := make([]string, len(info.Frameworks))
	for i, f := range info.Frameworks {
		fws[i] = string(f)
	}
	return pluginView{
		Name:        info.Name,
		DisplayName: info.DisplayName,
		Description: info.Description,
		Category:    string(info.Category),
		Version:     info.Version,
		Frameworks:  fws,
		Installed:   installed != nil && installed.Has(info.Name),
	}
}

// printPlugins renders plugins as JSON or a table.
func printPlugins(cmd *cobra.Command, plugins []plugin.Plugin, installed *tracker.State, empty string) error {
	views := make([]pluginView, len(plugins))
	for i, p := range plugins {
		views[i] = newPluginView(p, installed)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, views)
	}
	if len(views) == 0 {
		PrintEmptyState(out, empty)
		return nil
	}

	rows := make([][]string, len(views))
	for i, v := range views {
		mark := ""
		if v.Installed {
			mark = "✓"
		}
		rows[i] = []string{v.Name, v.Category, v.Version, strings.Join(v.Frameworks, ", "), mark}
	}
	PrintTable(out, []string{"NAME", "CATEGORY", "VERSION", "FRAMEWORKS", "INSTALLED"}, rows)
	return nil
}
