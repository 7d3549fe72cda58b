// Package installer drives one transactional plugin install against a
// project.
//
// An install call moves through a fixed sequence of states:
//
//	idle -> tracker-loaded -> filtered -> conflict-checked -> validated ->
//	dependencies-resolved -> pre-hooks-run -> packages-installed ->
//	configured -> post-hooks-run -> tracked -> reported
//
// Nothing in the project is written before dependencies-resolved. Any failure
// after that point moves to rolling-back, which runs plugin rollback hooks in
// reverse and restores every file the call backed up. The critical-file
// snapshot taken before the first mutation is released on success and kept
// (and exported) on failure.
package installer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/backup"
	"github.com/danieljhkim/plugkit/internal/clock"
	"github.com/danieljhkim/plugkit/internal/compat"
	"github.com/danieljhkim/plugkit/internal/configwriter"
	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/logger"
	"github.com/danieljhkim/plugkit/internal/pkgmgr"
	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
	"github.com/danieljhkim/plugkit/internal/snapshot"
	"github.com/danieljhkim/plugkit/internal/tracker"
	"github.com/danieljhkim/plugkit/internal/txlog"
)

// lockfiles are backed up before the package manager runs because it
// rewrites them.
var lockfiles = map[pkgmgr.Kind]string{
	pkgmgr.NPM:  "package-lock.json",
	pkgmgr.Yarn: "yarn.lock",
	pkgmgr.PNPM: "pnpm-lock.yaml",
	pkgmgr.Bun:  "bun.lockb",
}

// Options configures an Installer.
type Options struct {
	Project   *project.Context
	Tracker   tracker.Store
	Snapshots *snapshot.Manager
	Log       *txlog.Log
	Packages  pkgmgr.Manager

	// Validator defaults to compat.NewValidator().
	Validator *compat.Validator

	FS     fsops.FS
	Clock  clock.Clock
	Logger *zap.SugaredLogger

	// PackageManager overrides the project's detected package manager.
	// Empty or "auto" keeps the detected one.
	PackageManager string

	SkipPackages bool
	Exact        bool
	Silent       bool

	// ExportDir receives the snapshot of a failed install. Empty disables
	// export.
	ExportDir string
}

// Installer runs install calls for one project. Calls must not overlap.
type Installer struct {
	project   *project.Context
	tracker   tracker.Store
	snapshots *snapshot.Manager
	txlog     *txlog.Log
	packages  pkgmgr.Manager
	validator *compat.Validator
	fs        fsops.FS
	clock     clock.Clock
	logger    *zap.SugaredLogger

	kind         pkgmgr.Kind
	skipPackages bool
	exact        bool
	silent       bool
	exportDir    string
}

// New creates an Installer.
func New(opts Options) (*Installer, error) {
	if opts.Project == nil {
		return nil, errors.New("installer requires a project context")
	}
	if opts.Tracker == nil || opts.Snapshots == nil || opts.Log == nil {
		return nil, errors.New("installer requires a tracker, snapshot manager and transaction log")
	}
	if opts.Packages == nil && !opts.SkipPackages {
		return nil, errors.New("installer requires a package manager unless packages are skipped")
	}
	if opts.Validator == nil {
		opts.Validator = compat.NewValidator()
	}
	if opts.FS == nil {
		opts.FS = fsops.NewRealFS()
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}

	name := opts.PackageManager
	if name == "" || name == "auto" {
		name = opts.Project.PackageManager
	}
	if name == "" {
		name = string(pkgmgr.NPM)
	}
	kind, err := pkgmgr.ParseKind(name)
	if err != nil {
		return nil, err
	}

	return &Installer{
		project:      opts.Project,
		tracker:      opts.Tracker,
		snapshots:    opts.Snapshots,
		txlog:        opts.Log,
		packages:     opts.Packages,
		validator:    opts.Validator,
		fs:           opts.FS,
		clock:        opts.Clock,
		logger:       logger.OrNop(opts.Logger),
		kind:         kind,
		skipPackages: opts.SkipPackages,
		exact:        opts.Exact,
		silent:       opts.Silent,
		exportDir:    opts.ExportDir,
	}, nil
}

// run is the state of one install call.
type run struct {
	txID       string
	state      State
	snapshotID string

	installed *tracker.State
	pending   []plugin.Plugin
	resolved  []plugin.Plugin

	// configured holds plugins whose Configure returned successfully, in
	// order.
	configured []plugin.Plugin

	backups *backup.Manager
	writer  *configwriter.Writer

	warnings []string
	files    []plugin.FileOperation
}

// Install installs plugins into the project. The returned report is never
// nil; the error is the cause of a failed call and carries one of the
// package sentinels.
func (in *Installer) Install(ctx context.Context, plugins []plugin.Plugin) (*Report, error) {
	start := in.clock.Now()
	names := plugin.Names(plugins)

	txID, err := in.txlog.Start(names)
	if err != nil {
		report := newReport()
		report.Error = err.Error()
		return report.finish(in.clock.Since(start)), err
	}

	r := &run{txID: txID, state: StateIdle}
	r.backups = backup.New(in.fs, in.logger)
	r.writer = configwriter.New(in.fs, r.backups, in.project.Root, in.logger)

	in.logger.Infow("install started", "tx", txID, "plugins", names)

	report, err := in.execute(ctx, r, plugins)
	if err != nil {
		report = in.fail(ctx, r, err)
	}
	report.TransactionID = txID
	return report.finish(in.clock.Since(start)), err
}

func (in *Installer) execute(ctx context.Context, r *run, plugins []plugin.Plugin) (*Report, error) {
	state, err := in.tracker.Load()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to load installed plugins"), ErrTracker)
	}
	r.installed = state
	in.transition(r, StateTrackerLoaded)

	already := in.filter(r, plugins)
	in.transition(r, StateFiltered)

	if len(r.pending) == 0 {
		in.logger.Infow("all plugins already installed", "tx", r.txID, "plugins", already)
		if err := in.txlog.End(context.WithoutCancel(ctx), true, ""); err != nil {
			return nil, err
		}
		in.transition(r, StateReported)
		report := newReport()
		report.Success = true
		report.AlreadyInstalled = already
		return report, nil
	}

	if err := in.checkExclusive(r); err != nil {
		return nil, err
	}
	in.transition(r, StateConflictChecked)

	if err := in.validate(r); err != nil {
		return nil, err
	}
	in.transition(r, StateValidated)

	r.resolved = in.resolve(r)
	in.transition(r, StateDependenciesResolved)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	snapID, err := in.snapshots.Create("before installing " + strings.Join(plugin.Names(r.resolved), ", "))
	if err != nil {
		return nil, errors.Wrap(err, "failed to snapshot critical files")
	}
	r.snapshotID = snapID
	in.record(txlog.ActionSnapshotCreated, "captured critical files", map[string]any{"snapshot": snapID})

	in.runHooks(ctx, r, txlog.ActionPreInstallHook)
	in.transition(r, StatePreHooksRun)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	if !in.skipPackages {
		if err := in.installPackages(ctx, r); err != nil {
			return nil, err
		}
		in.transition(r, StatePackagesInstalled)
	}

	if err := in.configure(ctx, r); err != nil {
		return nil, err
	}
	in.transition(r, StateConfigured)

	in.runHooks(ctx, r, txlog.ActionPostInstallHook)
	in.transition(r, StatePostHooksRun)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	if err := in.track(r); err != nil {
		return nil, err
	}
	in.transition(r, StateTracked)

	in.snapshots.Release(r.snapshotID)
	r.backups.Clear()
	in.record(txlog.ActionCleanupComplete, "released snapshot and backups", nil)

	if err := in.txlog.End(context.WithoutCancel(ctx), true, r.snapshotID); err != nil {
		return nil, err
	}
	in.transition(r, StateReported)

	installed := plugin.Names(r.resolved)
	in.logger.Infow("install succeeded", "tx", r.txID, "plugins", installed, "files", len(r.files))

	report := newReport()
	report.Success = true
	report.Installed = installed
	report.Warnings = append(report.Warnings, r.warnings...)
	report.Files = append(report.Files, r.files...)
	report.AlreadyInstalled = already
	report.SnapshotID = r.snapshotID
	return report, nil
}

// filter splits plugins into pending and already installed. A plugin found
// by detection but missing from the tracker is registered on the spot.
func (in *Installer) filter(r *run, plugins []plugin.Plugin) []string {
	var (
		already []string
		healed  []string
	)
	for _, p := range plugins {
		info := p.Info()
		if r.installed.Has(info.Name) {
			already = append(already, info.Name)
			continue
		}
		if d, ok := p.(plugin.Detector); ok && d.Detect(in.project) {
			rec := tracker.NewRecord(info, in.clock.Now())
			rec.Detected = true
			r.installed.Add(rec)
			healed = append(healed, info.Name)
			already = append(already, info.Name)
			continue
		}
		r.pending = append(r.pending, p)
	}

	if len(healed) > 0 {
		if err := in.tracker.Save(r.installed); err != nil {
			in.logger.Warnw("failed to register detected plugins", "tx", r.txID, "plugins", healed, "error", err)
		} else {
			in.logger.Infow("registered detected plugins", "tx", r.txID, "plugins", healed)
		}
	}
	return already
}

// checkExclusive rejects a pending plugin whose exclusive category already
// has an installed member.
func (in *Installer) checkExclusive(r *run) error {
	var msgs []string
	for _, p := range r.pending {
		info := p.Info()
		if !info.Category.Exclusive() {
			continue
		}
		for _, rec := range r.installed.InCategory(info.Category) {
			if rec.Name != info.Name {
				msgs = append(msgs, info.Name+" conflicts with installed "+string(info.Category)+" plugin "+rec.Name)
			}
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	return errors.WithHint(
		errors.Mark(errors.Newf("%s", strings.Join(msgs, "; ")), ErrValidation),
		"remove the installed plugin first or pick a compatible one",
	)
}

func (in *Installer) validate(r *run) error {
	in.record(txlog.ActionValidationStart, "validating plugins", map[string]any{"count": len(r.pending)})

	result := in.validator.Validate(r.pending, in.project, in.installedNames(r))
	for _, w := range result.Warnings {
		r.warnings = append(r.warnings, w.Message)
		_ = in.txlog.LogWarning(w.Message, map[string]any{"kind": string(w.Kind), "plugins": w.Plugins})
	}

	data := map[string]any{"errors": len(result.Errors), "warnings": len(result.Warnings)}
	if len(result.Suggestions) > 0 {
		suggestions := make([]string, len(result.Suggestions))
		for i, s := range result.Suggestions {
			suggestions[i] = s.Message
		}
		data["suggestions"] = suggestions
	}
	in.record(txlog.ActionValidationComplete, "validation finished", data)

	if result.Valid {
		return nil
	}
	return errors.Mark(errors.Newf("%s", result.Error()), ErrValidation)
}

// installedNames is the installed state the validator checks requirements
// against: tracked plugins plus the project's declared dependencies.
func (in *Installer) installedNames(r *run) []string {
	names := r.installed.Names()
	return append(names, in.project.DependencyNames()...)
}

// resolve returns the pending batch in request order. Requirements that are
// neither in the batch nor installed are logged, never fetched.
func (in *Installer) resolve(r *run) []plugin.Plugin {
	inBatch := make(map[string]bool, len(r.pending))
	for _, p := range r.pending {
		inBatch[p.Info().Name] = true
	}

	out := make([]plugin.Plugin, 0, len(r.pending))
	seen := make(map[string]bool, len(r.pending))
	for _, p := range r.pending {
		info := p.Info()
		if seen[info.Name] {
			continue
		}
		seen[info.Name] = true
		for _, req := range info.Requires {
			if inBatch[req] || r.installed.Has(req) || in.project.HasDependency(req) {
				continue
			}
			// validate already recorded this as a missing-requirement warning
			in.logger.Warnw("required plugin is not installed", "tx", r.txID, "plugin", info.Name, "requires", req)
		}
		out = append(out, p)
	}
	return out
}

func (in *Installer) runHooks(ctx context.Context, r *run, action txlog.Action) {
	for _, p := range r.resolved {
		var hook func(context.Context, *plugin.Env) error
		switch action {
		case txlog.ActionPreInstallHook:
			if h, ok := p.(plugin.PreInstaller); ok {
				hook = h.PreInstall
			}
		case txlog.ActionPostInstallHook:
			if h, ok := p.(plugin.PostInstaller); ok {
				hook = h.PostInstall
			}
		}
		if hook == nil {
			continue
		}

		name := p.Info().Name
		start := in.clock.Now()
		if err := hook(ctx, in.env(r, name)); err != nil {
			err = errors.Mark(errors.Wrapf(err, "%s %s", name, action), ErrHook)
			msg := err.Error()
			r.warnings = append(r.warnings, msg)
			_ = in.txlog.LogWarning(msg, map[string]any{"plugin": name})
			in.logger.Warnw("hook failed", "tx", r.txID, "plugin", name, "hook", action, "error", err)
			continue
		}
		_ = in.txlog.LogTimed(action, name, start, map[string]any{"plugin": name})
	}
}

func (in *Installer) installPackages(ctx context.Context, r *run) error {
	var (
		deps, devDeps []string
		failures      []error
	)
	for _, p := range r.resolved {
		name := p.Info().Name
		res, err := p.Install(ctx, in.env(r, name))
		if err != nil {
			failures = append(failures, errors.Wrapf(err, "%s", name))
			continue
		}
		if res == nil {
			continue
		}
		deps = appendUnique(deps, res.Dependencies...)
		devDeps = appendUnique(devDeps, res.DevDependencies...)
	}
	if len(failures) > 0 {
		return errors.Mark(errors.Join(failures...), ErrPackageInstall)
	}
	if len(deps) == 0 && len(devDeps) == 0 {
		return nil
	}

	if err := in.backupManifests(r); err != nil {
		return errors.Mark(err, ErrPackageInstall)
	}

	for _, batch := range []struct {
		names []string
		dev   bool
	}{{deps, false}, {devDeps, true}} {
		if len(batch.names) == 0 {
			continue
		}
		if err := checkpoint(ctx); err != nil {
			return err
		}

		data := map[string]any{"packages": batch.names, "dev": batch.dev, "manager": string(in.kind)}
		in.record(txlog.ActionPackageInstallStart, "installing packages", data)

		start := in.clock.Now()
		err := in.packages.Install(ctx, batch.names, pkgmgr.Options{
			Dev:         batch.dev,
			Kind:        in.kind,
			ProjectRoot: in.project.Root,
			Exact:       in.exact,
			Silent:      in.silent,
		})
		if err != nil {
			return errors.Mark(err, ErrPackageInstall)
		}
		_ = in.txlog.LogTimed(txlog.ActionPackageInstallComplete, "installed packages", start, data)
	}
	return nil
}

// backupManifests captures package.json and the lockfile so rollback undoes
// the package manager's manifest changes.
func (in *Installer) backupManifests(r *run) error {
	for _, rel := range []string{"package.json", lockfiles[in.kind]} {
		abs := filepath.Join(in.project.Root, rel)
		if r.backups.Has(abs) {
			continue
		}
		exists, err := in.fs.Exists(abs)
		if err != nil {
			return err
		}
		if exists {
			err = r.backups.BackupFromDisk(abs)
		} else {
			err = r.backups.MarkCreated(abs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (in *Installer) configure(ctx context.Context, r *run) error {
	for _, p := range r.resolved {
		if err := checkpoint(ctx); err != nil {
			return err
		}

		name := p.Info().Name
		in.record(txlog.ActionConfigureStart, "configuring "+name, map[string]any{"plugin": name})

		start := in.clock.Now()
		res, err := p.Configure(ctx, in.env(r, name))
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "%s", name), ErrConfigure)
		}
		r.configured = append(r.configured, p)

		data := map[string]any{"plugin": name}
		if res != nil {
			r.files = append(r.files, res.Files...)
			data["files"] = len(res.Files)
		}
		_ = in.txlog.LogTimed(txlog.ActionConfigureComplete, "configured "+name, start, data)
	}
	return nil
}

func (in *Installer) track(r *run) error {
	now := in.clock.Now()
	for _, p := range r.resolved {
		r.installed.Add(tracker.NewRecord(p.Info(), now))
	}
	if err := in.tracker.Save(r.installed); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to record installed plugins"), ErrTracker)
	}
	return nil
}

// fail rolls back when the project may have changed, closes the transaction
// and builds the failure report.
func (in *Installer) fail(ctx context.Context, r *run, cause error) *Report {
	failed := r.state
	ctx = context.WithoutCancel(ctx)

	in.logger.Errorw("install failed", "tx", r.txID, "state", failed, "error", cause)
	_ = in.txlog.LogError("install failed", cause, map[string]any{"state": string(failed)})

	report := newReport()
	report.FailedState = failed
	report.Error = cause.Error()
	report.SnapshotID = r.snapshotID

	if r.snapshotID != "" || failed.mutating() {
		in.transition(r, StateRollingBack)
		report.SnapshotPath = in.rollback(ctx, r)
	}

	if err := in.txlog.End(ctx, false, r.snapshotID); err != nil {
		in.logger.Warnw("failed to close transaction", "tx", r.txID, "error", err)
	}
	in.transition(r, StateReported)
	return report
}

// rollback undoes configured plugins in reverse order, restores every
// backed-up file and exports the snapshot. It returns the export path.
func (in *Installer) rollback(ctx context.Context, r *run) string {
	in.record(txlog.ActionRollbackStart, "rolling back", map[string]any{"configured": len(r.configured)})
	start := in.clock.Now()

	for i := len(r.configured) - 1; i >= 0; i-- {
		p := r.configured[i]
		h, ok := p.(plugin.RollbackHandler)
		if !ok {
			continue
		}
		name := p.Info().Name
		if err := h.Rollback(ctx, in.env(r, name)); err != nil {
			err = errors.Mark(errors.Wrapf(err, "%s rollback", name), ErrRollback)
			_ = in.txlog.LogError("plugin rollback failed", err, map[string]any{"plugin": name})
			in.logger.Warnw("plugin rollback failed", "tx", r.txID, "plugin", name, "error", err)
		}
	}

	restored := r.backups.Paths()
	if err := r.backups.RestoreAll(); err != nil {
		err = errors.Mark(err, ErrRollback)
		_ = in.txlog.LogError("file restore incomplete", err, map[string]any{"paths": restored})
		in.logger.Errorw("file restore incomplete", "tx", r.txID, "error", err)
	}

	var exported string
	if r.snapshotID != "" && in.exportDir != "" {
		path, err := in.snapshots.Export(r.snapshotID, in.exportDir)
		if err != nil {
			_ = in.txlog.LogWarning("snapshot export failed: "+err.Error(), map[string]any{"snapshot": r.snapshotID})
		} else {
			exported = path
			in.logger.Infow("snapshot kept for inspection", "tx", r.txID, "snapshot", r.snapshotID, "path", path)
		}
	}

	_ = in.txlog.LogTimed(txlog.ActionRollbackComplete, "rollback finished", start, map[string]any{"restored": len(restored)})
	return exported
}

func (in *Installer) env(r *run, name string) *plugin.Env {
	return &plugin.Env{
		Project: in.project,
		Files:   r.writer,
		Logger:  in.logger.With("tx", r.txID, "plugin", name),
	}
}

func (in *Installer) transition(r *run, next State) {
	in.logger.Debugw("install state", "tx", r.txID, "state", next, "from", r.state)
	r.state = next
}

// record appends to the open transaction. The transaction is always open
// between Start and End, so an error here is logged and dropped.
func (in *Installer) record(action txlog.Action, msg string, data map[string]any) {
	if err := in.txlog.Log(action, msg, data); err != nil {
		in.logger.Warnw("failed to append transaction entry", "action", action, "error", err)
	}
}

func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "install interrupted")
	}
	return nil
}

func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		found := false
		for _, d := range dst {
			if d == n {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, n)
		}
	}
	return dst
}
