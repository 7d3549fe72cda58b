package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/plugkit/internal/installer"
	"github.com/danieljhkim/plugkit/internal/pkgmgr"
	"github.com/danieljhkim/plugkit/internal/snapshot"
	"github.com/danieljhkim/plugkit/internal/txlog"
)

var (
	installSkipPackages bool
	installExact        bool
	installSilent       bool
)

var installCmd = &cobra.Command{
	Use:   "install <plugin>...",
	Short: "Install plugins into the project",
	Long: `Install one or more plugins into the current project.

The request is validated against the project and the plugins already
installed before anything is written. Package installation and file
configuration run as one transaction: if any step fails, every file the
install touched is restored and the transaction is kept in the history.`,
	Example: `  plugkit install zustand
  plugkit install react-router tailwindcss --exact
  plugkit install prettier --skip-packages --json`,
	Args:              cobra.MinimumNArgs(1),
	ValidArgsFunction: completePluginNames,
	RunE:              runInstall,
}

func init() {
	installCmd.Flags().BoolVar(&installSkipPackages, "skip-packages", false, "Configure files without running the package manager")
	installCmd.Flags().BoolVar(&installExact, "exact", false, "Pin exact dependency versions")
	installCmd.Flags().BoolVar(&installSilent, "silent", false, "Hide package manager output")
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	plugins, err := a.registry.Lookup(args)
	if err != nil {
		return err
	}

	pctx, err := a.detectProject()
	if err != nil {
		return err
	}

	sink, err := a.history()
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	snaps, err := snapshot.New(snapshot.Options{
		Root:   pctx.Root,
		Files:  a.cfg.Snapshot.Files,
		TTL:    a.cfg.Snapshot.TTL,
		Sweep:  a.cfg.Snapshot.Sweep,
		FS:     a.fs,
		Logger: a.log,
	})
	if err != nil {
		return err
	}
	defer snaps.Destroy()

	pm := pkgmgr.NewExec(a.log)
	pm.Stdout = cmd.ErrOrStderr()
	pm.Stderr = cmd.ErrOrStderr()

	exportDir := ""
	if a.cfg.Snapshot.Export {
		exportDir = a.paths.Snapshots
	}

	inst, err := installer.New(installer.Options{
		Project:        pctx,
		Tracker:        a.tracker,
		Snapshots:      snaps,
		Log:            txlog.New(txlog.Options{Sink: sink, Logger: a.log}),
		Packages:       pm,
		FS:             a.fs,
		Logger:         a.log,
		PackageManager: a.cfg.PackageManager,
		SkipPackages:   installSkipPackages || a.cfg.Install.SkipPackages,
		Exact:          installExact || a.cfg.Install.Exact,
		Silent:         installSilent || jsonOutput,
		ExportDir:      exportDir,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, installErr := inst.Install(ctx, plugins)

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := outputJSON(out, report); err != nil {
			return err
		}
		return installErr
	}

	printReport(out, report)
	return installErr
}

func printReport(w io.Writer, r *installer.Report) {
	if !r.Success {
		PrintError(w, "Install failed")
		PrintLabelValue(w, "Failed at", string(r.FailedState))
		if r.SnapshotID != "" {
			PrintLabelValue(w, "Rolled back", "project files restored")
		}
		if r.TransactionID != "" {
			PrintLabelValue(w, "Transaction", r.TransactionID)
		}
		if r.SnapshotPath != "" {
			PrintLabelValue(w, "Snapshot", r.SnapshotPath)
		}
		if r.TransactionID != "" {
			_, _ = fmt.Fprintln(w)
			PrintEmptyState(w, fmt.Sprintf("Run 'plugkit history %s' for the full transaction log", r.TransactionID))
		}
		return
	}

	if len(r.Installed) == 0 {
		PrintSuccess(w, "Nothing to install")
	} else {
		PrintSuccess(w, fmt.Sprintf("Installed %s in %s", strings.Join(r.Installed, ", "), r.Duration.Round(time.Millisecond)))
	}
	if len(r.AlreadyInstalled) > 0 {
		PrintLabelValue(w, "Already installed", strings.Join(r.AlreadyInstalled, ", "))
	}

	if len(r.Files) > 0 {
		PrintSection(w, "Files")
		rows := make([][]string, len(r.Files))
		for i, op := range r.Files {
			rows[i] = []string{string(op.Kind), op.Path}
		}
		PrintTable(w, []string{"ACTION", "PATH"}, rows)
	}

	if len(r.Warnings) > 0 {
		PrintSection(w, "Warnings")
		for _, warning := range r.Warnings {
			PrintWarning(w, warning)
		}
	}
}

// completePluginNames offers catalog plugin names for shell completion.
func completePluginNames(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	a, err := newApp()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer a.close()

	seen := make(map[string]bool, len(args))
	for _, arg := range args {
		seen[arg] = true
	}

	var names []string
	for _, p := range a.registry.All() {
		info := p.Info()
		if seen[info.Name] || !strings.HasPrefix(info.Name, toComplete) {
			continue
		}
		names = append(names, info.Name+"\t"+info.Description)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
