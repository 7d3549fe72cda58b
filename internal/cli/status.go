package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/plugkit/internal/plugin"
	"github.com/danieljhkim/plugkit/internal/project"
	"github.com/danieljhkim/plugkit/internal/tracker"
)

var statusDetect bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project and its installed plugins",
	Long: `Show the detected project and the plugins recorded as installed.

With --detect, every catalog plugin's detector also runs against the
project so plugins installed outside plugkit are reported.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusDetect, "detect", false, "Run plugin detectors against the project")
}

type projectView struct {
	Root             string `json:"root"`
	Name             string `json:"name,omitempty"`
	Framework        string `json:"framework"`
	FrameworkVersion string `json:"frameworkVersion,omitempty"`
	TypeScript       bool   `json:"typescript"`
	Bundler          string `json:"bundler"`
	PackageManager   string `json:"packageManager"`
	SrcDir           string `json:"srcDir"`
}

type statusView struct {
	Project   projectView      `json:"project"`
	Installed []tracker.Record `json:"installed"`

	// Detected and Untracked are set with --detect.
	Detected  []string `json:"detected,omitempty"`
	Untracked []string `json:"untracked,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	pctx, err := a.detectProject()
	if err != nil {
		return err
	}

	installed, err := a.tracker.Load()
	if err != nil {
		return err
	}

	view := statusView{
		Project:   newProjectView(pctx),
		Installed: installed.Plugins,
	}

	if statusDetect {
		c, err := a.controller()
		if err != nil {
			return err
		}

		detected, detectErr := a.registry.DetectInstalled(cmd.Context(), pctx, c)
		if detectErr != nil {
			a.log.Warnw("some detectors failed", "error", detectErr)
		}
		view.Detected = plugin.Names(detected)
		for _, name := range view.Detected {
			if !installed.Has(name) {
				view.Untracked = append(view.Untracked, name)
			}
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, view)
	}
	printStatus(out, view)
	return nil
}

func newProjectView(pctx *project.Context) projectView {
	return projectView{
		Root:             pctx.Root,
		Name:             pctx.Name,
		Framework:        string(pctx.Framework),
		FrameworkVersion: pctx.FrameworkVersion,
		TypeScript:       pctx.TypeScript,
		Bundler:          string(pctx.Bundler),
		PackageManager:   pctx.PackageManager,
		SrcDir:           pctx.SrcDir,
	}
}

func printStatus(w io.Writer, v statusView) {
	PrintSection(w, "Project")
	if v.Project.Name != "" {
		PrintLabelValue(w, "Name", v.Project.Name)
	}
	PrintLabelValue(w, "Root", v.Project.Root)
	framework := v.Project.Framework
	if v.Project.FrameworkVersion != "" {
		framework += " " + v.Project.FrameworkVersion
	}
	PrintLabelValue(w, "Framework", framework)
	PrintLabelValue(w, "TypeScript", fmt.Sprintf("%t", v.Project.TypeScript))
	PrintLabelValue(w, "Bundler", v.Project.Bundler)
	PrintLabelValue(w, "Package manager", v.Project.PackageManager)
	PrintLabelValue(w, "Source dir", v.Project.SrcDir)

	PrintSection(w, fmt.Sprintf("Installed (%s)", PrintCount(len(v.Installed), "plugin", "plugins")))
	if len(v.Installed) == 0 {
		PrintEmptyState(w, "No plugins installed")
	} else {
		rows := make([][]string, len(v.Installed))
		for i, rec := range v.Installed {
			source := "plugkit"
			if rec.Detected {
				source = "detected"
			}
			rows[i] = []string{rec.Name, string(rec.Category), rec.Version, rec.InstalledAt.Local().Format(time.DateTime), source}
		}
		PrintTable(w, []string{"NAME", "CATEGORY", "VERSION", "INSTALLED AT", "SOURCE"}, rows)
	}

	if v.Detected == nil {
		return
	}
	PrintSection(w, "Detection")
	PrintLabelValue(w, "Detected", PrintCount(len(v.Detected), "plugin", "plugins"))
	if len(v.Untracked) > 0 {
		PrintWarning(w, "Present in the project but not tracked:")
		PrintList(w, v.Untracked, 1)
		PrintEmptyState(w, "These are recorded automatically on the next install.")
	}
}
