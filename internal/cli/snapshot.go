package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/plugkit/internal/hash"
	"github.com/danieljhkim/plugkit/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and restore snapshots exported by failed installs",
	Long: `Inspect and restore snapshots exported by failed installs.

A snapshot argument is either a path to an exported snapshot file or the
id of a snapshot in the project's snapshot directory.`,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exported snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Restore the files captured by a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

var snapshotDriftCmd = &cobra.Command{
	Use:   "drift <snapshot>",
	Short: "Show captured files that changed since the snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDrift,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotDriftCmd)
}

type snapshotView struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	Files       []string  `json:"files"`
}

func newSnapshotView(path string, snap *snapshot.Snapshot) snapshotView {
	return snapshotView{
		ID:          snap.ID,
		Path:        path,
		Description: snap.Metadata.Description,
		CreatedAt:   snap.Metadata.CreatedAt,
		Files:       snap.Paths(),
	}
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	files, err := filepath.Glob(filepath.Join(a.paths.Snapshots, "*.json"))
	if err != nil {
		return err
	}

	hasher := hash.NewSHA256Hasher()
	views := make([]snapshotView, 0, len(files))
	for _, path := range files {
		snap, err := snapshot.Load(a.fs, hasher, path)
		if err != nil {
			a.log.Warnw("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		views = append(views, newSnapshotView(path, snap))
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})

	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, views)
	}
	if len(views) == 0 {
		PrintEmptyState(out, "No snapshots exported")
		return nil
	}
	rows := make([][]string, len(views))
	for i, v := range views {
		rows[i] = []string{v.ID, v.CreatedAt.Local().Format(time.DateTime), v.Description, fmt.Sprintf("%d", len(v.Files))}
	}
	PrintTable(out, []string{"ID", "CREATED", "DESCRIPTION", "FILES"}, rows)
	return nil
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	path, snap, m, err := a.openSnapshot(args[0])
	if err != nil {
		return err
	}

	if err := m.RestoreSnapshot(snap); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, newSnapshotView(path, snap))
	}
	PrintSuccess(out, fmt.Sprintf("Restored %s from snapshot %s", PrintCount(len(snap.Files), "file", "files"), snap.ID))
	PrintList(out, snap.Paths(), 1)
	return nil
}

func runSnapshotDrift(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	_, snap, m, err := a.openSnapshot(args[0])
	if err != nil {
		return err
	}

	drifted, err := m.DriftOf(snap)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if drifted == nil {
			drifted = []string{}
		}
		return outputJSON(out, map[string]any{"id": snap.ID, "drifted": drifted})
	}
	printDrift(out, snap, drifted)
	return nil
}

func printDrift(w io.Writer, snap *snapshot.Snapshot, drifted []string) {
	if len(drifted) == 0 {
		PrintSuccess(w, fmt.Sprintf("No drift since snapshot %s", snap.ID))
		return
	}
	PrintWarning(w, fmt.Sprintf("%s changed since snapshot %s", PrintCount(len(drifted), "file", "files"), snap.ID))
	PrintList(w, drifted, 1)
}

// openSnapshot loads a snapshot by path or id and builds a manager rooted
// where the snapshot was taken.
func (a *app) openSnapshot(arg string) (string, *snapshot.Snapshot, *snapshot.Manager, error) {
	path := arg
	if !strings.HasSuffix(arg, ".json") {
		if err := a.fs.ValidateIdentifier(arg); err != nil {
			return "", nil, nil, err
		}
		path = filepath.Join(a.paths.Snapshots, arg+".json")
	}

	hasher := hash.NewSHA256Hasher()
	snap, err := snapshot.Load(a.fs, hasher, path)
	if err != nil {
		return "", nil, nil, err
	}

	root := snap.Root
	if root == "" {
		root = a.paths.Root
	}
	m, err := snapshot.New(snapshot.Options{
		Root:   root,
		FS:     a.fs,
		Hasher: hasher,
		Logger: a.log,
	})
	if err != nil {
		return "", nil, nil, err
	}
	return path, snap, m, nil
}
