// Package snapshot captures and restores a project's critical files as a
// whole.
//
// A snapshot is taken before an install starts mutating the project. It is
// released when the install succeeds and kept (optionally exported to disk)
// when it fails so a human can inspect or restore it later. Snapshots that
// are never released expire after a TTL; a cron-scheduled sweep removes
// them.
package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/clock"
	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/hash"
	"github.com/danieljhkim/plugkit/internal/logger"
)

// DefaultTTL is how long an unreleased snapshot is kept.
const DefaultTTL = 24 * time.Hour

// ErrNotFound is returned for unknown or released snapshot ids.
var ErrNotFound = errors.New("snapshot not found")

// sweepParser supports descriptors like @every 1h and @hourly as well as
// standard 5-field expressions.
var sweepParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Snapshot is an immutable capture of the critical files. Files and
// Checksums are keyed by project-relative path.
type Snapshot struct {
	ID        string            `json:"id"`
	Root      string            `json:"root"`
	Timestamp time.Time         `json:"timestamp"`
	Files     map[string]string `json:"files"`
	Checksums map[string]string `json:"checksums"`
	Metadata  Metadata          `json:"metadata"`
}

// Metadata describes why and when a snapshot was taken.
type Metadata struct {
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Paths returns the captured relative paths, sorted.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Files = make(map[string]string, len(s.Files))
	for k, v := range s.Files {
		c.Files[k] = v
	}
	c.Checksums = make(map[string]string, len(s.Checksums))
	for k, v := range s.Checksums {
		c.Checksums[k] = v
	}
	return &c
}

// Options configures a Manager.
type Options struct {
	// Root is the absolute project root.
	Root string

	// Files is the project-relative critical file set.
	Files []string

	// TTL defaults to DefaultTTL.
	TTL time.Duration

	// Sweep is a cron spec for the expiry sweep. Empty disables it.
	Sweep string

	FS     fsops.FS
	Hasher hash.Hasher
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

// Manager owns in-memory snapshots for one project.
type Manager struct {
	mu        sync.Mutex
	root      string
	files     []string
	ttl       time.Duration
	fs        fsops.FS
	hasher    hash.Hasher
	clock     clock.Clock
	logger    *zap.SugaredLogger
	snapshots map[string]*Snapshot
	cron      *cron.Cron
}

// New creates a Manager and starts the expiry sweep when opts.Sweep is set.
func New(opts Options) (*Manager, error) {
	if !filepath.IsAbs(opts.Root) {
		return nil, errors.Newf("snapshot root must be absolute, got %q", opts.Root)
	}
	if opts.FS == nil {
		opts.FS = fsops.NewRealFS()
	}
	if opts.Hasher == nil {
		opts.Hasher = hash.NewSHA256Hasher()
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	files := make([]string, 0, len(opts.Files))
	for _, f := range opts.Files {
		if err := opts.FS.ValidateRelPath(f); err != nil {
			return nil, errors.Wrapf(err, "invalid critical file")
		}
		files = append(files, filepath.Clean(f))
	}

	m := &Manager{
		root:      filepath.Clean(opts.Root),
		files:     files,
		ttl:       opts.TTL,
		fs:        opts.FS,
		hasher:    opts.Hasher,
		clock:     opts.Clock,
		logger:    logger.OrNop(opts.Logger),
		snapshots: make(map[string]*Snapshot),
	}

	if opts.Sweep != "" {
		schedule, err := sweepParser.Parse(opts.Sweep)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid sweep schedule %q", opts.Sweep)
		}
		m.cron = cron.New(cron.WithParser(sweepParser))
		m.cron.Schedule(schedule, cron.FuncJob(func() { m.Sweep() }))
		m.cron.Start()
	}

	return m, nil
}

// Create captures the current content of every critical file. Files absent
// at capture time are skipped.
func (m *Manager) Create(description string) (string, error) {
	now := m.clock.Now()
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Root:      m.root,
		Timestamp: now,
		Files:     make(map[string]string),
		Checksums: make(map[string]string),
		Metadata: Metadata{
			Description: description,
			CreatedAt:   now,
			ExpiresAt:   now.Add(m.ttl),
		},
	}

	for _, rel := range m.files {
		data, err := m.fs.ReadFile(filepath.Join(m.root, rel))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", errors.Wrapf(err, "failed to capture %s", rel)
		}
		snap.Files[rel] = string(data)
		snap.Checksums[rel] = m.hasher.HashBytes(data)
	}

	m.mu.Lock()
	m.snapshots[snap.ID] = snap
	m.mu.Unlock()

	m.logger.Debugw("snapshot created", "snapshot", snap.ID, "files", len(snap.Files))
	return snap.ID, nil
}

// Get returns a copy of a live snapshot.
func (m *Manager) Get(id string) (*Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, false
	}
	return snap.clone(), true
}

// List returns copies of every live snapshot, oldest first.
func (m *Manager) List() []*Snapshot {
	m.mu.Lock()
	out := make([]*Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		out = append(out, snap.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.CreatedAt.Equal(out[j].Metadata.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Metadata.CreatedAt.Before(out[j].Metadata.CreatedAt)
	})
	return out
}

// Restore rewrites every file captured by the snapshot id.
func (m *Manager) Restore(id string) error {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	return m.RestoreSnapshot(snap)
}

// RestoreSnapshot rewrites every file of snap, which may have been loaded
// from an export. All files are attempted; failures are collected into a
// *fsops.RestoreError.
func (m *Manager) RestoreSnapshot(snap *Snapshot) error {
	agg := &fsops.RestoreError{}
	for _, rel := range snap.Paths() {
		if err := m.fs.ValidateRelPath(rel); err != nil {
			agg.Add(rel, err)
			continue
		}
		path := filepath.Join(m.root, rel)
		if err := m.fs.AtomicWrite(path, []byte(snap.Files[rel]), 0644); err != nil {
			m.logger.Warnw("snapshot restore failed", "snapshot", snap.ID, "path", path, "error", err)
			agg.Add(path, err)
		}
	}
	if err := agg.ErrOrNil(); err != nil {
		return err
	}
	m.logger.Infow("snapshot restored", "snapshot", snap.ID, "files", len(snap.Files))
	return nil
}

// Release drops a snapshot. It reports false when id is unknown or was
// already released.
func (m *Manager) Release(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[id]; !ok {
		return false
	}
	delete(m.snapshots, id)
	return true
}

// Sweep removes expired snapshots and returns how many were removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []string
	for id, snap := range m.snapshots {
		if !now.Before(snap.Metadata.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.snapshots, id)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debugw("expired snapshots swept", "count", len(expired))
	}
	return len(expired)
}

// Destroy stops the background sweep. Snapshots stay readable.
func (m *Manager) Destroy() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	m.cron = nil
}

// Drift returns the captured paths whose current content no longer matches
// the captured checksum. A captured file that is now missing counts as
// drifted.
func (m *Manager) Drift(id string) ([]string, error) {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	m.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return m.DriftOf(snap)
}

// DriftOf is Drift for a loaded snapshot.
func (m *Manager) DriftOf(snap *Snapshot) ([]string, error) {
	var drifted []string
	for _, rel := range snap.Paths() {
		data, err := m.fs.ReadFile(filepath.Join(m.root, rel))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				drifted = append(drifted, rel)
				continue
			}
			return nil, errors.Wrapf(err, "failed to read %s", rel)
		}
		if m.hasher.HashBytes(data) != snap.Checksums[rel] {
			drifted = append(drifted, rel)
		}
	}
	return drifted, nil
}

// Export writes the snapshot as JSON to <dir>/<id>.json and returns the path.
func (m *Manager) Export(id, dir string) (string, error) {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	m.mu.Unlock()
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err := m.fs.ValidateIdentifier(snap.ID); err != nil {
		return "", errors.Wrap(err, "invalid snapshot id")
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal snapshot")
	}

	path := filepath.Join(dir, snap.ID+".json")
	if err := m.fs.AtomicWrite(path, data, 0600); err != nil {
		return "", errors.Wrapf(err, "failed to export snapshot %s", snap.ID)
	}
	return path, nil
}

// Load reads an exported snapshot and verifies its checksums.
func Load(fs fsops.FS, hasher hash.Hasher, path string) (*Snapshot, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot %s", path)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "failed to parse snapshot %s", path)
	}
	if snap.ID == "" {
		return nil, errors.Newf("snapshot %s has no id", path)
	}
	for rel, content := range snap.Files {
		if hasher.HashBytes([]byte(content)) != snap.Checksums[rel] {
			return nil, errors.Newf("snapshot %s is corrupt: checksum mismatch for %s", path, rel)
		}
	}
	return &snap, nil
}
