// Package backup keeps the most recent pre-write content of individual files
// so a failed install can put them back.
//
// Each absolute path has at most one record. A record is either captured
// content or an "absent" marker for a file that did not exist before the
// install created it; restoring an absent record removes the file.
package backup

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/logger"
)

// ErrNoBackup is returned by Restore for a path with no record.
var ErrNoBackup = errors.New("no backup for path")

type record struct {
	content []byte
	perm    os.FileMode
	absent  bool
}

// Manager holds backup records. It is safe for concurrent use within one
// process.
type Manager struct {
	mu      sync.Mutex
	fs      fsops.FS
	records map[string]record
	logger  *zap.SugaredLogger
}

// New creates a Manager that restores through fs.
func New(fs fsops.FS, log *zap.SugaredLogger) *Manager {
	return &Manager{
		fs:      fs,
		records: make(map[string]record),
		logger:  logger.OrNop(log),
	}
}

// Backup stores content as the record for path, replacing any earlier one.
func (m *Manager) Backup(path string, content []byte) error {
	path, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[path] = record{content: append([]byte(nil), content...), perm: 0644}
	return nil
}

// BackupFromDisk reads path and stores its current content.
func (m *Manager) BackupFromDisk(path string) error {
	path, err := normalize(path)
	if err != nil {
		return err
	}

	data, err := m.fs.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to back up %s", path)
	}
	perm := os.FileMode(0644)
	if info, err := m.fs.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[path] = record{content: data, perm: perm}
	return nil
}

// MarkCreated records that path did not exist. It is a no-op when path
// already has a record, so the earliest state wins.
func (m *Manager) MarkCreated(path string) error {
	path, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[path]; !ok {
		m.records[path] = record{absent: true}
	}
	return nil
}

// Has reports whether path has a record.
func (m *Manager) Has(path string) bool {
	path, err := normalize(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[path]
	return ok
}

// Paths returns every recorded path, sorted.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.records))
	for p := range m.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Restore writes the record for path back to disk. The record is kept, so
// restoring twice is harmless.
func (m *Manager) Restore(path string) error {
	path, err := normalize(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec, ok := m.records[path]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNoBackup, "%s", path)
	}

	return m.restore(path, rec)
}

// RestoreAll restores every record. Every path is attempted; the returned
// error is a *fsops.RestoreError naming each path that failed, and paths
// that were restored stay restored.
func (m *Manager) RestoreAll() error {
	m.mu.Lock()
	snapshot := make(map[string]record, len(m.records))
	for p, rec := range m.records {
		snapshot[p] = rec
	}
	m.mu.Unlock()

	paths := make([]string, 0, len(snapshot))
	for p := range snapshot {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	agg := &fsops.RestoreError{}
	for _, p := range paths {
		if err := m.restore(p, snapshot[p]); err != nil {
			m.logger.Warnw("backup restore failed", "path", p, "error", err)
			agg.Add(p, err)
			continue
		}
		m.logger.Debugw("backup restored", "path", p)
	}
	return agg.ErrOrNil()
}

// Clear discards every record without restoring.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]record)
}

func (m *Manager) restore(path string, rec record) error {
	if rec.absent {
		if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "failed to remove created file %s", path)
		}
		return nil
	}
	if err := m.fs.AtomicWrite(path, rec.content, rec.perm); err != nil {
		return errors.Wrapf(err, "failed to restore %s", path)
	}
	return nil
}

func normalize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", errors.Newf("backup path must be absolute, got %q", path)
	}
	return filepath.Clean(path), nil
}
