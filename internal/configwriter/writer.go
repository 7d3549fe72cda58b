// Package configwriter performs plugin file writes inside a project, backing
// up every file before its first change in an install call.
package configwriter

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/backup"
	"github.com/danieljhkim/plugkit/internal/fsops"
	"github.com/danieljhkim/plugkit/internal/logger"
	"github.com/danieljhkim/plugkit/internal/plugin"
)

// ErrMissingFile is returned by ModifyFile when the target does not exist.
var ErrMissingFile = errors.New("file to modify does not exist")

// Writer implements plugin.FileWriter against a project root.
type Writer struct {
	mu      sync.Mutex
	fs      fsops.FS
	backups *backup.Manager
	root    string
	ops     []plugin.FileOperation
	logger  *zap.SugaredLogger
}

var _ plugin.FileWriter = (*Writer)(nil)

// New creates a Writer rooted at root. Every write is recorded in backups
// first.
func New(fs fsops.FS, backups *backup.Manager, root string, log *zap.SugaredLogger) *Writer {
	return &Writer{
		fs:      fs,
		backups: backups,
		root:    root,
		logger:  logger.OrNop(log),
	}
}

// CreateFile writes content to rel. An existing file is backed up and
// overwritten, and the operation is reported as a modify.
func (w *Writer) CreateFile(rel string, content []byte) (plugin.FileOperation, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return plugin.FileOperation{}, err
	}

	existed, err := w.capture(abs)
	if err != nil {
		return plugin.FileOperation{}, err
	}

	kind := plugin.FileCreate
	if existed {
		kind = plugin.FileModify
	}
	return w.write(kind, rel, abs, content)
}

// ModifyFile rewrites rel with the result of modify. The file must exist.
// When modify returns identical content nothing is written.
func (w *Writer) ModifyFile(rel string, modify func(current []byte) ([]byte, error)) (plugin.FileOperation, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return plugin.FileOperation{}, err
	}

	current, err := w.fs.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return plugin.FileOperation{}, errors.Wrapf(ErrMissingFile, "%s", rel)
		}
		return plugin.FileOperation{}, errors.Wrapf(err, "failed to read %s", rel)
	}

	next, err := modify(current)
	if err != nil {
		return plugin.FileOperation{}, errors.Wrapf(err, "failed to modify %s", rel)
	}
	op := plugin.FileOperation{Kind: plugin.FileModify, Path: rel}
	if bytes.Equal(current, next) {
		return op, nil
	}

	if _, err := w.capture(abs); err != nil {
		return plugin.FileOperation{}, err
	}
	return w.write(plugin.FileModify, rel, abs, next)
}

// AppendFile appends content to rel, creating it when missing. A newline is
// inserted when the existing content does not end with one.
func (w *Writer) AppendFile(rel string, content []byte) (plugin.FileOperation, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return plugin.FileOperation{}, err
	}

	current, err := w.fs.ReadFile(abs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return plugin.FileOperation{}, errors.Wrapf(err, "failed to read %s", rel)
	}

	if _, err := w.capture(abs); err != nil {
		return plugin.FileOperation{}, err
	}

	next := append([]byte(nil), current...)
	if len(next) > 0 && next[len(next)-1] != '\n' {
		next = append(next, '\n')
	}
	next = append(next, content...)
	return w.write(plugin.FileAppend, rel, abs, next)
}

// ReadFile reads rel.
func (w *Writer) ReadFile(rel string) ([]byte, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	return w.fs.ReadFile(abs)
}

// Exists reports whether rel exists.
func (w *Writer) Exists(rel string) (bool, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return false, err
	}
	return w.fs.Exists(abs)
}

// Operations returns every write performed so far, in order.
func (w *Writer) Operations() []plugin.FileOperation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]plugin.FileOperation(nil), w.ops...)
}

func (w *Writer) resolve(rel string) (string, error) {
	if err := w.fs.ValidateRelPath(rel); err != nil {
		return "", errors.Wrap(err, "invalid plugin file path")
	}
	return filepath.Join(w.root, rel), nil
}

// capture backs abs up unless a record already exists and reports whether
// the file existed.
func (w *Writer) capture(abs string) (bool, error) {
	exists, err := w.fs.Exists(abs)
	if err != nil {
		return false, errors.Wrapf(err, "failed to stat %s", abs)
	}
	if w.backups.Has(abs) {
		return exists, nil
	}
	if exists {
		err = w.backups.BackupFromDisk(abs)
	} else {
		err = w.backups.MarkCreated(abs)
	}
	return exists, err
}

func (w *Writer) write(kind plugin.FileOpKind, rel, abs string, content []byte) (plugin.FileOperation, error) {
	if err := w.fs.AtomicWrite(abs, content, 0644); err != nil {
		return plugin.FileOperation{}, errors.Wrapf(err, "failed to write %s", rel)
	}

	op := plugin.FileOperation{Kind: kind, Path: rel}
	w.mu.Lock()
	w.ops = append(w.ops, op)
	w.mu.Unlock()

	w.logger.Debugw("wrote file", "path", rel, "kind", kind)
	return op, nil
}
