package fsops

import (
	"fmt"
	"sort"
	"strings"
)

// RestoreFailure records one path that could not be restored.
type RestoreFailure struct {
	Path string
	Err  error
}

// RestoreError aggregates every failure of a best-effort multi-file restore.
// Paths that restored successfully are not listed and are never undone.
type RestoreError struct {
	Failures []RestoreFailure
}

// Add appends a failure.
func (e *RestoreError) Add(path string, err error) {
	e.Failures = append(e.Failures, RestoreFailure{Path: path, Err: err})
}

// ErrOrNil returns e when at least one failure was recorded, nil otherwise.
// The explicit nil return avoids the typed-nil-in-interface trap.
func (e *RestoreError) ErrOrNil() error {
	if e == nil || len(e.Failures) == 0 {
		return nil
	}
	sort.SliceStable(e.Failures, func(i, j int) bool {
		return e.Failures[i].Path < e.Failures[j].Path
	})
	return e
}

// Paths returns the failed paths in order.
func (e *RestoreError) Paths() []string {
	paths := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		paths = append(paths, f.Path)
	}
	return paths
}

func (e *RestoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to restore %d file(s)", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  %s: %v", f.Path, f.Err)
	}
	return b.String()
}

// Unwrap exposes the individual causes to errors.Is / errors.As.
func (e *RestoreError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
