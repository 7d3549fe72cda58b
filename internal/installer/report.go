package installer

import (
	"time"

	"github.com/danieljhkim/plugkit/internal/plugin"
)

// Report is the outcome of one install call. On failure Installed, Warnings
// and Files are empty; the transaction log holds the details.
type Report struct {
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"durationMs"`

	Installed []string               `json:"installed"`
	Warnings  []string               `json:"warnings"`
	Files     []plugin.FileOperation `json:"files"`

	// AlreadyInstalled lists requested plugins that were skipped.
	AlreadyInstalled []string `json:"alreadyInstalled,omitempty"`

	TransactionID string `json:"transactionId,omitempty"`
	SnapshotID    string `json:"snapshotId,omitempty"`

	// SnapshotPath is where the snapshot was exported after a failure.
	SnapshotPath string `json:"snapshotPath,omitempty"`

	// FailedState is the step that failed.
	FailedState State `json:"failedState,omitempty"`

	Error string `json:"error,omitempty"`
}

func newReport() *Report {
	return &Report{
		Installed: []string{},
		Warnings:  []string{},
		Files:     []plugin.FileOperation{},
	}
}

func (r *Report) finish(d time.Duration) *Report {
	r.Duration = d
	r.DurationMs = d.Milliseconds()
	return r
}
