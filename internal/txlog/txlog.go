// Package txlog records an append-only, timestamped audit trail for each
// install attempt.
//
// Exactly one transaction is open for appending at a time. Ended
// transactions stay queryable in memory for the life of the Log and are
// handed to an optional Sink for durable history.
package txlog

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/danieljhkim/plugkit/internal/clock"
	"github.com/danieljhkim/plugkit/internal/logger"
)

var (
	// ErrNoTransaction is returned when appending without an open transaction.
	ErrNoTransaction = errors.New("no open transaction")

	// ErrTransactionOpen is returned by Start while another transaction is open.
	ErrTransactionOpen = errors.New("a transaction is already open")

	// ErrUnknownTransaction is returned for ids this log never issued.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Action is the kind of a log entry.
type Action string

const (
	ActionValidationStart        Action = "validation-start"
	ActionValidationComplete     Action = "validation-complete"
	ActionSnapshotCreated        Action = "snapshot-created"
	ActionPreInstallHook         Action = "pre-install-hook"
	ActionPostInstallHook        Action = "post-install-hook"
	ActionPackageInstallStart    Action = "package-install-start"
	ActionPackageInstallComplete Action = "package-install-complete"
	ActionConfigureStart         Action = "plugin-configure-start"
	ActionConfigureComplete      Action = "plugin-configure-complete"
	ActionRollbackStart          Action = "rollback-start"
	ActionRollbackComplete       Action = "rollback-complete"
	ActionCleanupComplete        Action = "cleanup-complete"
	ActionWarning                Action = "warning"
	ActionError                  Action = "error"
)

var knownActions = map[Action]bool{
	ActionValidationStart: true, ActionValidationComplete: true,
	ActionSnapshotCreated: true, ActionPreInstallHook: true,
	ActionPostInstallHook: true, ActionPackageInstallStart: true,
	ActionPackageInstallComplete: true, ActionConfigureStart: true,
	ActionConfigureComplete: true, ActionRollbackStart: true,
	ActionRollbackComplete: true, ActionCleanupComplete: true,
	ActionWarning: true, ActionError: true,
}

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	return knownActions[a]
}

// Entry is one line of a transaction.
type Entry struct {
	Action    Action         `json:"action"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Transaction is the audit record of one install attempt.
type Transaction struct {
	ID          string     `json:"id"`
	PluginNames []string   `json:"plugin_names"`
	Entries     []Entry    `json:"entries"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Success     bool       `json:"success"`
	SnapshotID  string     `json:"snapshot_id,omitempty"`
}

// Ended reports whether End has been called.
func (t *Transaction) Ended() bool {
	return t.EndedAt != nil
}

// ErrorCount returns the number of error entries.
func (t *Transaction) ErrorCount() int {
	return t.count(ActionError)
}

// WarningCount returns the number of warning entries.
func (t *Transaction) WarningCount() int {
	return t.count(ActionWarning)
}

// Duration is the wall time between start and end, zero while open.
func (t *Transaction) Duration() time.Duration {
	if t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

func (t *Transaction) count(action Action) int {
	n := 0
	for _, e := range t.Entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.PluginNames = append([]string(nil), t.PluginNames...)
	c.Entries = append([]Entry(nil), t.Entries...)
	if t.EndedAt != nil {
		ended := *t.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// Report summarizes a transaction.
type Report struct {
	Transaction  *Transaction  `json:"transaction"`
	ErrorCount   int           `json:"error_count"`
	WarningCount int           `json:"warning_count"`
	Duration     time.Duration `json:"duration"`
}

// Sink persists ended transactions.
type Sink interface {
	Record(ctx context.Context, tx *Transaction) error
}

// Options configures a Log.
type Options struct {
	Clock  clock.Clock
	Sink   Sink
	Logger *zap.SugaredLogger
}

// Log is the transaction log.
type Log struct {
	mu      sync.Mutex
	clock   clock.Clock
	sink    Sink
	logger  *zap.SugaredLogger
	current *Transaction
	txs     map[string]*Transaction

	// Monotonic entropy keeps ids issued within one millisecond ordered.
	entropy *ulid.MonotonicEntropy
}

// New creates a Log.
func New(opts Options) *Log {
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Log{
		clock:   clk,
		sink:    opts.Sink,
		logger:  logger.OrNop(opts.Logger),
		txs:     make(map[string]*Transaction),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Start opens a new transaction and returns its ULID.
func (l *Log) Start(pluginNames []string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil {
		return "", errors.Wrapf(ErrTransactionOpen, "transaction %s", l.current.ID)
	}

	now := l.clock.Now()
	tx := &Transaction{
		ID:          ulid.MustNew(ulid.Timestamp(now), l.entropy).String(),
		PluginNames: append([]string(nil), pluginNames...),
		StartedAt:   now,
	}
	l.current = tx
	l.txs[tx.ID] = tx

	l.logger.Debugw("transaction started", "tx", tx.ID, "plugins", pluginNames)
	return tx.ID, nil
}

// Current returns the id of the open transaction.
func (l *Log) Current() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return "", false
	}
	return l.current.ID, true
}

// Log appends an entry of the given action.
func (l *Log) Log(action Action, message string, data map[string]any) error {
	return l.append(Entry{Action: action, Message: message, Data: data})
}

// LogError appends an error entry.
func (l *Log) LogError(message string, cause error, data map[string]any) error {
	entry := Entry{Action: ActionError, Message: message, Data: data}
	if cause != nil {
		entry.Error = cause.Error()
	}
	return l.append(entry)
}

// LogWarning appends a warning entry.
func (l *Log) LogWarning(message string, data map[string]any) error {
	return l.append(Entry{Action: ActionWarning, Message: message, Data: data})
}

// LogTimed appends an entry whose duration is measured from start.
func (l *Log) LogTimed(action Action, message string, start time.Time, data map[string]any) error {
	return l.append(Entry{Action: action, Message: message, Data: data, Duration: l.clock.Since(start)})
}

func (l *Log) append(entry Entry) error {
	if !entry.Action.Valid() {
		return errors.Newf("unknown action %q", entry.Action)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current == nil {
		return ErrNoTransaction
	}
	entry.Timestamp = l.clock.Now()
	l.current.Entries = append(l.current.Entries, entry)

	kv := []any{"tx", l.current.ID, "action", string(entry.Action)}
	if entry.Error != "" {
		kv = append(kv, "error", entry.Error)
	}
	l.logger.Debugw(entry.Message, kv...)
	return nil
}

// End closes the open transaction and hands it to the sink. A sink failure
// is logged and does not fail End.
func (l *Log) End(ctx context.Context, success bool, snapshotID string) error {
	l.mu.Lock()
	tx := l.current
	if tx == nil {
		l.mu.Unlock()
		return ErrNoTransaction
	}
	ended := l.clock.Now()
	tx.EndedAt = &ended
	tx.Success = success
	tx.SnapshotID = snapshotID
	l.current = nil
	frozen := tx.clone()
	l.mu.Unlock()

	l.logger.Debugw("transaction ended", "tx", frozen.ID, "success", success, "snapshot", snapshotID)

	if l.sink != nil {
		if err := l.sink.Record(ctx, frozen); err != nil {
			l.logger.Warnw("failed to record transaction history", "tx", frozen.ID, "error", err)
		}
	}
	return nil
}

// Get returns a copy of a transaction.
func (l *Log) Get(id string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	return tx.clone(), nil
}

// IDs returns every transaction id in start order.
func (l *Log) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.txs))
	for id := range l.txs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Report returns the summary of a transaction.
func (l *Log) Report(id string) (*Report, error) {
	tx, err := l.Get(id)
	if err != nil {
		return nil, err
	}
	return NewReport(tx), nil
}

// NewReport summarizes tx.
func NewReport(tx *Transaction) *Report {
	return &Report{
		Transaction:  tx,
		ErrorCount:   tx.ErrorCount(),
		WarningCount: tx.WarningCount(),
		Duration:     tx.Duration(),
	}
}

// Format renders the diagnostic view of a transaction.
func (l *Log) Format(id string) (string, error) {
	tx, err := l.Get(id)
	if err != nil {
		return "", err
	}
	return Format(tx), nil
}

// Format renders tx as a multi-line report. Output depends only on tx.
func Format(tx *Transaction) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Transaction %s\n", tx.ID)
	switch {
	case !tx.Ended():
		b.WriteString("Status: IN PROGRESS\n")
	case tx.Success:
		b.WriteString("Status: SUCCESS\n")
	default:
		b.WriteString("Status: FAILED\n")
	}
	fmt.Fprintf(&b, "Plugins: %s\n", strings.Join(tx.PluginNames, ", "))
	fmt.Fprintf(&b, "Started: %s\n", tx.StartedAt.UTC().Format(time.RFC3339))
	if tx.Ended() {
		fmt.Fprintf(&b, "Duration: %dms\n", tx.Duration().Milliseconds())
	}
	if tx.SnapshotID != "" {
		fmt.Fprintf(&b, "Snapshot: %s\n", tx.SnapshotID)
	}

	b.WriteString("Entries:\n")
	for _, e := range tx.Entries {
		fmt.Fprintf(&b, "  [%s] %s", e.Action, e.Message)
		if e.Duration > 0 {
			fmt.Fprintf(&b, " (%dms)", e.Duration.Milliseconds())
		}
		if e.Error != "" {
			fmt.Fprintf(&b, ": %s", e.Error)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Errors: %d, Warnings: %d\n", tx.ErrorCount(), tx.WarningCount())
	return b.String()
}
