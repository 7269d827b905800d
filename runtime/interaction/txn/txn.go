// Package txn gives atomic multi-step operations over session state.
//
// A Manager captures a Snapshot through a host-supplied function before a
// unit of work runs and restores it if the work fails, so that a turn either
// commits completely or leaves state as it was. Transactions do not nest.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/telemetry"
)

// Transaction states.
const (
	StatePending    Status = "pending"
	StateActive     Status = "active"
	StateCommitted  Status = "committed"
	StateRolledBack Status = "rolled_back"
	StateFailed     Status = "failed"
)

// maxResultLen bounds the recorded text of an operation result.
const maxResultLen = 100

var (
	// ErrTransactionActive is returned when a transaction starts while
	// another one is active on the same Manager.
	ErrTransactionActive = errors.New("already in a transaction")
	// ErrRollbackFailed matches every Error raised because restoring a
	// snapshot failed.
	ErrRollbackFailed = errors.New("transaction rollback failed")
	// ErrSnapshotFailed matches every Error raised because capturing a
	// snapshot failed.
	ErrSnapshotFailed = errors.New("transaction snapshot failed")
)

type (
	// Status is the lifecycle state of a Transaction.
	Status string

	// Snapshot is an immutable point-in-time copy of session state.
	Snapshot struct {
		Timestamp   time.Time                 `json:"timestamp"`
		WorldState  map[string]any            `json:"worldState"`
		AgentStates map[string]map[string]any `json:"agentStates"`
		TurnCount   int                       `json:"turnCount"`
		History     []map[string]any          `json:"history"`
		Metadata    map[string]any            `json:"metadata,omitempty"`
	}

	// SnapshotFunc captures the current state.
	SnapshotFunc func(ctx context.Context) (Snapshot, error)

	// RestoreFunc replaces the current state with s.
	RestoreFunc func(ctx context.Context, s Snapshot) error

	// Op is one recorded step of a transaction.
	Op struct {
		Type   string    `json:"type"`
		Result string    `json:"result,omitempty"`
		At     time.Time `json:"at"`
	}

	// Operation is a unit of work run by ExecuteMany.
	Operation struct {
		Type string
		Fn   func(ctx context.Context) (any, error)
	}

	// Transaction is one unit of atomic work.
	Transaction struct {
		ID         string
		State      Status
		Snapshot   Snapshot
		Operations []Op
		StartTime  time.Time
		EndTime    time.Time
		Err        error

		now func() time.Time
	}

	// Stats summarizes transaction history.
	Stats struct {
		Total       int     `json:"totalTransactions"`
		Committed   int     `json:"committed"`
		RolledBack  int     `json:"rolledBack"`
		Failed      int     `json:"failed"`
		SuccessRate float64 `json:"successRate"`
	}

	// Options configures a Manager.
	Options struct {
		Snapshot SnapshotFunc
		Restore  RestoreFunc
		Logger   telemetry.Logger
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Manager runs transactions. A Manager allows one active transaction at
	// a time.
	Manager struct {
		snapshot SnapshotFunc
		restore  RestoreFunc
		logger   telemetry.Logger
		now      func() time.Time

		mu        sync.Mutex
		current   *Transaction
		history   []*Transaction
		counter   int
		lastCheck *Snapshot
	}

	// Error reports a transaction failure that is not the error of the
	// work itself: capturing or restoring the snapshot failed.
	Error struct {
		// TransactionID identifies the transaction.
		TransactionID string
		// Op is "snapshot" or "restore".
		Op string
		// Err is the snapshot or restore failure.
		Err error
		// Cause is the error that triggered the rollback, if any.
		Cause error
	}
)

// New returns a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Snapshot == nil {
		return nil, errors.New("snapshot function is required")
	}
	if opts.Restore == nil {
		return nil, errors.New("restore function is required")
	}
	m := &Manager{snapshot: opts.Snapshot, restore: opts.Restore, logger: opts.Logger, now: opts.Now}
	if m.logger == nil {
		m.logger = telemetry.NewNoopLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	s.WorldState = state.Clone(s.WorldState)
	s.AgentStates = state.CloneNested(s.AgentStates)
	s.History = state.CloneList(s.History)
	s.Metadata = state.Clone(s.Metadata)
	return s
}

// Run executes fn inside a transaction. The snapshot is captured before fn
// runs. When fn returns an error or panics the snapshot is restored: the
// error is returned unchanged and a panic is re-raised. If the restore itself
// fails Run returns an *Error wrapping both failures.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) (err error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return ErrTransactionActive
	}
	m.counter++
	now := m.now()
	tx := &Transaction{
		ID:        fmt.Sprintf("tx_%d_%s", m.counter, now.Format("20060102150405")),
		State:     StatePending,
		StartTime: now,
		now:       m.now,
	}
	m.current = tx
	m.mu.Unlock()

	snap, serr := m.snapshot(ctx)
	if serr != nil {
		tx.State = StateFailed
		tx.EndTime = m.now()
		tx.Err = &Error{TransactionID: tx.ID, Op: "snapshot", Err: serr}
		m.finish(tx)
		return tx.Err
	}
	tx.Snapshot = snap.Clone()
	tx.State = StateActive
	m.logger.Debug(ctx, "transaction started", "tx", tx.ID)

	panicked := true
	defer func() {
		defer m.finish(tx)
		tx.EndTime = m.now()
		if !panicked && err == nil {
			tx.State = StateCommitted
			m.logger.Debug(ctx, "transaction committed", "tx", tx.ID)
			return
		}
		var rec any
		cause := err
		if panicked {
			// rec is nil when fn called runtime.Goexit.
			rec = recover()
			cause = fmt.Errorf("transaction aborted: %v", rec)
		}
		tx.State = StateRolledBack
		tx.Err = cause
		if rerr := m.restore(ctx, tx.Snapshot.Clone()); rerr != nil {
			tx.State = StateFailed
			tx.Err = &Error{TransactionID: tx.ID, Op: "restore", Err: rerr, Cause: cause}
			m.logger.Error(ctx, "transaction rollback failed", "tx", tx.ID, "err", rerr)
			if !panicked {
				err = tx.Err
			}
		} else {
			m.logger.Info(ctx, "transaction rolled back", "tx", tx.ID, "cause", cause.Error())
		}
		if rec != nil {
			panic(rec)
		}
	}()

	err = fn(ctx, tx)
	panicked = false
	return err
}

// Execute runs fn in its own transaction and records its result under
// opType.
func (m *Manager) Execute(ctx context.Context, opType string, fn func(ctx context.Context) (any, error)) (any, error) {
	var out any
	err := m.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		tx.Record(opType, v)
		out = v
		return nil
	})
	return out, err
}

// ExecuteMany runs ops in order inside one transaction. Any failure rolls
// back all of them.
func (m *Manager) ExecuteMany(ctx context.Context, ops []Operation) ([]any, error) {
	var results []any
	err := m.Run(ctx, func(ctx context.Context, tx *Transaction) error {
		results = make([]any, 0, len(ops))
		for _, op := range ops {
			v, err := op.Fn(ctx)
			if err != nil {
				return err
			}
			tx.Record(op.Type, v)
			results = append(results, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Record appends an operation to the transaction log, stamped with the
// manager clock. result is formatted with %v and truncated.
func (tx *Transaction) Record(opType string, result any) {
	text := ""
	if result != nil {
		text = fmt.Sprintf("%v", result)
		if r := []rune(text); len(r) > maxResultLen {
			text = string(r[:maxResultLen])
		}
	}
	clock := tx.now
	if clock == nil {
		clock = time.Now
	}
	tx.Operations = append(tx.Operations, Op{Type: opType, Result: text, At: clock().UTC()})
}

// Checkpoint captures and returns a snapshot outside any transaction.
func (m *Manager) Checkpoint(ctx context.Context) (Snapshot, error) {
	s, err := m.snapshot(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: %w", err)
	}
	s = s.Clone()
	m.mu.Lock()
	m.lastCheck = &s
	m.mu.Unlock()
	m.logger.Debug(ctx, "checkpoint created")
	return s.Clone(), nil
}

// LastCheckpoint returns the most recent Checkpoint result.
func (m *Manager) LastCheckpoint() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCheck == nil {
		return Snapshot{}, false
	}
	return m.lastCheck.Clone(), true
}

// RestoreCheckpoint restores s.
func (m *Manager) RestoreCheckpoint(ctx context.Context, s Snapshot) error {
	if err := m.restore(ctx, s.Clone()); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	m.logger.Info(ctx, "checkpoint restored")
	return nil
}

// History returns every finished transaction, oldest first.
func (m *Manager) History() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, len(m.history))
	for i, tx := range m.history {
		out[i] = tx.copy()
	}
	return out
}

// LastSuccessful returns the most recent committed transaction.
func (m *Manager) LastSuccessful() (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].State == StateCommitted {
			return m.history[i].copy(), true
		}
	}
	return Transaction{}, false
}

// Failed returns the rolled back and failed transactions.
func (m *Manager) Failed() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, tx := range m.history {
		if tx.State == StateRolledBack || tx.State == StateFailed {
			out = append(out, tx.copy())
		}
	}
	return out
}

// ClearHistory forgets finished transactions.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	m.history = nil
	m.mu.Unlock()
}

// InTransaction reports whether a transaction is active.
func (m *Manager) InTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Current returns the active transaction, if any.
func (m *Manager) Current() (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Transaction{}, false
	}
	return m.current.copy(), true
}

// Stats summarizes the history. SuccessRate is 1 without history.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Total: len(m.history), SuccessRate: 1}
	for _, tx := range m.history {
		switch tx.State {
		case StateCommitted:
			s.Committed++
		case StateRolledBack:
			s.RolledBack++
		case StateFailed:
			s.Failed++
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Committed) / float64(s.Total)
	}
	return s
}

func (m *Manager) finish(tx *Transaction) {
	m.mu.Lock()
	m.history = append(m.history, tx)
	m.current = nil
	m.mu.Unlock()
}

func (tx *Transaction) copy() Transaction {
	out := *tx
	out.Snapshot = tx.Snapshot.Clone()
	out.Operations = append([]Op(nil), tx.Operations...)
	return out
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("transaction %s: %s failed: %v", e.TransactionID, e.Op, e.Err)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (while rolling back: %v)", e.Cause)
	}
	return msg
}

// Unwrap returns the snapshot or restore failure and the triggering error.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Is makes errors.Is match ErrRollbackFailed or ErrSnapshotFailed by Op.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRollbackFailed:
		return e.Op == "restore"
	case ErrSnapshotFailed:
		return e.Op == "snapshot"
	}
	return false
}

// AsError returns the first *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
