// Package txn groups commands into transactions that a connection stages
// and commits atomically, retrying on conflicts until the timeout.
package txn

import (
	"context"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const notLockedMessage = "The transaction failed because the IDL has been configured to require a database lock but didn't get it yet or has already lost it"

// Options control how a transaction reports failures.
type Options struct {
	// CheckError makes Commit return database errors and command failures.
	CheckError bool
	// LogErrors logs database errors and command failures.
	LogErrors bool
	// Timeout bounds waiting for the result, retries included. Zero means
	// the connection's timeout.
	Timeout time.Duration
	// Isolated always starts a new transaction instead of joining the one
	// open in the context.
	Isolated bool
}

// DefaultOptions logs failures without returning them.
func DefaultOptions() Options {
	return Options{LogErrors: true}
}

// Queuer hands transactions to the goroutine that runs them.
type Queuer interface {
	Queue(ctx context.Context, t *Transaction) error
	Timeout() time.Duration
}

// State is the terminal state of a transaction.
type State int

const (
	StateUnchanged State = iota
	StateSuccess
	StateAborted
	StateDatabaseError
	StateTimedOut
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnchanged:
		return "unchanged"
	case StateSuccess:
		return "success"
	case StateAborted:
		return "aborted"
	case StateDatabaseError:
		return "database error"
	case StateTimedOut:
		return "timed out"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is what the connection publishes for a transaction.
type Outcome struct {
	State    State
	Results  []interface{}
	Err      error
	Attempts int
}

// Transaction is an ordered group of commands committed atomically. Commands
// are added by one goroutine; after Commit the transaction belongs to the
// connection until the outcome is published.
type Transaction struct {
	queuer   Queuer
	opts     Options
	timeout  time.Duration
	commands []Command
	results  chan Outcome
	queued   atomic.Bool
}

// New creates an empty transaction for the queuer.
func New(q Queuer, opts Options) *Transaction {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.Timeout()
	}
	return &Transaction{
		queuer:  q,
		opts:    opts,
		timeout: timeout,
		results: make(chan Outcome, 1),
	}
}

// Add appends a command and returns it.
func (t *Transaction) Add(cmd Command) Command {
	t.commands = append(t.commands, cmd)
	return cmd
}

// Extend appends commands.
func (t *Transaction) Extend(cmds ...Command) {
	t.commands = append(t.commands, cmds...)
}

// Commands returns the commands in order.
func (t *Transaction) Commands() []Command { return t.commands }

func (t *Transaction) Options() Options { return t.opts }

func (t *Transaction) Timeout() time.Duration { return t.timeout }

func (t *Transaction) String() string {
	parts := make([]string, len(t.commands))
	for i, c := range t.commands {
		parts[i] = commandString(c)
	}
	return strings.Join(parts, ", ")
}

// Commit queues the transaction and waits for its outcome. It returns one
// result per command. A *TimeoutExceeded is always returned; other failures
// only with CheckError.
func (t *Transaction) Commit(ctx context.Context) ([]interface{}, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "txn.Commit")
	defer span.Finish()
	span.SetTag("commands", len(t.commands))

	if !t.queued.CAS(false, true) {
		return nil, errors.New("transaction was already committed")
	}
	if err := t.queuer.Queue(ctx, t); err != nil {
		span.SetTag("error", true)
		return nil, err
	}
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case out := <-t.results:
		span.SetTag("state", out.State.String())
		return t.handle(out)
	case <-timer.C:
		span.SetTag("error", true)
		return nil, &TimeoutExceeded{Commands: t.commands, Timeout: t.timeout, Cause: "Result queue is empty"}
	case <-ctx.Done():
		span.SetTag("error", true)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &TimeoutExceeded{Commands: t.commands, Timeout: t.timeout, Cause: ctx.Err().Error()}
		}
		return nil, errors.Trace(ctx.Err())
	}
}

func (t *Transaction) handle(out Outcome) ([]interface{}, error) {
	if out.Err == nil {
		return out.Results, nil
	}
	if IsTimeout(out.Err) {
		return nil, out.Err
	}
	if t.opts.LogErrors {
		log.Error("transaction failed",
			zap.String("state", out.State.String()),
			zap.String("commands", t.String()),
			zap.Error(out.Err))
	}
	if t.opts.CheckError {
		return nil, out.Err
	}
	return out.Results, nil
}

// Deliver publishes the outcome. Only the first outcome is kept.
func (t *Transaction) Deliver(out Outcome) {
	select {
	case t.results <- out:
	default:
		log.Warn("dropping second transaction outcome", zap.String("commands", t.String()))
	}
}

// Run stages and commits the transaction against the cache, retrying after
// conflicts until the timeout. It must be called on the goroutine owning the
// cache.
func (t *Transaction) Run(cache idl.Cache) Outcome {
	if len(t.commands) == 0 {
		log.Debug("there are no commands to commit")
		return Outcome{State: StateUnchanged, Results: []interface{}{}}
	}
	deadline := time.Now().Add(t.timeout)
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if time.Now().After(deadline) {
				return t.timedOut(attempt - 1)
			}
			if i, c := t.oneShot(); c != nil {
				return Outcome{
					State:    StateFailed,
					Err:      &CommandFailure{Command: c, Index: i, Attempt: attempt, Err: ErrNotReplayable},
					Attempts: attempt - 1,
				}
			}
		}
		seqno := cache.ChangeSeqno()
		tx := cache.NewTxn()
		if out, failed := t.stage(tx, attempt); failed {
			return out
		}

		status := idl.Unchanged
		if t.writes() {
			status = tx.Commit()
		} else {
			tx.Abort()
		}
		switch status {
		case idl.TryAgain:
			log.Debug("transaction returned TRY_AGAIN, retrying", zap.Int("attempt", attempt))
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return t.timedOut(attempt)
			}
			if err := idl.WaitForChange(cache, remaining, seqno); err != nil && err != idl.ErrTimeout {
				return Outcome{State: StateFailed, Err: err, Attempts: attempt}
			}
			continue
		case idl.Error, idl.NotLocked:
			msg := "OVSDB Error: "
			if status == idl.NotLocked {
				msg += notLockedMessage
			} else {
				msg += tx.Error()
			}
			return Outcome{
				State:    StateDatabaseError,
				Err:      &DatabaseError{Commands: t.commands, Message: msg},
				Attempts: attempt,
			}
		case idl.Aborted:
			log.Debug("transaction aborted")
			return Outcome{State: StateAborted, Attempts: attempt}
		case idl.Unchanged:
			log.Debug("transaction caused no change")
			return Outcome{State: StateUnchanged, Results: t.collect(), Attempts: attempt}
		case idl.Success:
			if out, failed := t.postCommit(tx, attempt); failed {
				return out
			}
			return Outcome{State: StateSuccess, Results: t.collect(), Attempts: attempt}
		}
		return Outcome{
			State:    StateFailed,
			Err:      errors.Errorf("transaction returned an unknown status %d", status),
			Attempts: attempt,
		}
	}
}

// stage runs every command in order. The first failure aborts the staging
// transaction so nothing staged before it is applied.
func (t *Transaction) stage(tx idl.Txn, attempt int) (Outcome, bool) {
	for i, c := range t.commands {
		c.Reset()
		log.Debug("running txn command", zap.Int("n", attempt), zap.Int("idx", i), zapCommand(c))
		if err := stageCommand(c, tx); err != nil {
			tx.Abort()
			return Outcome{
				State:    StateAborted,
				Err:      &CommandFailure{Command: c, Index: i, Attempt: attempt, Err: err},
				Attempts: attempt,
			}, true
		}
	}
	return Outcome{}, false
}

func stageCommand(c Command, tx idl.Txn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while staging: %v", r)
		}
	}()
	return c.Stage(tx)
}

func (t *Transaction) postCommit(tx idl.Txn, attempt int) (Outcome, bool) {
	for i, c := range t.commands {
		pc, ok := c.(PostCommitter)
		if !ok {
			continue
		}
		if err := pc.PostCommit(tx); err != nil {
			return Outcome{
				State:    StateSuccess,
				Err:      &CommandFailure{Command: c, Index: i, Attempt: attempt, Err: errors.Annotate(err, "post commit")},
				Attempts: attempt,
			}, true
		}
	}
	return Outcome{}, false
}

func (t *Transaction) timedOut(attempts int) Outcome {
	return Outcome{
		State:    StateTimedOut,
		Err:      &TimeoutExceeded{Commands: t.commands, Timeout: t.timeout, Cause: "OVS transaction timed out"},
		Attempts: attempts,
	}
}

func (t *Transaction) writes() bool {
	for _, c := range t.commands {
		if willWrite(c) {
			return true
		}
	}
	return false
}

func (t *Transaction) oneShot() (int, Command) {
	for i, c := range t.commands {
		if isOneShot(c) {
			return i, c
		}
	}
	return -1, nil
}

func (t *Transaction) collect() []interface{} {
	results := make([]interface{}, len(t.commands))
	for i, c := range t.commands {
		results[i] = c.Result()
	}
	return results
}

// Execute commits a single command, joining the transaction open in ctx if
// there is one, and returns the command's result.
func Execute(ctx context.Context, f Factory, cmd Command, opts Options) (interface{}, error) {
	_, err := WithTransaction(ctx, f, opts, func(_ context.Context, t *Transaction) error {
		t.Add(cmd)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cmd.Result(), nil
}
