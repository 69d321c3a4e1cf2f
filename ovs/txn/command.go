package txn

import (
	"fmt"

	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"go.uber.org/zap"
)

// Command is a unit of work staged into a database transaction.
//
// Stage runs on the connection goroutine once per commit attempt, each time
// against a new staging transaction, so it must derive everything it writes
// from what it reads through that transaction. Reset is called before every
// attempt. Result is only meaningful once the transaction completed.
type Command interface {
	Stage(tx idl.Txn) error
	Result() interface{}
	Reset()
}

// PostCommitter is implemented by commands that need the committed
// transaction, for example to learn the identity assigned to an inserted row.
// PostCommit runs only after a successful commit, in command order.
type PostCommitter interface {
	PostCommit(tx idl.Txn) error
}

// Writer is implemented by commands that know whether they write. A
// transaction made only of commands whose WillWrite returns false is never
// committed and completes as unchanged. Commands without the method count as
// writers.
type Writer interface {
	WillWrite() bool
}

// OneShot is implemented by commands whose Stage must not be repeated, such
// as commands with effects outside the database. A transaction holding one
// fails with ErrNotReplayable instead of retrying after a conflict.
type OneShot interface {
	OneShot() bool
}

// Base holds the result slot of a command.
type Base struct {
	result interface{}
}

func (b *Base) Result() interface{} { return b.result }

// SetResult stores the result of the current attempt.
func (b *Base) SetResult(v interface{}) { b.result = v }

func (b *Base) Reset() { b.result = nil }

// ReadOnly marks a command that never writes.
type ReadOnly struct{}

func (ReadOnly) WillWrite() bool { return false }

// NoReplay marks a command as OneShot.
type NoReplay struct{}

func (NoReplay) OneShot() bool { return true }

func willWrite(c Command) bool {
	if w, ok := c.(Writer); ok {
		return w.WillWrite()
	}
	return true
}

func isOneShot(c Command) bool {
	o, ok := c.(OneShot)
	return ok && o.OneShot()
}

// Arg is a command input: either a literal value or the result of another
// command of the same transaction, read when the command is staged.
type Arg struct {
	value interface{}
	cmd   Command
}

// Literal wraps a value.
func Literal(v interface{}) Arg { return Arg{value: v} }

// FromCommand refers to the result of cmd. cmd must come earlier in the same
// transaction.
func FromCommand(cmd Command) Arg { return Arg{cmd: cmd} }

// Command returns the referenced command, or nil for a literal.
func (a Arg) Command() Command { return a.cmd }

// Resolve returns the literal or the current result of the referenced command.
func (a Arg) Resolve() interface{} {
	if a.cmd != nil {
		return a.cmd.Result()
	}
	return a.value
}

func (a Arg) String() string {
	if a.cmd != nil {
		return fmt.Sprintf("result of %s", commandString(a.cmd))
	}
	return fmt.Sprint(a.value)
}

// ResolveValue replaces every Arg and Command found in v, including inside
// sets, maps and slices, by its current value.
func ResolveValue(v interface{}) interface{} {
	switch x := v.(type) {
	case Arg:
		return ResolveValue(x.Resolve())
	case Command:
		return x.Result()
	case idl.Set:
		out := make(idl.Set, len(x))
		for i, e := range x {
			out[i] = ResolveValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = ResolveValue(e)
		}
		return out
	case idl.Map:
		out := make(idl.Map, len(x))
		for k, e := range x {
			out[ResolveValue(k)] = ResolveValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = ResolveValue(e)
		}
		return out
	}
	return v
}

func commandString(c Command) string {
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c)
}

func zapCommand(c Command) zap.Field {
	return zap.String("command", commandString(c))
}
