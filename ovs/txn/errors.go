package txn

import (
	"fmt"
	"strings"
	"time"

	"github.com/pingcap/errors"
)

// ErrNotReplayable fails a transaction that hit a conflict while holding a
// OneShot command.
var ErrNotReplayable = errors.New("command cannot be replayed after a conflict")

// TimeoutExceeded is returned when no result arrived within the timeout. The
// transaction may still be applied by the connection afterwards.
type TimeoutExceeded struct {
	Commands []Command
	Timeout  time.Duration
	Cause    string
}

func (e *TimeoutExceeded) Error() string {
	return fmt.Sprintf("commands [%s] exceeded timeout %s, cause: %s", commandList(e.Commands), e.Timeout, e.Cause)
}

// DatabaseError is returned when the server rejected the commit.
type DatabaseError struct {
	Commands []Command
	Message  string
}

func (e *DatabaseError) Error() string {
	return e.Message
}

// CommandFailure is returned when a command failed to stage, which aborts
// the whole transaction, or failed after the commit.
type CommandFailure struct {
	Command Command
	Index   int
	Attempt int
	Err     error
}

func (e *CommandFailure) Error() string {
	return fmt.Sprintf("txn n=%d command(idx=%d): %s failed: %v", e.Attempt, e.Index, commandString(e.Command), e.Err)
}

func (e *CommandFailure) Unwrap() error { return e.Err }

// Cause lets errors.Cause reach the command's own error.
func (e *CommandFailure) Cause() error { return e.Err }

// IsTimeout reports whether err is a *TimeoutExceeded.
func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutExceeded)
	return ok
}

func commandList(cmds []Command) string {
	parts := make([]string, len(cmds))
	for i, c := range cmds {
		parts[i] = commandString(c)
	}
	return strings.Join(parts, ", ")
}
