// Package event dispatches row changes of a cache to watched events.
//
// A Handler is registered as the cache's notifier. Matching happens on the
// goroutine applying the change, running a matched event happens on the
// handler's own worker goroutine, in priority order.
package event

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinyovsdb/ovs/condition"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	// DefaultPriority is the priority of a RowEvent created with zero priority.
	DefaultPriority = 20
	// WaitPriority is the priority of wait events.
	WaitPriority = 10
)

// Event is something a Handler can watch.
type Event interface {
	// Key identifies equal events; watching an event whose key is already
	// watched is a no-op.
	Key() string
	Priority() int
	OneTime() bool
	Matches(ev idl.Event, row, old *idl.RowView) bool
	Run(ev idl.Event, row, old *idl.RowView)
}

// RowEvent matches changes of one table. Every condition must hold on the
// new row, every old condition on the previous row of an update. MatchFn
// adds custom criteria and RunFn is called for each match.
type RowEvent struct {
	Name          string
	Events        []idl.Event
	Table         string
	Conditions    []condition.Condition
	OldConditions []condition.Condition
	Prio          int
	Once          bool

	MatchFn func(ev idl.Event, row, old *idl.RowView) bool
	RunFn   func(ev idl.Event, row, old *idl.RowView)
}

// NewRowEvent watches events on table with conditions.
func NewRowEvent(table string, events []idl.Event, conds ...condition.Condition) *RowEvent {
	return &RowEvent{Events: events, Table: table, Conditions: conds}
}

func (e *RowEvent) Key() string {
	return fmt.Sprintf("%s|%s|%v|%v|%d", e.name(), e.Table, e.Events, e.Conditions, e.Priority())
}

func (e *RowEvent) name() string {
	if e.Name == "" {
		return "RowEvent"
	}
	return e.Name
}

func (e *RowEvent) Priority() int {
	if e.Prio == 0 {
		return DefaultPriority
	}
	return e.Prio
}

func (e *RowEvent) OneTime() bool { return e.Once }

func (e *RowEvent) Matches(ev idl.Event, row, old *idl.RowView) bool {
	if row == nil || !e.watches(ev) || row.Table() != e.Table {
		return false
	}
	if ok, err := condition.MatchesAll(row, e.Conditions); err != nil || !ok {
		return false
	}
	if len(e.OldConditions) > 0 {
		if old == nil {
			return false
		}
		if ok, err := condition.MatchesAll(old, e.OldConditions); err != nil || !ok {
			return false
		}
	}
	if e.MatchFn != nil && !e.MatchFn(ev, row, old) {
		return false
	}
	log.Debug("matched row event", zap.String("event", string(ev)), zap.Stringer("watch", e), zap.Stringer("row", row))
	return true
}

func (e *RowEvent) watches(ev idl.Event) bool {
	for _, w := range e.Events {
		if w == ev {
			return true
		}
	}
	return false
}

func (e *RowEvent) Run(ev idl.Event, row, old *idl.RowView) {
	if e.RunFn != nil {
		e.RunFn(ev, row, old)
	}
}

func (e *RowEvent) String() string {
	conds := make([]string, len(e.Conditions))
	for i, c := range e.Conditions {
		conds[i] = c.String()
	}
	return fmt.Sprintf("%s(events=%v, table=%s, conditions=[%s], priority=%d)",
		e.name(), e.Events, e.Table, strings.Join(conds, ", "), e.Priority())
}

// WaitEvent is a one-time event that can be waited for.
type WaitEvent struct {
	RowEvent
	Timeout time.Duration

	once sync.Once
	done chan struct{}
	row  *idl.RowView
}

// NewWaitEvent waits for one of events on a table row matching conds.
func NewWaitEvent(table string, events []idl.Event, timeout time.Duration, conds ...condition.Condition) *WaitEvent {
	return &WaitEvent{
		RowEvent: RowEvent{Name: "WaitEvent", Events: events, Table: table, Conditions: conds, Prio: WaitPriority, Once: true},
		Timeout:  timeout,
		done:     make(chan struct{}),
	}
}

func (e *WaitEvent) Key() string { return fmt.Sprintf("%p", e) }

func (e *WaitEvent) OneTime() bool { return true }

func (e *WaitEvent) Run(ev idl.Event, row, old *idl.RowView) {
	e.once.Do(func() {
		e.RowEvent.Run(ev, row, old)
		e.row = row
		close(e.done)
	})
}

// Wait blocks until the event ran or Timeout elapsed. A zero Timeout waits
// forever. It returns the matched row, or nil on timeout.
func (e *WaitEvent) Wait() *idl.RowView {
	if e.Timeout <= 0 {
		<-e.done
		return e.row
	}
	timer := time.NewTimer(e.Timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return e.row
	case <-timer.C:
		return nil
	}
}

// Done is closed once the event ran.
func (e *WaitEvent) Done() <-chan struct{} { return e.done }

type notification struct {
	match Event
	event idl.Event
	row   *idl.RowView
	old   *idl.RowView
}

// drain asks the worker to run every pending notification.
type drain struct{}

// Handler implements idl.Notifier.
type Handler struct {
	mu      sync.Mutex
	watched map[string]Event
	// order holds keys of watched events, highest priority first and in
	// watch order within a priority.
	order []string
	seq   map[string]uint64
	next  uint64

	// pending is unbounded so that notifying never waits for a slow event.
	pending []notification

	wg     sync.WaitGroup
	worker *worker.Worker
	closed bool
}

// NewHandler starts a handler.
func NewHandler() *Handler {
	h := &Handler{
		watched: make(map[string]Event),
		seq:     make(map[string]uint64),
	}
	h.worker = worker.NewWorker("row-events", &h.wg)
	h.worker.Start(h)
	return h
}

// Watch adds events.
func (h *Handler) Watch(events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		k := e.Key()
		if _, ok := h.watched[k]; ok {
			continue
		}
		h.watched[k] = e
		h.seq[k] = h.next
		h.next++
		h.order = append(h.order, k)
	}
	sort.SliceStable(h.order, func(i, j int) bool {
		pi, pj := h.watched[h.order[i]].Priority(), h.watched[h.order[j]].Priority()
		if pi != pj {
			return pi > pj
		}
		return h.seq[h.order[i]] < h.seq[h.order[j]]
	})
}

// Unwatch removes events. Unknown events are ignored.
func (h *Handler) Unwatch(events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		k := e.Key()
		if _, ok := h.watched[k]; !ok {
			continue
		}
		delete(h.watched, k)
		delete(h.seq, k)
		for i, o := range h.order {
			if o == k {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

// Watched returns the watched events in dispatch order.
func (h *Handler) Watched() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := make([]Event, len(h.order))
	for i, k := range h.order {
		events[i] = h.watched[k]
	}
	return events
}

// Matching returns the watched events matching a change, in dispatch order.
// An event whose Matches panics does not match.
func (h *Handler) Matching(ev idl.Event, row, old *idl.RowView) []Event {
	var matched []Event
	for _, e := range h.Watched() {
		if match(e, ev, row, old) {
			matched = append(matched, e)
		}
	}
	return matched
}

func match(e Event, ev idl.Event, row, old *idl.RowView) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event not matched due to panic", zap.String("event", e.Key()), zap.Reflect("recover", r), zap.Stack("stack"))
			ok = false
		}
	}()
	return e.Matches(ev, row, old)
}

// Notify queues every matching event to run. It never blocks on running
// events.
func (h *Handler) Notify(ev idl.Event, row, old *idl.RowView) {
	matched := h.Matching(ev, row, old)
	if len(matched) == 0 {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for _, m := range matched {
		h.pending = append(h.pending, notification{match: m, event: ev, row: row, old: old})
	}
	// A full channel holds drains that have yet to run.
	select {
	case h.worker.Sender() <- drain{}:
	default:
	}
	h.mu.Unlock()
}

// Handle runs the pending notifications.
func (h *Handler) Handle(t worker.Task) {
	if _, ok := t.(drain); !ok {
		return
	}
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.mu.Unlock()
			return
		}
		n := h.pending[0]
		h.pending[0] = notification{}
		h.pending = h.pending[1:]
		h.mu.Unlock()
		h.run(n)
	}
}

// run runs a matched event, then unwatches it if it is one-time.
func (h *Handler) run(n notification) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("row event panicked", zap.String("event", n.match.Key()), zap.Reflect("recover", r), zap.Stack("stack"))
		}
	}()
	if n.match.OneTime() {
		defer h.Unwatch(n.match)
	}
	n.match.Run(n.event, n.row, n.old)
}

// Close stops the worker once queued notifications ran.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.worker.Stop()
	h.wg.Wait()
}
