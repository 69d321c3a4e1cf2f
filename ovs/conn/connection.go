// Package conn runs transactions against a local cache on one goroutine.
//
// The connection goroutine is the only one touching the cache once started:
// it processes database input whenever the cache signals readiness, and
// services queued transactions one at a time in arrival order.
package conn

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinyovsdb/ovs/config"
	"github.com/pingcap-incubator/tinyovsdb/ovs/idl"
	"github.com/pingcap-incubator/tinyovsdb/ovs/schema"
	"github.com/pingcap-incubator/tinyovsdb/ovs/txn"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Connection serializes transactions against a cache.
type Connection struct {
	cache   idl.Cache
	timeout time.Duration
	poll    time.Duration
	limiter *rate.Limiter

	queue chan *txn.Transaction
	calls chan call

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

type call struct {
	fn  func(idl.Cache) error
	err chan error
}

// New creates a connection for cache. It does not start it.
func New(cache idl.Cache, cfg *config.Config) *Connection {
	limit := rate.Inf
	if cfg.RetryBackoff.Duration > 0 {
		limit = rate.Every(cfg.RetryBackoff.Duration)
	}
	return &Connection{
		cache:   cache,
		timeout: cfg.Timeout.Duration,
		poll:    cfg.PollInterval.Duration,
		limiter: rate.NewLimiter(limit, 1),
		queue:   make(chan *txn.Transaction, 1),
		calls:   make(chan call),
	}
}

// Timeout is the default transaction timeout.
func (c *Connection) Timeout() time.Duration { return c.timeout }

// Schema is safe to call from any goroutine.
func (c *Connection) Schema() *schema.DatabaseSchema { return c.cache.Schema() }

// CreateTransaction implements txn.Factory.
func (c *Connection) CreateTransaction(opts txn.Options) *txn.Transaction {
	return txn.New(c, opts)
}

// Running reports whether the connection goroutine is active.
func (c *Connection) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop != nil
}

// Start launches the connection goroutine. A cache that never connected, or
// a connection that was stopped before, first waits for a fresh replication
// of the database, up to the timeout. Starting a running connection is a
// no-op.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return nil
	}
	if c.done != nil {
		return errors.New("connection is still stopping")
	}
	if !c.cache.HasEverConnected() || c.stopped {
		if c.stopped {
			c.cache.ForceReconnect()
		}
		if err := idl.WaitForChange(c.cache, c.timeout, c.cache.ChangeSeqno()); err != nil {
			return errors.Annotate(err, "wait for database replication")
		}
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(c.stop, c.done)
	log.Info("connection started", zap.Uint64("seqno", c.cache.ChangeSeqno()))
	return nil
}

// Stop asks the connection goroutine to exit and waits up to timeout for it.
// Queued transactions left behind time out on their callers' side.
func (c *Connection) Stop(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return true
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
		c.stopped = true
	}
	select {
	case <-c.done:
		c.done = nil
		log.Info("connection stopped")
		return true
	case <-time.After(timeout):
		log.Warn("connection did not stop in time", zap.Duration("timeout", timeout))
		return false
	}
}

// ForceReconnect drops the database session. The cache resynchronizes and
// wakes the connection goroutine.
func (c *Connection) ForceReconnect() {
	c.cache.ForceReconnect()
}

// Queue hands t to the connection goroutine, waiting at most the timeout
// for room in the queue.
func (c *Connection) Queue(ctx context.Context, t *txn.Transaction) error {
	start := time.Now()
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.queue <- t:
		queueWaitDuration.Observe(time.Since(start).Seconds())
		return nil
	case <-timer.C:
		return &txn.TimeoutExceeded{Commands: t.Commands(), Timeout: c.timeout, Cause: "TXN queue is full"}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Call runs fn with exclusive access to the cache: on the connection
// goroutine when it runs, directly otherwise.
func (c *Connection) Call(ctx context.Context, fn func(idl.Cache) error) error {
	c.mu.Lock()
	if c.stop == nil {
		defer c.mu.Unlock()
		if c.done != nil {
			return errors.New("connection is still stopping")
		}
		return fn(c.cache)
	}
	c.mu.Unlock()

	req := call{fn: fn, err: make(chan error, 1)}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case c.calls <- req:
	case <-timer.C:
		return errors.New("connection is busy")
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	select {
	case err := <-req.err:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

func (c *Connection) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		var t *txn.Transaction
		select {
		case <-stop:
			return
		case <-c.cache.Ready():
		case <-ticker.C:
		case t = <-c.queue:
		case req := <-c.calls:
			c.processInput(stop)
			req.err <- c.runCall(req.fn)
			continue
		}
		c.processInput(stop)
		if t != nil {
			c.service(t)
		}
	}
}

// processInput applies pending database input. After a failure the next
// attempt is delayed by the retry backoff.
func (c *Connection) processInput(stop <-chan struct{}) {
	_, err := c.cache.Run()
	if err == nil {
		return
	}
	inputErrorCounter.Inc()
	log.Error("error processing database input", zap.Error(err))
	if d := c.limiter.Reserve().Delay(); d > 0 {
		select {
		case <-time.After(d):
		case <-stop:
		}
	}
}

func (c *Connection) service(t *txn.Transaction) {
	start := time.Now()
	out := c.runTxn(t)
	state := out.State.String()
	txnCounter.WithLabelValues(state).Inc()
	txnDuration.WithLabelValues(state).Observe(time.Since(start).Seconds())
	if out.Attempts > 1 {
		txnRetryCounter.Add(float64(out.Attempts - 1))
	}
	t.Deliver(out)
}

func (c *Connection) runTxn(t *txn.Transaction) (out txn.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while running transaction",
				zap.String("commands", t.String()),
				zap.Reflect("recover", r),
				zap.Stack("stack"))
			out = txn.Outcome{State: txn.StateFailed, Err: errors.Errorf("panic while running transaction: %v", r)}
		}
	}()
	return t.Run(c.cache)
}

func (c *Connection) runCall(fn func(idl.Cache) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in connection call: %v", r)
		}
	}()
	return fn(c.cache)
}
