// Package arbiter implements the lock arbiter: the single-threaded event
// loop that multiplexes client Lock/Unlock requests and storage I/O
// completions onto the cache index, maintaining one FIFO waiter queue per
// key.
package arbiter

import (
	"context"
	"fmt"

	"github.com/kvpager/bufferpool/internal/cache"
	"github.com/kvpager/bufferpool/internal/logger"
	"github.com/kvpager/bufferpool/internal/storage"
)

// InvariantViolation indicates the coordinator observed a state that
// should be impossible under the design's own rules — a programming bug,
// not a recoverable condition. The coordinator panics with this error
// rather than attempting to continue.
type InvariantViolation struct {
	Invariant string
	Key       uint32
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("arbiter: invariant %s violated for key %d: %s", e.Invariant, e.Key, e.Detail)
}

// LockResult is sent exactly once on a LockRequest's Reply channel. Entry is
// non-nil on success; Err is non-nil if the coordinator hit a fatal storage
// error while this request was queued or in flight, in which case the
// caller never becomes the holder of Key.
type LockResult struct {
	Entry *cache.Entry
	Err   error
}

// LockRequest asks the coordinator for exclusive access to Key. The
// coordinator sends a LockResult on Reply exactly once; on success, the
// caller owns the entry until it sends a matching UnlockRequest.
type LockRequest struct {
	Key   uint32
	Reply chan LockResult
}

// UnlockRequest releases the lock the caller holds on Key.
type UnlockRequest struct {
	Key uint32
}

// ClientRequest is either a LockRequest or an UnlockRequest.
type ClientRequest interface {
	isClientRequest()
}

func (LockRequest) isClientRequest()   {}
func (UnlockRequest) isClientRequest() {}

// Coordinator is the buffer pool's single mutator of cache state. It must
// be driven by exactly one call to Run, from exactly one goroutine.
type Coordinator struct {
	index    *cache.Index
	queues   map[uint32]*waiterQueue
	inFlight map[uint32]struct{}

	requests <-chan ClientRequest
	ioReq    chan<- storage.Request
	ioResp   <-chan storage.Response

	log *logger.Logger
}

// New creates a Coordinator wired to the given client request channel and
// the storage dispatcher's request/response channels.
func New(
	index *cache.Index,
	requests <-chan ClientRequest,
	ioReq chan<- storage.Request,
	ioResp <-chan storage.Response,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		index:    index,
		queues:   make(map[uint32]*waiterQueue),
		inFlight: make(map[uint32]struct{}),
		requests: requests,
		ioReq:    ioReq,
		ioResp:   ioResp,
		log:      log,
	}
}

// Run drives the event loop until the client request channel is closed,
// then drains outstanding I/O and flushes every dirty entry before
// returning. It returns the first fatal storage error observed, or nil on
// a clean shutdown.
//
// Run panics on an InvariantViolation: that condition indicates a bug in
// the coordinator itself, not a recoverable runtime failure.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info("startup", "coordinator event loop starting")

	for {
		// Drain any storage completions that are already available before
		// considering new client work: this reduces tail latency for
		// waiters and avoids a deadlock where both channels are ready but
		// client work is serviced first and never yields back.
		if err := c.drainAvailable(); err != nil {
			return c.fatal(ctx, err)
		}

		select {
		case resp := <-c.ioResp:
			if err := c.handleResponse(resp); err != nil {
				return c.fatal(ctx, err)
			}
		case req, ok := <-c.requests:
			if !ok {
				return c.shutdown(ctx)
			}

			c.handleRequest(req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainAvailable services every immediately-available storage completion
// without blocking on the channel.
func (c *Coordinator) drainAvailable() error {
	for {
		select {
		case resp := <-c.ioResp:
			if err := c.handleResponse(resp); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Coordinator) handleRequest(req ClientRequest) {
	switch r := req.(type) {
	case LockRequest:
		c.handleLock(r)
	case UnlockRequest:
		c.handleUnlock(r)
	}
}

func (c *Coordinator) queueFor(key uint32) *waiterQueue {
	q, ok := c.queues[key]
	if !ok {
		q = newWaiterQueue()
		c.queues[key] = q
	}

	return q
}

func (c *Coordinator) handleLock(req LockRequest) {
	q := c.queueFor(req.Key)
	wasEmpty := q.Empty()
	q.PushBack(waiter{reply: req.Reply})

	if !wasEmpty {
		// A waiter, not the current holder: bump recency speculatively,
		// since interest in the key has been expressed even though it is
		// not yet granted.
		c.index.Touch(req.Key)

		return
	}

	if c.index.Contains(req.Key) {
		c.index.Touch(req.Key)
		e, _ := c.index.GetUntouched(req.Key)
		req.Reply <- LockResult{Entry: e}

		return
	}

	e, victim := c.index.GetWithEvicting(req.Key)
	c.inFlight[req.Key] = struct{}{}
	c.ioReq <- storage.Request{Op: storage.Read, Cell: e}
	c.log.Debugf("fault", "key=%d miss, issuing read", req.Key)

	if victim != nil {
		c.issueVictimWriteback(victim)
	}
}

func (c *Coordinator) issueVictimWriteback(victim *cache.Entry) {
	vq := c.queueFor(victim.Key())
	vq.PushFront(waiter{})
	c.inFlight[victim.Key()] = struct{}{}
	c.ioReq <- storage.Request{Op: storage.Write, Cell: victim}
	c.log.Debugf("evict", "key=%d selected as victim, issuing writeback", victim.Key())
}

func (c *Coordinator) handleUnlock(req UnlockRequest) {
	q, ok := c.queues[req.Key]
	if !ok {
		panic(&InvariantViolation{Invariant: "I1", Key: req.Key, Detail: "unlock with no waiter queue"})
	}

	w, ok := q.PopFront()
	if !ok || w.isPlaceholder() {
		panic(&InvariantViolation{Invariant: "I1", Key: req.Key, Detail: "unlock did not pop a client slot"})
	}

	if next, ok := q.Front(); ok {
		if next.isPlaceholder() {
			// A writeback placeholder jumped the queue ahead of waiting
			// clients while this key was being evicted; nothing to
			// respond to until that write completes.
			return
		}

		e, _ := c.index.GetUntouched(req.Key)
		next.reply <- LockResult{Entry: e}

		return
	}

	delete(c.queues, req.Key)
}

func (c *Coordinator) handleResponse(resp storage.Response) error {
	if resp.Err != nil {
		// This completion is itself no longer outstanding, even though it
		// failed: clear it from in-flight now so fatal's own drain loop
		// below never waits forever on the exact key that triggered it.
		delete(c.inFlight, resp.Key)

		return &storage.IoError{Op: resp.Op, Key: resp.Key, Err: resp.Err}
	}

	switch resp.Op {
	case storage.Read:
		c.handleReadDone(resp.Key)
	case storage.Write:
		c.handleWriteDone(resp.Key)
	}

	return nil
}

func (c *Coordinator) handleReadDone(key uint32) {
	delete(c.inFlight, key)

	q, ok := c.queues[key]
	if !ok {
		panic(&InvariantViolation{Invariant: "I4", Key: key, Detail: "read completion with no waiter queue"})
	}

	w, ok := q.Front()
	if !ok || w.isPlaceholder() {
		panic(&InvariantViolation{Invariant: "I4", Key: key, Detail: "read completion without a waiting client at queue head"})
	}

	e, _ := c.index.GetUntouched(key)
	w.reply <- LockResult{Entry: e}
}

func (c *Coordinator) handleWriteDone(key uint32) {
	delete(c.inFlight, key)

	q, ok := c.queues[key]
	if !ok {
		panic(&InvariantViolation{Invariant: "I4", Key: key, Detail: "write completion with no waiter queue"})
	}

	w, ok := q.PopFront()
	if !ok || !w.isPlaceholder() {
		panic(&InvariantViolation{Invariant: "I4", Key: key, Detail: "write completion did not pop a placeholder"})
	}

	if next, ok := q.Front(); ok && !next.isPlaceholder() {
		// The entry was re-locked while its eviction was in flight (touch
		// cancelled the eviction, but the writeback had already been
		// issued and must still be allowed to complete). Respond to the
		// waiting client with the still-valid in-memory value, then pick a
		// replacement victim to keep resident count at or below capacity.
		e, _ := c.index.GetUntouched(key)
		next.reply <- LockResult{Entry: e}

		if victim, ok := c.index.EvictingNew(); ok {
			c.issueVictimWriteback(victim)
		}

		return
	}

	c.index.EvictingDone(key)
	delete(c.queues, key)
}

// shutdown drains all outstanding I/O, then performs the write-back phase:
// every dirty resident entry is flushed to disk before Run returns. This
// is the pool's only durability boundary; there is no write-ahead log.
func (c *Coordinator) shutdown(ctx context.Context) error {
	c.log.Info("shutdown", "draining in-flight I/O before writeback")

	for len(c.inFlight) > 0 {
		select {
		case resp := <-c.ioResp:
			if err := c.handleResponse(resp); err != nil {
				return c.fatal(ctx, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	dirty := c.index.DirtyEntries()
	c.log.Infof("shutdown", "writing back %d dirty entries", len(dirty))

	for _, e := range dirty {
		c.ioReq <- storage.Request{Op: storage.Write, Cell: e}

		select {
		case resp := <-c.ioResp:
			if resp.Err != nil {
				err := &storage.IoError{Op: resp.Op, Key: resp.Key, Err: resp.Err}
				c.log.Errorf("shutdown", "writeback failed: %v", err)

				return err
			}

			e.SetDirty(false)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.log.Info("shutdown", "writeback complete")

	return nil
}

// fatal is reached when a steady-state storage completion reports failure.
// Per design this is fatal to the coordinator: it must drain whatever
// in-flight I/O it safely can and exit without attempting the write-back
// phase, since the storage layer itself is presumed broken. Every client
// still parked on a Lock reply channel — whether it was waiting on the
// in-flight I/O itself or simply queued behind it — is sent cause rather
// than left to hang forever, since no further progress will ever be made
// on its key.
func (c *Coordinator) fatal(ctx context.Context, cause error) error {
	c.log.Errorf("fatal", "storage error, draining and exiting without writeback: %v", cause)

	for len(c.inFlight) > 0 {
		select {
		case resp := <-c.ioResp:
			delete(c.inFlight, resp.Key)
		case <-ctx.Done():
			c.routeFatalToWaiters(cause)

			return cause
		}
	}

	c.routeFatalToWaiters(cause)

	return cause
}

// routeFatalToWaiters notifies every still-queued client across every key of
// a fatal coordinator error and discards the now-useless waiter queues.
func (c *Coordinator) routeFatalToWaiters(cause error) {
	for key, q := range c.queues {
		for _, w := range q.ClientWaiters() {
			w.reply <- LockResult{Err: cause}
		}

		delete(c.queues, key)
	}
}
