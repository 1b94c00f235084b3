// Package bufferpool implements a fixed-capacity, concurrent buffer pool
// over a flat backing file of fixed-size records. Clients acquire
// exclusive access to a page's in-memory slot with Lock, mutate it, and
// release it with Unlock; the pool manages the resident working set with
// LRU replacement and pulls pages from and flushes them to disk through a
// worker pool, with all mutable cache state owned by a single internal
// coordinator goroutine reached only through channels.
//
// # Example Usage
//
//	pool, err := bufferpool.Open(bufferpool.Config{
//	    Path:       "pages.db",
//	    NumRecords: 100000,
//	    Capacity:   512,
//	    Threshold:  16,
//	    Workers:    4,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close(context.Background())
//
//	h, err := pool.Lock(ctx, 42)
//	h.SetValue(h.Value() + 1)
//	h.Unlock(true)
package bufferpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/kvpager/bufferpool/internal/arbiter"
	"github.com/kvpager/bufferpool/internal/cache"
	"github.com/kvpager/bufferpool/internal/chanutil"
	"github.com/kvpager/bufferpool/internal/logger"
	"github.com/kvpager/bufferpool/internal/storage"
)

// ErrShutdownTimeout is returned by Close when the caller's context
// expires before the write-back phase completes.
var ErrShutdownTimeout = errors.New("bufferpool: shutdown timed out waiting for writeback to complete")

// Config holds the construction parameters for a Pool.
type Config struct {
	// Path is the backing file's location. It is created and zero-filled
	// on first Open if it does not already exist.
	Path string
	// NumRecords is the number of 8-byte records the backing file holds.
	NumRecords uint32
	// Capacity is the resident-entry count above which each fault selects
	// an eviction victim. Faults that arrive while Threshold entries are
	// already evicting add entries without selecting one, so more than
	// Capacity entries can be resident.
	Capacity int
	// Threshold bounds how many entries may be simultaneously evicting.
	Threshold int
	// Workers is the size of the storage I/O worker pool. Must be >= 1.
	Workers int
	// LogLevel gates the pool's internal logging ("debug", "info", "warn",
	// "error"); defaults to "info" for an unrecognized value.
	LogLevel string
}

func (c Config) validate() error {
	if c.Path == "" {
		return fmt.Errorf("bufferpool: Path must not be empty")
	}
	if c.NumRecords == 0 {
		return fmt.Errorf("bufferpool: NumRecords must be > 0")
	}
	if c.Capacity < 2 {
		return fmt.Errorf("bufferpool: Capacity must be >= 2")
	}
	if c.Threshold < 1 || c.Threshold >= c.Capacity {
		return fmt.Errorf("bufferpool: Threshold must satisfy 1 <= Threshold < Capacity")
	}
	if c.Workers < 1 {
		return fmt.Errorf("bufferpool: Workers must be >= 1")
	}

	return nil
}

// Pool is a running buffer pool: a coordinator goroutine and a storage
// worker pool, wired together over channels.
type Pool struct {
	cfg Config
	log *logger.Logger

	requests chan arbiter.ClientRequest
	ioReq    chan storage.Request

	cancel context.CancelFunc

	coordErr chan error
	storErr  chan error
}

// Open creates (if needed) the backing file and starts the coordinator and
// storage worker pool. The returned Pool must eventually be closed with
// Close.
func Open(cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := logger.New("bufferpool", cfg.LogLevel)

	if err := storage.CreateFile(cfg.Path, cfg.NumRecords); err != nil {
		return nil, fmt.Errorf("bufferpool: create backing file: %w", err)
	}

	requests := make(chan arbiter.ClientRequest)
	ioReq := make(chan storage.Request)
	// An unbounded response relay is required when Workers == 1 (a single
	// worker could otherwise deadlock sending a completion while the
	// coordinator is busy); it is harmless, if slightly more than
	// strictly necessary, for Workers > 1, so it is used unconditionally.
	ioResIn, ioResOut := chanutil.Unbounded[storage.Response]()

	index := cache.New(cfg.Capacity, cfg.Threshold)
	coord := arbiter.New(index, requests, ioReq, ioResOut, logger.New("arbiter", cfg.LogLevel))
	dispatcher := storage.New(cfg.Path, cfg.Workers, ioReq, ioResIn)

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		cfg:      cfg,
		log:      log,
		requests: requests,
		ioReq:    ioReq,
		cancel:   cancel,
		coordErr: make(chan error, 1),
		storErr:  make(chan error, 1),
	}

	go func() { p.storErr <- dispatcher.Start(ctx) }()
	go func() { p.coordErr <- coord.Run(ctx) }()

	log.Infof("open", "pool opened: path=%s capacity=%d threshold=%d workers=%d",
		cfg.Path, cfg.Capacity, cfg.Threshold, cfg.Workers)

	return p, nil
}

// Lock requests exclusive access to key's resident entry, faulting it in
// from disk if necessary. It blocks until granted or ctx is done.
func (p *Pool) Lock(ctx context.Context, key uint32) (*EntryHandle, error) {
	reply := make(chan arbiter.LockResult, 1)

	select {
	case p.requests <- arbiter.LockRequest{Key: key, Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-reply:
		if res.Err != nil {
			return nil, res.Err
		}

		return &EntryHandle{pool: p, key: key, entry: res.Entry}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new locks, waits for the coordinator to drain
// in-flight I/O and flush every dirty entry, and then stops the storage
// worker pool. If ctx expires first, Close returns ErrShutdownTimeout and
// leaves the pool's goroutines to finish in the background.
func (p *Pool) Close(ctx context.Context) error {
	close(p.requests)

	var coordErr error

	select {
	case coordErr = <-p.coordErr:
	case <-ctx.Done():
		p.log.Warn("close", "writeback did not complete before the deadline")

		return ErrShutdownTimeout
	}

	close(p.ioReq)
	p.cancel()

	var storErr error
	select {
	case storErr = <-p.storErr:
	case <-ctx.Done():
		return ErrShutdownTimeout
	}

	if coordErr != nil {
		return coordErr
	}

	return storErr
}

// EntryHandle is the exclusive, in-process handle a client holds on a
// locked entry between Lock and Unlock. It carries direct access to the
// cached cell; mutations are visible to the next locker of the same key
// without any additional synchronization, because Unlock and the next
// client's Lock response are ordered by the coordinator's channels.
type EntryHandle struct {
	pool  *Pool
	key   uint32
	entry *cache.Entry
}

// Key returns the handle's key.
func (h *EntryHandle) Key() uint32 { return h.key }

// Value returns the entry's current 8-byte value.
func (h *EntryHandle) Value() uint64 { return h.entry.Value() }

// SetValue overwrites the entry's value. Call SetDirty(true) afterward if
// the change must survive eviction or shutdown.
func (h *EntryHandle) SetValue(v uint64) { h.entry.SetValue(v) }

// Dirty reports whether the entry is marked as needing writeback.
func (h *EntryHandle) Dirty() bool { return h.entry.Dirty() }

// SetDirty marks (or clears) the entry as needing writeback before it is
// evicted or the pool is closed.
func (h *EntryHandle) SetDirty(dirty bool) { h.entry.SetDirty(dirty) }

// Unlock releases the lock this handle holds. dirty, if true, marks the
// entry as needing writeback before it is next evicted or the pool is
// closed (equivalent to calling SetDirty(true) first); it never clears an
// already-dirty entry. The handle must not be used again afterward.
func (h *EntryHandle) Unlock(dirty bool) {
	if dirty {
		h.entry.SetDirty(true)
	}

	h.pool.requests <- arbiter.UnlockRequest{Key: h.key}
}
