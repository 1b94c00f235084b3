package bufferpool_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvpager/bufferpool"
)

// readRecord reads the little-endian uint64 stored at key's offset in the
// pool's backing file directly, bypassing the pool entirely. Tests use it
// after Close to confirm the write-back phase actually reached disk.
func readRecord(t *testing.T, path string, key uint32) uint64 {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var buf [8]byte
	_, err = f.ReadAt(buf[:], int64(key)*8)
	require.NoError(t, err)

	return binary.LittleEndian.Uint64(buf[:])
}

func openTestPool(t *testing.T, capacity, threshold int, nData uint32) (*bufferpool.Pool, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pool.db")

	pool, err := bufferpool.Open(bufferpool.Config{
		Path:       path,
		NumRecords: nData,
		Capacity:   capacity,
		Threshold:  threshold,
		Workers:    4,
		LogLevel:   "error",
	})
	require.NoError(t, err)

	return pool, path
}

func closePool(t *testing.T, pool *bufferpool.Pool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, pool.Close(ctx))
}

// TestPool_SingleWriterIdentity is end-to-end scenario 1: one client writes
// its own key as its value across the whole file; after shutdown every
// offset holds its key.
func TestPool_SingleWriterIdentity(t *testing.T) {
	t.Parallel()

	const n = 100

	pool, path := openTestPool(t, 2, 1, n)
	ctx := context.Background()

	for k := uint32(0); k < n; k++ {
		h, err := pool.Lock(ctx, k)
		require.NoError(t, err)

		h.SetValue(uint64(k))
		h.Unlock(true)
	}

	closePool(t, pool)

	for k := uint32(0); k < n; k++ {
		require.Equal(t, uint64(k), readRecord(t, path, k))
	}
}

// TestPool_FourClientContendedIncrements is end-to-end scenario 2.
func TestPool_FourClientContendedIncrements(t *testing.T) {
	t.Parallel()

	const n = 100
	const nClients = 4

	pool, path := openTestPool(t, 20, 5, n)
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < nClients; c++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for k := uint32(0); k < n; k++ {
				h, err := pool.Lock(ctx, k)
				if err != nil {
					t.Error(err)

					return
				}

				h.SetValue(h.Value() + 1)
				h.Unlock(true)
			}
		}()
	}
	wg.Wait()

	closePool(t, pool)

	for k := uint32(0); k < n; k++ {
		require.Equal(t, uint64(nClients), readRecord(t, path, k))
	}
}

// TestPool_MixedReadWrite is end-to-end scenario 3.
func TestPool_MixedReadWrite(t *testing.T) {
	t.Parallel()

	const n = 2000 // scaled down from the 10000-key reference scenario
	const perWriter = 1000
	const nWriters = 2
	const nReaders = 2

	pool, path := openTestPool(t, 200, 20, n)
	ctx := context.Background()

	var wg sync.WaitGroup

	for w := 0; w < nWriters; w++ {
		wg.Add(1)

		go func(seed uint32) {
			defer wg.Done()

			key := seed
			for i := 0; i < perWriter; i++ {
				key = (key*1103515245 + 12345) % n

				h, err := pool.Lock(ctx, key)
				if err != nil {
					t.Error(err)

					return
				}

				h.SetValue(h.Value() + 1)
				h.Unlock(true)
			}
		}(uint32(w) + 1)
	}

	for r := 0; r < nReaders; r++ {
		wg.Add(1)

		go func(seed uint32) {
			defer wg.Done()

			key := seed
			for i := 0; i < n; i++ {
				key = (key + 97) % n

				h, err := pool.Lock(ctx, key)
				if err != nil {
					t.Error(err)

					return
				}

				_ = h.Value()
				h.Unlock(false)
			}
		}(uint32(r) + 17)
	}

	wg.Wait()

	closePool(t, pool)

	var sum uint64
	for k := uint32(0); k < n; k++ {
		sum += readRecord(t, path, k)
	}
	require.Equal(t, uint64(nWriters*perWriter), sum)
}

// TestPool_EvictionStorm is end-to-end scenario 4.
func TestPool_EvictionStorm(t *testing.T) {
	t.Parallel()

	const n = 2000 // scaled down from the 10000-key reference scenario

	pool, path := openTestPool(t, 2, 1, n)
	ctx := context.Background()

	for k := uint32(0); k < n; k++ {
		h, err := pool.Lock(ctx, k)
		require.NoError(t, err)

		h.SetValue(uint64(k))
		h.Unlock(true)
	}

	closePool(t, pool)

	for k := uint32(0); k < n; k++ {
		require.Equal(t, uint64(k), readRecord(t, path, k))
	}
}

func TestPool_ReadOfNeverWrittenKeyIsZero(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 4, 1, 10)
	ctx := context.Background()

	h, err := pool.Lock(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), h.Value())
	h.Unlock(false)

	closePool(t, pool)
}

func TestPool_UnmodifiedReadLeavesEntryUnchanged(t *testing.T) {
	t.Parallel()

	pool, path := openTestPool(t, 4, 1, 10)
	ctx := context.Background()

	h, err := pool.Lock(ctx, 2)
	require.NoError(t, err)
	h.SetValue(99)
	h.Unlock(true)

	h, err = pool.Lock(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(99), h.Value())
	require.True(t, h.Dirty(), "entry stays dirty from the first Unlock(true) until it is written back")
	h.Unlock(false)

	closePool(t, pool)

	require.Equal(t, uint64(99), readRecord(t, path, 2))
}

func TestPool_CloseTimesOutWhenDeadlineIsAlreadyExpired(t *testing.T) {
	t.Parallel()

	pool, _ := openTestPool(t, 2, 1, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	err := pool.Close(ctx)
	require.ErrorIs(t, err, bufferpool.ErrShutdownTimeout)
}

func TestOpen_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pool.db")

	_, err := bufferpool.Open(bufferpool.Config{
		Path:       path,
		NumRecords: 10,
		Capacity:   1, // invalid: must be >= 2
		Threshold:  1,
		Workers:    1,
	})
	require.Error(t, err)
}
