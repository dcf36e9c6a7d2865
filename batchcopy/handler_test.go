package batchcopy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/batchcopy/metrics"
)

// testConfig disables the timer for practical purposes so tests control every flush
func testConfig() Config {
	return DefaultConfig("postgres://fake").WithFlushTimerMs(60_000)
}

func newTestHandler(t *testing.T, cfg Config, store *fakeStore) *Handler[testRow] {
	t.Helper()
	h, err := NewWithStore[testRow](context.Background(), cfg, store, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	return h
}

func TestHandler_SendFlush(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig(), store)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.Send(ctx, testRow{A: "/x", B: 42}))

	n, err := h.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows := store.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []any{"/x", int64(42)}, rows[0])
}

func TestHandler_FlushEmpty(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig(), store)
	defer h.Close()

	n, err := h.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, 0, store.beginCount(), "empty flush must not open a transaction")
}

func TestHandler_SizeTrigger(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithMaxRowsPerBatch(5), store)
	defer h.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Send(ctx, testRow{A: "size", B: int64(i)}))
	}

	// The fifth Send is acknowledged only after its batch was written
	assert.Len(t, store.rows(), 5)
	assert.Equal(t, []int{5}, store.batchSizes())
}

func TestHandler_BatchNeverExceedsMax(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithMaxRowsPerBatch(3), store)
	defer h.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Send(ctx, testRow{A: "max", B: int64(i)}))
	}
	n, err := h.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), n)
	assert.Equal(t, []int{3, 3, 3, 1}, store.batchSizes())
}

func TestHandler_TimerTrigger(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithFlushTimerMs(50), store)
	defer h.Close()

	require.NoError(t, h.Send(context.Background(), testRow{A: "timer", B: 1}))

	assert.Eventually(t, func() bool {
		return len(store.rows()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandler_TimerSkipsEmptyBatch(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithFlushTimerMs(10), store)
	defer h.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.beginCount())
}

func TestHandler_Backpressure(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	h := newTestHandler(t, testConfig().WithMaxChannelCapacity(1), store)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.Send(ctx, testRow{A: "first", B: 1}))

	// Keep the engine busy inside a flush
	flushed := make(chan int64, 1)
	go func() {
		n, _ := h.Flush(ctx)
		flushed <- n
	}()
	<-store.began

	// The first send fills the only channel slot
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- h.Send(ctx, testRow{A: "queued", B: 2})
	}()
	require.Eventually(t, func() bool {
		return len(h.s.msgs) == 1
	}, time.Second, time.Millisecond)

	// The second send cannot enter the channel
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- h.Send(ctx, testRow{A: "blocked", B: 3})
	}()
	select {
	case <-secondDone:
		t.Fatal("second send returned while the channel was full")
	case <-time.After(100 * time.Millisecond):
	}

	// A send with a deadline gives up while waiting for a slot
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Send(shortCtx, testRow{A: "timeout", B: 4}), context.DeadlineExceeded)

	close(store.block)

	assert.Equal(t, int64(1), <-flushed)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	n, err := h.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestHandler_FlushObservesPriorSends(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithMaxRowsPerBatch(7), store)
	defer h.Close()

	const producers = 16
	const perProducer = 50

	ctx := context.Background()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			c := h.Clone()
			defer c.Close()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, c.Send(ctx, testRow{A: fmt.Sprintf("p%d", p), B: int64(i)}))
			}
		}(p)
	}
	wg.Wait()

	_, err := h.Flush(ctx)
	require.NoError(t, err)

	rows := store.rows()
	require.Len(t, rows, producers*perProducer)

	// Rows of a single producer keep their order
	last := map[string]int64{}
	for _, r := range rows {
		a, b := r[0].(string), r[1].(int64)
		if prev, ok := last[a]; ok {
			assert.Greater(t, b, prev, "rows of %s out of order", a)
		}
		last[a] = b
	}
}

func TestHandler_EncodeFailureDiscardsBatch(t *testing.T) {
	tests := []struct {
		name string
		row  testRow
	}{
		{"error", testRow{A: "x", fail: true}},
		{"panic", testRow{A: "x", panics: true}},
		{"type mismatch", testRow{A: "x", bad: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			h := newTestHandler(t, testConfig(), store)
			defer h.Close()

			ctx := context.Background()
			for i := 0; i < 10; i++ {
				row := testRow{A: "ok", B: int64(i)}
				if i == 2 {
					row = tt.row
				}
				require.NoError(t, h.Send(ctx, row))
			}

			n, err := h.Flush(ctx)
			require.NoError(t, err, "database failures are not reported to producers")
			assert.Equal(t, int64(0), n)
			assert.Empty(t, store.rows())
			assert.Equal(t, 1, store.rollbackCount())

			// The engine keeps going with the next batch
			require.NoError(t, h.Send(ctx, testRow{A: "after", B: 1}))
			n, err = h.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		})
	}
}

func TestHandler_StoreFailuresDiscardBatch(t *testing.T) {
	tests := []struct {
		name      string
		fail      func(s *fakeStore)
		rollbacks int
	}{
		{"acquire", func(s *fakeStore) { s.beginErr = errBoom }, 0},
		{"copy", func(s *fakeStore) { s.copyErr = errBoom }, 1},
		{"finalize", func(s *fakeStore) { s.closeErr = errBoom }, 1},
		{"commit", func(s *fakeStore) { s.commitErr = errBoom }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			h := newTestHandler(t, testConfig(), store)
			defer h.Close()

			ctx := context.Background()
			store.set(tt.fail)
			require.NoError(t, h.Send(ctx, testRow{A: "lost", B: 1}))

			n, err := h.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), n)
			assert.Empty(t, store.rows())
			assert.Equal(t, tt.rollbacks, store.rollbackCount())

			// The failed batch is not retried
			store.set(func(s *fakeStore) {
				s.beginErr, s.copyErr, s.closeErr, s.commitErr = nil, nil, nil, nil
			})
			require.NoError(t, h.Send(ctx, testRow{A: "kept", B: 2}))
			n, err = h.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			require.Len(t, store.rows(), 1)
			assert.Equal(t, "kept", store.rows()[0][0])
		})
	}
}

// flushSamples returns how many flush latencies were observed for name
func flushSamples(t *testing.T, name string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, metrics.FlushLatency.WithLabelValues(name).(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestHandler_FlushLatencyIncludesFailures(t *testing.T) {
	store := newFakeStore()
	h, err := NewWithStore[testRow](context.Background(), testConfig(), store,
		WithLogger(zerolog.Nop()), WithName("latency_failures"))
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	store.set(func(s *fakeStore) { s.copyErr = errBoom })
	require.NoError(t, h.Send(ctx, testRow{A: "lost", B: 1}))
	_, err = h.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), flushSamples(t, "latency_failures"))

	store.set(func(s *fakeStore) { s.copyErr = nil })
	require.NoError(t, h.Send(ctx, testRow{A: "kept", B: 2}))
	_, err = h.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), flushSamples(t, "latency_failures"))

	// Empty flushes are not timed
	_, err = h.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), flushSamples(t, "latency_failures"))
}

func TestHandler_CloseWithoutFlushLosesRows(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig(), store)

	require.NoError(t, h.Send(context.Background(), testRow{A: "lost", B: 1}))
	require.NoError(t, h.Close())

	<-h.Done()
	assert.Empty(t, store.rows())
	assert.True(t, store.isClosed())
}

func TestHandler_FlushOnClose(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig().WithFlushOnClose(true), store)

	require.NoError(t, h.Send(context.Background(), testRow{A: "kept", B: 1}))
	require.NoError(t, h.Close())

	assert.Len(t, store.rows(), 1)
	assert.True(t, store.isClosed())
}

func TestHandler_CloneKeepsEngineAlive(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig(), store)
	c := h.Clone()

	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "Close is idempotent")

	select {
	case <-c.Done():
		t.Fatal("engine stopped while a clone was open")
	default:
	}

	ctx := context.Background()
	assert.ErrorIs(t, h.Send(ctx, testRow{A: "x"}), ErrClosed)
	_, err := h.Flush(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, c.Send(ctx, testRow{A: "clone", B: 1}))
	n, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Close())
	<-c.Done()
	assert.ErrorIs(t, c.Send(ctx, testRow{A: "x"}), ErrClosed)

	closedClone := c.Clone()
	assert.ErrorIs(t, closedClone.Send(ctx, testRow{A: "x"}), ErrClosed)
}

func TestHandler_SendContextCanceled(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, testConfig(), store)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Either the channel accepted it or the context won, never a hang
	err := h.Send(ctx, testRow{A: "x"})
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
