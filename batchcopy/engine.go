package batchcopy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/mevdschee/batchcopy/metrics"
)

// engine owns the pending batch and the store. Only the run goroutine
// touches them, producers talk to it through msgs.
type engine[T Row] struct {
	msgs         <-chan message[T]
	rows         []T
	store        Store
	maxRows      int
	interval     time.Duration
	flushOnClose bool
	copyStmt     string
	types        []ColumnType
	name         string
	log          zerolog.Logger
	done         chan struct{}
}

// run services messages and timer ticks until msgs is closed
func (e *engine[T]) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-e.msgs:
			if !ok {
				e.shutdown()
				return
			}
			e.handleMessage(msg)
		case <-ticker.C:
			e.flush(triggerTimer)
		}

		metrics.PendingRows.WithLabelValues(e.name).Set(float64(len(e.rows)))
		metrics.ChannelDepth.WithLabelValues(e.name).Set(float64(len(e.msgs)))
	}
}

func (e *engine[T]) handleMessage(msg message[T]) {
	switch msg.kind {
	case msgInsert:
		e.rows = append(e.rows, msg.row)
		if len(e.rows) >= e.maxRows {
			e.flush(triggerSize)
		}
		msg.done <- 1
	case msgFlush:
		msg.done <- e.flush(triggerRequest)
	}
}

// shutdown runs once the last handle is closed and every queued message was handled
func (e *engine[T]) shutdown() {
	if n := len(e.rows); n > 0 {
		if e.flushOnClose {
			e.flush(triggerClose)
		} else {
			metrics.RowsDiscarded.WithLabelValues(e.name, reasonShutdown).Add(float64(n))
			e.log.Warn().Int("rows", n).Msg("handler closed without flush, buffered rows discarded")
		}
	}

	if err := e.store.Close(); err != nil {
		e.log.Error().Err(err).Msg("closing store")
	}
	e.log.Info().Msg("engine stopped")
}

// flush detaches the pending batch and writes it in one transaction.
// It returns the number of rows committed, 0 when the batch was empty or
// discarded. A batch is written completely or not at all.
func (e *engine[T]) flush(t trigger) int64 {
	if len(e.rows) == 0 {
		return 0
	}

	// Swap out rows so the next batch starts fresh
	batch := e.rows
	e.rows = make([]T, 0, min(len(batch), e.maxRows))
	nrows := len(batch)

	start := time.Now()
	defer func() {
		metrics.FlushLatency.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	}()
	ctx := context.Background()
	metrics.FlushTotal.WithLabelValues(e.name, string(t)).Inc()
	metrics.BatchSize.WithLabelValues(e.name).Observe(float64(nrows))

	tx, err := e.store.Begin(ctx)
	if err != nil {
		e.discard(nrows, reasonAcquire, err)
		return 0
	}

	sink, err := tx.CopyIn(ctx, e.copyStmt, e.types)
	if err != nil {
		e.abort(ctx, tx, nrows, reasonCopy, err)
		return 0
	}

	for i, row := range batch {
		values, err := e.encode(row)
		if err == nil {
			err = sink.WriteRow(ctx, values)
		}
		if err != nil {
			e.abort(ctx, tx, nrows, reasonWrite, fmt.Errorf("row %d: %w", i, err))
			return 0
		}
	}

	written, err := sink.Close(ctx)
	if err != nil {
		e.abort(ctx, tx, nrows, reasonFinalize, err)
		return 0
	}

	if err := tx.Commit(ctx); err != nil {
		e.discard(nrows, reasonCommit, err)
		return 0
	}

	metrics.RowsWritten.WithLabelValues(e.name).Add(float64(written))
	e.log.Debug().
		Int64("rows", written).
		Str("trigger", string(t)).
		Dur("took", time.Since(start)).
		Msg("batch committed")

	return written
}

// encode turns one record into normalized column values.
// A panicking CopyValues is reported as an encode failure of that row.
func (e *engine[T]) encode(row T) (values []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encoding row panicked: %v", r)
		}
	}()

	values, err = row.CopyValues()
	if err != nil {
		return nil, err
	}
	return EncodeRow(e.types, values)
}

// abort rolls back tx and records the batch as discarded
func (e *engine[T]) abort(ctx context.Context, tx Tx, nrows int, reason string, cause error) {
	if err := tx.Rollback(ctx); err != nil {
		cause = multierror.Append(cause, fmt.Errorf("rollback: %w", err))
	}
	e.discard(nrows, reason, cause)
}

func (e *engine[T]) discard(nrows int, reason string, err error) {
	metrics.RowsDiscarded.WithLabelValues(e.name, reason).Add(float64(nrows))
	e.log.Error().
		Err(err).
		Int("rows", nrows).
		Str("reason", reason).
		Msg("terminating transaction, data loss has occurred")
}
