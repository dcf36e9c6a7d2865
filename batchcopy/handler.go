package batchcopy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mevdschee/batchcopy/parser"
)

// Handler takes rows and sends them to the engine on a bounded channel.
// Handlers are inexpensive to clone and safe for concurrent use.
type Handler[T Row] struct {
	s      *shared[T]
	closed atomic.Bool
}

// shared is the send side of the channel, referenced by every clone
type shared[T Row] struct {
	mu     sync.RWMutex
	refs   int
	closed bool
	msgs   chan message[T]
	done   chan struct{}
}

// Option configures a handler
type Option func(*options)

type options struct {
	logger *zerolog.Logger
	name   string
}

// WithLogger sets the logger used by the engine
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// WithName sets the table label used in metrics and log lines.
// It defaults to the table named in the COPY statement.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// New opens a store with the configured driver, checks the table with the
// row's check statement and starts the engine.
func New[T Row](ctx context.Context, cfg Config, opts ...Option) (*Handler[T], error) {
	cfg, err := cfg.prepare()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: database url is required", ErrInvalidConfig)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	h, err := start[T](ctx, cfg, store, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return h, nil
}

// NewWithStore is like New but writes to the given store. The store is
// closed when the engine stops, or when construction fails.
func NewWithStore[T Row](ctx context.Context, cfg Config, store Store, opts ...Option) (*Handler[T], error) {
	cfg, err := cfg.prepare()
	if err == nil {
		var h *Handler[T]
		if h, err = start[T](ctx, cfg, store, opts); err == nil {
			return h, nil
		}
	}
	store.Close()
	return nil, err
}

func start[T Row](ctx context.Context, cfg Config, store Store, opts []Option) (*Handler[T], error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	copyStmt := zero.CopyStatement()
	types := zero.ColumnTypes()

	parsed, err := validateRow(copyStmt, zero.CheckStatement(), types)
	if err != nil {
		return nil, err
	}
	if o.name == "" {
		o.name = parsed.Name()
	}

	log := logger
	if o.logger != nil {
		log = *o.logger
	}
	log = log.With().Str("table", o.name).Logger()
	if parsed.Format == parser.FormatCSV {
		log.Warn().
			Str("format", parsed.Format.String()).
			Msg("copy format is not supported, the store sends its own format")
	}

	// Check connection and bail in case of fatal errors
	checkCtx, cancel := context.WithTimeout(ctx, cfg.PoolConnectTimeout())
	defer cancel()
	if err := store.Check(checkCtx, zero.CheckStatement()); err != nil {
		if errors.Is(err, ErrBadConnection) || errors.Is(err, ErrBadTable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadTable, err)
	}

	s := &shared[T]{
		refs: 1,
		msgs: make(chan message[T], cfg.MaxChannelCapacity),
		done: make(chan struct{}),
	}

	e := &engine[T]{
		msgs:         s.msgs,
		rows:         make([]T, 0, cfg.MaxRowsPerBatch),
		store:        store,
		maxRows:      cfg.MaxRowsPerBatch,
		interval:     cfg.FlushInterval(),
		flushOnClose: cfg.FlushOnClose,
		copyStmt:     copyStmt,
		types:        types,
		name:         o.name,
		log:          log,
		done:         s.done,
	}
	go e.run()

	log.Info().
		Str("driver", cfg.Driver).
		Int("max_rows_per_batch", cfg.MaxRowsPerBatch).
		Int("max_channel_capacity", cfg.MaxChannelCapacity).
		Dur("flush_interval", cfg.FlushInterval()).
		Msg("batch copy engine started")

	return &Handler[T]{s: s}, nil
}

// validateRow checks the static descriptors of a row type
func validateRow(copyStmt, checkStmt string, types []ColumnType) (*parser.CopyStatement, error) {
	parsed, err := parser.ParseCopy(copyStmt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatement, err)
	}
	if !parser.IsSelect(checkStmt) {
		return nil, fmt.Errorf("%w: check statement is not a SELECT", ErrStatement)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: no column types", ErrStatement)
	}
	for i, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: column %d has unknown type", ErrStatement, i)
		}
	}
	if len(parsed.Columns) > 0 && len(parsed.Columns) != len(types) {
		return nil, fmt.Errorf("%w: %d columns in statement, %d column types",
			ErrStatement, len(parsed.Columns), len(types))
	}
	return parsed, nil
}

// Send queues a row and waits until the engine accepted it into its buffer.
// Accepted is not persisted, call Flush for that. It only fails when the
// handler is closed or ctx ends.
func (h *Handler[T]) Send(ctx context.Context, row T) error {
	msg := newMessage(msgInsert, row)
	if err := h.send(ctx, msg); err != nil {
		return err
	}
	_, err := wait(ctx, msg.done)
	return err
}

// Flush waits until every row sent before the call went through a flush
// attempt and returns the number of rows that attempt committed. Rows of a
// failed attempt are logged and discarded, they are not reported as an error.
func (h *Handler[T]) Flush(ctx context.Context) (int64, error) {
	var zero T
	msg := newMessage(msgFlush, zero)
	if err := h.send(ctx, msg); err != nil {
		return 0, err
	}
	return wait(ctx, msg.done)
}

func (h *Handler[T]) send(ctx context.Context, msg message[T]) error {
	if h.closed.Load() {
		return ErrClosed
	}

	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	if h.s.closed {
		return ErrClosed
	}

	// Blocks while the channel is full, this is the backpressure
	select {
	case h.s.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wait(ctx context.Context, done <-chan int64) (int64, error) {
	select {
	case n := <-done:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Clone returns a new handle on the same engine. Every clone must be closed.
func (h *Handler[T]) Clone() *Handler[T] {
	c := &Handler[T]{s: h.s}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	if h.closed.Load() || h.s.closed {
		c.closed.Store(true)
		return c
	}
	h.s.refs++
	return c
}

// Close releases this handle. Closing the last handle stops the engine after
// it handled every queued message; the buffered rows are not flushed unless
// Config.FlushOnClose is set. The last Close waits for the engine to stop.
func (h *Handler[T]) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	h.s.mu.Lock()
	h.s.refs--
	last := h.s.refs == 0
	if last {
		h.s.closed = true
		close(h.s.msgs)
	}
	h.s.mu.Unlock()

	if last {
		<-h.s.done
	}
	return nil
}

// Done is closed when the engine has stopped
func (h *Handler[T]) Done() <-chan struct{} {
	return h.s.done
}
