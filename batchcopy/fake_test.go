package batchcopy

import (
	"context"
	"errors"
	"sync"
)

var errBoom = errors.New("boom")

// testRow maps to: CREATE TABLE testtable (a TEXT, b BIGINT)
type testRow struct {
	A      string
	B      int64
	fail   bool
	panics bool
	bad    bool
}

func (testRow) CheckStatement() string { return "SELECT a, b FROM testtable LIMIT 0" }
func (testRow) CopyStatement() string {
	return "COPY testtable (a, b) FROM STDIN (FORMAT binary)"
}
func (testRow) ColumnTypes() []ColumnType { return []ColumnType{ColumnText, ColumnInt8} }

func (r testRow) CopyValues() ([]any, error) {
	switch {
	case r.fail:
		return nil, errBoom
	case r.panics:
		panic("boom")
	case r.bad:
		return []any{r.A, "not a number"}, nil
	}
	return []any{r.A, r.B}, nil
}

// fakeStore keeps committed rows in memory
type fakeStore struct {
	mu        sync.Mutex
	committed [][]any
	batches   []int
	checks    int
	begins    int
	rollbacks int
	closed    bool

	checkErr  error
	beginErr  error
	copyErr   error
	closeErr  error
	commitErr error

	// when set, Begin signals began and waits for block to be closed
	block chan struct{}
	began chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{began: make(chan struct{}, 64)}
}

func (s *fakeStore) Check(ctx context.Context, stmt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return s.checkErr
}

func (s *fakeStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	s.begins++
	block := s.block
	err := s.beginErr
	s.mu.Unlock()

	select {
	case s.began <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// set changes the store's failure modes while an engine may be running
func (s *fakeStore) set(fn func(s *fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeStore) rows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]any(nil), s.committed...)
}

func (s *fakeStore) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

func (s *fakeStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStore) rollbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

func (s *fakeStore) checkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func (s *fakeStore) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

type fakeTx struct {
	store   *fakeStore
	pending [][]any
}

func (tx *fakeTx) CopyIn(ctx context.Context, stmt string, types []ColumnType) (Sink, error) {
	tx.store.mu.Lock()
	err := tx.store.copyErr
	tx.store.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &fakeSink{tx: tx}, nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = append(s.committed, tx.pending...)
	s.batches = append(s.batches, len(tx.pending))
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks++
	return nil
}

type fakeSink struct {
	tx *fakeTx
	n  int64
}

func (k *fakeSink) WriteRow(ctx context.Context, values []any) error {
	k.tx.pending = append(k.tx.pending, values)
	k.n++
	return nil
}

func (k *fakeSink) Close(ctx context.Context) (int64, error) {
	k.tx.store.mu.Lock()
	err := k.tx.store.closeErr
	k.tx.store.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return k.n, nil
}
