package batchcopy

// messageKind tells the engine what a message asks for
type messageKind int

const (
	msgInsert messageKind = iota
	msgFlush
)

// message is an Insert or a FlushRequest on its way to the engine.
// The engine sends exactly once on done, which is buffered so it never blocks.
type message[T Row] struct {
	kind messageKind
	row  T
	done chan int64
}

func newMessage[T Row](kind messageKind, row T) message[T] {
	return message[T]{
		kind: kind,
		row:  row,
		done: make(chan int64, 1),
	}
}

// trigger is the reason a flush ran, used as a metric label
type trigger string

const (
	triggerSize    trigger = "size"
	triggerTimer   trigger = "timer"
	triggerRequest trigger = "request"
	triggerClose   trigger = "close"
)

// Discard reasons, used as metric labels and in log lines
const (
	reasonAcquire  = "acquire"
	reasonCopy     = "copy"
	reasonWrite    = "write"
	reasonFinalize = "finalize"
	reasonCommit   = "commit"
	reasonShutdown = "shutdown"
)
