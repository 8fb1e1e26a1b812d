// Package journal moves committed transactions off the ledger lock and
// into durable sinks.
package journal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eltadmin/alice/internal/economy"
)

// flushTimeout bounds how long Run spends writing queued transactions
// after its context is cancelled.
const flushTimeout = 5 * time.Second

// writeTimeout bounds a single transaction's trip through the sinks.
const writeTimeout = 10 * time.Second

// Sink persists or forwards transactions.
type Sink interface {
	Name() string
	Write(ctx context.Context, tx economy.Transaction) error
}

// Journal is an economy.Recorder backed by a bounded queue and a single
// writer goroutine. When the queue is full new transactions are dropped
// and counted instead of stalling the ledger.
type Journal struct {
	queue   chan economy.Transaction
	sinks   []Sink
	logger  *slog.Logger
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// New creates a journal with the given queue capacity.
func New(capacity int, logger *slog.Logger, sinks ...Sink) *Journal {
	if capacity <= 0 {
		capacity = 1
	}
	return &Journal{
		queue:  make(chan economy.Transaction, capacity),
		sinks:  sinks,
		logger: logger,
	}
}

// Record enqueues tx without blocking.
func (j *Journal) Record(tx economy.Transaction) {
	select {
	case j.queue <- tx:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("journal queue full, dropping transactions", "capacity", cap(j.queue))
		}
	}
}

// Dropped reports how many transactions were discarded.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Written reports how many transactions every sink accepted.
func (j *Journal) Written() uint64 { return j.written.Load() }

// Failed reports how many transactions at least one sink rejected.
func (j *Journal) Failed() uint64 { return j.failed.Load() }

// Run writes queued transactions to every sink until ctx is cancelled,
// then flushes what is already queued. Cancelling ctx never aborts a
// write in progress.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case tx := <-j.queue:
			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
			j.write(writeCtx, tx)
			cancel()
		case <-ctx.Done():
			j.flush()
			return nil
		}
	}
}

func (j *Journal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case tx := <-j.queue:
			j.write(ctx, tx)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, tx economy.Transaction) {
	ok := true
	for _, sink := range j.sinks {
		if err := sink.Write(ctx, tx); err != nil {
			ok = false
			j.logger.Error("journal sink write failed",
				"sink", sink.Name(),
				"from", tx.From,
				"to", tx.To,
				"error", err,
			)
		}
	}
	if ok {
		j.written.Add(1)
	} else {
		j.failed.Add(1)
	}
}
