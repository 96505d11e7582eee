package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist transactions.
// It exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, txns []Transaction) error
}

const flushTimeout = 10 * time.Second

// Collector accepts usage transactions from request handlers and writes
// them to the store in batches. Producers never block on the database:
// Record hands the transaction to a buffered channel and the Start loop
// owns all batching and flushing. When the channel is full the
// transaction is dropped and logged; metering is best effort.
type Collector struct {
	store         BatchInserter
	in            chan Transaction
	batchSize     int
	flushInterval time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

// NewCollector creates a Collector that flushes to the given store when
// a batch reaches batchSize or every flushInterval, whichever comes
// first. Start must be running for transactions to reach the store.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		in:            make(chan Transaction, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopped:       make(chan struct{}),
		drained:       make(chan struct{}),
	}
}

// Record queues a transaction for persistence. It never blocks; if the
// queue is full the transaction is dropped.
func (c *Collector) Record(tx Transaction) {
	select {
	case c.in <- tx:
	default:
		slog.Warn("metering queue full, dropping transaction",
			"lease_id", tx.LeaseID, "request_id", tx.RequestID)
	}
}

// Start runs the batching loop until the context is cancelled or Stop
// is called, then drains the queue, flushes, and returns.
func (c *Collector) Start(ctx context.Context) {
	defer close(c.drained)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	batch := make([]Transaction, 0, c.batchSize)
	for {
		select {
		case tx := <-c.in:
			batch = append(batch, tx)
			if len(batch) >= c.batchSize {
				batch = c.flush(batch)
			}
		case <-ticker.C:
			batch = c.flush(batch)
		case <-ctx.Done():
			c.flush(c.drain(batch))
			return
		case <-c.stopped:
			c.flush(c.drain(batch))
			return
		}
	}
}

// Stop shuts the collector down and blocks until the Start loop has
// drained and flushed. Stop after Start only.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	<-c.drained
}

// drain empties whatever is still queued into batch without blocking.
func (c *Collector) drain(batch []Transaction) []Transaction {
	for {
		select {
		case tx := <-c.in:
			batch = append(batch, tx)
		default:
			return batch
		}
	}
}

// flush writes the batch to the store and returns an empty batch.
// Insert errors are logged, not propagated; the batch is not retried.
func (c *Collector) flush(batch []Transaction) []Transaction {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := c.store.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush usage transactions", "count", len(batch), "error", err)
	}
	return batch[:0]
}
