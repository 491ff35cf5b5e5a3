package listener

import (
	"context"
	"hash/fnv"
	"sync"
)

// Dispatcher fans decoded events out to a fixed pool of workers, sharded by
// entity key. Events sharing a key (order id, tx hash) always land on the
// same worker and are applied in arrival order, so two events racing on the
// same id can never interleave; unrelated keys proceed in parallel with no
// global lock.
type Dispatcher struct {
	shards []chan func(ctx context.Context)
	wg     sync.WaitGroup
}

func NewDispatcher(shardCount, queueDepth int) *Dispatcher {
	if shardCount <= 0 {
		shardCount = 8
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	shards := make([]chan func(ctx context.Context), shardCount)
	for i := range shards {
		shards[i] = make(chan func(ctx context.Context), queueDepth)
	}
	return &Dispatcher{shards: shards}
}

// Run starts one goroutine per shard and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, shard := range d.shards {
		d.wg.Add(1)
		go func(ch chan func(ctx context.Context)) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn, ok := <-ch:
					if !ok {
						return
					}
					fn(ctx)
				}
			}
		}(shard)
	}
	d.wg.Wait()
}

// Submit queues work on the shard owning key. Blocks when the shard's queue
// is full: backpressure to the decode stage instead of unbounded buffering.
func (d *Dispatcher) Submit(ctx context.Context, key string, fn func(ctx context.Context)) {
	h := fnv.New32a()
	h.Write([]byte(key))
	shard := d.shards[h.Sum32()%uint32(len(d.shards))]

	select {
	case shard <- fn:
	case <-ctx.Done():
	}
}
