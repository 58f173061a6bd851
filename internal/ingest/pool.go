package ingest

import (
	"context"
	"hash/fnv"

	"github.com/roastery/ingest/internal/envelope"
)

// shardTask pairs an envelope with the context it arrived under, the
// unit of work a Pool shard processes.
type shardTask struct {
	ctx context.Context
	env envelope.Envelope
}

// Pool fans a single inbound broker subscription out across a fixed
// number of worker goroutines, each a single-consumer channel keyed by
// hash(orgId,siteId,machineId) % N -- generalizing the teacher's
// single-goroutine Monitor.poll() loop into N parallel shards while
// preserving per-origin FIFO order within a shard, per spec.md §5's
// "parallelize across keys, in-order within a key" requirement.
type Pool struct {
	pipeline *Pipeline
	shards   []chan shardTask
}

// NewPool builds a Pool with shardCount workers, each with a buffered
// inbox of queueSize envelopes. shardCount <= 0 defaults to 1 (no
// parallelism, still correct).
func NewPool(pipeline *Pipeline, shardCount, queueSize int) *Pool {
	if shardCount <= 0 {
		shardCount = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pool{
		pipeline: pipeline,
		shards:   make([]chan shardTask, shardCount),
	}
	for i := range p.shards {
		p.shards[i] = make(chan shardTask, queueSize)
	}
	return p
}

// Run starts every shard's worker goroutine. It returns once all
// shards have stopped, which happens when ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, len(p.shards))
	for _, shard := range p.shards {
		go func(inbox chan shardTask) {
			p.runShard(ctx, inbox)
			done <- struct{}{}
		}(shard)
	}
	for range p.shards {
		<-done
	}
}

func (p *Pool) runShard(ctx context.Context, inbox chan shardTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-inbox:
			p.pipeline.ProcessEnvelope(task.ctx, task.env)
		}
	}
}

// Dispatch enqueues env onto the shard owned by its origin key. It
// blocks if that shard's inbox is full, applying backpressure to the
// broker subscription rather than dropping or reordering traffic for a
// hot key.
func (p *Pool) Dispatch(ctx context.Context, env envelope.Envelope) {
	shard := p.shards[shardIndex(env.Origin.Key(), len(p.shards))]
	select {
	case shard <- shardTask{ctx: ctx, env: env}:
	case <-ctx.Done():
	}
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
