package process

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Pool is a bounded worker pool. Instance ids are sharded onto workers by hash,
// so one instance is never advanced by two local workers at once.
type Pool struct {
	shards []chan string
	run    func(ctx context.Context, id string) error
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queued  map[string]bool
	stopped bool
}

// NewPool starts workers goroutines, each with a queue of queueSize.
func NewPool(workers, queueSize int, run func(ctx context.Context, id string) error, logger hclog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		shards: make([]chan string, workers),
		run:    run,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queued: make(map[string]bool),
	}
	for i := range p.shards {
		p.shards[i] = make(chan string, queueSize)
		p.wg.Add(1)
		go p.worker(p.shards[i])
	}
	return p
}

func shardOf(id string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}

// Submit queues id. It returns false when id is already queued, the shard is
// full or the pool is stopped.
func (p *Pool) Submit(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.queued[id] {
		return false
	}
	select {
	case p.shards[shardOf(id, len(p.shards))] <- id:
		p.queued[id] = true
		return true
	default:
		p.logger.Debug("worker queue full", "instance", id)
		return false
	}
}

func (p *Pool) worker(ch chan string) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-ch:
			p.mu.Lock()
			delete(p.queued, id)
			p.mu.Unlock()
			if err := p.run(p.ctx, id); err != nil && p.ctx.Err() == nil {
				p.logger.Warn("advance failed", "instance", id, "error", err)
			}
		}
	}
}

// Stop cancels in-progress work and waits for workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
