package index

import (
	"container/list"
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Factory constructs a fresh Adapter for one shard. A deployment with a
// single backing store ignores the shard argument; a sharded deployment
// uses it to pick the right backing connection.
type Factory func(shard string) Adapter

// Pool is the bounded ctx→adapter map named in spec.md §5's "Shared
// resources": an LRU-evicted cache of live adapter handles, with
// concurrent lookups for the same context id coalescing into one
// initialization. When configured with more than one shard name, contexts
// are assigned to shards with rendezvous hashing so a given context id
// lands on the same shard across restarts and pool resizes.
type Pool struct {
	mu       sync.Mutex
	maxSize  int
	factory  Factory
	shards   *rendezvous.Rendezvous
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	inflight map[string]*initCall
}

type poolItem struct {
	contextID string
	adapter   Adapter
}

type initCall struct {
	done    chan struct{}
	adapter Adapter
	err     error
}

// NewPool constructs a Pool. An empty (or nil) shardNames yields a single
// shard named "default".
func NewPool(maxSize int, shardNames []string, factory Factory) *Pool {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if len(shardNames) == 0 {
		shardNames = []string{"default"}
	}
	return &Pool{
		maxSize:  maxSize,
		factory:  factory,
		shards:   rendezvous.New(shardNames, xxhash.Sum64String),
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*initCall),
	}
}

// Shard returns the shard name a context id is assigned to.
func (p *Pool) Shard(contextID string) string {
	return p.shards.Lookup(contextID)
}

// Get returns the adapter for contextID, creating and Ensure-ing it on
// first access. Concurrent Gets for the same context id share one
// initialization (single-flight).
func (p *Pool) Get(ctx context.Context, contextID string) (Adapter, error) {
	p.mu.Lock()
	if el, ok := p.entries[contextID]; ok {
		p.order.MoveToFront(el)
		adapter := el.Value.(*poolItem).adapter
		p.mu.Unlock()
		return adapter, nil
	}

	if call, ok := p.inflight[contextID]; ok {
		p.mu.Unlock()
		<-call.done
		return call.adapter, call.err
	}

	call := &initCall{done: make(chan struct{})}
	p.inflight[contextID] = call
	p.mu.Unlock()

	shard := p.shards.Lookup(contextID)
	adapter := p.factory(shard)
	err := adapter.Ensure(ctx)

	p.mu.Lock()
	delete(p.inflight, contextID)
	if err == nil {
		el := p.order.PushFront(&poolItem{contextID: contextID, adapter: adapter})
		p.entries[contextID] = el
		p.evictLocked()
	}
	p.mu.Unlock()

	call.adapter, call.err = adapter, err
	close(call.done)
	return call.adapter, call.err
}

// evictLocked drops the least-recently-used entries once the pool exceeds
// maxSize. Caller must hold p.mu.
func (p *Pool) evictLocked() {
	for p.order.Len() > p.maxSize {
		back := p.order.Back()
		if back == nil {
			return
		}
		item := back.Value.(*poolItem)
		p.order.Remove(back)
		delete(p.entries, item.contextID)
	}
}

// Evict drops a context's adapter from the pool without touching its
// backing storage (use Adapter.Drop for that).
func (p *Pool) Evict(contextID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.entries[contextID]; ok {
		p.order.Remove(el)
		delete(p.entries, contextID)
	}
}

// Len reports the number of live entries, for tests and metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.order.Len()
}
