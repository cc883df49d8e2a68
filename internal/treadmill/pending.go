package treadmill

import (
	"sync"

	"github.com/lowaak/treadmill-sync/internal/protocol"
)

const maxPendingQueries = 20

// pendingQueries is the FIFO of queries written but not yet answered. It is
// bounded so a device that stops answering cannot grow it; the oldest query
// is evicted first.
type pendingQueries struct {
	mu       sync.Mutex
	queue    []protocol.Query
	capacity int
	evicted  int
}

func newPendingQueries(capacity int) *pendingQueries {
	if capacity <= 0 {
		panic("pending query capacity must be > 0")
	}
	return &pendingQueries{capacity: capacity, queue: make([]protocol.Query, 0, capacity)}
}

func (p *pendingQueries) push(q protocol.Query) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, q)
	if len(p.queue) > p.capacity {
		p.queue = p.queue[1:]
		p.evicted++
	}
}

func (p *pendingQueries) pop() (protocol.Query, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return 0, false
	}
	q := p.queue[0]
	p.queue = p.queue[1:]
	return q, true
}

func (p *pendingQueries) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *pendingQueries) evictedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evicted
}
