package intercept

import (
	"sync"
)

// writePool runs durable cache writes in the background with bounded concurrency
type writePool struct {
	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newWritePool(workers int) *writePool {
	if workers <= 0 {
		workers = 1
	}
	return &writePool{sem: make(chan struct{}, workers)}
}

// submit schedules fn. It returns false once the pool is closed.
func (p *writePool) submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		fn()
	}()
	return true
}

func (p *writePool) wait() {
	p.wg.Wait()
}

// close stops accepting work and waits for pending writes
func (p *writePool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
