package dummytemperature

import (
	"context"
	"sync"
	"time"
)

// poller calls a function on every tick until stopped.
type poller struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (p *poller) start(interval time.Duration, fn func()) {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (p *poller) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
