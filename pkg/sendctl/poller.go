package sendctl

import (
	"context"
	"sync"
	"time"
)

// poller runs tick on every interval until stopped. Stop cancels the context
// passed to tick, so an in-flight tick can tell it must not write anymore.
type poller struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func startPoller(parent context.Context, interval time.Duration, tick func(ctx context.Context)) *poller {
	ctx, cancel := context.WithCancel(parent)
	p := &poller{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if ctx.Err() != nil {
					return
				}
				tick(ctx)
			}
		}
	}()
	return p
}

// Stop reports whether this call was the one that stopped the poller.
func (p *poller) Stop() bool {
	stopped := false
	p.once.Do(func() {
		p.cancel()
		stopped = true
	})
	return stopped
}

func (p *poller) Wait() { <-p.done }
