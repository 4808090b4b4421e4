package supervisor

import (
	"context"
	"time"
)

// NewPeriodic returns a component that runs fn once shortly after start
// and then on a fixed interval. The initial delay keeps slow work off
// the startup path. Stop cancels the context passed to fn.
func NewPeriodic(name string, initialDelay, interval time.Duration, fn func(ctx context.Context)) Component {
	return &periodic{name: name, initialDelay: initialDelay, interval: interval, fn: fn}
}

type periodic struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	fn           func(ctx context.Context)
	cancel       context.CancelFunc
}

func (p *periodic) Name() string { return p.name }

func (p *periodic) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
	return nil
}

func (p *periodic) run(ctx context.Context) {
	initial := time.NewTimer(p.initialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-initial.C:
			p.fn(ctx)
		case <-ticker.C:
			p.fn(ctx)
		}
	}
}

func (p *periodic) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
