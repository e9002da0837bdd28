package transport

import (
	"context"
	"time"

	"github.com/clipberry/clipberry/internal/logging"
)

// Pinger periodically broadcasts PING to all live sessions as a liveness
// probe. Peers answer with PONG; a dead connection surfaces as a write or
// read error in its own session and is torn down there.
type Pinger struct {
	registry *Registry
	interval time.Duration
	logger   logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPinger(registry *Registry, interval time.Duration, logger logging.Logger) *Pinger {
	return &Pinger{
		registry: registry,
		interval: interval,
		logger:   logger.With("module", "pinger"),
	}
}

// Start launches the ping loop.
func (p *Pinger) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.registry.Broadcast(ctx, &Message{Type: MessagePing}, "")
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the ping loop and waits for it to exit.
func (p *Pinger) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}
