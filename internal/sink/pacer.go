package sink

import (
	"context"

	"golang.org/x/time/rate"

	"postbridge/internal/render"
)

// Paced wraps a Sink with a token bucket so bursts never exceed the
// destination's rate.
type Paced struct {
	next    Sink
	limiter *rate.Limiter
}

// NewPaced allows perSec deliveries per second (burst perSec). perSec <= 0
// returns next unchanged.
func NewPaced(next Sink, perSec int) Sink {
	if perSec <= 0 || next == nil {
		return next
	}
	return &Paced{next: next, limiter: rate.NewLimiter(rate.Limit(perSec), perSec)}
}

func (p *Paced) Name() string { return p.next.Name() }

func (p *Paced) Deliver(ctx context.Context, pl render.Payload) Result {
	if err := p.limiter.Wait(ctx); err != nil {
		return retry(0, 0, err)
	}
	return p.next.Deliver(ctx, pl)
}
