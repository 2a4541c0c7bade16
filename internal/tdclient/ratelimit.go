package tdclient

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/zfonlyone/tg-export/internal/tgerr"
)

// gate paces outbound API calls against the messaging service's per-account
// limits and tracks an explicit flood-wait hold when the service asks for
// one. A single gate is shared by every goroutine calling through one
// Client; one bot token gets one rate budget.
type gate struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	holdUntil time.Time // zero when no flood-wait is active
}

// newGate builds a token-bucket limiter. r is steady-state requests per
// second, burst is the number of requests allowed to fire back to back.
func newGate(r rate.Limit, burst int) *gate {
	return &gate{limiter: rate.NewLimiter(r, burst)}
}

// wait blocks until the gate allows one more call, honoring both the token
// bucket and any outstanding flood-wait hold.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	until := g.holdUntil
	g.mu.Unlock()

	if !until.IsZero() {
		if d := time.Until(until); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return g.limiter.Wait(ctx)
}

// hold records a flood-wait instruction from the service, widening the
// earliest time the gate will release the next call. A little jitter keeps
// all workers from stampeding the instant the hold expires.
func (g *gate) hold(d time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	g.mu.Lock()
	defer g.mu.Unlock()
	until := time.Now().Add(d + jitter)
	if until.After(g.holdUntil) {
		g.holdUntil = until
	}
}

// observe records the outcome of one call, widening the hold when the
// result is a flood-wait error so the next wait() picks it up.
func (g *gate) observe(err error) {
	if d := tgerr.WaitFor(err); d > 0 {
		g.hold(d)
	}
}
