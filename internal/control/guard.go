package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stupiduntilnot/sidechat/internal/model"
)

// ErrCircuitOpen is wrapped in the NetworkError returned while a provider's
// circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// Guard wraps a provider with a circuit breaker. Transport failures and
// server-side statuses count against the breaker; configuration problems and
// 4xx provider answers do not, since retrying later will not fix them.
type Guard struct {
	ID       model.ProviderID
	Provider model.Provider
	Breaker  *CircuitBreaker
	Now      func() time.Time
}

// GuardRegistry wraps every provider of r with its own breaker.
func GuardRegistry(r model.Registry, threshold int, cooldown time.Duration) model.Registry {
	out := make(model.Registry, len(r))
	for id, p := range r {
		out[id] = &Guard{ID: id, Provider: p, Breaker: NewCircuitBreaker(threshold, cooldown)}
	}
	return out
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) Open(ctx context.Context, req model.Request) (model.Stream, error) {
	now := g.now()
	if !g.Breaker.Allow(now) {
		return nil, &model.NetworkError{
			Provider: g.ID,
			Err: fmt.Errorf("%w after %s failures; retry in %s",
				ErrCircuitOpen, g.Breaker.OpenedClass(), g.Breaker.RetryAfter(now).Round(time.Second)),
		}
	}
	stream, err := g.Provider.Open(ctx, req)
	if err != nil {
		g.record(ctx, err)
		return nil, err
	}
	return &guardedStream{Stream: stream, guard: g, ctx: ctx}, nil
}

func (g *Guard) record(ctx context.Context, err error) {
	if err == nil {
		g.Breaker.RecordSuccess()
		return
	}
	if ctx.Err() != nil {
		g.Breaker.ReleaseProbe()
		return
	}
	class := FailureClass(err)
	if class == "" {
		g.Breaker.ReleaseProbe()
		return
	}
	if g.Breaker.RecordFailure(class, g.now()) {
		log.Printf("[control] circuit opened provider=%s class=%s cooldown=%s", g.ID, class, g.Breaker.Cooldown)
	}
}

// FailureClass returns the breaker class of err, or "" when err should not
// count against the provider.
func FailureClass(err error) string {
	var (
		netErr    *model.NetworkError
		provErr   *model.ProviderError
		statusErr *model.StatusError
	)
	switch {
	case model.IsConfigurationError(err):
		return ""
	case errors.As(err, &provErr):
		if provErr.Status >= 500 || provErr.Status == 429 {
			return "provider_api"
		}
		return ""
	case errors.As(err, &statusErr):
		if statusErr.Status >= 500 || statusErr.Status == 429 {
			return "provider_status"
		}
		return ""
	case errors.As(err, &netErr):
		return "network"
	default:
		return "unknown"
	}
}

type guardedStream struct {
	model.Stream
	guard    *Guard
	ctx      context.Context
	recorded bool
}

// Close releases a probe slot the stream never reported on.
func (s *guardedStream) Close() error {
	if !s.recorded {
		s.recorded = true
		s.guard.Breaker.ReleaseProbe()
	}
	return s.Stream.Close()
}

func (s *guardedStream) Next() bool {
	if s.Stream.Next() {
		return true
	}
	if !s.recorded {
		s.recorded = true
		s.guard.record(s.ctx, s.Stream.Err())
	}
	return false
}
