package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"roamer/internal/domain"
)

// Default guard settings.
const (
	defaultBreakerFailures uint32        = 5
	defaultBreakerTimeout  time.Duration = 30 * time.Second
	defaultBreakerInterval time.Duration = 60 * time.Second
)

// GuardConfig configures command pacing and the circuit breaker.
type GuardConfig struct {
	Rate            float64 // commands per second, 0 = unlimited
	Burst           int
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	RequestTimeout  time.Duration
}

// guard paces commands to one access point and fails fast while the link
// to it is down. Rejections by the radio stack (stale handles, invalid
// state) are answers, not link failures, and do not trip the breaker.
type guard struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

func newGuard(name string, cfg GuardConfig, logger *slog.Logger) *guard {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		if burst <= 0 {
			burst = 1
		}
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "radio:" + name,
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrStaleHandle) ||
				errors.Is(err, domain.ErrCommandRejected) ||
				errors.Is(err, domain.ErrAnalysisBusy)
		},
	})

	return &guard{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		breaker: cb,
		timeout: cfg.RequestTimeout,
	}
}

// do runs fn under the limiter, breaker and per-request timeout.
func (g *guard) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.WrapOp(op, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewDomainError(op, domain.ErrUnavailable, fmt.Sprintf("%s circuit open", g.name))
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return domain.NewDomainError(op, domain.ErrTimeout, g.name)
	}
	return domain.WrapOp(op, err)
}

// state returns the breaker state for diagnostics.
// degraded reports whether the breaker is refusing or probing.
func (g *guard) degraded() bool {
	return g.state() != gobreaker.StateClosed
}

func (g *guard) state() gobreaker.State {
	return g.breaker.State()
}
