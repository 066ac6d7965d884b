package client

import (
	"context"

	"golang.org/x/time/rate"
)

// Sender is the chat transport contract used by the dispatcher.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (remoteID string, err error)
}

// RateLimited caps outbound sends per second across all callers.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive rps disables limiting.
func NewRateLimited(next Sender, rps float64) Sender {
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Send(ctx context.Context, chatID, text string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", Transient(err)
	}
	return r.next.Send(ctx, chatID, text)
}
