package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/reminder-engine/internal/domain"
)

// ChannelLimiters holds one token bucket limiter per outbound channel.
// Each limiter enforces a steady-state rate (e.g. 100 sends/sec) shared by
// every dispatch goroutine in the process. Burst equals the rate so no
// capacity is saved up beyond the configured per-second maximum.
//
// IN_APP has no limiter: it never leaves the process.
type ChannelLimiters struct {
	limiters map[domain.ChannelKind]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
// A non-positive rate disables limiting.
func New(ratePerSec int) *ChannelLimiters {
	cl := &ChannelLimiters{limiters: make(map[domain.ChannelKind]*rate.Limiter)}
	if ratePerSec <= 0 {
		return cl
	}
	r := rate.Limit(ratePerSec)
	for _, ch := range []domain.ChannelKind{domain.ChannelPush, domain.ChannelEmail, domain.ChannelSMS} {
		cl.limiters[ch] = rate.NewLimiter(r, ratePerSec)
	}
	return cl
}

// Wait blocks until the channel's limiter grants a token.
// Called immediately before each send to a provider.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.ChannelKind) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
