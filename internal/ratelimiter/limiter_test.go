package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/ratelimiter"
)

func TestChannelLimiters_BurstThenWait(t *testing.T) {
	cl := ratelimiter.New(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cl.Wait(ctx, domain.ChannelPush); err != nil {
			t.Fatalf("burst token %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := cl.Wait(ctx, domain.ChannelPush); err == nil {
		t.Fatal("expected the third token to exceed the deadline")
	}
	// Channels are independent.
	if err := cl.Wait(context.Background(), domain.ChannelSMS); err != nil {
		t.Fatalf("sms limiter should be untouched: %v", err)
	}
}

func TestChannelLimiters_InAppAndDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ratelimiter.New(1).Wait(ctx, domain.ChannelInApp); err != nil {
		t.Fatalf("in-app is never limited: %v", err)
	}
	if err := ratelimiter.New(0).Wait(ctx, domain.ChannelEmail); err != nil {
		t.Fatalf("a zero rate disables limiting: %v", err)
	}
}
