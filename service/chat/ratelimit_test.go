package chat

import (
	"context"
	"testing"
	"time"
)

func TestLimiterBurstThenRefusal(t *testing.T) {
	l := NewLimiter(60, 3) // one per second, burst of three

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow()
		if !ok {
			t.Fatalf("token %d refused inside burst", i)
		}
	}

	ok, retryIn := l.Allow()
	if ok {
		t.Fatal("fourth token granted immediately")
	}
	if retryIn <= 0 || retryIn > 1100*time.Millisecond {
		t.Errorf("retry hint = %s, want about a second", retryIn)
	}

	// The refusal must not have consumed anything: the hint stays
	// roughly constant across repeated refusals.
	_, retryAgain := l.Allow()
	if retryAgain > retryIn+50*time.Millisecond {
		t.Errorf("refusals are consuming tokens: %s then %s", retryIn, retryAgain)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(60, 1)
	if ok, _ := l.Allow(); !ok {
		t.Fatal("first token refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("wait returned without a token before the refill")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("wait ignored the context deadline")
	}
}
