package ratelimit

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestSendLimiterCapsPerSender(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewSendLimiter(mr.Addr(), "", 2)
	if err != nil {
		t.Fatalf("new send limiter: %v", err)
	}
	defer limiter.Close()

	for i := 0; i < 2; i++ {
		if !limiter.Allow("alice") {
			t.Fatalf("send %d should pass", i+1)
		}
	}
	if limiter.Allow("alice") {
		t.Fatal("third send in the window should be blocked")
	}
	// Another sender has an independent budget.
	if !limiter.Allow("bob") {
		t.Fatal("a different sender should not share the budget")
	}
}

func TestSendLimiterFailsClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewSendLimiter(mr.Addr(), "", 1)
	if err != nil {
		t.Fatalf("new send limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow("alice") {
		t.Fatal("limiter should fail closed when redis is down")
	}
}

func TestSendLimiterRejectsBadConfig(t *testing.T) {
	if _, err := NewSendLimiter("", "", 1); err == nil {
		t.Fatal("expected error for empty redis address")
	}
	if _, err := NewSendLimiter("localhost:6379", "", 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}
