package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewFixedWindowLimiter(mr.Addr(), "", "test:rl", 2, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !l.Allow("p:1") || !l.Allow("p:1") {
		t.Fatalf("requests within quota rejected")
	}
	if l.Allow("p:1") {
		t.Fatalf("request over quota allowed")
	}
	if !l.Allow("p:2") {
		t.Fatalf("separate key shared the budget")
	}
}

func TestFixedWindowResetsInNextWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewFixedWindowLimiter(mr.Addr(), "", "test:rl", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !l.Allow("k") {
		t.Fatalf("first request rejected")
	}
	// A full window later the slot has rolled over and quota is back.
	time.Sleep(110 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatalf("request in fresh window rejected")
	}
}

func TestFixedWindowFailsClosedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewFixedWindowLimiter(mr.Addr(), "", "test:rl", 10, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if l.Allow("k") {
		t.Fatalf("limiter allowed a request while redis was unreachable")
	}
}

func TestFixedWindowRejectsBadConfig(t *testing.T) {
	if _, err := NewFixedWindowLimiter("localhost:6379", "", "", 0, time.Minute); err == nil {
		t.Fatalf("zero limit accepted")
	}
	if _, err := NewFixedWindowLimiter("", "", "", 1, time.Minute); err == nil {
		t.Fatalf("empty addr accepted")
	}
}

func TestFixedWindowNilLimiterAllowsEverything(t *testing.T) {
	var l *FixedWindowLimiter
	if !l.Allow("anything") {
		t.Fatalf("nil limiter rejected a request")
	}
}
