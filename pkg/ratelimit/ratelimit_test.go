package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinLimit(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d denied, want admitted", i)
		}
	}
}

func TestAllowDeniesOverLimit(t *testing.T) {
	l := New(2, time.Minute)

	l.Allow("1.2.3.4")
	l.Allow("1.2.3.4")

	if l.Allow("1.2.3.4") {
		t.Error("3rd request admitted, want denied at limit 2")
	}
}

func TestAllowIsPerClient(t *testing.T) {
	l := New(1, time.Minute)

	if !l.Allow("1.2.3.4") {
		t.Fatal("first request from client A denied")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("first request from client B denied, want independent window")
	}
	if l.Allow("1.2.3.4") {
		t.Error("second request from client A admitted, want denied")
	}
}

func TestWindowSlidesExpiredTimestampsOut(t *testing.T) {
	l := New(1, time.Second)
	now := time.Now()

	if !l.allowAt("1.2.3.4", now) {
		t.Fatal("first request denied")
	}
	if l.allowAt("1.2.3.4", now.Add(500*time.Millisecond)) {
		t.Error("request inside window admitted, want denied")
	}
	if !l.allowAt("1.2.3.4", now.Add(2*time.Second)) {
		t.Error("request after window elapsed denied, want admitted")
	}
}

func TestResetClearsClientState(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("1.2.3.4")
	l.Reset("1.2.3.4")

	if !l.Allow("1.2.3.4") {
		t.Error("request after Reset denied, want admitted")
	}
}

func TestClientCount(t *testing.T) {
	l := New(5, time.Minute)
	l.Allow("1.2.3.4")
	l.Allow("5.6.7.8")
	l.Allow("1.2.3.4")

	if got := l.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
}
