package ratelimit

import "testing"

func TestPingNilClientIsReady(t *testing.T) {
	l := New(nil)
	if err := l.Ping(t.Context()); err != nil {
		t.Fatalf("expected a nil client to always be ready, got %v", err)
	}
}
