package session

import (
	"testing"
	"time"
)

func TestManager_TouchIsOnline(t *testing.T) {
	m := New()
	now := time.Now()
	timeout := 2 * time.Second
	if m.IsOnline("A", now, timeout) {
		t.Fatalf("expected offline initially")
	}
	m.Touch("A", now)
	if !m.IsOnline("A", now, timeout) {
		t.Fatalf("expected online after touch")
	}
	if m.IsOnline("B", now, timeout) {
		t.Fatalf("other device should be offline")
	}
}

func TestManager_Timeout(t *testing.T) {
	m := New()
	ts := time.Now()
	timeout := 500 * time.Millisecond
	m.Touch("X", ts)
	if !m.IsOnline("X", ts.Add(400*time.Millisecond), timeout) {
		t.Fatalf("should still be online before timeout")
	}
	if m.IsOnline("X", ts.Add(600*time.Millisecond), timeout) {
		t.Fatalf("should be offline after timeout")
	}
}

func TestManager_BindUnbind(t *testing.T) {
	m := New()
	m.Bind("A", "conn-a")
	conn, ok := m.GetConn("A")
	if !ok || conn != "conn-a" {
		t.Fatalf("expected bound connection, got %v %v", conn, ok)
	}
	m.Unbind("A")
	if _, ok := m.GetConn("A"); ok {
		t.Fatalf("expected unbound after Unbind")
	}
}

func TestManager_OnlineCount(t *testing.T) {
	m := New()
	now := time.Now()
	timeout := time.Second
	m.Touch("A", now)
	m.Touch("B", now.Add(-2*time.Second))
	if got := m.OnlineCount(now, timeout); got != 1 {
		t.Fatalf("expected 1 online device, got %d", got)
	}
}
