package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilLockerRunsUnguarded(t *testing.T) {
	var l *Locker
	if l.Enabled() {
		t.Fatalf("nil locker must report disabled")
	}

	called := false
	err := l.WithLock(context.Background(), "backfill:lock", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected fn to run without lock, called=%v err=%v", called, err)
	}
}

func TestNilLockerPropagatesError(t *testing.T) {
	want := errors.New("boom")
	got := NewLocker(nil).WithLock(context.Background(), "k", time.Second, func(context.Context) error {
		return want
	})
	if !errors.Is(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestTryLockRequiresClient(t *testing.T) {
	var l *Locker
	if _, ok, err := l.TryLock(context.Background(), "k", time.Second); err == nil || ok {
		t.Fatalf("expected error without redis client")
	}
	if err := l.Release(context.Background(), "k", "token"); err != nil {
		t.Fatalf("release without client should be a no-op: %v", err)
	}
}

func TestRenewEveryHasFloor(t *testing.T) {
	if got := renewEvery(3 * time.Minute); got != time.Minute {
		t.Fatalf("expected a third of the ttl, got %v", got)
	}
	if got := renewEvery(30 * time.Millisecond); got != 100*time.Millisecond {
		t.Fatalf("expected floor of 100ms, got %v", got)
	}
}

func TestNilLockerRenewIsNoop(t *testing.T) {
	var l *Locker
	if err := l.Renew(context.Background(), "k", "token", time.Second); err != nil {
		t.Fatalf("renew without client should be a no-op: %v", err)
	}
}
