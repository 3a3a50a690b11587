package taskpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const slots = 2
	p := New(slots)

	var inFlight int32
	var maxInFlight int32
	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		p.Submit(context.Background(), id, func(ctx context.Context) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxInFlight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if maxInFlight > slots {
		t.Fatalf("observed %d jobs in flight, want at most %d", maxInFlight, slots)
	}
}

func TestPoolWaitReturnsFirstError(t *testing.T) {
	p := New(4)
	wantErr := errors.New("teardown failed")

	p.Submit(context.Background(), "ok", func(ctx context.Context) error { return nil })
	p.Submit(context.Background(), "bad", func(ctx context.Context) error { return wantErr })

	if err := p.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("Wait() = %v, want %v", err, wantErr)
	}
}

func TestPoolReusableAfterWait(t *testing.T) {
	p := New(2)
	p.Submit(context.Background(), "first", func(ctx context.Context) error { return nil })
	if err := p.Wait(); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	var ran bool
	p.Submit(context.Background(), "second", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err := p.Wait(); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if !ran {
		t.Fatal("job submitted after Wait never ran")
	}
}

func TestPoolShutdownRejectsNewSubmits(t *testing.T) {
	p := New(1)
	p.Shutdown()

	var ran bool
	p.Submit(context.Background(), "after-shutdown", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if ran {
		t.Fatal("job submitted after Shutdown should not have run")
	}
}
