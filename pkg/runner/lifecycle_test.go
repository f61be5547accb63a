package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingDrainer struct {
	calls int32
	delay time.Duration
}

func (d *countingDrainer) Drain() error {
	atomic.AddInt32(&d.calls, 1)
	time.Sleep(d.delay)
	return nil
}

func waitForState(t *testing.T, r *LifecycleRunner, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner never reached state %d, still in %d", want, r.State())
}

func TestLifecycleRunnerStopDrainsOnce(t *testing.T) {
	d := &countingDrainer{}
	var started, stopped atomic.Bool
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	waitForState(t, r, StateRunning)
	if !started.Load() {
		t.Fatal("OnStart must fire before Running")
	}

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("expected Stopped, got %d", r.State())
	}
	if !stopped.Load() {
		t.Fatal("OnStop must fire on shutdown")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("repeated stop: %v", err)
	}
	if n := atomic.LoadInt32(&d.calls); n != 1 {
		t.Fatalf("drainer must run exactly once, got %d", n)
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	d := &countingDrainer{delay: 500 * time.Millisecond}
	r := NewLifecycleRunner(d, Hooks{}, 20*time.Millisecond)
	go func() { _ = r.Run(context.Background()) }()
	waitForState(t, r, StateRunning)

	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
}

func TestLifecycleRunnerRejectsSecondRun(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	go func() { _ = r.Run(context.Background()) }()
	waitForState(t, r, StateRunning)

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("second Run must be rejected")
	}
	_ = r.Stop()
}
