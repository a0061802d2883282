package platform

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisorRestartsFailingTask(t *testing.T) {
	supervisor := NewSupervisor(Policy{
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
	})
	var calls atomic.Int32
	failures := int32(2)
	run := func(ctx context.Context) error {
		call := calls.Add(1)
		if call <= failures {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err := supervisor.Start("restarting", RestartPermanent, run); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if calls.Load() >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected task restarts to reach at least 3 calls, got=%d", calls.Load())
	}
	supervisor.StopAll()
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no supervisor tasks after stop all, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorTransientDoesNotRestartCleanExit(t *testing.T) {
	supervisor := NewSupervisor(Policy{
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
	})
	var calls atomic.Int32
	if err := supervisor.Start("transient", RestartTransient, func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	supervisor.Wait("transient")
	time.Sleep(10 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 call for clean transient exit, got=%d", got)
	}
}

func TestSupervisorPermanentFailureAfterMaxRestarts(t *testing.T) {
	failed := make(chan int, 1)
	supervisor := NewSupervisorWithHooks(Policy{
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
		MaxRestarts:    2,
	}, Hooks{
		OnTaskPermanentFailure: func(_ string, _ error, restartCount int) {
			failed <- restartCount
		},
	})
	if err := supervisor.Start("always-failing", RestartTransient, func(context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	select {
	case count := <-failed:
		if count != 2 {
			t.Fatalf("expected permanent failure after 2 restarts, got=%d", count)
		}
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected permanent failure hook")
	}
}

func TestSupervisorStopsTaskByName(t *testing.T) {
	supervisor := NewSupervisor(Policy{
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
	})
	stopped := make(chan struct{})
	if err := supervisor.Start("named-stop", RestartPermanent, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	supervisor.Stop("named-stop")
	select {
	case <-stopped:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected supervised task to stop after named stop")
	}
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no supervisor tasks after named stop, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorRejectsDuplicateTaskName(t *testing.T) {
	supervisor := NewSupervisor(Policy{})
	if err := supervisor.Start("dup", RestartPermanent, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start supervisor task: %v", err)
	}
	if err := supervisor.Start("dup", RestartPermanent, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate task name to fail")
	}
	supervisor.StopAll()
}

func TestSupervisorRejectsUnknownRestartPolicy(t *testing.T) {
	supervisor := NewSupervisor(Policy{})
	if err := supervisor.Start("bad", RestartPolicy("sometimes"), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected unknown restart policy to fail")
	}
}
