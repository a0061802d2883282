// Package platform supervises the long-running goroutines of a training
// process: the learner loop, the actor loops, and the RPC server. Tasks are
// restarted one-for-one with exponential backoff.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts of 0 means restart forever.
	MaxRestarts int
}

type RestartPolicy string

const (
	// RestartPermanent restarts the task whether it failed or returned nil.
	RestartPermanent RestartPolicy = "permanent"
	// RestartTransient restarts only on error.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never restarts.
	RestartTemporary RestartPolicy = "temporary"
)

type Hooks struct {
	OnTaskRestart          func(name string, err error, restartCount int)
	OnTaskPermanentFailure func(name string, err error, restartCount int)
}

func defaultPolicy() Policy {
	return Policy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizePolicy(policy Policy) Policy {
	def := defaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	return policy
}

type Supervisor struct {
	policy Policy
	hooks  Hooks

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}

	restartCount int
	lastErr      error
}

func NewSupervisor(policy Policy) *Supervisor {
	return NewSupervisorWithHooks(policy, Hooks{})
}

func NewSupervisorWithHooks(policy Policy, hooks Hooks) *Supervisor {
	return &Supervisor{
		policy: normalizePolicy(policy),
		hooks:  hooks,
		tasks:  make(map[string]*task),
	}
}

// Start launches run under the supervisor. The context handed to run is
// cancelled by Stop/StopAll.
func (s *Supervisor) Start(name string, restart RestartPolicy, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}
	switch restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	case "":
		restart = RestartPermanent
	default:
		return fmt.Errorf("unknown restart policy: %s", restart)
	}

	s.mu.Lock()
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("task already running: %s", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[name] = t
	s.mu.Unlock()

	go s.runTask(ctx, name, t, restart, run)
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, name string, t *task, restart RestartPolicy, run func(ctx context.Context) error) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.tasks[name]; ok && current == t {
			delete(s.tasks, name)
		}
		s.mu.Unlock()
		close(t.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(restart, err) {
			return
		}

		s.mu.Lock()
		t.lastErr = err
		restarts := t.restartCount
		s.mu.Unlock()

		if s.policy.MaxRestarts > 0 && restarts >= s.policy.MaxRestarts {
			if s.hooks.OnTaskPermanentFailure != nil {
				s.hooks.OnTaskPermanentFailure(name, err, restarts)
			}
			return
		}

		restarts++
		s.mu.Lock()
		t.restartCount = restarts
		s.mu.Unlock()
		if s.hooks.OnTaskRestart != nil {
			s.hooks.OnTaskRestart(name, err, restarts)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

// Stop cancels one task and waits for it to exit.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// StopAll cancels every task and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Wait blocks until the named task exits on its own or is stopped. It
// reports whether the task was known.
func (s *Supervisor) Wait(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	<-t.done
	return true
}

// Tasks lists the currently running task names.
func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
