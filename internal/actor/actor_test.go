package actor

import (
	"context"
	"testing"
	"time"

	"tracerl/internal/env"
	"tracerl/internal/inference"
	"tracerl/internal/model"
	"tracerl/internal/policy"
	"tracerl/internal/queue"
	"tracerl/internal/rpc"
)

func TestRunnerValidation(t *testing.T) {
	cases := []struct {
		name   string
		runner Runner
	}{
		{"missing factory", Runner{EnvBatchSize: 1}},
		{"bad batch size", Runner{Factory: env.CartPoleFactory{}}},
		{"negative task", Runner{Factory: env.CartPoleFactory{}, EnvBatchSize: 1, TaskID: -1}},
	}
	for _, tc := range cases {
		if err := tc.runner.Run(context.Background()); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestRunnerFeedsUnrollsEndToEnd(t *testing.T) {
	factory := env.CartPoleFactory{}
	spec := factory.Spec()

	module, err := policy.NewLinear(policy.LinearConfig{
		ObsDim:       spec.ObservationSize,
		NumActions:   spec.NumActions,
		StateDecay:   0.9,
		LearningRate: 0.001,
		BaselineCost: 0.5,
		Seed:         1,
	})
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	unrolls := queue.New[model.Unroll](0)
	infos := queue.New[model.EpisodeSummary](0)
	svc, err := inference.New(
		inference.Config{NumEnvs: 2, UnrollLength: 4, ObservationSize: spec.ObservationSize},
		module, unrolls, infos,
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	inferenceServer, err := rpc.NewInferenceServer(svc, nil)
	if err != nil {
		t.Fatalf("new rpc server: %v", err)
	}
	server, err := rpc.Serve("127.0.0.1:0", inferenceServer)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &Runner{
		ServerAddress: server.Addr(),
		TaskID:        0,
		EnvBatchSize:  2,
		Factory:       factory,
		Seed:          1,
		Backoff:       10 * time.Millisecond,
	}
	runnerDone := make(chan error, 1)
	go func() {
		runnerDone <- runner.Run(ctx)
	}()

	got := make(chan model.Unroll, 1)
	go func() {
		u, err := unrolls.Dequeue()
		if err == nil {
			got <- u
		}
	}()

	select {
	case u := <-got:
		if len(u.Steps) != 5 {
			t.Errorf("unroll has %d steps, want 5", len(u.Steps))
		}
		if u.EnvID != 0 && u.EnvID != 1 {
			t.Errorf("unexpected env id %d", u.EnvID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no unroll produced")
	}

	cancel()
	unrolls.Close()
	infos.Close()

	select {
	case err := <-runnerDone:
		if err != nil {
			t.Fatalf("runner: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerRetriesDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	runner := &Runner{
		ServerAddress: "127.0.0.1:1", // nothing listens here
		EnvBatchSize:  1,
		Factory:       env.CartPoleFactory{},
		Backoff:       20 * time.Millisecond,
	}
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}
