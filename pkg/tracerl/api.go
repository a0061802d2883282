// Package tracerl is the public entry point: it assembles the internal
// packages into a serving learner, remote actors, or a self-contained
// in-process run.
package tracerl

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tracerl/internal/actor"
	"tracerl/internal/config"
	"tracerl/internal/env"
	"tracerl/internal/inference"
	"tracerl/internal/learner"
	"tracerl/internal/model"
	"tracerl/internal/platform"
	"tracerl/internal/policy"
	"tracerl/internal/queue"
	"tracerl/internal/rpc"
	"tracerl/internal/stats"
	"tracerl/internal/storage"
)

// stateDecay is the recurrent observation-trace decay of the built-in
// linear policy module.
const stateDecay = 0.9

type Options struct {
	StoreKind string
	DBPath    string
	// Factory supplies environments; the built-in CartPole when nil.
	Factory env.Factory
	// Logf receives progress lines; silent when nil.
	Logf func(format string, args ...any)
}

type Client struct {
	store   storage.Store
	factory env.Factory
	logf    func(format string, args ...any)
}

// RunResult reports one completed (or interrupted) training run.
type RunResult struct {
	RunID    string
	Steps    int64
	Frames   int64
	Summary  model.RunSummary
	Progress []stats.ProgressPoint
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = "tracerl.db"
	}
	factory := opts.Factory
	if factory == nil {
		factory = env.CartPoleFactory{}
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{store: store, factory: factory, logf: logf}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// LatestCheckpoint loads the newest persisted checkpoint for a run.
func (c *Client) LatestCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error) {
	return c.store.LatestCheckpoint(ctx, runID)
}

// RunSummary loads the persisted episode aggregate for a run.
func (c *Client) RunSummary(ctx context.Context, runID string) (model.RunSummary, bool, error) {
	return c.store.GetRunSummary(ctx, runID)
}

// RunLearner serves inference on cfg.ServerAddress and trains until the
// frame target, context cancellation, or a fatal protocol violation. Actors
// are expected to connect remotely.
func (c *Client) RunLearner(ctx context.Context, cfg config.Config, runID string) (RunResult, error) {
	return c.runPipeline(ctx, cfg, runID, 0)
}

// RunActor drives one actor task against cfg.ServerAddress until the
// context is cancelled.
func (c *Client) RunActor(ctx context.Context, cfg config.Config, taskID int) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	runner := &actor.Runner{
		ServerAddress: cfg.ServerAddress,
		TaskID:        taskID,
		EnvBatchSize:  cfg.EnvBatchSize,
		Factory:       c.factory,
		Seed:          cfg.Seed,
		Logf:          c.logf,
	}
	return runner.Run(ctx)
}

// Run is the in-process demo: the learner plus enough local actor tasks to
// cover every environment slot, all in one process.
func (c *Client) Run(ctx context.Context, cfg config.Config, runID string) (RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return RunResult{}, err
	}
	if cfg.NumEnvs%cfg.EnvBatchSize != 0 {
		return RunResult{}, fmt.Errorf("num envs %d not divisible by env batch size %d", cfg.NumEnvs, cfg.EnvBatchSize)
	}
	return c.runPipeline(ctx, cfg, runID, cfg.NumEnvs/cfg.EnvBatchSize)
}

func (c *Client) runPipeline(ctx context.Context, cfg config.Config, runID string, numActors int) (RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return RunResult{}, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	spec := c.factory.Spec()

	module, err := policy.NewLinear(policy.LinearConfig{
		ObsDim:       spec.ObservationSize,
		NumActions:   spec.NumActions,
		StateDecay:   stateDecay,
		LearningRate: cfg.LearningRate,
		EntropyCost:  cfg.EntropyCost,
		BaselineCost: cfg.BaselineCost,
		KLCost:       cfg.KLCost,
		Seed:         cfg.Seed,
	})
	if err != nil {
		return RunResult{}, err
	}

	unrolls := queue.New[model.Unroll](cfg.UnrollQueueCapacity)
	infos := queue.New[model.EpisodeSummary](0)
	svc, err := inference.New(inference.Config{
		NumEnvs:         cfg.NumEnvs,
		UnrollLength:    cfg.UnrollLength,
		ObservationSize: spec.ObservationSize,
	}, module, unrolls, infos)
	if err != nil {
		return RunResult{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A protocol violation means an actor and the server disagree about the
	// schema; the whole run is torn down.
	var fatalMu sync.Mutex
	var fatalErr error
	inferenceServer, err := rpc.NewInferenceServer(svc, func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		c.logf("fatal: %v", err)
		cancel()
	})
	if err != nil {
		return RunResult{}, err
	}
	server, err := rpc.Serve(cfg.ServerAddress, inferenceServer)
	if err != nil {
		return RunResult{}, err
	}
	defer server.Close()
	c.logf("serving inference on %s run_id=%s", server.Addr(), runID)

	supervisor := platform.NewSupervisorWithHooks(platform.Policy{}, platform.Hooks{
		OnTaskRestart: func(name string, err error, restartCount int) {
			c.logf("task %s restarted (count=%d): %v", name, restartCount, err)
		},
	})
	for task := 0; task < numActors; task++ {
		runner := &actor.Runner{
			ServerAddress: server.Addr(),
			TaskID:        task,
			EnvBatchSize:  cfg.EnvBatchSize,
			Factory:       c.factory,
			Seed:          cfg.Seed,
			Logf:          c.logf,
		}
		name := fmt.Sprintf("actor-%d", task)
		if err := supervisor.Start(name, platform.RestartPermanent, func(taskCtx context.Context) error {
			return runner.Run(joinContext(runCtx, taskCtx))
		}); err != nil {
			supervisor.StopAll()
			return RunResult{}, err
		}
	}

	orch, err := learner.New(cfg, module, unrolls, infos, c.store, runID, c.logf)
	if err != nil {
		supervisor.StopAll()
		return RunResult{}, err
	}

	// Unblock the orchestrator when the run context ends: a closed queue is
	// the orderly-shutdown signal on the training side.
	unblock := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
		case <-unblock:
		}
		unrolls.Close()
		infos.Close()
	}()

	runErr := orch.Run(context.Background())
	close(unblock)
	cancel()
	supervisor.StopAll()

	fatalMu.Lock()
	fatal := fatalErr
	fatalMu.Unlock()
	if runErr == nil && fatal != nil {
		runErr = fatal
	}

	result := RunResult{
		RunID:    runID,
		Steps:    orch.Steps(),
		Frames:   orch.Frames(),
		Summary:  orch.RunSummary(),
		Progress: orch.Progress(),
	}
	return result, runErr
}

// joinContext cancels when either parent does.
func joinContext(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx
}
