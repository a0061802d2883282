// Package inference implements the batched RPC entry point of the pipeline:
// it tracks per-slot state, detects environment restarts, invokes the policy
// module, feeds the unroll assembler and returns actions to the actor.
package inference

import (
	"errors"
	"fmt"
	"sync"

	"tracerl/internal/model"
	"tracerl/internal/queue"
	"tracerl/internal/table"
	"tracerl/internal/unroll"
)

// ErrProtocolViolation marks batches the per-slot state model cannot safely
// continue from: malformed shapes, out-of-range ids, or abandoned episodes.
// The serving process treats it as fatal.
var ErrProtocolViolation = errors.New("protocol violation")

// PolicyModule is the policy/value collaborator contract.
type PolicyModule interface {
	Forward(prevActions []int, envs []model.EnvOutput, states []model.AgentState, training bool) ([]model.AgentOutput, []model.AgentState, error)
	InitialState(n int) []model.AgentState
}

// Config fixes the schema the service validates against.
type Config struct {
	NumEnvs         int
	UnrollLength    int
	ObservationSize int
}

// Request is one batched inference call over the calling actor's slots.
type Request struct {
	EnvIDs     []int
	RunIDs     []int64
	EnvOutputs []model.EnvOutput
	RawRewards []float64
}

// Service owns all per-slot state on the serving side. Calls are serialized
// behind one mutex: the arrival rate is actor-bound, and serialization makes
// reset happen-before the next append for the same slot by construction.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	module PolicyModule

	runIDs      *table.Table[int64]
	infos       *table.Table[model.EpisodeSummary]
	firstStates *table.Table[model.AgentState]
	states      *table.Table[model.AgentState]
	actions     *table.Table[int]
	store       *unroll.Assembler

	unrollQueue *queue.Queue[model.Unroll]
	infoQueue   *queue.Queue[model.EpisodeSummary]
}

// New wires a service over its queues. The schema (slot population, unroll
// length, observation size) is fixed here, before any data flows.
func New(cfg Config, module PolicyModule, unrollQueue *queue.Queue[model.Unroll], infoQueue *queue.Queue[model.EpisodeSummary]) (*Service, error) {
	if module == nil {
		return nil, errors.New("policy module is required")
	}
	if unrollQueue == nil || infoQueue == nil {
		return nil, errors.New("unroll and info queues are required")
	}
	if cfg.ObservationSize <= 0 {
		return nil, fmt.Errorf("observation size must be > 0, got %d", cfg.ObservationSize)
	}

	runIDs, err := table.New(cfg.NumEnvs, func() int64 { return 0 })
	if err != nil {
		return nil, err
	}
	infos, err := table.NewAccumulator(cfg.NumEnvs,
		func() model.EpisodeSummary { return model.EpisodeSummary{} },
		func(cur, d model.EpisodeSummary) model.EpisodeSummary {
			cur.NumFrames += d.NumFrames
			cur.Return += d.Return
			cur.RawReturn += d.RawReturn
			return cur
		})
	if err != nil {
		return nil, err
	}
	firstStates, err := table.New(cfg.NumEnvs, func() model.AgentState { return nil })
	if err != nil {
		return nil, err
	}
	states, err := table.New(cfg.NumEnvs, func() model.AgentState { return nil })
	if err != nil {
		return nil, err
	}
	actions, err := table.New(cfg.NumEnvs, func() int { return 0 })
	if err != nil {
		return nil, err
	}
	store, err := unroll.NewAssembler(cfg.NumEnvs, cfg.UnrollLength)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:         cfg,
		module:      module,
		runIDs:      runIDs,
		infos:       infos,
		firstStates: firstStates,
		states:      states,
		actions:     actions,
		store:       store,
		unrollQueue: unrollQueue,
		infoQueue:   infoQueue,
	}, nil
}

// Infer handles one actor round-trip. Protocol violations are returned
// wrapping ErrProtocolViolation; queue.ErrClosed signals orderly shutdown.
func (s *Service) Infer(req Request) ([]int, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reset the slots that had their first run or restarted. Stored run ids
	// are updated unconditionally.
	previousRunIDs, err := s.runIDs.Read(req.EnvIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := s.runIDs.Replace(req.EnvIDs, req.RunIDs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	var needReset []int
	for i, id := range req.EnvIDs {
		if previousRunIDs[i] != req.RunIDs[i] {
			needReset = append(needReset, id)
		}
	}
	if len(needReset) > 0 {
		if err := s.resetSlots(needReset); err != nil {
			return nil, err
		}
	}

	// Episode bookkeeping: accumulate this step's reward, emit summaries
	// for finished episodes, then count the new frame.
	rewardDeltas := make([]model.EpisodeSummary, len(req.EnvIDs))
	frameDeltas := make([]model.EpisodeSummary, len(req.EnvIDs))
	var doneIDs []int
	for i := range req.EnvIDs {
		rewardDeltas[i] = model.EpisodeSummary{
			Return:    req.EnvOutputs[i].Reward,
			RawReturn: req.RawRewards[i],
		}
		frameDeltas[i] = model.EpisodeSummary{NumFrames: 1}
		if req.EnvOutputs[i].Done {
			doneIDs = append(doneIDs, req.EnvIDs[i])
		}
	}
	if err := s.infos.Add(req.EnvIDs, rewardDeltas); err != nil {
		return nil, err
	}
	if len(doneIDs) > 0 {
		summaries, err := s.infos.Read(doneIDs)
		if err != nil {
			return nil, err
		}
		if err := s.infoQueue.EnqueueMany(summaries); err != nil {
			return nil, err
		}
		if err := s.infos.Reset(doneIDs); err != nil {
			return nil, err
		}
	}
	if err := s.infos.Add(req.EnvIDs, frameDeltas); err != nil {
		return nil, err
	}

	// Policy invocation.
	prevActions, err := s.actions.Read(req.EnvIDs)
	if err != nil {
		return nil, err
	}
	prevStates, err := s.states.Read(req.EnvIDs)
	if err != nil {
		return nil, err
	}
	agentOutputs, currStates, err := s.module.Forward(prevActions, req.EnvOutputs, prevStates, false)
	if err != nil {
		return nil, fmt.Errorf("policy forward: %w", err)
	}

	// Append to the unroll store and push completed windows. The enqueue
	// blocks when the queue is full; that stall is the backpressure valve
	// that lets a slow learner throttle its actors.
	steps := make([]model.Step, len(req.EnvIDs))
	for i := range req.EnvIDs {
		steps[i] = model.Step{
			PrevAction: prevActions[i],
			Env:        req.EnvOutputs[i],
			Agent:      agentOutputs[i],
		}
	}
	completedIDs, windows, err := s.store.Append(req.EnvIDs, steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(completedIDs) > 0 {
		firsts, err := s.firstStates.Read(completedIDs)
		if err != nil {
			return nil, err
		}
		unrolls := make([]model.Unroll, len(completedIDs))
		for i, id := range completedIDs {
			unrolls[i] = model.Unroll{
				EnvID:      id,
				AgentState: firsts[i],
				Steps:      windows[i],
			}
		}
		if err := s.unrollQueue.EnqueueMany(unrolls); err != nil {
			return nil, err
		}
		// The next window starts at the boundary step, whose input state is
		// the one cached before this call's forward pass.
		boundaryStates, err := s.states.Read(completedIDs)
		if err != nil {
			return nil, err
		}
		if err := s.firstStates.Replace(completedIDs, boundaryStates); err != nil {
			return nil, err
		}
	}

	// Advance the per-slot cache.
	if err := s.states.Replace(req.EnvIDs, currStates); err != nil {
		return nil, err
	}
	chosen := make([]int, len(req.EnvIDs))
	for i, out := range agentOutputs {
		chosen[i] = out.Action
	}
	if err := s.actions.Replace(req.EnvIDs, chosen); err != nil {
		return nil, err
	}

	return chosen, nil
}

func (s *Service) resetSlots(ids []int) error {
	if err := s.infos.Reset(ids); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := s.store.Reset(ids); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	initial := s.module.InitialState(len(ids))
	if err := s.firstStates.Replace(ids, initial); err != nil {
		return err
	}
	cloned := make([]model.AgentState, len(initial))
	for i, st := range initial {
		cloned[i] = st.Clone()
	}
	if err := s.states.Replace(ids, cloned); err != nil {
		return err
	}
	return s.actions.Reset(ids)
}

func (s *Service) validate(req Request) error {
	n := len(req.EnvIDs)
	if n == 0 {
		return fmt.Errorf("%w: empty batch", ErrProtocolViolation)
	}
	if len(req.RunIDs) != n || len(req.EnvOutputs) != n || len(req.RawRewards) != n {
		return fmt.Errorf("%w: batch shape mismatch: ids=%d run_ids=%d outputs=%d raw_rewards=%d",
			ErrProtocolViolation, n, len(req.RunIDs), len(req.EnvOutputs), len(req.RawRewards))
	}
	for i, out := range req.EnvOutputs {
		if out.Abandoned {
			return fmt.Errorf("%w: abandoned episodes are not supported (env %d)",
				ErrProtocolViolation, req.EnvIDs[i])
		}
		if len(out.Observation) != s.cfg.ObservationSize {
			return fmt.Errorf("%w: observation size %d for env %d, want %d",
				ErrProtocolViolation, len(out.Observation), req.EnvIDs[i], s.cfg.ObservationSize)
		}
	}
	return nil
}
