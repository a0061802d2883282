// Package learner runs the training side of the pipeline: it consumes
// completed unrolls, applies the off-policy correction, and steps the policy
// module, checkpointing on a wall-clock cadence.
package learner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"tracerl/internal/config"
	"tracerl/internal/model"
	"tracerl/internal/policy"
	"tracerl/internal/queue"
	"tracerl/internal/stats"
	"tracerl/internal/storage"
	"tracerl/internal/vtrace"
)

// Module is the trainable policy collaborator: a forward pass over a full
// batch and one gradient step against the corrected targets, plus weight
// export/import for checkpointing.
type Module interface {
	Unrolled(batch model.TrainingBatch) (model.UnrolledOutputs, error)
	ApplyGradients(batch model.TrainingBatch, outs model.UnrolledOutputs, corr vtrace.Returns) (model.TrainStats, error)
	Weights() map[string][]float64
	SetWeights(weights map[string][]float64) error
}

// Orchestrator drives training to completion. It is the sole consumer of
// both queues.
type Orchestrator struct {
	cfg     config.Config
	module  Module
	unrolls *queue.Queue[model.Unroll]
	infos   *queue.Queue[model.EpisodeSummary]
	store   storage.Store
	runID   string
	logf    func(format string, args ...any)

	now func() time.Time

	steps    int64
	frames   int64
	lastSave time.Time

	window   stats.Window
	run      *stats.RunAggregate
	progress []stats.ProgressPoint
}

// New wires an orchestrator. The store may be nil when checkpointing is not
// wanted (tests); logf may be nil for silence.
func New(cfg config.Config, module Module, unrolls *queue.Queue[model.Unroll], infos *queue.Queue[model.EpisodeSummary], store storage.Store, runID string, logf func(string, ...any)) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if module == nil {
		return nil, errors.New("policy module is required")
	}
	if unrolls == nil || infos == nil {
		return nil, errors.New("unroll and info queues are required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Orchestrator{
		cfg:     cfg,
		module:  module,
		unrolls: unrolls,
		infos:   infos,
		store:   store,
		runID:   runID,
		logf:    logf,
		now:     time.Now,
		run:     stats.NewRunAggregate(runID),
	}, nil
}

// Frames reports the environment frames consumed by training so far.
func (o *Orchestrator) Frames() int64 { return o.frames }

// Steps reports the gradient steps taken so far.
func (o *Orchestrator) Steps() int64 { return o.steps }

// Progress reports the reporting-window snapshots collected so far.
func (o *Orchestrator) Progress() []stats.ProgressPoint {
	return append([]stats.ProgressPoint(nil), o.progress...)
}

// Run trains until the frame target is reached, the context is cancelled, or
// the unroll queue closes. It restores the latest checkpoint for the run id
// before the first step and saves a final checkpoint plus the run summary on
// the way out. queue.ErrClosed is orderly shutdown, not an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.restore(ctx); err != nil {
		return err
	}
	o.lastSave = o.now()

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		if o.cfg.TotalEnvironmentFrames > 0 && o.frames >= o.cfg.TotalEnvironmentFrames {
			break
		}

		trainStats, err := o.Step()
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				break
			}
			return err
		}

		o.drainEpisodeSummaries()

		if o.steps%100 == 1 {
			o.logf("step=%d frames=%s loss=%.6f policy_loss=%.6f value_loss=%.6f entropy=%.4f",
				o.steps, humanize.Comma(o.frames), trainStats.Loss, trainStats.PolicyLoss, trainStats.ValueLoss, trainStats.Entropy)
		}

		if o.store != nil && o.now().Sub(o.lastSave) >= o.cfg.CheckpointInterval {
			if err := o.checkpoint(ctx); err != nil {
				return err
			}
		}
	}

	return o.finish(ctx)
}

// Step performs one gradient update: dequeue a batch of unrolls, reshape
// time-major, correct with V-trace, and step the module.
func (o *Orchestrator) Step() (model.TrainStats, error) {
	dequeued, err := o.unrolls.DequeueMany(o.cfg.BatchSize)
	if err != nil {
		return model.TrainStats{}, err
	}

	batch, err := o.assemble(dequeued)
	if err != nil {
		return model.TrainStats{}, err
	}

	outs, err := o.module.Unrolled(batch)
	if err != nil {
		return model.TrainStats{}, err
	}

	corr, err := vtrace.FromImportanceWeights(o.correctionInputs(batch, outs))
	if err != nil {
		return model.TrainStats{}, err
	}

	trainStats, err := o.module.ApplyGradients(batch, outs, corr)
	if err != nil {
		return model.TrainStats{}, err
	}

	o.steps++
	// Each unroll advances its environment by UnrollLength frames; the
	// bootstrap step is shared with the next window.
	o.frames += int64(o.cfg.BatchSize * o.cfg.UnrollLength)
	return trainStats, nil
}

// assemble reshapes dequeued unrolls into one time-major batch.
func (o *Orchestrator) assemble(unrolls []model.Unroll) (model.TrainingBatch, error) {
	seqLen := o.cfg.UnrollLength + 1
	batchSize := len(unrolls)

	batch := model.TrainingBatch{
		InitialStates: make([]model.AgentState, batchSize),
		PrevActions:   make([][]int, seqLen),
		Env:           make([][]model.EnvOutput, seqLen),
		Agent:         make([][]model.AgentOutput, seqLen),
	}
	for t := 0; t < seqLen; t++ {
		batch.PrevActions[t] = make([]int, batchSize)
		batch.Env[t] = make([]model.EnvOutput, batchSize)
		batch.Agent[t] = make([]model.AgentOutput, batchSize)
	}

	for b, u := range unrolls {
		if len(u.Steps) != seqLen {
			return model.TrainingBatch{}, fmt.Errorf("unroll for env %d has %d steps, want %d", u.EnvID, len(u.Steps), seqLen)
		}
		batch.InitialStates[b] = u.AgentState.Clone()
		for t, step := range u.Steps {
			batch.PrevActions[t][b] = step.PrevAction
			batch.Env[t][b] = step.Env
			batch.Agent[t][b] = step.Agent
		}
	}
	return batch, nil
}

// correctionInputs builds the V-trace inputs from a batch and the current
// policy's re-forward outputs. The trailing step is trimmed everywhere except
// the bootstrap value; rewards and dones are read one step ahead of the
// action that produced them.
func (o *Orchestrator) correctionInputs(batch model.TrainingBatch, outs model.UnrolledOutputs) vtrace.Inputs {
	seqLen := batch.SeqLen() - 1
	batchSize := batch.BatchSize()

	in := vtrace.Inputs{
		BehaviourActionLogProbs: make([][]float64, seqLen),
		TargetActionLogProbs:    make([][]float64, seqLen),
		Discounts:               make([][]float64, seqLen),
		Rewards:                 make([][]float64, seqLen),
		Values:                  make([][]float64, seqLen),
		BootstrapValue:          append([]float64(nil), outs.Baselines[seqLen]...),
		Lambda:                  o.cfg.Lambda,
		ClipRhoThreshold:        o.cfg.ClipRhoThreshold,
		ClipPGRhoThreshold:      o.cfg.ClipPGRhoThreshold,
	}

	for t := 0; t < seqLen; t++ {
		in.BehaviourActionLogProbs[t] = make([]float64, batchSize)
		in.TargetActionLogProbs[t] = make([]float64, batchSize)
		in.Discounts[t] = make([]float64, batchSize)
		in.Rewards[t] = make([]float64, batchSize)
		in.Values[t] = make([]float64, batchSize)

		for b := 0; b < batchSize; b++ {
			action := batch.Agent[t][b].Action
			in.BehaviourActionLogProbs[t][b] = policy.LogProb(batch.Agent[t][b].PolicyLogits, action)
			in.TargetActionLogProbs[t][b] = policy.LogProb(outs.Logits[t][b], action)
			in.Values[t][b] = outs.Baselines[t][b]

			reward := batch.Env[t+1][b].Reward
			if o.cfg.MaxAbsReward > 0 {
				reward = clamp(reward, -o.cfg.MaxAbsReward, o.cfg.MaxAbsReward)
			}
			in.Rewards[t][b] = reward

			if !batch.Env[t+1][b].Done {
				in.Discounts[t][b] = o.cfg.Discounting
			}
		}
	}
	return in
}

// drainEpisodeSummaries consumes finished-episode records in multiples of
// the reporting granularity. Size is a lower bound here: this is the only
// consumer, so the records are guaranteed to still be there.
func (o *Orchestrator) drainEpisodeSummaries() {
	n := o.infos.Size()
	n -= n % o.cfg.LogEpisodeFrequency
	if n == 0 {
		return
	}

	summaries, err := o.infos.DequeueMany(n)
	if err != nil {
		return
	}
	for _, s := range summaries {
		o.window.Add(s)
		o.run.Add(s)
	}

	o.progress = append(o.progress, stats.ProgressPoint{
		Step:          o.steps,
		Frames:        o.frames,
		Episodes:      o.window.Episodes,
		MeanReturn:    o.window.MeanReturn(),
		MeanRawReturn: o.window.MeanRawReturn(),
	})
	o.logf("episodes=%d frames=%s mean_return=%.2f mean_raw_return=%.2f",
		o.window.Episodes, humanize.Comma(o.frames), o.window.MeanReturn(), o.window.MeanRawReturn())
	o.window.Reset()
}

func (o *Orchestrator) restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	ckpt, ok, err := o.store.LatestCheckpoint(ctx, o.runID)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	if err := o.module.SetWeights(ckpt.Weights); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	o.steps = ckpt.Step
	o.frames = ckpt.Frames
	o.logf("restored checkpoint run_id=%s step=%d frames=%s", o.runID, ckpt.Step, humanize.Comma(ckpt.Frames))
	return nil
}

func (o *Orchestrator) checkpoint(ctx context.Context) error {
	ckpt := model.Checkpoint{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:     o.runID,
		Step:      o.steps,
		Frames:    o.frames,
		SavedAtMs: o.now().UnixMilli(),
		Weights:   o.module.Weights(),
	}
	if err := o.store.SaveCheckpoint(ctx, ckpt); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	o.lastSave = o.now()
	o.logf("checkpoint saved run_id=%s step=%d frames=%s", o.runID, o.steps, humanize.Comma(o.frames))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	if err := o.checkpoint(ctx); err != nil {
		return err
	}
	summary := o.run.Summary()
	summary.VersionedRecord = model.VersionedRecord{
		SchemaVersion: storage.CurrentSchemaVersion,
		CodecVersion:  storage.CurrentCodecVersion,
	}
	if err := o.store.SaveRunSummary(ctx, summary); err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

// RunSummary materializes the run-level episode aggregate collected so far.
func (o *Orchestrator) RunSummary() model.RunSummary {
	return o.run.Summary()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
