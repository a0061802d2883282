package learner

import (
	"context"
	"math"
	"testing"

	"tracerl/internal/config"
	"tracerl/internal/model"
	"tracerl/internal/queue"
	"tracerl/internal/storage"
	"tracerl/internal/vtrace"
)

// fakeModule echoes the behaviour logits back as the target policy (rho = 1)
// and records what it was asked to train on.
type fakeModule struct {
	batches []model.TrainingBatch
	corrs   []vtrace.Returns
	weights map[string][]float64
}

func (m *fakeModule) Unrolled(batch model.TrainingBatch) (model.UnrolledOutputs, error) {
	seqLen := batch.SeqLen()
	batchSize := batch.BatchSize()
	outs := model.UnrolledOutputs{
		Logits:    make([][][]float64, seqLen),
		Baselines: make([][]float64, seqLen),
	}
	for t := 0; t < seqLen; t++ {
		outs.Logits[t] = make([][]float64, batchSize)
		outs.Baselines[t] = make([]float64, batchSize)
		for b := 0; b < batchSize; b++ {
			outs.Logits[t][b] = append([]float64(nil), batch.Agent[t][b].PolicyLogits...)
			outs.Baselines[t][b] = batch.Agent[t][b].Baseline
		}
	}
	return outs, nil
}

func (m *fakeModule) ApplyGradients(batch model.TrainingBatch, _ model.UnrolledOutputs, corr vtrace.Returns) (model.TrainStats, error) {
	m.batches = append(m.batches, batch)
	m.corrs = append(m.corrs, corr)
	return model.TrainStats{Loss: 1}, nil
}

func (m *fakeModule) Weights() map[string][]float64 {
	return map[string][]float64{"policy": {1, 2}}
}

func (m *fakeModule) SetWeights(weights map[string][]float64) error {
	m.weights = weights
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.UnrollLength = 3
	cfg.UnrollQueueCapacity = 0
	cfg.LogEpisodeFrequency = 1
	return cfg
}

// makeUnroll builds a window whose values encode (envID, t) so that the
// time-major reshape is checkable.
func makeUnroll(envID, seqLen int) model.Unroll {
	steps := make([]model.Step, seqLen)
	for t := range steps {
		steps[t] = model.Step{
			PrevAction: t % 2,
			Env: model.EnvOutput{
				Reward:      float64(envID*100 + t),
				Observation: []float64{float64(envID), float64(t)},
			},
			Agent: model.AgentOutput{
				Action:       t % 2,
				PolicyLogits: []float64{0, 0},
				Baseline:     float64(t),
			},
		}
	}
	return model.Unroll{
		EnvID:      envID,
		AgentState: model.AgentState{float64(envID)},
		Steps:      steps,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.Config, module Module, store storage.Store) (*Orchestrator, *queue.Queue[model.Unroll], *queue.Queue[model.EpisodeSummary]) {
	t.Helper()
	unrolls := queue.New[model.Unroll](cfg.UnrollQueueCapacity)
	infos := queue.New[model.EpisodeSummary](0)
	orch, err := New(cfg, module, unrolls, infos, store, "run-test", nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch, unrolls, infos
}

func TestStepAssemblesTimeMajorBatch(t *testing.T) {
	cfg := testConfig()
	module := &fakeModule{}
	orch, unrolls, _ := newTestOrchestrator(t, cfg, module, nil)

	seqLen := cfg.UnrollLength + 1
	for envID := 0; envID < cfg.BatchSize; envID++ {
		if err := unrolls.Enqueue(makeUnroll(envID, seqLen)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if _, err := orch.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	if len(module.batches) != 1 {
		t.Fatalf("expected 1 training batch, got %d", len(module.batches))
	}
	batch := module.batches[0]
	if batch.SeqLen() != seqLen || batch.BatchSize() != cfg.BatchSize {
		t.Fatalf("batch shape [%d][%d], want [%d][%d]", batch.SeqLen(), batch.BatchSize(), seqLen, cfg.BatchSize)
	}
	for t2 := 0; t2 < seqLen; t2++ {
		for b := 0; b < cfg.BatchSize; b++ {
			want := float64(b*100 + t2)
			if batch.Env[t2][b].Reward != want {
				t.Fatalf("Env[%d][%d].Reward = %v, want %v", t2, b, batch.Env[t2][b].Reward, want)
			}
		}
	}
	if batch.InitialStates[1][0] != 1 {
		t.Fatalf("initial state not carried: %+v", batch.InitialStates)
	}

	if got, want := orch.Frames(), int64(cfg.BatchSize*cfg.UnrollLength); got != want {
		t.Fatalf("frames = %d, want %d", got, want)
	}
	if orch.Steps() != 1 {
		t.Fatalf("steps = %d, want 1", orch.Steps())
	}
}

func TestStepRejectsShortUnroll(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	module := &fakeModule{}
	orch, unrolls, _ := newTestOrchestrator(t, cfg, module, nil)

	if err := unrolls.Enqueue(makeUnroll(0, cfg.UnrollLength)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := orch.Step(); err == nil {
		t.Fatal("expected error for wrong window size")
	}
}

func TestCorrectionInputsShiftClipAndTerminate(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.UnrollLength = 2
	cfg.MaxAbsReward = 1
	cfg.Discounting = 0.9
	module := &fakeModule{}
	orch, _, _ := newTestOrchestrator(t, cfg, module, nil)

	u := makeUnroll(0, 3)
	u.Steps[1].Env.Reward = 5 // clipped to 1
	u.Steps[2].Env.Reward = -3
	u.Steps[2].Env.Done = true

	batch, err := orch.assemble([]model.Unroll{u})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	outs, err := module.Unrolled(batch)
	if err != nil {
		t.Fatalf("unrolled: %v", err)
	}

	in := orch.correctionInputs(batch, outs)
	if len(in.Rewards) != 2 {
		t.Fatalf("expected bootstrap trimmed to 2 steps, got %d", len(in.Rewards))
	}
	// Rewards are read one step ahead of the action that earned them.
	if in.Rewards[0][0] != 1 {
		t.Fatalf("reward[0] = %v, want clipped 1", in.Rewards[0][0])
	}
	if in.Rewards[1][0] != -1 {
		t.Fatalf("reward[1] = %v, want clipped -1", in.Rewards[1][0])
	}
	if in.Discounts[0][0] != 0.9 {
		t.Fatalf("discount[0] = %v, want 0.9", in.Discounts[0][0])
	}
	if in.Discounts[1][0] != 0 {
		t.Fatalf("discount at terminal = %v, want 0", in.Discounts[1][0])
	}
	// Echoed logits mean the policies agree.
	if in.BehaviourActionLogProbs[0][0] != in.TargetActionLogProbs[0][0] {
		t.Fatal("expected on-policy log probs to match")
	}
	if in.BootstrapValue[0] != batch.Agent[2][0].Baseline {
		t.Fatalf("bootstrap = %v, want trailing baseline %v", in.BootstrapValue[0], batch.Agent[2][0].Baseline)
	}
}

func TestStepPassesOnPolicyCorrection(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.UnrollLength = 3
	cfg.Discounting = 0.9
	module := &fakeModule{}
	orch, unrolls, _ := newTestOrchestrator(t, cfg, module, nil)

	u := makeUnroll(0, 4)
	for i := range u.Steps {
		u.Steps[i].Env.Reward = 1
		u.Steps[i].Agent.Baseline = 0
	}
	if err := unrolls.Enqueue(u); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := orch.Step(); err != nil {
		t.Fatalf("step: %v", err)
	}

	// With rho = 1, values = 0, bootstrap = 0: v_t is the discounted sum of
	// the future rewards in the window.
	corr := module.corrs[0]
	want := []float64{1 + 0.9 + 0.81, 1 + 0.9, 1}
	for i, w := range want {
		if math.Abs(corr.VS[i][0]-w) > 1e-12 {
			t.Fatalf("vs[%d] = %v, want %v", i, corr.VS[i][0], w)
		}
	}
}

func TestRunStopsAtFrameTargetAndPersists(t *testing.T) {
	cfg := testConfig()
	cfg.TotalEnvironmentFrames = int64(2 * cfg.BatchSize * cfg.UnrollLength)
	module := &fakeModule{}
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	orch, unrolls, infos := newTestOrchestrator(t, cfg, module, store)

	seqLen := cfg.UnrollLength + 1
	for i := 0; i < 2*cfg.BatchSize; i++ {
		if err := unrolls.Enqueue(makeUnroll(i%cfg.BatchSize, seqLen)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := infos.Enqueue(model.EpisodeSummary{NumFrames: 10, Return: 4, RawReturn: 40}); err != nil {
		t.Fatalf("enqueue info: %v", err)
	}

	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if orch.Frames() != cfg.TotalEnvironmentFrames {
		t.Fatalf("frames = %d, want %d", orch.Frames(), cfg.TotalEnvironmentFrames)
	}

	ckpt, ok, err := store.LatestCheckpoint(context.Background(), "run-test")
	if err != nil || !ok {
		t.Fatalf("final checkpoint: ok=%v err=%v", ok, err)
	}
	if ckpt.Frames != cfg.TotalEnvironmentFrames || ckpt.Step != 2 {
		t.Fatalf("unexpected checkpoint: %+v", ckpt)
	}

	summary, ok, err := store.GetRunSummary(context.Background(), "run-test")
	if err != nil || !ok {
		t.Fatalf("run summary: ok=%v err=%v", ok, err)
	}
	if summary.Episodes != 1 || summary.MeanReturn != 4 {
		t.Fatalf("unexpected run summary: %+v", summary)
	}
}

func TestRunTreatsClosedQueueAsShutdown(t *testing.T) {
	cfg := testConfig()
	module := &fakeModule{}
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	orch, unrolls, _ := newTestOrchestrator(t, cfg, module, store)

	unrolls.Close()
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run after close: %v", err)
	}
}

func TestRunRestoresCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.TotalEnvironmentFrames = 1 // already satisfied by the restored frames
	module := &fakeModule{}
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}

	prior := model.Checkpoint{
		VersionedRecord: model.VersionedRecord{SchemaVersion: storage.CurrentSchemaVersion, CodecVersion: storage.CurrentCodecVersion},
		RunID:           "run-test",
		Step:            9,
		Frames:          999,
		Weights:         map[string][]float64{"policy": {7}},
	}
	if err := store.SaveCheckpoint(context.Background(), prior); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	orch, _, _ := newTestOrchestrator(t, cfg, module, store)
	if err := orch.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if module.weights == nil || module.weights["policy"][0] != 7 {
		t.Fatalf("weights not restored: %+v", module.weights)
	}
	if orch.Steps() != 9 || orch.Frames() != 999 {
		t.Fatalf("progress not restored: steps=%d frames=%d", orch.Steps(), orch.Frames())
	}
}
