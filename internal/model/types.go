package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// EnvOutput is one environment timestep as reported by an actor.
type EnvOutput struct {
	Reward      float64   `json:"reward"`
	Done        bool      `json:"done"`
	Observation []float64 `json:"observation"`
	// Abandoned marks an artificial episode end (e.g. a time limit). It is
	// never a true terminal state; Abandoned implies Done.
	Abandoned   bool  `json:"abandoned"`
	EpisodeStep int32 `json:"episode_step"`
}

// AgentOutput is the policy module's per-step output: the sampled action,
// the logits it was sampled from, and the value-function baseline.
type AgentOutput struct {
	Action       int       `json:"action"`
	PolicyLogits []float64 `json:"policy_logits"`
	Baseline     float64   `json:"baseline"`
}

// AgentState is the policy module's recurrent state for one environment slot.
type AgentState []float64

// Clone returns an independent copy of the state.
func (s AgentState) Clone() AgentState {
	if s == nil {
		return nil
	}
	return append(AgentState(nil), s...)
}

// Step is one timestep record as buffered by the unroll assembler: the
// action that led into the step, the environment output observed, and the
// policy output produced from it.
type Step struct {
	PrevAction int         `json:"prev_action"`
	Env        EnvOutput   `json:"env"`
	Agent      AgentOutput `json:"agent"`
}

// Unroll is a fixed window of unrollLength+1 consecutive steps for one slot,
// together with the recurrent state the policy held at the window start.
// The trailing step only supplies the bootstrap value and is trimmed before
// the off-policy correction.
type Unroll struct {
	EnvID      int        `json:"env_id"`
	AgentState AgentState `json:"agent_state"`
	Steps      []Step     `json:"steps"`
}

// EpisodeSummary is emitted once per completed episode, independent of
// unroll boundaries.
type EpisodeSummary struct {
	NumFrames int64   `json:"episode_num_frames"`
	Return    float64 `json:"episode_return"`
	RawReturn float64 `json:"episode_raw_return"`
}

// Checkpoint is the persisted learner state: the policy module weights plus
// training progress, saved on a wall-clock cadence.
type Checkpoint struct {
	VersionedRecord
	RunID     string               `json:"run_id"`
	Step      int64                `json:"step"`
	Frames    int64                `json:"frames"`
	SavedAtMs int64                `json:"saved_at_ms"`
	Weights   map[string][]float64 `json:"weights"`
}

// RunSummary aggregates episode statistics for one training run.
type RunSummary struct {
	VersionedRecord
	RunID         string  `json:"run_id"`
	Episodes      int64   `json:"episodes"`
	Frames        int64   `json:"frames"`
	MeanReturn    float64 `json:"mean_return"`
	MeanRawReturn float64 `json:"mean_raw_return"`
}
