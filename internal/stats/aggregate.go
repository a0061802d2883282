// Package stats aggregates episode summaries for progress reporting and
// run artifacts.
package stats

import (
	"tracerl/internal/model"
)

// Window accumulates episode summaries over one reporting window.
type Window struct {
	Episodes     int64
	Frames       int64
	SumReturn    float64
	SumRawReturn float64
}

func (w *Window) Add(s model.EpisodeSummary) {
	w.Episodes++
	w.Frames += s.NumFrames
	w.SumReturn += s.Return
	w.SumRawReturn += s.RawReturn
}

func (w *Window) MeanReturn() float64 {
	if w.Episodes == 0 {
		return 0
	}
	return w.SumReturn / float64(w.Episodes)
}

func (w *Window) MeanRawReturn() float64 {
	if w.Episodes == 0 {
		return 0
	}
	return w.SumRawReturn / float64(w.Episodes)
}

func (w *Window) Reset() {
	*w = Window{}
}

// RunAggregate accumulates episode summaries over a whole training run and
// materializes the persisted per-run record.
type RunAggregate struct {
	runID  string
	window Window
}

func NewRunAggregate(runID string) *RunAggregate {
	return &RunAggregate{runID: runID}
}

func (r *RunAggregate) Add(s model.EpisodeSummary) {
	r.window.Add(s)
}

func (r *RunAggregate) AddWindow(w Window) {
	r.window.Episodes += w.Episodes
	r.window.Frames += w.Frames
	r.window.SumReturn += w.SumReturn
	r.window.SumRawReturn += w.SumRawReturn
}

func (r *RunAggregate) Summary() model.RunSummary {
	return model.RunSummary{
		RunID:         r.runID,
		Episodes:      r.window.Episodes,
		Frames:        r.window.Frames,
		MeanReturn:    r.window.MeanReturn(),
		MeanRawReturn: r.window.MeanRawReturn(),
	}
}
