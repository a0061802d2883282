package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"tracerl/internal/model"
)

const runIndexFile = "run_index.json"

// ProgressPoint is one reporting-window snapshot of training progress.
type ProgressPoint struct {
	Step          int64   `json:"step"`
	Frames        int64   `json:"frames"`
	Episodes      int64   `json:"episodes"`
	MeanReturn    float64 `json:"mean_return"`
	MeanRawReturn float64 `json:"mean_raw_return"`
}

// RunArtifacts is everything written to disk for one training run.
type RunArtifacts struct {
	Summary  model.RunSummary `json:"summary"`
	Progress []ProgressPoint  `json:"progress,omitempty"`
}

// WriteRunArtifacts writes the run summary JSON, a progress CSV, and appends
// the run to the directory-level run index.
func WriteRunArtifacts(dir string, artifacts RunArtifacts) (string, error) {
	runID := artifacts.Summary.RunID
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	payload, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(runDir, "run.json"), payload, 0o644); err != nil {
		return "", err
	}

	if err := writeProgressCSV(filepath.Join(runDir, "progress.csv"), artifacts.Progress); err != nil {
		return "", err
	}

	if err := appendRunIndex(dir, artifacts.Summary); err != nil {
		return "", err
	}
	return runDir, nil
}

func writeProgressCSV(path string, progress []ProgressPoint) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"step", "frames", "episodes", "mean_return", "mean_raw_return"}); err != nil {
		return err
	}
	for _, p := range progress {
		record := []string{
			strconv.FormatInt(p.Step, 10),
			strconv.FormatInt(p.Frames, 10),
			strconv.FormatInt(p.Episodes, 10),
			strconv.FormatFloat(p.MeanReturn, 'f', -1, 64),
			strconv.FormatFloat(p.MeanRawReturn, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func appendRunIndex(dir string, summary model.RunSummary) error {
	indexPath := filepath.Join(dir, runIndexFile)

	var index []model.RunSummary
	data, err := os.ReadFile(indexPath)
	if err == nil {
		if err := json.Unmarshal(data, &index); err != nil {
			return fmt.Errorf("parse %s: %w", runIndexFile, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	replaced := false
	for i, existing := range index {
		if existing.RunID == summary.RunID {
			index[i] = summary
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, summary)
	}

	payload, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(indexPath, payload, 0o644)
}

// ReadRunIndex loads the directory-level run index; a missing file is an
// empty index.
func ReadRunIndex(dir string) ([]model.RunSummary, error) {
	data, err := os.ReadFile(filepath.Join(dir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var index []model.RunSummary
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}
