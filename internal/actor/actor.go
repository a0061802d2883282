// Package actor drives a batch of environments against the inference
// server: send observations, receive actions, step, repeat. Actors hold no
// model state; everything learned lives on the serving side.
package actor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"tracerl/internal/env"
	"tracerl/internal/model"
	"tracerl/internal/rpc"
)

// Runner owns one actor task. Task k with env batch size n drives the
// global slots [k*n, (k+1)*n).
type Runner struct {
	ServerAddress string
	TaskID        int
	EnvBatchSize  int
	Factory       env.Factory
	Seed          int64

	// WorkerID tags log lines; a fresh uuid is assigned when empty.
	WorkerID string

	DialTimeout time.Duration
	Backoff     time.Duration
	LogInterval time.Duration
	Logf        func(format string, args ...any)
}

// Run loops until the context is cancelled. Transport failures are
// recoverable: the runner reconnects with fresh run ids and rebuilt
// environments, and the server re-initializes the affected slots.
func (r *Runner) Run(ctx context.Context) error {
	if r.Factory == nil {
		return errors.New("environment factory is required")
	}
	if r.EnvBatchSize <= 0 {
		return errors.New("env batch size must be > 0")
	}
	if r.TaskID < 0 {
		return errors.New("task id must be >= 0")
	}
	if r.WorkerID == "" {
		r.WorkerID = uuid.NewString()
	}
	if r.DialTimeout <= 0 {
		r.DialTimeout = 5 * time.Second
	}
	if r.Backoff <= 0 {
		r.Backoff = 500 * time.Millisecond
	}
	if r.LogInterval <= 0 {
		r.LogInterval = 10 * time.Second
	}
	logf := r.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	rng := rand.New(rand.NewSource(r.Seed + int64(r.TaskID)))
	firstID := r.TaskID * r.EnvBatchSize

	var (
		frames         int64
		episodes       int64
		lastLog        = time.Now()
		lastFrames     int64
		windowEpisodes int64
		windowReturn   float64
	)

	for ctx.Err() == nil {
		client, err := rpc.Dial(r.ServerAddress, r.DialTimeout)
		if err != nil {
			logf("worker=%s dial %s failed: %v", r.WorkerID, r.ServerAddress, err)
			if !sleep(ctx, r.Backoff) {
				break
			}
			continue
		}

		// A fresh connection is a fresh run: new environments and new run
		// ids, so the server discards any partial windows for these slots.
		envs, err := env.NewBatched(r.Factory, r.EnvBatchSize, firstID, r.Seed)
		if err != nil {
			_ = client.Close()
			return err
		}
		ids := envs.IDs()
		runIDs := newRunIDs(rng, r.EnvBatchSize)

		obs := envs.Reset()
		rewards := make([]float64, r.EnvBatchSize)
		dones := make([]bool, r.EnvBatchSize)
		infos := make([]env.Info, r.EnvBatchSize)
		episodeSteps := make([]int32, r.EnvBatchSize)
		episodeReturns := make([]float64, r.EnvBatchSize)

		for ctx.Err() == nil {
			outputs := make([]model.EnvOutput, r.EnvBatchSize)
			rawRewards := make([]float64, r.EnvBatchSize)
			for i := range outputs {
				outputs[i] = model.EnvOutput{
					Reward:      rewards[i],
					Done:        dones[i],
					Observation: obs[i],
					Abandoned:   infos[i].Abandoned,
					EpisodeStep: episodeSteps[i],
				}
				rawRewards[i] = infos[i].RawReward
			}

			actions, err := client.Infer(ids, runIDs, outputs, rawRewards)
			if err != nil {
				logf("worker=%s inference failed, reconnecting: %v", r.WorkerID, err)
				break
			}

			obs, rewards, dones, infos, err = envs.Step(actions)
			if err != nil {
				_ = client.Close()
				return err
			}

			frames += int64(r.EnvBatchSize)
			for i := range dones {
				episodeSteps[i]++
				episodeReturns[i] += rewards[i]
				if dones[i] {
					episodes++
					windowEpisodes++
					windowReturn += episodeReturns[i]
					episodeSteps[i] = 0
					episodeReturns[i] = 0
				}
			}
			obs = envs.ResetIfDone(obs, dones)

			if since := time.Since(lastLog); since >= r.LogInterval {
				fps := float64(frames-lastFrames) / since.Seconds()
				meanReturn := 0.0
				if windowEpisodes > 0 {
					meanReturn = windowReturn / float64(windowEpisodes)
				}
				logf("worker=%s task=%d frames=%s episodes=%d fps=%.0f mean_return=%.2f",
					r.WorkerID, r.TaskID, humanize.Comma(frames), episodes, fps, meanReturn)
				lastLog = time.Now()
				lastFrames = frames
				windowEpisodes = 0
				windowReturn = 0
			}
		}

		_ = client.Close()
		if ctx.Err() == nil {
			if !sleep(ctx, r.Backoff) {
				break
			}
		}
	}
	return nil
}

// newRunIDs draws nonzero random run ids; zero is the never-seen sentinel
// on the serving side.
func newRunIDs(rng *rand.Rand, n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		for ids[i] == 0 {
			ids[i] = rng.Int63()
		}
	}
	return ids
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
