package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"tracerl/internal/config"
	"tracerl/internal/stats"
	"tracerl/internal/storage"
	"tracerl/pkg/tracerl"
)

const defaultArtifactsDir = "runs"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "learner":
		return runLearner(ctx, args[1:])
	case "actor":
		return runActor(ctx, args[1:])
	case "run":
		return runDemo(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: tracerlctl <learner|actor|run|checkpoints|runs> [flags]", msg)
}

// configFlags binds the training configuration to a flag set, starting from
// the defaults (or a JSON profile loaded beforehand).
func configFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.ServerAddress, "addr", cfg.ServerAddress, "inference server address")
	fs.IntVar(&cfg.NumEnvs, "num-envs", cfg.NumEnvs, "total environment slots")
	fs.IntVar(&cfg.EnvBatchSize, "env-batch", cfg.EnvBatchSize, "environments per actor task")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "unrolls per training batch")
	fs.IntVar(&cfg.UnrollLength, "unroll-length", cfg.UnrollLength, "trajectory window length")
	fs.IntVar(&cfg.UnrollQueueCapacity, "queue-capacity", cfg.UnrollQueueCapacity, "unroll queue capacity (0 = unbounded)")
	fs.Float64Var(&cfg.Discounting, "discounting", cfg.Discounting, "discount factor gamma")
	fs.Float64Var(&cfg.Lambda, "lambda", cfg.Lambda, "v-trace lambda")
	fs.Float64Var(&cfg.ClipRhoThreshold, "clip-rho", cfg.ClipRhoThreshold, "rho clip threshold (0 disables)")
	fs.Float64Var(&cfg.ClipPGRhoThreshold, "clip-pg-rho", cfg.ClipPGRhoThreshold, "pg rho clip threshold (0 disables)")
	fs.Float64Var(&cfg.MaxAbsReward, "max-abs-reward", cfg.MaxAbsReward, "reward clip bound (0 disables)")
	fs.Float64Var(&cfg.EntropyCost, "entropy-cost", cfg.EntropyCost, "entropy regularizer weight")
	fs.Float64Var(&cfg.BaselineCost, "baseline-cost", cfg.BaselineCost, "baseline loss weight")
	fs.Float64Var(&cfg.KLCost, "kl-cost", cfg.KLCost, "kl(old|new) loss weight")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "learning rate")
	fs.Int64Var(&cfg.TotalEnvironmentFrames, "frames", cfg.TotalEnvironmentFrames, "frame budget (0 = run until interrupted)")
	fs.DurationVar(&cfg.CheckpointInterval, "checkpoint-interval", cfg.CheckpointInterval, "wall-clock checkpoint cadence")
	fs.IntVar(&cfg.LogEpisodeFrequency, "log-episodes", cfg.LogEpisodeFrequency, "episode reporting granularity")
	fs.StringVar(&cfg.StoreKind, "store", cfg.StoreKind, "store backend: memory|sqlite")
	fs.StringVar(&cfg.StorePath, "db-path", cfg.StorePath, "sqlite database path")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
}

// loadProfile overlays a JSON profile file onto cfg.
func loadProfile(path string, cfg *config.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}
	return nil
}

func parseConfig(name string, args []string) (config.Config, *flag.FlagSet, []string, error) {
	// The profile flag has to be read before the rest so that explicit flags
	// override the profile's values.
	profile := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-profile" || args[i] == "--profile" {
			if i+1 >= len(args) {
				return config.Config{}, nil, nil, errors.New("profile flag requires a path")
			}
			profile = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}

	cfg := config.Default()
	if profile != "" {
		if err := loadProfile(profile, &cfg); err != nil {
			return config.Config{}, nil, nil, err
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configFlags(fs, &cfg)
	return cfg, fs, rest, nil
}

func newClient(cfg config.Config) (*tracerl.Client, error) {
	return tracerl.New(tracerl.Options{
		StoreKind: cfg.StoreKind,
		DBPath:    cfg.StorePath,
		Logf:      log.Printf,
	})
}

func runLearner(ctx context.Context, args []string) error {
	cfg, fs, rest, err := parseConfig("learner", args)
	if err != nil {
		return err
	}
	runID := fs.String("run-id", "", "run id (random when empty)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	result, err := client.RunLearner(ctx, cfg, *runID)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func runActor(ctx context.Context, args []string) error {
	cfg, fs, rest, err := parseConfig("actor", args)
	if err != nil {
		return err
	}
	taskID := fs.Int("task", 0, "actor task id")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.RunActor(ctx, cfg, *taskID)
}

func runDemo(ctx context.Context, args []string) error {
	cfg, fs, rest, err := parseConfig("run", args)
	if err != nil {
		return err
	}
	runID := fs.String("run-id", "", "run id (random when empty)")
	artifactsDir := fs.String("artifacts-dir", defaultArtifactsDir, "directory for run artifacts")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Init(ctx); err != nil {
		return err
	}

	result, err := client.Run(ctx, cfg, *runID)
	if err != nil {
		return err
	}
	printResult(result)

	runDir, err := stats.WriteRunArtifacts(*artifactsDir, stats.RunArtifacts{
		Summary:  result.Summary,
		Progress: result.Progress,
	})
	if err != nil {
		return err
	}
	fmt.Printf("artifacts_dir=%s\n", runDir)
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "tracerl.db", "sqlite database path")
	runID := fs.String("run-id", "", "run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("checkpoints requires --run-id")
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()
	if err := store.Init(ctx); err != nil {
		return err
	}

	ckpt, ok, err := store.LatestCheckpoint(ctx, *runID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("no checkpoint for run_id=%s\n", *runID)
		return nil
	}

	savedAt := time.UnixMilli(ckpt.SavedAtMs).UTC().Format(time.RFC3339)
	fmt.Printf("run_id=%s step=%d frames=%s saved_at=%s\n",
		ckpt.RunID, ckpt.Step, humanize.Comma(ckpt.Frames), savedAt)
	for name, values := range ckpt.Weights {
		fmt.Printf("weights=%s size=%d\n", name, len(values))
	}

	if summary, ok, err := store.GetRunSummary(ctx, *runID); err == nil && ok {
		fmt.Printf("episodes=%d mean_return=%.4f mean_raw_return=%.4f\n",
			summary.Episodes, summary.MeanReturn, summary.MeanRawReturn)
	}
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	artifactsDir := fs.String("artifacts-dir", defaultArtifactsDir, "directory for run artifacts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	index, err := stats.ReadRunIndex(*artifactsDir)
	if err != nil {
		return err
	}
	if len(index) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, summary := range index {
		fmt.Printf("run_id=%s episodes=%d frames=%s mean_return=%.4f mean_raw_return=%.4f\n",
			summary.RunID, summary.Episodes, humanize.Comma(summary.Frames),
			summary.MeanReturn, summary.MeanRawReturn)
	}
	return nil
}

func printResult(result tracerl.RunResult) {
	fmt.Printf("run completed run_id=%s steps=%d frames=%s\n",
		result.RunID, result.Steps, humanize.Comma(result.Frames))
	fmt.Printf("episodes=%d mean_return=%.4f mean_raw_return=%.4f\n",
		result.Summary.Episodes, result.Summary.MeanReturn, result.Summary.MeanRawReturn)
}
