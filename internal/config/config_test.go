package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero num envs", func(c *Config) { c.NumEnvs = 0 }},
		{"zero env batch", func(c *Config) { c.EnvBatchSize = 0 }},
		{"env batch over num envs", func(c *Config) { c.EnvBatchSize = c.NumEnvs + 1 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"zero unroll length", func(c *Config) { c.UnrollLength = 0 }},
		{"negative queue capacity", func(c *Config) { c.UnrollQueueCapacity = -1 }},
		{"discounting one", func(c *Config) { c.Discounting = 1 }},
		{"lambda zero", func(c *Config) { c.Lambda = 0 }},
		{"lambda above one", func(c *Config) { c.Lambda = 1.5 }},
		{"negative rho clip", func(c *Config) { c.ClipRhoThreshold = -1 }},
		{"negative pg rho clip", func(c *Config) { c.ClipPGRhoThreshold = -1 }},
		{"negative reward clip", func(c *Config) { c.MaxAbsReward = -0.5 }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
		{"zero log frequency", func(c *Config) { c.LogEpisodeFrequency = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAllowsDisabledClipping(t *testing.T) {
	cfg := Default()
	cfg.ClipRhoThreshold = 0
	cfg.ClipPGRhoThreshold = 0
	cfg.MaxAbsReward = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero thresholds disable clipping and must validate: %v", err)
	}
}
