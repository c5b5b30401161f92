package config

import "testing"

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LOCAL_CONFIDENCE_WEIGHT", "0.8")
	t.Setenv("EXTERNAL_CONFIDENCE_WEIGHT", "0.2")
	t.Setenv("REPUTATION_API_KEY", "test-key")
	t.Setenv("LOCAL_THREAT_DSN", "file:test.db?mode=ro")
}

func TestConfig_Load_AppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Preprocessor.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default 100", cfg.Preprocessor.BatchSize)
	}
	if cfg.Reputation.DailyLimit != 1000 {
		t.Errorf("DailyLimit = %d, want default 1000", cfg.Reputation.DailyLimit)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %q, want memory default", cfg.Cache.Backend)
	}
}

func TestConfig_Load_DerivesPreprocessingTTLFromInterval(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PREPROCESS_INTERVAL", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := cfg.Preprocessor.PreprocessInterval + twoMinutes
	if cfg.Preprocessor.PreprocessingTTL != want {
		t.Errorf("PreprocessingTTL = %v, want %v", cfg.Preprocessor.PreprocessingTTL, want)
	}
}

func TestConfig_Load_RejectsWeightsThatDontSumToOne(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("LOCAL_CONFIDENCE_WEIGHT", "0.9")
	t.Setenv("EXTERNAL_CONFIDENCE_WEIGHT", "0.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for weights summing to 1.4")
	}
}

func TestConfig_Load_RejectsMissingReputationKey(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REPUTATION_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a missing reputation api key")
	}
}
