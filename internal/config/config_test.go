package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points ENV_FILE at a missing file so a developer's .env does not leak in
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("SPEECH_REGION", "japaneast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected Port '8080', got '%s'", cfg.Port)
	}
	if cfg.Edge.TTL != 365*24*time.Hour {
		t.Errorf("Expected edge TTL of 365 days, got %v", cfg.Edge.TTL)
	}
	if cfg.Cache.TierTimeout != 5*time.Second {
		t.Errorf("Expected tier timeout 5s, got %v", cfg.Cache.TierTimeout)
	}
	if cfg.Cache.HTTPCacheBytes != 64<<20 || cfg.Cache.HTTPCacheTTL != time.Hour {
		t.Errorf("Expected a 64MiB HTTP cache for 1h, got %d for %v", cfg.Cache.HTTPCacheBytes, cfg.Cache.HTTPCacheTTL)
	}
	if cfg.Speech.Timeout != 25*time.Second {
		t.Errorf("Expected synthesis timeout 25s, got %v", cfg.Speech.Timeout)
	}
	if cfg.Prewarm.BatchSize != 3 || cfg.Prewarm.BatchDelay != time.Second {
		t.Errorf("Expected batches of 3 every 1s, got %d every %v", cfg.Prewarm.BatchSize, cfg.Prewarm.BatchDelay)
	}
	if cfg.Speech.TokenURL != "https://japaneast.api.cognitive.microsoft.com/sts/v1.0/issueToken" {
		t.Errorf("Unexpected token URL %s", cfg.Speech.TokenURL)
	}
	if cfg.Speech.SynthesisURL != "https://japaneast.tts.speech.microsoft.com/cognitiveservices/v1" {
		t.Errorf("Unexpected synthesis URL %s", cfg.Speech.SynthesisURL)
	}
	if cfg.HasS3() || cfg.HasBlob() {
		t.Error("Should not have durable tiers configured")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9090")
	t.Setenv("EDGE_DRIVER", "redis")
	t.Setenv("S3_ENDPOINT", "https://s3.example.com")
	t.Setenv("S3_BUCKET", "menu-audio")
	t.Setenv("S3_ACCESS_KEY_ID", "AK")
	t.Setenv("S3_SECRET_ACCESS_KEY", "SK")
	t.Setenv("SPEECH_KEY", "sub-key")
	t.Setenv("SPEECH_TOKEN_URL", "http://token.local")
	t.Setenv("PREWARM_PHRASES", "上ロース|カルビ")
	t.Setenv("CACHE_TIER_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected Port '9090', got '%s'", cfg.Port)
	}
	if !cfg.HasS3() {
		t.Error("Should have S3 configured")
	}
	if cfg.S3.Region != "auto" {
		t.Errorf("Expected default region 'auto', got '%s'", cfg.S3.Region)
	}
	if cfg.Speech.TokenURL != "http://token.local" {
		t.Errorf("Explicit token URL was overridden: %s", cfg.Speech.TokenURL)
	}
	if len(cfg.Prewarm.Phrases) != 2 || cfg.Prewarm.Phrases[0] != "上ロース" {
		t.Errorf("Unexpected phrases %v", cfg.Prewarm.Phrases)
	}
	if cfg.Cache.TierTimeout != 750*time.Millisecond {
		t.Errorf("Expected tier timeout 750ms, got %v", cfg.Cache.TierTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("ADMIN_KEY=from-file\nLOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")
	// godotenv sets variables directly; make sure the test restores them
	t.Setenv("ADMIN_KEY", "")
	_ = os.Unsetenv("ADMIN_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.AdminKey != "from-file" {
		t.Errorf("Expected AdminKey from .env file, got '%s'", cfg.AdminKey)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Existing environment should win over .env, got '%s'", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{Usage: UsageConfig{Store: "memory"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error when speech is not configured")
	}

	cfg.Speech = SpeechConfig{SubscriptionKey: "k", TokenURL: "t", SynthesisURL: "s"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Should not error with speech configured: %v", err)
	}

	cfg.Usage.Store = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for postgres usage store without DATABASE_URL")
	}

	cfg.Usage.Store = "memory"
	cfg.S3.Bucket = "menu-audio"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for partial S3 configuration")
	}
}
