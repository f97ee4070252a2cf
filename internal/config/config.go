// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AdminKey    string `env:"ADMIN_KEY"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"`

	Edge    EdgeConfig    `envPrefix:"EDGE_"`
	S3      S3Config      `envPrefix:"S3_"`
	Blob    BlobConfig    `envPrefix:"BLOB_"`
	Speech  SpeechConfig  `envPrefix:"SPEECH_"`
	Cache   CacheConfig   `envPrefix:"CACHE_"`
	Usage   UsageConfig   `envPrefix:"USAGE_"`
	Prewarm PrewarmConfig `envPrefix:"PREWARM_"`
}

// EdgeConfig selects the edge key-value store
type EdgeConfig struct {
	Driver string        `env:"DRIVER" envDefault:"memory"` // memory | redis
	Prefix string        `env:"PREFIX" envDefault:"tts"`
	TTL    time.Duration `env:"TTL" envDefault:"8760h"`
	DB     int           `env:"REDIS_DB" envDefault:"0"`
}

// S3Config holds the S3-compatible object store settings
type S3Config struct {
	Endpoint        string `env:"ENDPOINT"`
	Bucket          string `env:"BUCKET"`
	Region          string `env:"REGION" envDefault:"auto"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	PublicURL       string `env:"PUBLIC_URL"`
	KeyPrefix       string `env:"KEY_PREFIX"`
}

// BlobConfig holds the blob fallback store settings
type BlobConfig struct {
	BaseURL   string `env:"BASE_URL"`
	Namespace string `env:"NAMESPACE" envDefault:"tts-cache"`
	UploadURL string `env:"UPLOAD_URL"`
	Token     string `env:"TOKEN"`
}

// SpeechConfig holds the synthesis provider settings
type SpeechConfig struct {
	Region          string        `env:"REGION" envDefault:"japaneast"`
	SubscriptionKey string        `env:"KEY"`
	TokenURL        string        `env:"TOKEN_URL"`
	SynthesisURL    string        `env:"SYNTHESIS_URL"`
	Language        string        `env:"LANGUAGE" envDefault:"ja-JP"`
	Voice           string        `env:"VOICE" envDefault:"ja-JP-NanamiNeural"`
	OutputFormat    string        `env:"OUTPUT_FORMAT" envDefault:"audio-24khz-48kbitrate-mono-mp3"`
	SpeakingRate    string        `env:"RATE"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"25s"`
	TokenLifetime   time.Duration `env:"TOKEN_LIFETIME" envDefault:"10m"`
	RequestsPerMin  int           `env:"REQUESTS_PER_MINUTE" envDefault:"0"`
}

// CacheConfig tunes the tiered cache
type CacheConfig struct {
	TierTimeout   time.Duration `env:"TIER_TIMEOUT" envDefault:"5s"`
	WriteTimeout  time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	MaxTextLength int           `env:"MAX_TEXT_LENGTH" envDefault:"500"`

	// HTTPCacheBytes caps the in-memory cache of public audio reads
	HTTPCacheBytes int64         `env:"HTTP_CACHE_BYTES" envDefault:"67108864"`
	HTTPCacheTTL   time.Duration `env:"HTTP_CACHE_TTL" envDefault:"1h"`
}

// UsageConfig selects where usage metrics are kept
type UsageConfig struct {
	Store string `env:"STORE" envDefault:"memory"` // memory | file | postgres
	File  string `env:"FILE"`
}

// PrewarmConfig tunes prewarm runs
type PrewarmConfig struct {
	PhrasesFile  string        `env:"PHRASES_FILE"`
	Phrases      []string      `env:"PHRASES" envSeparator:"|"`
	PopularLimit int           `env:"POPULAR_LIMIT" envDefault:"50"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"3"`
	BatchDelay   time.Duration `env:"BATCH_DELAY" envDefault:"1s"`
	Schedule     string        `env:"SCHEDULE" envDefault:"@every 6h"`
}

// Load reads configuration from the environment. A .env file in the working
// directory, or the file named by ENV_FILE, is applied first without
// overriding variables that are already set.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Speech.fillEndpoints()
	return &cfg, nil
}

func (s *SpeechConfig) fillEndpoints() {
	if s.Region == "" {
		return
	}
	if s.TokenURL == "" {
		s.TokenURL = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", s.Region)
	}
	if s.SynthesisURL == "" {
		s.SynthesisURL = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", s.Region)
	}
}

// HasS3 returns true if the object store tier is configured
func (c *Config) HasS3() bool {
	return c.S3.Endpoint != "" && c.S3.Bucket != "" && c.S3.AccessKeyID != "" && c.S3.SecretAccessKey != ""
}

// HasBlob returns true if the blob fallback tier is configured
func (c *Config) HasBlob() bool {
	return c.Blob.BaseURL != ""
}

// HasSpeech returns true if the synthesis provider is configured
func (c *Config) HasSpeech() bool {
	return c.Speech.SubscriptionKey != "" && c.Speech.TokenURL != "" && c.Speech.SynthesisURL != ""
}

// IsDev reports whether the app runs in development mode
func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}

// Validate ensures the settings the service cannot run without are present
func (c *Config) Validate() error {
	var errs []error
	if !c.HasSpeech() {
		errs = append(errs, errors.New("speech provider not configured - set SPEECH_KEY and SPEECH_REGION"))
	}
	if c.Edge.Driver == "redis" && c.RedisAddr == "" {
		errs = append(errs, errors.New("EDGE_DRIVER=redis requires REDIS_ADDR"))
	}
	switch c.Usage.Store {
	case "memory", "file":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("USAGE_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown USAGE_STORE %q", c.Usage.Store))
	}
	if (c.S3.Endpoint != "" || c.S3.Bucket != "") && !c.HasS3() {
		errs = append(errs, errors.New("S3 tier partially configured - need S3_ENDPOINT, S3_BUCKET, S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY"))
	}
	return errors.Join(errs...)
}
