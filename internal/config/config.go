package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML values like "90s" or "250ms". A bare integer is
// taken as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		secs, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", node.Value, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full worker configuration. Values resolve in order:
// built-in defaults, then the optional YAML file, then environment variables.
type Config struct {
	// Redis backs both the session state store and the task queue. Leave
	// Addr empty to run fully in-memory (tests, single-process dev).
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Model struct {
		BaseURL        string   `yaml:"base_url"`
		APIKey         string   `yaml:"api_key"`
		ChatModel      string   `yaml:"chat_model"`
		AudioModel     string   `yaml:"audio_model"`
		RequestTimeout Duration `yaml:"request_timeout"`
	} `yaml:"model"`

	Worker struct {
		ConsumerID   string   `yaml:"consumer_id"`
		StageTimeout Duration `yaml:"stage_timeout"`
		StageRetries int      `yaml:"stage_retries"`
		RetryBackoff Duration `yaml:"retry_backoff"`
		MaxAttempts  int      `yaml:"max_attempts"`
		SessionTTL   Duration `yaml:"session_ttl"`
	} `yaml:"worker"`

	Feedback struct {
		// DistanceThreshold routes edits: normalized edit-distance ratios at
		// or above it become DPO pairs, below it SFT pairs.
		DistanceThreshold float64 `yaml:"distance_threshold"`
	} `yaml:"feedback"`

	Dataset struct {
		Dir         string `yaml:"dir"`
		SFTFile     string `yaml:"sft_file"`
		DPOFile     string `yaml:"dpo_file"`
		MetricsFile string `yaml:"metrics_file"`
	} `yaml:"dataset"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns a Config with every knob at its built-in default.
func Default() Config {
	var c Config
	c.Model.BaseURL = "https://api.openai.com/v1"
	c.Model.ChatModel = "gpt-4o-mini"
	c.Model.AudioModel = "whisper-1"
	c.Model.RequestTimeout = Duration(75 * time.Second)
	c.Worker.ConsumerID = "accel-0"
	c.Worker.StageTimeout = Duration(60 * time.Second)
	c.Worker.StageRetries = 3
	c.Worker.RetryBackoff = Duration(800 * time.Millisecond)
	c.Worker.MaxAttempts = 3
	c.Worker.SessionTTL = Duration(time.Hour)
	c.Feedback.DistanceThreshold = 0.3
	c.Dataset.Dir = "data"
	c.Dataset.SFTFile = "sft_train.jsonl"
	c.Dataset.DPOFile = "dpo_train.jsonl"
	c.Dataset.MetricsFile = "session_metrics.jsonl"
	c.Log.Level = "info"
	return c
}

// Load builds the effective configuration. path may be empty; a missing YAML
// file at the default location is not an error.
func Load(path string) (Config, error) {
	LoadDotEnv()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Feedback.DistanceThreshold < 0 || c.Feedback.DistanceThreshold > 1 {
		return fmt.Errorf("feedback.distance_threshold must be in [0,1], got %v", c.Feedback.DistanceThreshold)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be positive")
	}
	if strings.TrimSpace(c.Dataset.Dir) == "" {
		return fmt.Errorf("dataset.dir is required")
	}
	return nil
}

func applyEnv(c *Config) {
	setString(&c.Redis.Addr, "SCRIBE_REDIS_ADDR")
	setString(&c.Redis.Password, "SCRIBE_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "SCRIBE_REDIS_DB")

	setString(&c.Model.BaseURL, "SCRIBE_MODEL_BASE_URL")
	setString(&c.Model.APIKey, "SCRIBE_MODEL_API_KEY")
	setString(&c.Model.ChatModel, "SCRIBE_CHAT_MODEL")
	setString(&c.Model.AudioModel, "SCRIBE_AUDIO_MODEL")
	setDuration(&c.Model.RequestTimeout, "SCRIBE_REQUEST_TIMEOUT")

	setString(&c.Worker.ConsumerID, "SCRIBE_CONSUMER_ID")
	setDuration(&c.Worker.StageTimeout, "SCRIBE_STAGE_TIMEOUT")
	setInt(&c.Worker.StageRetries, "SCRIBE_STAGE_RETRIES")
	setDuration(&c.Worker.RetryBackoff, "SCRIBE_RETRY_BACKOFF")
	setDuration(&c.Worker.SessionTTL, "SCRIBE_SESSION_TTL")
	setInt(&c.Worker.MaxAttempts, "SCRIBE_MAX_ATTEMPTS")

	setFloat(&c.Feedback.DistanceThreshold, "SCRIBE_DISTANCE_THRESHOLD")

	setString(&c.Dataset.Dir, "SCRIBE_DATA_DIR")
	setString(&c.Log.Level, "SCRIBE_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// LoadDotEnv loads .env.local then .env from the working directory,
// only setting vars that are not already set. Set SCRIBE_DOTENV=0 to skip.
func LoadDotEnv() {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("SCRIBE_DOTENV"))); v == "0" || v == "false" || v == "off" {
		return
	}
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// Malformed env files are a setup error worth surfacing loudly.
			fmt.Fprintf(os.Stderr, "scribe: failed to load %s: %v\n", p, err)
		}
	}
}
