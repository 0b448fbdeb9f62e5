package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 0.3, cfg.Feedback.DistanceThreshold)
	require.Equal(t, time.Hour, cfg.Worker.SessionTTL.Std())
	require.Equal(t, "sft_train.jsonl", cfg.Dataset.SFTFile)
	require.Equal(t, "accel-0", cfg.Worker.ConsumerID)
}

func TestLoad_YAMLThenEnvOverride(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")
	t.Setenv("SCRIBE_DISTANCE_THRESHOLD", "0.5")

	path := filepath.Join(t.TempDir(), "scribe.yaml")
	raw := []byte("feedback:\n  distance_threshold: 0.2\nworker:\n  consumer_id: accel-7\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env beats YAML, YAML beats defaults.
	require.Equal(t, 0.5, cfg.Feedback.DistanceThreshold)
	require.Equal(t, "accel-7", cfg.Worker.ConsumerID)
}

func TestLoad_YAMLDurations(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")

	path := filepath.Join(t.TempDir(), "scribe.yaml")
	raw := []byte("model:\n  request_timeout: 30s\nworker:\n  stage_timeout: 90s\n  retry_backoff: 250ms\n  session_ttl: 7200\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 30*time.Second, cfg.Model.RequestTimeout.Std())
	require.Equal(t, 90*time.Second, cfg.Worker.StageTimeout.Std())
	require.Equal(t, 250*time.Millisecond, cfg.Worker.RetryBackoff.Std())
	// Bare integers are seconds.
	require.Equal(t, 2*time.Hour, cfg.Worker.SessionTTL.Std())
}

func TestLoad_DurationEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")
	t.Setenv("SCRIBE_RETRY_BACKOFF", "50ms")
	t.Setenv("SCRIBE_REQUEST_TIMEOUT", "10s")

	path := filepath.Join(t.TempDir(), "scribe.yaml")
	raw := []byte("model:\n  request_timeout: 30s\nworker:\n  retry_backoff: 250ms\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 50*time.Millisecond, cfg.Worker.RetryBackoff.Std())
	require.Equal(t, 10*time.Second, cfg.Model.RequestTimeout.Std())
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")

	path := filepath.Join(t.TempDir(), "scribe.yaml")
	raw := []byte("worker:\n  stage_timeout: ninety seconds\n")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsBadThreshold(t *testing.T) {
	t.Setenv("SCRIBE_DOTENV", "0")
	t.Setenv("SCRIBE_DISTANCE_THRESHOLD", "1.7")

	_, err := Load("")
	require.Error(t, err)
}
