package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScoring(t *testing.T) {
	s, err := LoadScoring("testdata/scoring.yaml")
	require.NoError(t, err)

	assert.Equal(t, 0.6, s.Thresholds.PAD)
	assert.Equal(t, 0.4, s.Thresholds.Deepfake)
	assert.Equal(t, 0.35, s.Thresholds.FaceMatch)
	assert.Equal(t, 0.3, s.Weights["face_match"])
}

func TestScoringValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Scoring)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Scoring) {}},
		{
			name:    "weights off by more than tolerance",
			mutate:  func(s *Scoring) { s.Weights["pad"] = 0.26 },
			wantErr: "sum to 1.0",
		},
		{
			name:    "missing weight",
			mutate:  func(s *Scoring) { delete(s.Weights, "deepfake"); s.Weights["ocr"] = 0.25 },
			wantErr: "missing weight for deepfake",
		},
		{
			name:    "extra weight",
			mutate:  func(s *Scoring) { s.Weights["mrz"] = 0 },
			wantErr: "exactly",
		},
		{
			name:    "negative weight",
			mutate:  func(s *Scoring) { s.Weights["pad"] = -0.25; s.Weights["deepfake"] = 0.75 },
			wantErr: "non-negative",
		},
		{
			name:    "threshold above one",
			mutate:  func(s *Scoring) { s.Thresholds.FaceMatch = 1.5 },
			wantErr: "facematch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultScoring()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScoringRejectsBadYAML(t *testing.T) {
	_, err := ParseScoring([]byte("thresholds: [1, 2"))
	require.Error(t, err)
}

func TestWorkerFromEnv(t *testing.T) {
	t.Setenv("KYC_WORKER_CONCURRENCY", "8")
	t.Setenv("KYC_RETRY_DELAY", "5s")
	t.Setenv("KYC_COLLABORATORS", "stub")
	t.Setenv("KYC_SCORING_FILE", "testdata/scoring.yaml")

	cfg, err := WorkerFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, DefaultFrameInterval, cfg.FrameInterval)
	assert.Equal(t, CollaboratorsStub, cfg.Collaborators.Mode)
	assert.Equal(t, 0.6, cfg.Scoring.Thresholds.PAD)
	assert.Equal(t, DefaultQueueName, cfg.Queue.Name)
}

func TestWorkerFromEnvRejectsUnknownCollaboratorMode(t *testing.T) {
	t.Setenv("KYC_COLLABORATORS", "grpc")

	_, err := WorkerFromEnv()
	require.Error(t, err)
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "shared_secret", cfg.IntegritySecret)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Audit.Brokers)
	assert.Equal(t, DefaultVideosBucket, cfg.ObjectStore.VideosBucket)
	assert.False(t, cfg.RequireToken)
}
