package recorder

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/media"
)

// MockRecorder returns a short silent clip. Used when no microphone is
// configured.
type MockRecorder struct {
	cfg    config.RecorderConfig
	Length time.Duration
}

func NewMockRecorder(cfg config.RecorderConfig) *MockRecorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &MockRecorder{cfg: cfg, Length: time.Second}
}

func (m *MockRecorder) Record(ctx context.Context, maxDuration time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	length := m.Length
	if maxDuration > 0 && maxDuration < length {
		length = maxDuration
	}
	return media.Silence(length, m.cfg.SampleRate, m.cfg.Channels)
}
