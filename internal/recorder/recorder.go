// Package recorder captures spoken questions from the microphone as WAV.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
)

// Recorder captures audio until ctx is cancelled or maxDuration elapses and
// returns it as a WAV file.
type Recorder interface {
	Record(ctx context.Context, maxDuration time.Duration) ([]byte, error)
}

// New builds the recorder selected by cfg.Mode.
func New(cfg config.RecorderConfig, logger *slog.Logger) (Recorder, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecorder(cfg), nil
	case "exec":
		return NewExecRecorder(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported recorder mode %q", cfg.Mode)
	}
}
