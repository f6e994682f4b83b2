package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/media"
)

const microphoneUnavailable = "Microphone access is unavailable. Check the recording device and its permissions."

// ExecRecorder runs a capture command that writes raw 16-bit little-endian
// PCM to stdout, e.g. `arecord -q -t raw -f S16_LE -c1 -r16000`.
type ExecRecorder struct {
	cmd    []string
	cfg    config.RecorderConfig
	logger *slog.Logger
	mu     sync.Mutex
}

func NewExecRecorder(cfg config.RecorderConfig, logger *slog.Logger) (*ExecRecorder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recorder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recorder command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRecorder{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "recorder"))}, nil
}

// Record captures until ctx ends or maxDuration elapses; both count as a
// normal stop. Failing to start the command, or the command reporting a
// permission problem, yields apperr.ErrPermission.
func (r *ExecRecorder) Record(ctx context.Context, maxDuration time.Duration) ([]byte, error) {
	if !r.mu.TryLock() {
		return nil, apperr.Busy("A recording is already in progress.")
	}
	defer r.mu.Unlock()

	if maxDuration <= 0 || maxDuration > r.maxDuration() {
		maxDuration = r.maxDuration()
	}
	captureCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	command := exec.CommandContext(captureCtx, r.cmd[0], r.cmd[1:]...)
	command.WaitDelay = 500 * time.Millisecond
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Start(); err != nil {
		r.logger.Warn("recorder failed to start", slog.String("error", err.Error()))
		return nil, apperr.Permission(microphoneUnavailable, err)
	}
	err := command.Wait()
	if err != nil && captureCtx.Err() == nil {
		if permissionDenied(err, stderr.String()) {
			return nil, apperr.Permission(microphoneUnavailable, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
		}
		return nil, fmt.Errorf("recorder command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	pcm := stdout.Bytes()
	pcm = pcm[:len(pcm)&^1]
	r.logger.Debug("recording captured", slog.Int("bytes", len(pcm)), slog.Duration("elapsed", time.Since(started)))
	if len(pcm) == 0 {
		return nil, apperr.Validation("Nothing was recorded. Please try again.")
	}
	return media.EncodePCM16(pcm, r.cfg.SampleRate, r.cfg.Channels)
}

func (r *ExecRecorder) maxDuration() time.Duration {
	if r.cfg.MaxDurationMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.cfg.MaxDurationMS) * time.Millisecond
}

func permissionDenied(err error, stderr string) bool {
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, exec.ErrNotFound) {
		return true
	}
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "permission denied") || strings.Contains(lower, "not permitted")
}
