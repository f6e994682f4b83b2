package journal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-reader/internal/playback"
)

type playbackPayload struct {
	Source   playback.SourceKind    `json:"source"`
	Resume   *playback.ResumePolicy `json:"resume,omitempty"`
	Offset   float64                `json:"offset"`
	Duration float64                `json:"duration,omitempty"`
}

type pagePayload struct {
	Page   int     `json:"page"`
	Offset float64 `json:"offset"`
}

// Observer writes arbitrator notifications to the journal.
type Observer struct {
	store *Store
	log   *slog.Logger

	mu   sync.Mutex
	last playback.Status
}

func NewObserver(store *Store, log *slog.Logger) *Observer {
	return &Observer{store: store, log: log.With(slog.String("component", "journal"))}
}

func (o *Observer) StateChanged(status playback.Status) {
	o.mu.Lock()
	prev := o.last
	o.last = status
	o.mu.Unlock()

	if status.SessionID == "" {
		return
	}
	payload := playbackPayload{Source: status.Source, Offset: status.Offset, Duration: status.Duration}
	var typ EventType
	switch status.State {
	case playback.StatePlaying:
		if prev.State == playback.StatePlaying && prev.Source == status.Source && prev.SessionID == status.SessionID {
			return
		}
		typ = EventPlaybackStarted
		resume := status.Resume
		payload.Resume = &resume
	case playback.StatePaused:
		typ = EventPlaybackPaused
	case playback.StateEnded:
		typ = EventPlaybackEnded
	default:
		return
	}
	o.record(status, typ, payload)
}

func (o *Observer) PageChanged(status playback.Status, page int) {
	if status.SessionID == "" {
		return
	}
	o.record(status, EventPageChanged, pagePayload{Page: page, Offset: status.Offset})
}

func (o *Observer) record(status playback.Status, typ EventType, payload any) {
	if err := o.store.Record(context.Background(), status.SessionID, status.DocumentID, typ, payload); err != nil {
		o.log.Warn("failed to journal playback event", slog.String("type", string(typ)), slog.String("error", err.Error()))
	}
}

var _ playback.Observer = (*Observer)(nil)
