package playback

import (
	"context"

	"github.com/loqalabs/loqa-reader/internal/media"
)

// EventKind enumerates what an AudioSession reports to subscribers.
type EventKind int

const (
	EventTimeUpdate EventKind = iota
	EventPlaying
	EventPaused
	EventEnded
)

// Event is a position or lifecycle change of the audio output.
type Event struct {
	Kind     EventKind
	Time     float64
	Duration float64
}

// AudioSession is the single audio output owned by the Arbitrator.
//
// Load replaces whatever clip was loaded. Implementations must be safe for
// concurrent use, must never invoke subscribers synchronously from inside
// one of their own methods, and should not deliver events of a clip that has
// since been stopped or replaced.
type AudioSession interface {
	Load(ctx context.Context, loc media.Locator) error
	Play(ctx context.Context) error
	Pause() error
	Stop() error
	Seek(seconds float64) error
	Time() float64
	Duration() float64
	Subscribe(fn func(Event)) (unsubscribe func())
}

// PositionStore is the subset of positions.Store the arbitrator needs.
type PositionStore interface {
	Save(ctx context.Context, documentID string, offset float64) error
	Load(ctx context.Context, documentID string) (float64, error)
}
