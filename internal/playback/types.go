package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-reader/internal/media"
	"github.com/loqalabs/loqa-reader/internal/pagesync"
)

// SourceKind identifies one of the mutually exclusive audio producers.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceNarration
	SourceSummary
	SourceAnalysis
	SourceAnswer
	SourceHistoryReplay
)

var sourceNames = [...]string{"none", "narration", "summary", "analysis", "answer", "history_replay"}

func (k SourceKind) String() string {
	if k < 0 || int(k) >= len(sourceNames) {
		return fmt.Sprintf("source(%d)", int(k))
	}
	return sourceNames[k]
}

func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ResumePolicy decides where a freshly loaded clip starts.
type ResumePolicy int

const (
	// FromStart is used by the first narration play of a session.
	FromStart ResumePolicy = iota
	// FromSavedOffset is used by every later narration play.
	FromSavedOffset
	// FromZero is used by every non-narration source; they never resume.
	FromZero
)

var policyNames = [...]string{"from_start", "from_saved_offset", "from_zero"}

func (p ResumePolicy) String() string {
	if p < 0 || int(p) >= len(policyNames) {
		return fmt.Sprintf("policy(%d)", int(p))
	}
	return policyNames[p]
}

func (p ResumePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the arbitrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateEnded
)

var stateNames = [...]string{"idle", "loading", "playing", "paused", "ended"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resolver produces the clip to play. It may block on the network.
type Resolver func(ctx context.Context) (media.Locator, error)

// Request asks the arbitrator for the audio output. The resume policy is not
// part of the request: it follows from the source kind and the session.
type Request struct {
	Source  SourceKind
	Resolve Resolver
}

// ErrNoAudio is returned by a resolver (or reported by Play) when the
// request finished without anything to play, e.g. a text-only analysis.
var ErrNoAudio = errors.New("request produced no audio")

// Session is the narration state of one learning session. A new Session is
// handed to Arbitrator.Begin on every document selection; it is never reused.
type Session struct {
	ID         string
	DocumentID string
	Generation uint64
	// PageCount bounds narration-driven page changes when known.
	PageCount int

	hasPlayedOnce bool
	mapper        *pagesync.Mapper
}

func NewSession(id, documentID string, generation uint64) *Session {
	return &Session{ID: id, DocumentID: documentID, Generation: generation}
}

// Status is a point-in-time view of the arbitrator.
type Status struct {
	SessionID     string       `json:"session_id,omitempty"`
	DocumentID    string       `json:"document_id,omitempty"`
	Generation    uint64       `json:"generation"`
	State         State        `json:"state"`
	Source        SourceKind   `json:"source"`
	Resume        ResumePolicy `json:"resume"`
	Page          int          `json:"page"`
	Offset        float64      `json:"offset"`
	Duration      float64      `json:"duration"`
	HasPlayedOnce bool         `json:"has_played_once"`
	PageSync      bool         `json:"page_sync"`
	Busy          bool         `json:"busy"`
}

// Observer receives arbitrator notifications. Calls are made without any
// arbitrator lock held, from whichever goroutine caused the change.
type Observer interface {
	StateChanged(status Status)
	PageChanged(status Status, page int)
}

// Observers fans notifications out in order.
type Observers []Observer

func (o Observers) StateChanged(status Status) {
	for _, obs := range o {
		obs.StateChanged(status)
	}
}

func (o Observers) PageChanged(status Status, page int) {
	for _, obs := range o {
		obs.PageChanged(status, page)
	}
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StateChanged(Status)     {}
func (NopObserver) PageChanged(Status, int) {}
