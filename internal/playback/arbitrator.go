// Package playback arbitrates the single audio output between narration,
// summaries, analyses, answers and replays.
//
// At most one source plays at a time. Switching away from narration persists
// the narration offset first, and narration is the only source that resumes.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/media"
	"github.com/loqalabs/loqa-reader/internal/pagesync"
)

const defaultSaveInterval = time.Second

type Options struct {
	// SaveInterval is the periodic narration save cadence while playing.
	SaveInterval time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

// Arbitrator owns the audio output. Lock order is devMu then mu; mu is never
// held across a resolver call.
type Arbitrator struct {
	device      AudioSession
	positions   PositionStore
	observer    Observer
	logger      *slog.Logger
	interval    time.Duration
	tracer      trace.Tracer
	metrics     *metrics
	unsubscribe func()

	devMu sync.Mutex

	mu       sync.Mutex
	sess     *Session
	state    State
	source   SourceKind
	resume   ResumePolicy
	busy     bool
	loadSeq  uint64
	page     int
	tickStop chan struct{}
	closed   bool
}

func New(device AudioSession, positions PositionStore, opts Options) *Arbitrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	interval := opts.SaveInterval
	if interval <= 0 {
		interval = defaultSaveInterval
	}
	a := &Arbitrator{
		device:    device,
		positions: positions,
		observer:  observer,
		logger:    logger.With(slog.String("component", "playback")),
		interval:  interval,
		tracer:    otel.Tracer(instrumentation),
		resume:    FromZero,
	}
	m, err := newMetrics(a)
	if err != nil {
		a.logger.Warn("playback metrics disabled", slogError(err))
	}
	a.metrics = m
	a.unsubscribe = device.Subscribe(a.handleEvent)
	return a
}

// Close stops periodic saves and detaches from the device.
func (a *Arbitrator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.stopTickerLocked()
	a.mu.Unlock()
	a.unsubscribe()
}

// Begin starts a new session. Audio of the previous session stops, any
// in-flight request becomes stale and the single-flight guard is released.
func (a *Arbitrator) Begin(sess *Session) {
	a.devMu.Lock()
	a.mu.Lock()
	a.stopTickerLocked()
	a.loadSeq++
	a.sess = sess
	a.state = StateIdle
	a.source = SourceNone
	a.resume = FromZero
	a.busy = false
	a.page = 1
	if err := a.device.Stop(); err != nil {
		a.logger.Warn("failed to stop audio on session change", slogError(err))
	}
	status := a.statusLocked()
	a.mu.Unlock()
	a.devMu.Unlock()

	a.observer.StateChanged(status)
}

// SetMapper installs the page timing table for the session identified by
// generation. It reports false when that session is no longer current.
func (a *Arbitrator) SetMapper(generation uint64, mapper *pagesync.Mapper) bool {
	a.mu.Lock()
	if a.sess == nil || a.sess.Generation != generation {
		a.mu.Unlock()
		return false
	}
	a.sess.mapper = mapper
	var notify func()
	if a.source == SourceNarration && a.state == StatePlaying {
		notify = a.syncPageLocked(a.device.Time())
	}
	a.mu.Unlock()
	if notify != nil {
		notify()
	}
	return true
}

// NotePage records a page the viewer moved to on its own, so the next
// narration-driven change is detected against it.
func (a *Arbitrator) NotePage(page int) {
	if page < 1 {
		return
	}
	a.mu.Lock()
	a.page = page
	a.mu.Unlock()
}

func (a *Arbitrator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

// Play tears down the active source and starts req. A request arriving while
// another is loading is dropped with apperr.ErrBusy. A request superseded by
// Begin returns apperr.ErrStale and leaves the new session untouched.
func (a *Arbitrator) Play(ctx context.Context, req Request) error {
	if req.Resolve == nil {
		return apperr.Validation("audio request has nothing to resolve")
	}

	a.devMu.Lock()
	a.mu.Lock()
	if a.sess == nil {
		a.mu.Unlock()
		a.devMu.Unlock()
		return apperr.Validation("Select a document first.")
	}
	if a.busy {
		a.mu.Unlock()
		a.devMu.Unlock()
		a.metrics.request(ctx, req.Source, "dropped")
		a.logger.Debug("request dropped while loading", slog.String("source", req.Source.String()))
		return apperr.Busy("Please wait for the current audio to load.")
	}
	sess := a.sess
	policy := a.policyLocked(req.Source)

	a.persistOutgoingLocked(ctx, "switch")
	a.stopTickerLocked()
	if err := a.device.Stop(); err != nil {
		a.logger.Warn("failed to stop active audio", slogError(err), slog.String("source", a.source.String()))
	}
	a.loadSeq++
	seq := a.loadSeq
	a.busy = true
	a.state = StateLoading
	a.source = req.Source
	a.resume = policy
	loading := a.statusLocked()
	a.mu.Unlock()
	a.devMu.Unlock()

	a.observer.StateChanged(loading)

	loc, err := a.resolve(ctx, req, sess)
	if err == nil && loc.IsZero() {
		err = ErrNoAudio
	}
	if err != nil {
		return a.fail(ctx, seq, req.Source, err)
	}

	a.devMu.Lock()
	defer a.devMu.Unlock()

	a.mu.Lock()
	if seq != a.loadSeq {
		a.mu.Unlock()
		a.metrics.request(ctx, req.Source, "stale")
		return apperr.Stale("response arrived after the session changed")
	}
	a.mu.Unlock()

	offset := 0.0
	if policy == FromSavedOffset {
		saved, err := a.positions.Load(ctx, sess.DocumentID)
		if err != nil {
			a.logger.Warn("failed to load narration offset", slogError(err), slog.String("document_id", sess.DocumentID))
		} else {
			offset = saved
		}
	}

	if err := a.start(ctx, loc, offset); err != nil {
		if stopErr := a.device.Stop(); stopErr != nil {
			a.logger.Warn("failed to stop audio after start failure", slogError(stopErr))
		}
		return a.fail(ctx, seq, req.Source, apperr.Playback("Failed to play audio. Please try again.", err))
	}

	a.mu.Lock()
	a.busy = false
	a.state = StatePlaying
	var notifyPage []func()
	if req.Source == SourceNarration {
		if policy == FromStart {
			sess.hasPlayedOnce = true
			a.page = 1
			status := a.statusLocked()
			notifyPage = append(notifyPage, func() { a.observer.PageChanged(status, 1) })
		}
		if fn := a.syncPageLocked(offset); fn != nil {
			notifyPage = append(notifyPage, fn)
		}
	}
	a.startTickerLocked()
	playing := a.statusLocked()
	a.mu.Unlock()

	a.metrics.request(ctx, req.Source, "played")
	a.logger.Info("playback started",
		slog.String("source", req.Source.String()),
		slog.String("resume", policy.String()),
		slog.Float64("offset", offset),
		slog.String("document_id", sess.DocumentID),
	)
	a.observer.StateChanged(playing)
	for _, fn := range notifyPage {
		fn()
	}
	return nil
}

func (a *Arbitrator) resolve(ctx context.Context, req Request, sess *Session) (loc media.Locator, err error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "playback.resolve", trace.WithAttributes(
		attribute.String("source", req.Source.String()),
		attribute.String("document_id", sess.DocumentID),
		attribute.Int64("generation", int64(sess.Generation)),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrNoAudio) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		a.metrics.resolved(ctx, req.Source, time.Since(start))
	}()
	return req.Resolve(ctx)
}

func (a *Arbitrator) start(ctx context.Context, loc media.Locator, offset float64) error {
	if err := a.device.Load(ctx, loc); err != nil {
		return err
	}
	if err := a.device.Seek(offset); err != nil {
		return err
	}
	return a.device.Play(ctx)
}

// fail returns the arbitrator to Idle after a request could not start. The
// stored narration offset was already written during teardown and is left
// as is.
func (a *Arbitrator) fail(ctx context.Context, seq uint64, source SourceKind, err error) error {
	a.mu.Lock()
	if seq != a.loadSeq {
		a.mu.Unlock()
		a.metrics.request(ctx, source, "stale")
		return apperr.Stale("response arrived after the session changed")
	}
	a.busy = false
	a.state = StateIdle
	a.source = SourceNone
	idle := a.statusLocked()
	a.mu.Unlock()

	a.observer.StateChanged(idle)
	if errors.Is(err, ErrNoAudio) {
		a.metrics.request(ctx, source, "no_audio")
		return ErrNoAudio
	}
	a.metrics.request(ctx, source, "failed")
	a.logger.Warn("playback request failed", slogError(err), slog.String("source", source.String()))
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Code == apperr.CodePlayback {
		return err
	}
	return apperr.Playback("Failed to load audio. Please try again.", err)
}

// Pause pauses the active source. Narration persists its offset.
func (a *Arbitrator) Pause(ctx context.Context) error {
	a.devMu.Lock()
	defer a.devMu.Unlock()

	a.mu.Lock()
	if a.state != StatePlaying {
		a.mu.Unlock()
		return nil
	}
	if err := a.device.Pause(); err != nil {
		a.mu.Unlock()
		return apperr.Playback("Failed to pause audio.", err)
	}
	a.persistOutgoingLocked(ctx, "pause")
	a.state = StatePaused
	a.stopTickerLocked()
	status := a.statusLocked()
	a.mu.Unlock()

	a.observer.StateChanged(status)
	return nil
}

// Resume continues a paused source from where it stopped.
func (a *Arbitrator) Resume(ctx context.Context) error {
	a.devMu.Lock()
	defer a.devMu.Unlock()

	// The state moves first so the device's own Playing event finds nothing
	// left to do.
	a.mu.Lock()
	if a.state != StatePaused {
		a.mu.Unlock()
		return apperr.Validation("Nothing is paused.")
	}
	a.state = StatePlaying
	a.mu.Unlock()

	if err := a.device.Play(ctx); err != nil {
		a.mu.Lock()
		if a.state == StatePlaying {
			a.state = StatePaused
		}
		a.mu.Unlock()
		return apperr.Playback("Failed to resume audio.", err)
	}

	a.mu.Lock()
	a.startTickerLocked()
	status := a.statusLocked()
	a.mu.Unlock()

	a.observer.StateChanged(status)
	return nil
}

func (a *Arbitrator) handleEvent(ev Event) {
	ctx := context.Background()
	a.mu.Lock()
	if a.sess == nil {
		a.mu.Unlock()
		return
	}
	var notify []func()
	switch ev.Kind {
	case EventTimeUpdate:
		if a.source == SourceNarration && a.state == StatePlaying {
			if fn := a.syncPageLocked(ev.Time); fn != nil {
				notify = append(notify, fn)
			}
		}
	case EventEnded:
		if a.state != StatePlaying {
			break
		}
		if a.source == SourceNarration {
			duration := ev.Duration
			if duration <= 0 {
				duration = a.device.Duration()
			}
			a.saveLocked(ctx, duration, "ended")
		} else {
			a.source = SourceNone
		}
		a.state = StateEnded
		a.stopTickerLocked()
		status := a.statusLocked()
		notify = append(notify, func() { a.observer.StateChanged(status) })
	case EventPaused:
		// Paused from outside the arbitrator, e.g. the output device went away.
		if a.state != StatePlaying {
			break
		}
		a.persistOutgoingLocked(ctx, "pause")
		a.state = StatePaused
		a.stopTickerLocked()
		status := a.statusLocked()
		notify = append(notify, func() { a.observer.StateChanged(status) })
	case EventPlaying:
		if a.state != StatePaused {
			break
		}
		a.state = StatePlaying
		a.startTickerLocked()
		status := a.statusLocked()
		notify = append(notify, func() { a.observer.StateChanged(status) })
	}
	a.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

func (a *Arbitrator) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil || a.state != StatePlaying || a.source != SourceNarration {
		return
	}
	a.saveLocked(context.Background(), a.device.Time(), "tick")
}

func (a *Arbitrator) policyLocked(source SourceKind) ResumePolicy {
	if source != SourceNarration {
		return FromZero
	}
	if !a.sess.hasPlayedOnce {
		return FromStart
	}
	return FromSavedOffset
}

// persistOutgoingLocked saves the narration offset when narration is the
// source being left.
func (a *Arbitrator) persistOutgoingLocked(ctx context.Context, reason string) {
	if a.source != SourceNarration {
		return
	}
	if a.state != StatePlaying && a.state != StatePaused {
		return
	}
	a.saveLocked(ctx, a.device.Time(), reason)
}

func (a *Arbitrator) saveLocked(ctx context.Context, offset float64, reason string) {
	if a.sess == nil || a.sess.DocumentID == "" {
		return
	}
	if err := a.positions.Save(ctx, a.sess.DocumentID, offset); err != nil {
		a.logger.Warn("failed to save narration offset", slogError(err), slog.String("document_id", a.sess.DocumentID))
		return
	}
	a.metrics.saved(ctx, reason)
}

// syncPageLocked updates the displayed page for playback time t and returns
// the notification to send once the lock is released.
func (a *Arbitrator) syncPageLocked(t float64) func() {
	if a.sess == nil || a.sess.mapper == nil {
		return nil
	}
	page, ok := a.sess.mapper.CurrentPage(t)
	if !ok || page == a.page {
		return nil
	}
	if a.sess.PageCount > 0 && page > a.sess.PageCount {
		return nil
	}
	a.page = page
	status := a.statusLocked()
	return func() { a.observer.PageChanged(status, page) }
}

func (a *Arbitrator) startTickerLocked() {
	a.stopTickerLocked()
	if a.closed {
		return
	}
	stop := make(chan struct{})
	a.tickStop = stop
	interval := a.interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.tick()
			}
		}
	}()
}

func (a *Arbitrator) stopTickerLocked() {
	if a.tickStop != nil {
		close(a.tickStop)
		a.tickStop = nil
	}
}

func (a *Arbitrator) statusLocked() Status {
	status := Status{
		State:  a.state,
		Source: a.source,
		Resume: a.resume,
		Page:   a.page,
		Busy:   a.busy,
	}
	if a.sess != nil {
		status.SessionID = a.sess.ID
		status.DocumentID = a.sess.DocumentID
		status.Generation = a.sess.Generation
		status.HasPlayedOnce = a.sess.hasPlayedOnce
		status.PageSync = a.sess.mapper.Len() > 0
	}
	if a.state == StatePlaying || a.state == StatePaused || a.state == StateEnded {
		status.Offset = a.device.Time()
		status.Duration = a.device.Duration()
	}
	return status
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
