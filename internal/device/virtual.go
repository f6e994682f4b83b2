// Package device provides audio sessions for the playback arbitrator.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/loqa-reader/internal/media"
	"github.com/loqalabs/loqa-reader/internal/playback"
)

var ErrNothingLoaded = errors.New("no audio loaded")

const maxProbeBytes = 256 << 20

type VirtualOptions struct {
	// Tick is how often the clock advances and TimeUpdate is emitted.
	Tick time.Duration
	// Rate scales the virtual clock; 1 is real time.
	Rate       float64
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Virtual is a headless audio session. It plays nothing but keeps a clock
// that advances while playing, so positions, page sync and end-of-clip
// handling behave as they would against a real output.
type Virtual struct {
	tick   time.Duration
	rate   float64
	http   *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	loaded   bool
	source   string
	duration float64
	position float64
	playing  bool
	since    time.Time
	tickStop chan struct{}
	subs     map[int]func(playback.Event)
	nextSub  int
	// epoch changes on every Load and Stop; events queued under an older
	// epoch belong to a clip that is gone and are not delivered.
	epoch uint64

	qmu       sync.Mutex
	queue     []queuedEvent
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	stopped   sync.WaitGroup
}

func NewVirtual(opts VirtualOptions) *Virtual {
	tick := opts.Tick
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	rate := opts.Rate
	if rate <= 0 {
		rate = 1
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Virtual{
		tick:   tick,
		rate:   rate,
		http:   httpClient,
		logger: logger.With(slog.String("component", "device")),
		subs:   make(map[int]func(playback.Event)),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	v.stopped.Add(1)
	go v.dispatch()
	return v
}

// Close stops the clock and the event dispatcher.
func (v *Virtual) Close() {
	v.mu.Lock()
	v.playing = false
	v.stopTickerLocked()
	v.mu.Unlock()
	v.closeOnce.Do(func() { close(v.done) })
	v.stopped.Wait()
}

// Load replaces the current clip. The duration comes from the WAV header;
// other formats load with an unknown duration and never end on their own.
func (v *Virtual) Load(ctx context.Context, loc media.Locator) error {
	if loc.IsZero() {
		return errors.New("empty audio locator")
	}
	data := loc.Data
	if !loc.Inline() {
		fetched, err := v.fetch(ctx, loc.URL)
		if err != nil {
			return err
		}
		data = fetched
	}
	duration := 0.0
	if d, err := media.WAVDuration(data); err == nil {
		duration = d.Seconds()
	} else {
		v.logger.Debug("clip duration unknown", slog.String("source", describe(loc)), slog.String("error", err.Error()))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
	v.stopTickerLocked()
	v.epoch++
	v.loaded = true
	v.source = describe(loc)
	v.duration = duration
	v.position = 0
	return nil
}

func (v *Virtual) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio request: %w", err)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch audio: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}

func (v *Virtual) Play(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded {
		return ErrNothingLoaded
	}
	if v.playing {
		return nil
	}
	v.playing = true
	v.since = time.Now()
	v.startTickerLocked()
	v.emit(playback.Event{Kind: playback.EventPlaying, Time: v.position, Duration: v.duration})
	v.logger.Debug("virtual playback started", slog.String("source", v.source), slog.Float64("position", v.position))
	return nil
}

func (v *Virtual) Pause() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.playing {
		return nil
	}
	v.advanceLocked(time.Now())
	v.playing = false
	v.stopTickerLocked()
	v.emit(playback.Event{Kind: playback.EventPaused, Time: v.position, Duration: v.duration})
	return nil
}

// Stop unloads the clip without emitting events.
func (v *Virtual) Stop() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.playing = false
	v.stopTickerLocked()
	v.epoch++
	v.loaded = false
	v.source = ""
	v.position = 0
	v.duration = 0
	return nil
}

func (v *Virtual) Seek(seconds float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.loaded {
		return ErrNothingLoaded
	}
	if seconds < 0 {
		seconds = 0
	}
	if v.duration > 0 && seconds > v.duration {
		seconds = v.duration
	}
	v.position = seconds
	v.since = time.Now()
	return nil
}

func (v *Virtual) Time() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionAt(time.Now())
}

func (v *Virtual) Duration() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.duration
}

func (v *Virtual) Subscribe(fn func(playback.Event)) func() {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

func (v *Virtual) positionAt(now time.Time) float64 {
	pos := v.position
	if v.playing {
		pos += now.Sub(v.since).Seconds() * v.rate
	}
	if v.duration > 0 && pos > v.duration {
		pos = v.duration
	}
	return pos
}

func (v *Virtual) advanceLocked(now time.Time) {
	v.position = v.positionAt(now)
	v.since = now
}

func (v *Virtual) startTickerLocked() {
	v.stopTickerLocked()
	stop := make(chan struct{})
	v.tickStop = stop
	go func() {
		ticker := time.NewTicker(v.tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				v.onTick(stop, now)
			}
		}
	}()
}

func (v *Virtual) stopTickerLocked() {
	if v.tickStop != nil {
		close(v.tickStop)
		v.tickStop = nil
	}
}

func (v *Virtual) onTick(stop chan struct{}, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tickStop != stop || !v.playing {
		return
	}
	v.advanceLocked(now)
	if v.duration > 0 && v.position >= v.duration {
		v.position = v.duration
		v.playing = false
		v.stopTickerLocked()
		v.emit(playback.Event{Kind: playback.EventEnded, Time: v.duration, Duration: v.duration})
		return
	}
	v.emit(playback.Event{Kind: playback.EventTimeUpdate, Time: v.position, Duration: v.duration})
}

type queuedEvent struct {
	ev    playback.Event
	epoch uint64
}

// emit queues ev for the dispatcher; subscribers never run on the caller's
// goroutine. Callers hold v.mu.
func (v *Virtual) emit(ev playback.Event) {
	v.qmu.Lock()
	v.queue = append(v.queue, queuedEvent{ev: ev, epoch: v.epoch})
	v.qmu.Unlock()
	select {
	case v.signal <- struct{}{}:
	default:
	}
}

func (v *Virtual) dispatch() {
	defer v.stopped.Done()
	for {
		select {
		case <-v.done:
			return
		case <-v.signal:
		}
		v.qmu.Lock()
		pending := v.queue
		v.queue = nil
		v.qmu.Unlock()

		for _, q := range pending {
			v.mu.Lock()
			if q.epoch != v.epoch {
				v.mu.Unlock()
				continue
			}
			subs := make([]func(playback.Event), 0, len(v.subs))
			for _, fn := range v.subs {
				subs = append(subs, fn)
			}
			v.mu.Unlock()
			for _, fn := range subs {
				fn(q.ev)
			}
		}
	}
}

func describe(loc media.Locator) string {
	if loc.Inline() {
		return fmt.Sprintf("inline %s (%d bytes)", loc.MimeType, len(loc.Data))
	}
	return loc.URL
}

var _ playback.AudioSession = (*Virtual)(nil)
