package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/content"
	"github.com/loqalabs/loqa-reader/internal/device"
	"github.com/loqalabs/loqa-reader/internal/journal"
	"github.com/loqalabs/loqa-reader/internal/logger"
	"github.com/loqalabs/loqa-reader/internal/media"
	"github.com/loqalabs/loqa-reader/internal/pagesync"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/positions"
)

type fakeContent struct {
	mu sync.Mutex

	narration    media.Locator
	summaryText  string
	summaryErr   error
	summaryAudio media.Locator
	analysis     content.Analysis
	answer       content.Answer
	timings      map[string][]pagesync.Timing

	// gate, when set, holds PageTimings for the matching document until
	// closed. entered is signalled once the call is parked.
	gateDoc string
	gate    chan struct{}
	entered chan struct{}

	textAsks    []string
	audioAsks   [][]byte
	narrations  int
	generations []uint64
}

func (f *fakeContent) ListDocuments(context.Context) ([]content.Document, error) {
	return []content.Document{{ID: "doc-1", Title: "Title doc-1"}, {ID: "doc-2", Title: "Title doc-2"}}, nil
}

func (f *fakeContent) GetDocument(_ context.Context, id string) (content.Document, error) {
	if id == "missing" {
		return content.Document{}, apperr.NotFound("Document not found.")
	}
	return content.Document{ID: id, Title: "Title " + id}, nil
}

func (f *fakeContent) DocumentFileURL(id string) string {
	return "http://content/api/documents/" + id + "/file"
}

func (f *fakeContent) PageTimings(ctx context.Context, id string) ([]pagesync.Timing, error) {
	f.note(ctx)
	if f.gate != nil && id == f.gateDoc {
		close(f.entered)
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timings[id], nil
}

func (f *fakeContent) NarrationAudio(ctx context.Context, _ string) (media.Locator, error) {
	f.note(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.narrations++
	return f.narration, nil
}

func (f *fakeContent) SummaryText(context.Context, string) (string, error) {
	return f.summaryText, f.summaryErr
}

func (f *fakeContent) SummaryAudio(context.Context, string) (media.Locator, error) {
	return f.summaryAudio, nil
}

func (f *fakeContent) Analyze(context.Context, string) (content.Analysis, error) {
	return f.analysis, nil
}

func (f *fakeContent) AskText(_ context.Context, question string) (content.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textAsks = append(f.textAsks, question)
	return f.answer, nil
}

func (f *fakeContent) AskAudio(_ context.Context, wav []byte) (content.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioAsks = append(f.audioAsks, wav)
	return f.answer, nil
}

func (f *fakeContent) note(ctx context.Context) {
	if gen, ok := content.GenerationFrom(ctx); ok {
		f.mu.Lock()
		f.generations = append(f.generations, gen)
		f.mu.Unlock()
	}
}

type fakeRecorder struct {
	clip []byte
	err  error
}

func (r *fakeRecorder) Record(context.Context, time.Duration) ([]byte, error) {
	return r.clip, r.err
}

type fixture struct {
	ctrl      *Controller
	content   *fakeContent
	device    *device.Virtual
	positions *positions.MemoryStore
	recorder  *fakeRecorder
}

func silence(t *testing.T, d time.Duration) []byte {
	t.Helper()
	data, err := media.Silence(d, 8000, 1)
	require.NoError(t, err)
	return data
}

func newFixture(t *testing.T, j Journal) *fixture {
	t.Helper()
	answer := media.FromData(silence(t, 2*time.Second), "audio/wav")
	fc := &fakeContent{
		narration:    media.FromData(silence(t, 120*time.Second), "audio/wav"),
		summaryText:  "A short summary.",
		summaryAudio: media.FromData(silence(t, 2*time.Second), "audio/wav"),
		answer:       content.Answer{Text: "Plants turn light into sugar.", Audio: answer},
		timings: map[string][]pagesync.Timing{
			"doc-1": {{Page: 1, Time: 0}, {Page: 2, Time: 30}},
		},
	}
	dev := device.NewVirtual(device.VirtualOptions{Tick: 10 * time.Millisecond, Logger: logger.Discard()})
	t.Cleanup(dev.Close)
	store := positions.NewMemoryStore()
	arb := playback.New(dev, store, playback.Options{SaveInterval: time.Hour, Logger: logger.Discard()})
	t.Cleanup(arb.Close)
	rec := &fakeRecorder{clip: silence(t, time.Second)}
	ctrl := New(Options{
		Arbitrator:  arb,
		Content:     fc,
		Positions:   store,
		Journal:     j,
		Recorder:    rec,
		Logger:      logger.Discard(),
		RecordLimit: 5 * time.Second,
	})
	return &fixture{ctrl: ctrl, content: fc, device: dev, positions: store, recorder: rec}
}

func (f *fixture) selectDoc(t *testing.T, id string) Result {
	t.Helper()
	res, err := f.ctrl.SelectDocument(context.Background(), content.Document{ID: id, Title: "Title " + id})
	require.NoError(t, err)
	return res
}

func TestOperationsRequireSelection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ctrl.PlayNarration(ctx)
	assert.True(t, apperr.Is(err, apperr.ErrValidation))
	_, err = f.ctrl.Ask(ctx, "why?")
	assert.True(t, apperr.Is(err, apperr.ErrValidation))
	_, err = f.ctrl.SelectDocument(ctx, content.Document{})
	assert.True(t, apperr.Is(err, apperr.ErrValidation))
}

func TestSelectDocumentResetsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.positions.Save(ctx, "doc-1", 99))

	res := f.selectDoc(t, "doc-1")
	assert.False(t, res.Status.HasPlayedOnce)
	assert.True(t, res.Status.PageSync)
	assert.Equal(t, playback.StateIdle, res.Status.State)

	offset, err := f.positions.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, offset)

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.Document)
	assert.Equal(t, "doc-1", snap.Document.ID)
	assert.Equal(t, "http://content/api/documents/doc-1/file", snap.FileURL)
	assert.True(t, snap.PageSync)
	assert.Empty(t, snap.History)
}

func TestSelectDocumentByID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.ctrl.SelectDocumentByID(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))

	res, err := f.ctrl.SelectDocumentByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.Status.DocumentID)
}

func TestDocumentsListsCatalogue(t *testing.T) {
	f := newFixture(t, nil)
	docs, err := f.ctrl.Documents(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "doc-2", docs[1].ID)
}

func TestDocumentWithoutTimingsDisablesPageSync(t *testing.T) {
	f := newFixture(t, nil)
	res := f.selectDoc(t, "doc-2")
	assert.False(t, res.Status.PageSync)
	assert.False(t, f.ctrl.Snapshot().PageSync)
}

func TestNarrationResumesAfterSummary(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePlaying, res.Status.State)
	assert.InDelta(t, 0, f.device.Time(), 0.5)

	require.NoError(t, f.device.Seek(42))

	res, err = f.ctrl.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A short summary.", res.Text)
	assert.Equal(t, playback.SourceSummary, res.Status.Source)

	saved, err := f.positions.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.InDelta(t, 42, saved, 0.5)

	res, err = f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.SourceNarration, res.Status.Source)
	assert.Equal(t, playback.FromSavedOffset, res.Status.Resume)
	assert.InDelta(t, 42, f.device.Time(), 0.5)
	assert.Equal(t, 1, f.content.narrations, "narration audio is fetched once per session")
}

func TestReselectStartsNarrationFromBeginning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	_, err := f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	require.NoError(t, f.device.Seek(30))
	_, err = f.ctrl.Pause(ctx)
	require.NoError(t, err)

	res := f.selectDoc(t, "doc-1")
	assert.False(t, res.Status.HasPlayedOnce)

	res, err = f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.FromStart, res.Status.Resume)
	assert.InDelta(t, 0, f.device.Time(), 0.5)
	assert.Equal(t, 1, res.Status.Page)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	_, err := f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	res, err := f.ctrl.Pause(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePaused, res.Status.State)

	res, err = f.ctrl.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, playback.StatePlaying, res.Status.State)
}

func TestSummaryTextFailureStillPlaysAudio(t *testing.T) {
	f := newFixture(t, nil)
	f.content.summaryErr = apperr.Network("offline", errors.New("dial"))
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.Summary(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Equal(t, playback.StatePlaying, res.Status.State)
	assert.Equal(t, playback.SourceSummary, res.Status.Source)
}

func TestAnalysisWithoutAudio(t *testing.T) {
	f := newFixture(t, nil)
	f.content.analysis = content.Analysis{Text: "Key themes: light."}
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.Analyze(context.Background())
	require.NoError(t, err)
	assert.True(t, res.NoAudio)
	assert.Equal(t, "Key themes: light.", res.Text)
	assert.Equal(t, playback.StateIdle, res.Status.State)
	assert.Equal(t, "Key themes: light.", f.ctrl.Snapshot().AnalysisText)
}

func TestTextOnlyAnalysisStopsNarrationAtSavedOffset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.content.analysis = content.Analysis{Text: "Key themes: light."}
	f.selectDoc(t, "doc-1")

	_, err := f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	require.NoError(t, f.device.Seek(20))

	res, err := f.ctrl.Analyze(ctx)
	require.NoError(t, err)
	assert.True(t, res.NoAudio)
	assert.Equal(t, playback.StateIdle, res.Status.State)

	offset, err := f.positions.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.InDelta(t, 20, offset, 1)

	_, err = f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 20, f.device.Time(), 1)
}

func TestAskStoresAnswerAndDetectsDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.Ask(ctx, "  What is photosynthesis?  ")
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "What is photosynthesis?", res.Entry.Question)
	assert.Equal(t, "Plants turn light into sugar.", res.Text)
	assert.Equal(t, playback.SourceAnswer, res.Status.Source)

	res, err = f.ctrl.Ask(ctx, "what is photosynthesis")
	require.NoError(t, err)
	require.NotNil(t, res.Duplicate)
	assert.Nil(t, res.Entry)
	assert.Equal(t, "What is photosynthesis?", res.Duplicate.Question)

	assert.Equal(t, []string{"What is photosynthesis?"}, f.content.textAsks)
	assert.Len(t, f.ctrl.History(), 1)

	dup, ok := f.ctrl.CheckDuplicate("WHAT IS PHOTOSYNTHESIS?")
	assert.True(t, ok)
	assert.Equal(t, res.Duplicate.ID, dup.ID)
	assert.Len(t, f.ctrl.Suggestions("photosynthesis"), 1)
}

func TestAskWithoutTextOrRecording(t *testing.T) {
	f := newFixture(t, nil)
	f.selectDoc(t, "doc-1")

	_, err := f.ctrl.Ask(context.Background(), "   ")
	assert.True(t, apperr.Is(err, apperr.ErrValidation))
	assert.Empty(t, f.content.textAsks)
}

func TestAskVoiceStoresAudioQuestion(t *testing.T) {
	f := newFixture(t, nil)
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.AskVoice(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Equal(t, AudioQuestionLabel, res.Entry.Question)
	require.Len(t, f.content.audioAsks, 1)
	assert.Equal(t, f.recorder.clip, f.content.audioAsks[0])
	assert.False(t, f.ctrl.Snapshot().HasRecording)
}

func TestRecordQuestionKeepsClipForNextAsk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	res, err := f.ctrl.RecordQuestion(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1, res.Recorded, 0.01)
	assert.True(t, f.ctrl.Snapshot().HasRecording)

	_, err = f.ctrl.Ask(ctx, "")
	require.NoError(t, err)
	assert.Len(t, f.content.audioAsks, 1)
}

func TestMicrophoneDeniedLeavesPlaybackAlone(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.recorder.err = apperr.Permission("Microphone access was denied.", errors.New("permission denied"))
	f.selectDoc(t, "doc-1")

	_, err := f.ctrl.PlayNarration(ctx)
	require.NoError(t, err)

	res, err := f.ctrl.AskVoice(ctx)
	assert.True(t, apperr.Is(err, apperr.ErrPermission))
	assert.Equal(t, playback.StatePlaying, res.Status.State)
	assert.Equal(t, playback.SourceNarration, res.Status.Source)
	assert.Empty(t, f.content.audioAsks)
	assert.Empty(t, f.ctrl.History())
}

func TestReplayHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.selectDoc(t, "doc-1")

	asked, err := f.ctrl.Ask(ctx, "Why is the sky blue?")
	require.NoError(t, err)

	res, err := f.ctrl.ReplayHistory(ctx, asked.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, playback.SourceHistoryReplay, res.Status.Source)
	assert.Equal(t, "Plants turn light into sugar.", res.Text)

	_, err = f.ctrl.ReplayHistory(ctx, "qa-unknown")
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestSelectionSupersededWhileFetchingTimings(t *testing.T) {
	f := newFixture(t, nil)
	f.content.gateDoc = "doc-slow"
	f.content.gate = make(chan struct{})
	f.content.entered = make(chan struct{})

	errs := make(chan error, 1)
	go func() {
		_, err := f.ctrl.SelectDocument(context.Background(), content.Document{ID: "doc-slow"})
		errs <- err
	}()
	<-f.content.entered

	f.selectDoc(t, "doc-1")
	close(f.content.gate)

	err := <-errs
	assert.True(t, apperr.Is(err, apperr.ErrStale))

	snap := f.ctrl.Snapshot()
	assert.Equal(t, "doc-1", snap.Document.ID)
	assert.True(t, snap.PageSync)
	assert.Equal(t, "doc-1", snap.Status.DocumentID)
	assert.Contains(t, f.content.generations, uint64(1))
	assert.Contains(t, f.content.generations, uint64(2))
}

func TestConcurrentSelectionsAgreeWithArbitrator(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		for _, id := range []string{"doc-1", "doc-2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.ctrl.SelectDocument(ctx, content.Document{ID: id, Title: "Title " + id})
				if err != nil {
					assert.True(t, apperr.Is(err, apperr.ErrStale), "unexpected error: %v", err)
				}
			}(id)
		}
		wg.Wait()

		snap := f.ctrl.Snapshot()
		require.NotNil(t, snap.Document)
		require.Equal(t, snap.Document.ID, snap.Status.DocumentID, "round %d", i)
		require.Equal(t, snap.Document.ID == "doc-1", snap.PageSync, "round %d", i)
	}
}

func TestJournalRecordsSession(t *testing.T) {
	ctx := context.Background()
	store, err := journal.Open(ctx, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := newFixture(t, store)
	res := f.selectDoc(t, "doc-1")
	_, err = f.ctrl.Ask(ctx, "What is a cell?")
	require.NoError(t, err)

	events, err := store.ListSessionEvents(ctx, res.Status.SessionID, 10)
	require.NoError(t, err)
	var types []journal.EventType
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Contains(t, types, journal.EventDocumentSelected)
	assert.Contains(t, types, journal.EventQuestionAsked)
}
