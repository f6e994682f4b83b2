// Package session is the presentation-facing learning session. One
// Controller drives one reader: document selection, narration, summaries,
// analyses and questions all go through it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/content"
	"github.com/loqalabs/loqa-reader/internal/journal"
	"github.com/loqalabs/loqa-reader/internal/ledger"
	"github.com/loqalabs/loqa-reader/internal/media"
	"github.com/loqalabs/loqa-reader/internal/notify"
	"github.com/loqalabs/loqa-reader/internal/pagesync"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/recorder"
)

// AudioQuestionLabel is the history text of spoken questions.
const AudioQuestionLabel = "Audio Question"

// Content is the subset of the content service the controller uses.
type Content interface {
	ListDocuments(ctx context.Context) ([]content.Document, error)
	GetDocument(ctx context.Context, id string) (content.Document, error)
	DocumentFileURL(id string) string
	PageTimings(ctx context.Context, id string) ([]pagesync.Timing, error)
	NarrationAudio(ctx context.Context, id string) (media.Locator, error)
	SummaryText(ctx context.Context, id string) (string, error)
	SummaryAudio(ctx context.Context, id string) (media.Locator, error)
	Analyze(ctx context.Context, id string) (content.Analysis, error)
	AskText(ctx context.Context, question string) (content.Answer, error)
	AskAudio(ctx context.Context, wav []byte) (content.Answer, error)
}

// Positions is the part of positions.Store the controller needs.
type Positions interface {
	Clear(ctx context.Context, documentID string) error
}

// Journal is satisfied by *journal.Store.
type Journal interface {
	StartSession(ctx context.Context, sess journal.Session) error
	Record(ctx context.Context, sessionID, documentID string, typ journal.EventType, payload any) error
}

type Options struct {
	Arbitrator *playback.Arbitrator
	Content    Content
	Positions  Positions
	Journal    Journal
	Recorder   recorder.Recorder
	Notifier   notify.Notifier
	Ledger     *ledger.Ledger
	Logger     *slog.Logger
	// RecordLimit caps voice questions.
	RecordLimit time.Duration
}

// Result is returned by every operation alongside the error.
type Result struct {
	Status playback.Status `json:"status"`
	// Text is the summary, analysis or answer text the operation produced.
	Text string `json:"text,omitempty"`
	// Entry is the history entry an answer was stored as or replayed from.
	Entry *ledger.Entry `json:"entry,omitempty"`
	// Duplicate is set when a question was not submitted because it was
	// already asked.
	Duplicate *ledger.Entry `json:"duplicate,omitempty"`
	// NoAudio reports an analysis that came back text-only.
	NoAudio bool `json:"no_audio,omitempty"`
	// Recorded is the length of a captured voice question in seconds.
	Recorded float64 `json:"recorded,omitempty"`
}

// Snapshot is everything a presentation layer needs to render the session.
type Snapshot struct {
	Document     *content.Document `json:"document,omitempty"`
	FileURL      string            `json:"file_url,omitempty"`
	Status       playback.Status   `json:"status"`
	PageSync     bool              `json:"page_sync"`
	SummaryText  string            `json:"summary_text,omitempty"`
	AnalysisText string            `json:"analysis_text,omitempty"`
	AnswerText   string            `json:"answer_text,omitempty"`
	HasRecording bool              `json:"has_recording"`
	History      []ledger.Entry    `json:"history"`
}

type Controller struct {
	arb         *playback.Arbitrator
	content     Content
	positions   Positions
	journal     Journal
	recorder    recorder.Recorder
	notifier    notify.Notifier
	ledger      *ledger.Ledger
	logger      *slog.Logger
	recordLimit time.Duration
	duplicates  metric.Int64Counter

	// selectMu orders selections so the arbitrator receives sessions in
	// generation order.
	selectMu sync.Mutex

	mu           sync.Mutex
	generation   uint64
	sessionID    string
	doc          *content.Document
	pageSync     bool
	narration    media.Locator
	summaryText  string
	analysisText string
	answerText   string
	recorded     []byte
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "session"))
	c := &Controller{
		arb:         opts.Arbitrator,
		content:     opts.Content,
		positions:   opts.Positions,
		journal:     opts.Journal,
		recorder:    opts.Recorder,
		notifier:    opts.Notifier,
		ledger:      opts.Ledger,
		logger:      logger,
		recordLimit: opts.RecordLimit,
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.ledger == nil {
		c.ledger = ledger.New()
	}
	if c.journal == nil {
		c.journal = nopJournal{}
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-reader/session").Int64Counter(
		"reader.questions.duplicates", metric.WithDescription("Questions not submitted because they were already asked"))
	if err != nil {
		logger.Warn("duplicate counter disabled", slogError(err))
	}
	c.duplicates = counter
	return c
}

// Documents lists the catalogue the reader can select from.
func (c *Controller) Documents(ctx context.Context) ([]content.Document, error) {
	docs, err := c.content.ListDocuments(ctx)
	if err != nil {
		c.logger.Warn("failed to list documents", slogError(err))
		return nil, err
	}
	return docs, nil
}

// SelectDocumentByID looks the document up in the catalogue and selects it.
func (c *Controller) SelectDocumentByID(ctx context.Context, id string) (Result, error) {
	if strings.TrimSpace(id) == "" {
		return c.result(), apperr.Validation("Select a document first.")
	}
	doc, err := c.content.GetDocument(ctx, id)
	if err != nil {
		return c.result(), err
	}
	return c.SelectDocument(ctx, doc)
}

// SelectDocument starts a new learning session on doc. Audio stops, the
// stored narration offset and the question history are cleared, and the
// page timings are fetched. Timings that arrive after another selection are
// discarded with apperr.ErrStale.
func (c *Controller) SelectDocument(ctx context.Context, doc content.Document) (Result, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return c.result(), apperr.Validation("Select a document first.")
	}

	c.selectMu.Lock()
	c.mu.Lock()
	c.generation++
	gen := c.generation
	sessionID := uuid.NewString()
	c.sessionID = sessionID
	selected := doc
	c.doc = &selected
	c.pageSync = false
	c.narration = media.Locator{}
	c.summaryText, c.analysisText, c.answerText = "", "", ""
	c.recorded = nil
	c.ledger.Reset()
	c.mu.Unlock()

	sess := playback.NewSession(sessionID, doc.ID, gen)
	sess.PageCount = doc.PageCount
	c.arb.Begin(sess)
	c.selectMu.Unlock()

	if err := c.positions.Clear(ctx, doc.ID); err != nil {
		c.logger.Warn("failed to clear narration offset", slogError(err), slog.String("document_id", doc.ID))
	}
	if err := c.journal.StartSession(ctx, journal.Session{ID: sessionID, DocumentID: doc.ID, Title: doc.Title}); err != nil {
		c.logger.Warn("failed to journal session", slogError(err))
	}
	c.record(ctx, sessionID, doc.ID, journal.EventDocumentSelected, map[string]any{"title": doc.Title, "generation": gen})
	c.logger.Info("document selected", slog.String("document_id", doc.ID), slog.String("session_id", sessionID), slog.Uint64("generation", gen))

	timings, err := c.content.PageTimings(content.WithGeneration(ctx, gen), doc.ID)
	if err != nil {
		c.logger.Warn("page timings unavailable, page sync disabled", slogError(err), slog.String("document_id", doc.ID))
		timings = nil
	}
	if !c.arb.SetMapper(gen, pagesync.NewMapper(timings)) {
		return c.result(), apperr.Stale("Another document was selected.")
	}
	c.mu.Lock()
	if c.generation == gen {
		c.pageSync = len(timings) > 0
	}
	c.mu.Unlock()
	return c.result(), nil
}

// PlayNarration plays the document narration. The first play of a session
// starts at the beginning; later plays resume where narration stopped.
func (c *Controller) PlayNarration(ctx context.Context) (Result, error) {
	doc, gen, sessionID, err := c.current()
	if err != nil {
		return c.result(), err
	}
	resolve := func(ctx context.Context) (media.Locator, error) {
		if loc, ok := c.cachedNarration(gen); ok {
			return loc, nil
		}
		loc, err := c.content.NarrationAudio(content.WithGeneration(ctx, gen), doc.ID)
		if err != nil {
			return media.Locator{}, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.narration = loc
		}
		c.mu.Unlock()
		return loc, nil
	}
	err = c.arb.Play(ctx, playback.Request{Source: playback.SourceNarration, Resolve: resolve})
	return c.finish(ctx, sessionID, doc.ID, playback.SourceNarration, Result{}, err)
}

// Resume continues whatever source is paused.
func (c *Controller) Resume(ctx context.Context) (Result, error) {
	if _, _, _, err := c.current(); err != nil {
		return c.result(), err
	}
	err := c.arb.Resume(ctx)
	return c.result(), err
}

// Pause pauses the active source; narration keeps its offset.
func (c *Controller) Pause(ctx context.Context) (Result, error) {
	if _, _, _, err := c.current(); err != nil {
		return c.result(), err
	}
	err := c.arb.Pause(ctx)
	return c.result(), err
}

// Summary fetches the summary text and plays the summary audio. A failed
// text fetch does not stop the audio.
func (c *Controller) Summary(ctx context.Context) (Result, error) {
	doc, gen, sessionID, err := c.current()
	if err != nil {
		return c.result(), err
	}
	var text string
	resolve := func(ctx context.Context) (media.Locator, error) {
		ctx = content.WithGeneration(ctx, gen)
		t, err := c.content.SummaryText(ctx, doc.ID)
		if err != nil {
			c.logger.Warn("summary text unavailable", slogError(err), slog.String("document_id", doc.ID))
		} else {
			text = t
			c.setText(gen, &c.summaryText, t)
		}
		return c.content.SummaryAudio(ctx, doc.ID)
	}
	err = c.arb.Play(ctx, playback.Request{Source: playback.SourceSummary, Resolve: resolve})
	return c.finish(ctx, sessionID, doc.ID, playback.SourceSummary, Result{Text: text}, err)
}

// Analyze runs the document analysis and plays its audio when there is any.
func (c *Controller) Analyze(ctx context.Context) (Result, error) {
	doc, gen, sessionID, err := c.current()
	if err != nil {
		return c.result(), err
	}
	var text string
	resolve := func(ctx context.Context) (media.Locator, error) {
		analysis, err := c.content.Analyze(content.WithGeneration(ctx, gen), doc.ID)
		if err != nil {
			return media.Locator{}, err
		}
		text = analysis.Text
		c.setText(gen, &c.analysisText, analysis.Text)
		if analysis.Audio.IsZero() {
			return media.Locator{}, playback.ErrNoAudio
		}
		return analysis.Audio, nil
	}
	err = c.arb.Play(ctx, playback.Request{Source: playback.SourceAnalysis, Resolve: resolve})
	if errors.Is(err, playback.ErrNoAudio) {
		return Result{Status: c.arb.Status(), Text: text, NoAudio: true}, nil
	}
	return c.finish(ctx, sessionID, doc.ID, playback.SourceAnalysis, Result{Text: text}, err)
}

// Ask submits a typed question. Empty text submits the last recorded voice
// question instead. A question matching one already asked is not submitted;
// the earlier entry comes back in Result.Duplicate.
func (c *Controller) Ask(ctx context.Context, text string) (Result, error) {
	doc, gen, sessionID, err := c.current()
	if err != nil {
		return c.result(), err
	}

	question := strings.TrimSpace(text)
	var clip []byte
	if question == "" {
		c.mu.Lock()
		clip = c.recorded
		c.mu.Unlock()
		if len(clip) == 0 {
			return c.result(), apperr.Validation("Type or record a question first.")
		}
	} else if dup, ok := c.ledger.IsDuplicate(question); ok {
		if c.duplicates != nil {
			c.duplicates.Add(ctx, 1)
		}
		return Result{Status: c.arb.Status(), Duplicate: &dup}, nil
	}

	var answer content.Answer
	resolve := func(ctx context.Context) (media.Locator, error) {
		ctx = content.WithGeneration(ctx, gen)
		var err error
		if clip != nil {
			answer, err = c.content.AskAudio(ctx, clip)
		} else {
			answer, err = c.content.AskText(ctx, question)
		}
		if err != nil {
			return media.Locator{}, err
		}
		return answer.Audio, nil
	}
	err = c.arb.Play(ctx, playback.Request{Source: playback.SourceAnswer, Resolve: resolve})
	if err != nil {
		return c.finish(ctx, sessionID, doc.ID, playback.SourceAnswer, Result{}, err)
	}

	label := question
	if clip != nil {
		label = AudioQuestionLabel
	}
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return c.result(), apperr.Stale("Another document was selected.")
	}
	entry, err := c.ledger.Append(ledger.Entry{Question: label, Answer: answer.Text, Audio: answer.Audio})
	if err != nil {
		c.mu.Unlock()
		return c.result(), err
	}
	c.answerText = answer.Text
	if clip != nil {
		c.recorded = nil
	}
	c.mu.Unlock()

	status := c.arb.Status()
	c.record(ctx, sessionID, doc.ID, journal.EventQuestionAsked, map[string]any{"entry_id": entry.ID, "question": entry.Question, "voice": clip != nil})
	c.notifier.QuestionAnswered(status, entry)
	return Result{Status: status, Text: answer.Text, Entry: &entry}, nil
}

// RecordQuestion captures a voice question for the next empty Ask. A
// microphone failure returns apperr.ErrPermission and changes nothing else.
func (c *Controller) RecordQuestion(ctx context.Context) (Result, error) {
	_, gen, _, err := c.current()
	if err != nil {
		return c.result(), err
	}
	if c.recorder == nil {
		return c.result(), apperr.Permission("Voice questions are not available.", nil)
	}
	clip, err := c.recorder.Record(ctx, c.recordLimit)
	if err != nil {
		c.logger.Warn("voice question not recorded", slogError(err))
		return c.result(), err
	}
	var seconds float64
	if d, err := media.WAVDuration(clip); err == nil {
		seconds = d.Seconds()
	}
	c.mu.Lock()
	if c.generation == gen {
		c.recorded = clip
	}
	c.mu.Unlock()
	return Result{Status: c.arb.Status(), Recorded: seconds}, nil
}

// AskVoice records a question and submits it.
func (c *Controller) AskVoice(ctx context.Context) (Result, error) {
	if res, err := c.RecordQuestion(ctx); err != nil {
		return res, err
	}
	return c.Ask(ctx, "")
}

// ReplayHistory plays the stored answer of a previous question again.
func (c *Controller) ReplayHistory(ctx context.Context, entryID string) (Result, error) {
	doc, gen, sessionID, err := c.current()
	if err != nil {
		return c.result(), err
	}
	entry, err := c.ledger.Get(entryID)
	if err != nil {
		return c.result(), apperr.NotFound("That question is no longer in the history.")
	}
	resolve := func(context.Context) (media.Locator, error) {
		return entry.Audio, nil
	}
	err = c.arb.Play(ctx, playback.Request{Source: playback.SourceHistoryReplay, Resolve: resolve})
	if err == nil {
		c.setText(gen, &c.answerText, entry.Answer)
	}
	return c.finish(ctx, sessionID, doc.ID, playback.SourceHistoryReplay, Result{Text: entry.Answer, Entry: &entry}, err)
}

// NotePage tells the session the viewer moved to page on its own.
func (c *Controller) NotePage(page int) {
	c.arb.NotePage(page)
}

func (c *Controller) Suggestions(text string) []ledger.Entry {
	return c.ledger.Suggestions(text)
}

func (c *Controller) CheckDuplicate(text string) (ledger.Entry, bool) {
	return c.ledger.IsDuplicate(text)
}

func (c *Controller) History() []ledger.Entry {
	return c.ledger.Entries()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		PageSync:     c.pageSync,
		SummaryText:  c.summaryText,
		AnalysisText: c.analysisText,
		AnswerText:   c.answerText,
		HasRecording: len(c.recorded) > 0,
	}
	if c.doc != nil {
		doc := *c.doc
		snap.Document = &doc
		snap.FileURL = c.content.DocumentFileURL(doc.ID)
	}
	c.mu.Unlock()
	snap.Status = c.arb.Status()
	snap.History = c.ledger.Entries()
	return snap
}

func (c *Controller) current() (content.Document, uint64, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doc == nil {
		return content.Document{}, 0, "", apperr.Validation("Select a document first.")
	}
	return *c.doc, c.generation, c.sessionID, nil
}

func (c *Controller) cachedNarration(gen uint64) (media.Locator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen || c.narration.IsZero() {
		return media.Locator{}, false
	}
	return c.narration, true
}

func (c *Controller) setText(gen uint64, field *string, text string) {
	c.mu.Lock()
	if c.generation == gen {
		*field = text
	}
	c.mu.Unlock()
}

func (c *Controller) result() Result {
	return Result{Status: c.arb.Status()}
}

// finish completes res and journals failures. Dropped and stale requests
// are not failures of the session.
func (c *Controller) finish(ctx context.Context, sessionID, documentID string, source playback.SourceKind, res Result, err error) (Result, error) {
	res.Status = c.arb.Status()
	if err == nil {
		return res, nil
	}
	if apperr.Is(err, apperr.ErrBusy) || apperr.Is(err, apperr.ErrStale) {
		return res, err
	}
	c.record(ctx, sessionID, documentID, journal.EventPlaybackFailed, map[string]string{
		"source": source.String(),
		"code":   string(apperr.CodeOf(err)),
		"error":  err.Error(),
	})
	return res, err
}

func (c *Controller) record(ctx context.Context, sessionID, documentID string, typ journal.EventType, payload any) {
	if err := c.journal.Record(ctx, sessionID, documentID, typ, payload); err != nil {
		c.logger.Warn("failed to journal event", slog.String("type", string(typ)), slogError(err))
	}
}

type nopJournal struct{}

func (nopJournal) StartSession(context.Context, journal.Session) error { return nil }
func (nopJournal) Record(context.Context, string, string, journal.EventType, any) error {
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
