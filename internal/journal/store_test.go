package journal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/playback"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	if cfg.Path == "" && cfg.RetentionMode != "ephemeral" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	store, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenEphemeral(t *testing.T) {
	store := openStore(t, config.JournalConfig{RetentionMode: "ephemeral"})
	if err := store.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := store.Record(context.Background(), "s", "d", EventQuestionAsked, nil); err != nil {
		t.Fatalf("record on ephemeral journal: %v", err)
	}
	events, err := store.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected nothing stored, got %v, %v", events, err)
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: "session"})

	if err := store.StartSession(ctx, Session{ID: "session-123", DocumentID: "doc-1", Title: "Cells"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := store.Record(ctx, "session-123", "doc-1", EventDocumentSelected, map[string]string{"title": "Cells"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(ctx, "session-123", "doc-1", EventQuestionAsked, map[string]string{"question": "why?"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := store.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventDocumentSelected || events[1].Type != EventQuestionAsked {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil || payload["question"] != "why?" {
		t.Fatalf("unexpected payload: %s (%v)", events[1].Payload, err)
	}

	sessions, err := store.RecentSessions(ctx, 5)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "Cells" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestAppendRequiresSession(t *testing.T) {
	store := openStore(t, config.JournalConfig{RetentionMode: "session"})
	if err := store.Record(context.Background(), "unknown", "doc", EventPageChanged, nil); err == nil {
		t.Fatalf("expected foreign key failure for unknown session")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	store.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := store.StartSession(ctx, Session{ID: "old-session", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := store.Record(ctx, "old-session", "doc-1", EventPageChanged, map[string]int{"page": 2}); err != nil {
		t.Fatalf("record: %v", err)
	}

	store.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := store.StartSession(ctx, Session{ID: "new-session", DocumentID: "doc-2"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := store.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := store.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := store.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune: %+v", sessions)
	}
}

func TestObserverJournalsTransitions(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, config.JournalConfig{RetentionMode: "session"})
	if err := store.StartSession(ctx, Session{ID: "s1", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	obs := NewObserver(store, newLogger())

	base := playback.Status{SessionID: "s1", DocumentID: "doc-1", Source: playback.SourceNarration}
	loading := base
	loading.State = playback.StateLoading
	playing := base
	playing.State = playback.StatePlaying
	paused := base
	paused.State = playback.StatePaused
	paused.Offset = 42

	obs.StateChanged(loading)
	obs.StateChanged(playing)
	obs.StateChanged(playing)
	obs.PageChanged(playing, 2)
	obs.StateChanged(paused)

	events, err := store.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []EventType{EventPlaybackStarted, EventPageChanged, EventPlaybackPaused}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
	var payload struct {
		Source string  `json:"source"`
		Offset float64 `json:"offset"`
	}
	if err := json.Unmarshal(events[2].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Source != "narration" || payload.Offset != 42 {
		t.Fatalf("unexpected paused payload: %+v", payload)
	}
}
