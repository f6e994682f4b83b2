// Package control exposes session operations as named commands so the bus
// and the HTTP API drive the reader the same way.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/content"
	"github.com/loqalabs/loqa-reader/internal/ledger"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/session"
)

// Session is satisfied by *session.Controller.
type Session interface {
	Documents(ctx context.Context) ([]content.Document, error)
	SelectDocumentByID(ctx context.Context, id string) (session.Result, error)
	PlayNarration(ctx context.Context) (session.Result, error)
	Pause(ctx context.Context) (session.Result, error)
	Resume(ctx context.Context) (session.Result, error)
	Summary(ctx context.Context) (session.Result, error)
	Analyze(ctx context.Context) (session.Result, error)
	Ask(ctx context.Context, text string) (session.Result, error)
	AskVoice(ctx context.Context) (session.Result, error)
	RecordQuestion(ctx context.Context) (session.Result, error)
	ReplayHistory(ctx context.Context, entryID string) (session.Result, error)
	NotePage(page int)
	Suggestions(text string) []ledger.Entry
	History() []ledger.Entry
	Snapshot() session.Snapshot
}

const (
	ActionDocuments   = "documents"
	ActionSelect      = "select"
	ActionNarration   = "narration"
	ActionPlay        = "play"
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionSummary     = "summary"
	ActionAnalyze     = "analyze"
	ActionAsk         = "ask"
	ActionRecord      = "record"
	ActionReplay      = "replay"
	ActionPage        = "page"
	ActionSuggestions = "suggestions"
	ActionHistory     = "history"
	ActionSnapshot    = "snapshot"
)

// Actions lists every command name Dispatch accepts.
var Actions = []string{
	ActionDocuments, ActionSelect, ActionNarration, ActionPlay, ActionPause, ActionResume, ActionSummary,
	ActionAnalyze, ActionAsk, ActionRecord, ActionReplay, ActionPage,
	ActionSuggestions, ActionHistory, ActionSnapshot,
}

// Dispatch runs one named command against sess. The returned value is
// JSON-encodable.
func Dispatch(ctx context.Context, sess Session, action string, cmd protocol.Command) (any, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionDocuments:
		docs, err := sess.Documents(ctx)
		if docs == nil {
			docs = []content.Document{}
		}
		return docs, err
	case ActionSelect:
		return sess.SelectDocumentByID(ctx, cmd.DocumentID)
	case ActionNarration, ActionPlay:
		return sess.PlayNarration(ctx)
	case ActionPause:
		return sess.Pause(ctx)
	case ActionResume:
		return sess.Resume(ctx)
	case ActionSummary:
		return sess.Summary(ctx)
	case ActionAnalyze:
		return sess.Analyze(ctx)
	case ActionAsk:
		if cmd.Voice {
			return sess.AskVoice(ctx)
		}
		return sess.Ask(ctx, cmd.Question)
	case ActionRecord:
		return sess.RecordQuestion(ctx)
	case ActionReplay:
		return sess.ReplayHistory(ctx, cmd.EntryID)
	case ActionPage:
		if cmd.Page < 1 {
			return nil, apperr.Validation("Page numbers start at 1.")
		}
		sess.NotePage(cmd.Page)
		return sess.Snapshot(), nil
	case ActionSuggestions:
		return nonNil(sess.Suggestions(cmd.Question)), nil
	case ActionHistory:
		return nonNil(sess.History()), nil
	case ActionSnapshot:
		return sess.Snapshot(), nil
	default:
		return nil, apperr.NotFound("Unknown command " + action + ".")
	}
}

// ReplyFor wraps a Dispatch outcome for the wire.
func ReplyFor(result any, err error) protocol.Reply {
	if err != nil {
		return protocol.Reply{Error: &protocol.ErrorBody{
			Code:    string(apperr.CodeOf(err)),
			Message: apperr.UserMessage(err),
		}}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return ReplyFor(nil, fmt.Errorf("encode result: %w", err))
	}
	return protocol.Reply{OK: true, Result: data}
}

func nonNil(entries []ledger.Entry) []ledger.Entry {
	if entries == nil {
		return []ledger.Entry{}
	}
	return entries
}
