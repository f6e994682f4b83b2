package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/bus"
	"github.com/loqalabs/loqa-reader/internal/config"
	"github.com/loqalabs/loqa-reader/internal/content"
	"github.com/loqalabs/loqa-reader/internal/ledger"
	"github.com/loqalabs/loqa-reader/internal/logger"
	"github.com/loqalabs/loqa-reader/internal/natsserver"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/session"
)

// stubSession records the calls it receives.
type stubSession struct {
	mu      sync.Mutex
	calls   []string
	args    []string
	page    int
	history []ledger.Entry
	err     error
}

func (s *stubSession) call(name, arg string) (session.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	s.args = append(s.args, arg)
	return session.Result{Status: playback.Status{DocumentID: "doc-1"}, Text: name}, s.err
}

func (s *stubSession) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.args...)
}

func (s *stubSession) Documents(context.Context) ([]content.Document, error) {
	return nil, s.err
}

func (s *stubSession) SelectDocumentByID(_ context.Context, id string) (session.Result, error) {
	return s.call("select", id)
}
func (s *stubSession) PlayNarration(context.Context) (session.Result, error) {
	return s.call("narration", "")
}
func (s *stubSession) Pause(context.Context) (session.Result, error)   { return s.call("pause", "") }
func (s *stubSession) Resume(context.Context) (session.Result, error)  { return s.call("resume", "") }
func (s *stubSession) Summary(context.Context) (session.Result, error) { return s.call("summary", "") }
func (s *stubSession) Analyze(context.Context) (session.Result, error) { return s.call("analyze", "") }
func (s *stubSession) Ask(_ context.Context, text string) (session.Result, error) {
	return s.call("ask", text)
}
func (s *stubSession) AskVoice(context.Context) (session.Result, error) {
	return s.call("ask_voice", "")
}
func (s *stubSession) RecordQuestion(context.Context) (session.Result, error) {
	return s.call("record", "")
}
func (s *stubSession) ReplayHistory(_ context.Context, id string) (session.Result, error) {
	return s.call("replay", id)
}
func (s *stubSession) NotePage(page int) {
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()
}
func (s *stubSession) Suggestions(string) []ledger.Entry { return nil }
func (s *stubSession) History() []ledger.Entry           { return s.history }
func (s *stubSession) Snapshot() session.Snapshot {
	return session.Snapshot{Status: playback.Status{DocumentID: "doc-1"}}
}

func TestDispatchRoutesActions(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		action string
		cmd    protocol.Command
		call   string
		arg    string
	}{
		{ActionSelect, protocol.Command{DocumentID: "doc-9"}, "select", "doc-9"},
		{ActionNarration, protocol.Command{}, "narration", ""},
		{ActionPlay, protocol.Command{}, "narration", ""},
		{"PAUSE", protocol.Command{}, "pause", ""},
		{ActionResume, protocol.Command{}, "resume", ""},
		{ActionSummary, protocol.Command{}, "summary", ""},
		{ActionAnalyze, protocol.Command{}, "analyze", ""},
		{ActionAsk, protocol.Command{Question: "why?"}, "ask", "why?"},
		{ActionAsk, protocol.Command{Voice: true}, "ask_voice", ""},
		{ActionRecord, protocol.Command{}, "record", ""},
		{ActionReplay, protocol.Command{EntryID: "qa-1"}, "replay", "qa-1"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			sess := &stubSession{}
			result, err := Dispatch(ctx, sess, tt.action, tt.cmd)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.call}, sess.calls)
			assert.Equal(t, []string{tt.arg}, sess.args)
			assert.IsType(t, session.Result{}, result)
		})
	}
}

func TestDispatchPageAndQueries(t *testing.T) {
	ctx := context.Background()
	sess := &stubSession{}

	_, err := Dispatch(ctx, sess, ActionPage, protocol.Command{Page: 0})
	assert.True(t, apperr.Is(err, apperr.ErrValidation))

	_, err = Dispatch(ctx, sess, ActionPage, protocol.Command{Page: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, sess.page)

	result, err := Dispatch(ctx, sess, ActionDocuments, protocol.Command{})
	require.NoError(t, err)
	assert.Equal(t, []content.Document{}, result)

	result, err = Dispatch(ctx, sess, ActionSuggestions, protocol.Command{Question: "cells"})
	require.NoError(t, err)
	assert.Equal(t, []ledger.Entry{}, result)

	result, err = Dispatch(ctx, sess, ActionSnapshot, protocol.Command{})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", result.(session.Snapshot).Status.DocumentID)

	_, err = Dispatch(ctx, sess, "dance", protocol.Command{})
	assert.True(t, apperr.Is(err, apperr.ErrNotFound))
}

func TestReplyForError(t *testing.T) {
	reply := ReplyFor(nil, apperr.Busy("Still loading."))
	assert.False(t, reply.OK)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "BUSY", reply.Error.Code)
	assert.Equal(t, "Still loading.", reply.Error.Message)

	reply = ReplyFor(session.Result{Text: "hi"}, nil)
	assert.True(t, reply.OK)
	assert.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), `"text":"hi"`)
}

func startService(t *testing.T, sess Session) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "control-test", cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), sess, client.Conn(), logger.Discard())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.True(t, svc.Healthy())
	require.NoError(t, client.Conn().Flush())
	return client
}

func request(t *testing.T, client *bus.Client, action string, body []byte) protocol.Reply {
	t.Helper()
	msg, err := client.Conn().Request(protocol.SubjectCommandPrefix+"."+action, body, 2*time.Second)
	require.NoError(t, err)
	var reply protocol.Reply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	return reply
}

func TestServiceAnswersCommands(t *testing.T) {
	sess := &stubSession{}
	client := startService(t, sess)

	body, err := json.Marshal(protocol.Command{Question: "What is DNA?"})
	require.NoError(t, err)
	reply := request(t, client, ActionAsk, body)
	require.True(t, reply.OK)

	var res struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &res))
	assert.Equal(t, "ask", res.Text)
	assert.Equal(t, []string{"What is DNA?"}, sess.recorded())

	reply = request(t, client, ActionNarration, nil)
	assert.True(t, reply.OK)
}

func TestServiceReportsErrors(t *testing.T) {
	sess := &stubSession{err: apperr.Stale("Another document was selected.")}
	client := startService(t, sess)

	reply := request(t, client, ActionSummary, nil)
	assert.False(t, reply.OK)
	require.NotNil(t, reply.Error)
	assert.Equal(t, "STALE", reply.Error.Code)

	reply = request(t, client, ActionAsk, []byte("{not json"))
	require.NotNil(t, reply.Error)
	assert.Equal(t, "VALIDATION", reply.Error.Code)
}
