package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/control"
	"github.com/loqalabs/loqa-reader/internal/ledger"
	"github.com/loqalabs/loqa-reader/internal/logger"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/protocol"
	"github.com/loqalabs/loqa-reader/internal/session"
)

// stubSession implements the commands these tests drive; anything else
// panics through the nil embedded interface.
type stubSession struct {
	control.Session
	asked     string
	selectErr error
}

func (s *stubSession) Ask(_ context.Context, text string) (session.Result, error) {
	s.asked = text
	return session.Result{Text: "answer"}, nil
}

func (s *stubSession) SelectDocumentByID(context.Context, string) (session.Result, error) {
	return session.Result{}, s.selectErr
}

func (s *stubSession) Summary(context.Context) (session.Result, error) {
	return session.Result{}, apperr.Busy("Still loading.")
}

func (s *stubSession) Snapshot() session.Snapshot {
	return session.Snapshot{Status: playback.Status{DocumentID: "doc-1"}, PageSync: true}
}

func (s *stubSession) Suggestions(text string) []ledger.Entry {
	if text == "" {
		return nil
	}
	return []ledger.Entry{{ID: "qa-1", Question: "What is " + text + "?"}}
}

func newTestAPI(sess control.Session, ready bool) http.Handler {
	return (&api{
		sess:   sess,
		logger: logger.Discard(),
		ready:  func() bool { return ready },
	}).routes()
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) protocol.Reply {
	t.Helper()
	var reply protocol.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	return reply
}

func TestHealthAndReady(t *testing.T) {
	h := newTestAPI(&stubSession{}, false)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	newTestAPI(&stubSession{}, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(&stubSession{}, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	reply := decodeReply(t, rec)
	require.True(t, reply.OK)
	var snap struct {
		PageSync bool `json:"page_sync"`
		Status   struct {
			DocumentID string `json:"document_id"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &snap))
	assert.True(t, snap.PageSync)
	assert.Equal(t, "doc-1", snap.Status.DocumentID)
}

func TestCommandEndpoint(t *testing.T) {
	sess := &stubSession{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/session/ask", strings.NewReader(`{"question":"Why?"}`))
	newTestAPI(sess, true).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Why?", sess.asked)
	assert.True(t, decodeReply(t, rec).OK)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name   string
		sess   *stubSession
		path   string
		body   string
		status int
		code   string
	}{
		{"busy", &stubSession{}, "/api/session/summary", "", http.StatusConflict, "BUSY"},
		{"bad json", &stubSession{}, "/api/session/ask", "{", http.StatusBadRequest, "VALIDATION"},
		{"unknown", &stubSession{}, "/api/session/dance", "", http.StatusNotFound, "NOT_FOUND"},
		{"upstream", &stubSession{selectErr: apperr.Network("The content service is unreachable.", nil)}, "/api/session/select", `{"document_id":"7"}`, http.StatusBadGateway, "NETWORK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			newTestAPI(tt.sess, true).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			reply := decodeReply(t, rec)
			assert.False(t, reply.OK)
			require.NotNil(t, reply.Error)
			assert.Equal(t, tt.code, reply.Error.Code)
		})
	}
}

func TestSuggestionsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestAPI(&stubSession{}, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session/suggestions?q=cells", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []ledger.Entry
	require.NoError(t, json.Unmarshal(decodeReply(t, rec).Result, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "What is cells?", entries[0].Question)

	rec = httptest.NewRecorder()
	newTestAPI(&stubSession{}, true).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session/suggestions", nil))
	assert.JSONEq(t, "[]", string(decodeReply(t, rec).Result))
}
