package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/control"
	"github.com/loqalabs/loqa-reader/internal/protocol"
)

const maxCommandBody = 1 << 20

// api is the HTTP face of the control commands.
type api struct {
	sess    control.Session
	logger  *slog.Logger
	ready   func() bool
	metrics http.Handler
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", a.handleSnapshot)
		r.Get("/history", a.handleQuery(control.ActionHistory))
		r.Get("/suggestions", a.handleQuery(control.ActionSuggestions))
		r.Post("/{action}", a.handleCommand)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	result, err := control.Dispatch(r.Context(), a.sess, control.ActionSnapshot, protocol.Command{})
	a.reply(w, result, err)
}

func (a *api) handleQuery(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := protocol.Command{Question: r.URL.Query().Get("q")}
		result, err := control.Dispatch(r.Context(), a.sess, action, cmd)
		a.reply(w, result, err)
	}
}

func (a *api) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		a.reply(w, nil, apperr.Validation("Could not read the request body."))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &cmd); err != nil {
			a.reply(w, nil, apperr.Validation("Command body is not valid JSON."))
			return
		}
	}
	result, err := control.Dispatch(r.Context(), a.sess, chi.URLParam(r, "action"), cmd)
	a.reply(w, result, err)
}

func (a *api) reply(w http.ResponseWriter, result any, err error) {
	status := http.StatusOK
	if err != nil {
		status = apperr.CodeOf(err).HTTPStatus()
		if status >= http.StatusInternalServerError && !errors.Is(err, apperr.ErrPlayback) {
			a.logger.Error("command failed", slog.String("error", err.Error()))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(control.ReplyFor(result, err)); err != nil {
		a.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
