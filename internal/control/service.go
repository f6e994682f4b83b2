package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/protocol"
)

// Service answers reader.command.<action> requests on the bus.
type Service struct {
	sess   Session
	conn   *nats.Conn
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, sess Session, conn *nats.Conn, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		sess:   sess,
		conn:   conn,
		logger: logger.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.conn.Subscribe(protocol.SubjectCommandWildcard, s.handleCommand)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for commands", slog.String("subject", protocol.SubjectCommandWildcard))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

// handleCommand runs each command on its own goroutine so a pause is not
// queued behind a slow play.
func (s *Service) handleCommand(msg *nats.Msg) {
	action := strings.TrimPrefix(msg.Subject, protocol.SubjectCommandPrefix+".")
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("control failed to decode command", slog.String("action", action), slogError(err))
			s.respond(msg, ReplyFor(nil, apperr.Validation("Command body is not valid JSON.")))
			return
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := Dispatch(s.ctx, s.sess, action, cmd)
		if err != nil {
			s.logger.Debug("command failed", slog.String("action", action), slog.String("code", string(apperr.CodeOf(err))), slogError(err))
		}
		s.respond(msg, ReplyFor(result, err))
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("control failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("control failed to reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
