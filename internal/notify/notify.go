// Package notify forwards session changes to external renderers.
package notify

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-reader/internal/ledger"
	"github.com/loqalabs/loqa-reader/internal/playback"
	"github.com/loqalabs/loqa-reader/internal/protocol"
)

// Notifier receives arbitrator notifications and answered questions.
type Notifier interface {
	playback.Observer
	QuestionAnswered(status playback.Status, entry ledger.Entry)
}

// Nop drops everything.
type Nop struct {
	playback.NopObserver
}

func (Nop) QuestionAnswered(playback.Status, ledger.Entry) {}

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusNotifier publishes JSON messages on the reader.* subjects.
type BusNotifier struct {
	pub   Publisher
	log   *slog.Logger
	clock func() time.Time
}

func NewBusNotifier(pub Publisher, log *slog.Logger) *BusNotifier {
	return &BusNotifier{pub: pub, log: log.With(slog.String("component", "notify")), clock: time.Now}
}

func (n *BusNotifier) StateChanged(status playback.Status) {
	n.publish(protocol.SubjectPlaybackState, protocol.PlaybackState{
		SessionID:  status.SessionID,
		DocumentID: status.DocumentID,
		State:      status.State.String(),
		Source:     status.Source.String(),
		Page:       status.Page,
		Offset:     status.Offset,
		Duration:   status.Duration,
		Timestamp:  n.clock().UTC(),
	})
}

func (n *BusNotifier) PageChanged(status playback.Status, page int) {
	n.publish(protocol.SubjectPageChanged, protocol.PageChanged{
		SessionID:  status.SessionID,
		DocumentID: status.DocumentID,
		Page:       page,
		Offset:     status.Offset,
		Timestamp:  n.clock().UTC(),
	})
}

func (n *BusNotifier) QuestionAnswered(status playback.Status, entry ledger.Entry) {
	n.publish(protocol.SubjectQuestionAnswered, protocol.QuestionAnswered{
		SessionID:  status.SessionID,
		DocumentID: status.DocumentID,
		EntryID:    entry.ID,
		Question:   entry.Question,
		Answer:     entry.Answer,
		AudioURL:   entry.Audio.String(),
		Timestamp:  n.clock().UTC(),
	})
}

func (n *BusNotifier) publish(subject string, v any) {
	if err := n.pub.PublishJSON(subject, v); err != nil {
		n.log.Warn("failed to publish notification", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Multi fans out to several notifiers.
type Multi []Notifier

func (m Multi) StateChanged(status playback.Status) {
	for _, n := range m {
		n.StateChanged(status)
	}
}

func (m Multi) PageChanged(status playback.Status, page int) {
	for _, n := range m {
		n.PageChanged(status, page)
	}
}

func (m Multi) QuestionAnswered(status playback.Status, entry ledger.Entry) {
	for _, n := range m {
		n.QuestionAnswered(status, entry)
	}
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*BusNotifier)(nil)
	_ Notifier = Multi(nil)
)
