package protocol

import (
	"encoding/json"
	"time"
)

const (
	SubjectPageChanged      = "reader.page.changed"
	SubjectPlaybackState    = "reader.playback.state"
	SubjectQuestionAnswered = "reader.question.answered"

	// SubjectCommandPrefix is followed by the command name, e.g. reader.command.play.
	SubjectCommandPrefix   = "reader.command"
	SubjectCommandWildcard = SubjectCommandPrefix + ".*"

	// StreamName captures the reader.> notifications in JetStream.
	StreamName = "READER"
)

var StreamSubjects = []string{SubjectPageChanged, SubjectPlaybackState, SubjectQuestionAnswered}

// PageChanged is published when narration moves the viewer to a new page.
type PageChanged struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	Page       int       `json:"page"`
	Offset     float64   `json:"offset"`
	Timestamp  time.Time `json:"timestamp"`
}

// PlaybackState drives external renderers (e.g. an avatar's lip sync).
type PlaybackState struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	State      string    `json:"state"`
	Source     string    `json:"source"`
	Page       int       `json:"page"`
	Offset     float64   `json:"offset"`
	Duration   float64   `json:"duration,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// QuestionAnswered is published after an answer starts playing.
type QuestionAnswered struct {
	SessionID  string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	EntryID    string    `json:"entry_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	AudioURL   string    `json:"audio_url"`
	Timestamp  time.Time `json:"timestamp"`
}

// Command is the request body of reader.command.* subjects.
type Command struct {
	DocumentID string `json:"document_id,omitempty"`
	Question   string `json:"question,omitempty"`
	EntryID    string `json:"entry_id,omitempty"`
	Page       int    `json:"page,omitempty"`
	Voice      bool   `json:"voice,omitempty"`
}

// Reply answers a Command.
type Reply struct {
	OK     bool            `json:"ok"`
	Error  *ErrorBody      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
