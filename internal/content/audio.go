package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/media"
)

type ttsRequest struct {
	DocID string `json:"docId"`
}

type ttsResponse struct {
	AudioData string `json:"audioData" validate:"required"`
	MimeType  string `json:"mimeType" validate:"required"`
}

type generatedAudio struct {
	AudioData string `json:"audioData"`
	MimeType  string `json:"mimeType"`
	AudioURL  string `json:"audioUrl"`
}

// probe reports whether a pre-rendered clip is served at path.
func (c *Client) probe(ctx context.Context, op, path string) bool {
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, accept: "audio/wav"})
	if err != nil {
		c.logger.Debug("audio probe failed", slog.String("op", op), slogError(err))
		return false
	}
	return resp.ok()
}

// NarrationAudio returns the pre-rendered narration when present and asks the
// TTS endpoint to synthesise it otherwise.
func (c *Client) NarrationAudio(ctx context.Context, id string) (media.Locator, error) {
	path := "/audios/" + url.PathEscape(id) + ".wav"
	if c.probe(ctx, "audio.narration.probe", path) {
		return media.FromURL(c.base + path), nil
	}

	var out ttsResponse
	if err := c.postJSON(ctx, "audio.narration.tts", "/api/tts", ttsRequest{DocID: id}, &out); err != nil {
		return media.Locator{}, err
	}
	loc, err := media.FromBase64(out.AudioData, out.MimeType)
	if err != nil {
		return media.Locator{}, apperr.Malformed(malformedMessage, fmt.Errorf("tts audio: %w", err))
	}
	return loc, nil
}

// SummaryAudio returns the pre-rendered summary clip or generates one. The
// generate endpoint may answer with inline audio, an audio URL, or the audio
// bytes themselves.
func (c *Client) SummaryAudio(ctx context.Context, id string) (media.Locator, error) {
	const op = "audio.summary.generate"
	path := "/audios/" + url.PathEscape(id) + "-summary.wav"
	if c.probe(ctx, "audio.summary.probe", path) {
		return media.FromURL(c.base + path), nil
	}

	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: documentPath(id, "/summary/audio")})
	if err != nil {
		return media.Locator{}, err
	}
	if !resp.ok() {
		return media.Locator{}, statusError(op, resp.status)
	}

	var out generatedAudio
	if err := json.Unmarshal(resp.body, &out); err != nil {
		if len(bytes.TrimSpace(resp.body)) == 0 {
			return media.Locator{}, apperr.Malformed(malformedMessage, fmt.Errorf("%s: empty body", op))
		}
		return media.FromData(resp.body, audioMimeType(resp.contentType)), nil
	}
	switch {
	case out.AudioData != "" && out.MimeType != "":
		loc, err := media.FromBase64(out.AudioData, out.MimeType)
		if err != nil {
			return media.Locator{}, apperr.Malformed(malformedMessage, fmt.Errorf("%s: %w", op, err))
		}
		return loc, nil
	case out.AudioURL != "":
		return media.FromURL(c.Absolute(out.AudioURL)), nil
	default:
		return media.Locator{}, apperr.Malformed(malformedMessage, fmt.Errorf("%s: no audioData or audioUrl", op))
	}
}

func audioMimeType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return "audio/wav"
	}
	return mediaType
}
