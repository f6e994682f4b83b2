package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/media"
)

// Analysis is the analyze endpoint result. Audio is zero for text-only
// analyses.
type Analysis struct {
	Text  string
	Audio media.Locator
}

// SummaryText fetches the summary. Unknown shapes are returned as indented
// JSON so the user still sees something.
func (c *Client) SummaryText(ctx context.Context, id string) (string, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "documents.summary", documentPath(id, "/summary"), &raw); err != nil {
		return "", err
	}
	text, _, err := extractText(raw, "summary")
	if err != nil {
		return "", apperr.Malformed(malformedMessage, fmt.Errorf("decode summary: %w", err))
	}
	return text, nil
}

// Analyze runs the document analysis.
func (c *Client) Analyze(ctx context.Context, id string) (Analysis, error) {
	const op = "documents.analyze"
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: documentPath(id, "/analyze"), accept: "application/json"})
	if err != nil {
		return Analysis{}, err
	}
	if !resp.ok() {
		return Analysis{}, statusError(op, resp.status)
	}
	text, audioURL, err := extractText(resp.body, "analysis")
	if err != nil {
		return Analysis{}, apperr.Malformed(malformedMessage, fmt.Errorf("%s: %w", op, err))
	}
	result := Analysis{Text: text}
	if audioURL != "" {
		result.Audio = media.FromURL(c.Absolute(audioURL))
	}
	return result, nil
}

// extractText pulls the text out of {<field>|text}, a bare JSON string, or
// falls back to indented JSON. The optional audioUrl is returned alongside.
func extractText(raw []byte, field string) (text string, audioURL string, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", "", fmt.Errorf("empty body")
	}
	if raw[0] == '"' {
		err := json.Unmarshal(raw, &text)
		return text, "", err
	}
	if raw[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", "", err
		}
		audioURL = stringField(obj, "audioUrl")
		if s := stringField(obj, field); s != "" {
			return s, audioURL, nil
		}
		if s := stringField(obj, "text"); s != "" {
			return s, audioURL, nil
		}
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return "", "", err
	}
	return pretty.String(), audioURL, nil
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
