package content

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/media"
)

const qaPath = "/api/qa"

// Answer is a spoken answer to a question.
type Answer struct {
	Text  string
	Audio media.Locator
}

type qaRequest struct {
	Question string `json:"question"`
}

type qaResponse struct {
	Answer   string `json:"answer" validate:"required"`
	AudioURL string `json:"audioUrl" validate:"required"`
}

func (c *Client) AskText(ctx context.Context, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, apperr.Validation("Type a question first.")
	}
	var out qaResponse
	if err := c.postJSON(ctx, "qa.text", qaPath, qaRequest{Question: question}, &out); err != nil {
		return Answer{}, err
	}
	return c.answer(out), nil
}

// AskAudio submits a recorded question as the multipart field "question".
func (c *Client) AskAudio(ctx context.Context, wav []byte) (Answer, error) {
	const op = "qa.audio"
	if len(wav) == 0 {
		return Answer{}, apperr.Validation("Record a question first.")
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="question"; filename="question.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := form.CreatePart(header)
	if err != nil {
		return Answer{}, fmt.Errorf("build %s form: %w", op, err)
	}
	if _, err := part.Write(wav); err != nil {
		return Answer{}, fmt.Errorf("build %s form: %w", op, err)
	}
	if err := form.Close(); err != nil {
		return Answer{}, fmt.Errorf("build %s form: %w", op, err)
	}

	resp, err := c.do(ctx, request{op: op, method: http.MethodPost, path: qaPath, body: body.Bytes(), contentType: form.FormDataContentType(), accept: "application/json"})
	if err != nil {
		return Answer{}, err
	}
	var out qaResponse
	if err := c.decodeJSON(op, resp, &out); err != nil {
		return Answer{}, err
	}
	return c.answer(out), nil
}

func (c *Client) answer(out qaResponse) Answer {
	return Answer{Text: out.Answer, Audio: media.FromURL(c.Absolute(out.AudioURL))}
}
