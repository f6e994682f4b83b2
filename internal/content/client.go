// Package content is the HTTP client for the content service: documents,
// page timings, narration and summary audio, analyses and answers.
package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-reader/internal/apperr"
)

// GenerationHeader carries the session generation a request was issued for.
const GenerationHeader = "X-Session-Generation"

type Options struct {
	BaseURL string
	// Timeout bounds every request; zero means no timeout.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	base     string
	http     *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid content base url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:     base,
		http:     httpClient,
		logger:   logger.With(slog.String("component", "content")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-reader/content"),
		validate: validator.New(),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.base
}

// Absolute resolves an audio URL returned by the service against BaseURL.
func (c *Client) Absolute(raw string) string {
	if strings.HasPrefix(raw, "http") || strings.HasPrefix(raw, "data:") {
		return raw
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return c.base + raw
}

type generationKey struct{}

// WithGeneration tags ctx with the session generation. Requests made with the
// returned context send it in GenerationHeader.
func WithGeneration(ctx context.Context, generation uint64) context.Context {
	return context.WithValue(ctx, generationKey{}, generation)
}

// GenerationFrom reports the generation attached by WithGeneration.
func GenerationFrom(ctx context.Context) (uint64, bool) {
	gen, ok := ctx.Value(generationKey{}).(uint64)
	return gen, ok
}

type request struct {
	op          string
	method      string
	path        string
	body        []byte
	contentType string
	accept      string
}

type response struct {
	status      int
	contentType string
	body        []byte
}

func (r response) ok() bool {
	return r.status >= 200 && r.status < 300
}

// do performs req and reads the whole body. Only transport failures are
// returned as errors; status handling is left to the caller.
func (c *Client) do(ctx context.Context, req request) (resp response, err error) {
	ctx, span := c.tracer.Start(ctx, "content."+req.op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("http.request.method", req.method),
		attribute.String("url.path", req.path),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.status))
		}
		span.End()
	}()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.base+req.path, body)
	if err != nil {
		return response{}, fmt.Errorf("build %s request: %w", req.op, err)
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.accept != "" {
		httpReq.Header.Set("Accept", req.accept)
	}
	if gen, ok := GenerationFrom(ctx); ok {
		httpReq.Header.Set(GenerationHeader, strconv.FormatUint(gen, 10))
		span.SetAttributes(attribute.Int64("reader.generation", int64(gen)))
	}

	started := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("content request failed", slog.String("op", req.op), slogError(err))
		return response{}, apperr.Network(networkMessage, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return response{}, apperr.Network(networkMessage, fmt.Errorf("read %s body: %w", req.op, err))
	}
	c.logger.Debug("content request",
		slog.String("op", req.op),
		slog.Int("status", httpResp.StatusCode),
		slog.Duration("elapsed", time.Since(started)),
	)
	return response{status: httpResp.StatusCode, contentType: httpResp.Header.Get("Content-Type"), body: data}, nil
}

const (
	networkMessage   = "Could not reach the content service. Please try again."
	malformedMessage = "The content service sent an unexpected response."
)

func statusError(op string, status int) error {
	return apperr.Network(networkMessage, fmt.Errorf("%s: unexpected status %d", op, status))
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, accept: "application/json"})
	if err != nil {
		return err
	}
	if !resp.ok() {
		return statusError(op, resp.status)
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return apperr.Malformed(malformedMessage, fmt.Errorf("decode %s: %w", op, err))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	resp, err := c.do(ctx, request{op: op, method: http.MethodPost, path: path, body: payload, contentType: "application/json", accept: "application/json"})
	if err != nil {
		return err
	}
	return c.decodeJSON(op, resp, out)
}

func (c *Client) decodeJSON(op string, resp response, out any) error {
	if !resp.ok() {
		return statusError(op, resp.status)
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return apperr.Malformed(malformedMessage, fmt.Errorf("decode %s: %w", op, err))
	}
	if err := c.validate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return fmt.Errorf("validate %s: %w", op, err)
		}
		return apperr.Malformed(malformedMessage, fmt.Errorf("%s: %w", op, err))
	}
	return nil
}

func documentPath(id string, suffix string) string {
	return "/api/documents/" + url.PathEscape(id) + suffix
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
