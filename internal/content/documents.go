package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-reader/internal/apperr"
	"github.com/loqalabs/loqa-reader/internal/pagesync"
)

type Document struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PageCount   int    `json:"pageCount,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts numeric or string ids and the course* field names
// some deployments still return.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID                json.RawMessage `json:"id"`
		Title             string          `json:"title"`
		CourseName        string          `json:"courseName"`
		Description       string          `json:"description"`
		CourseDescription string          `json:"courseDescription"`
		PageCount         int             `json:"pageCount"`
		Timestamp         json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := flexibleString(raw.ID)
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	timestamp, err := flexibleString(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("document timestamp: %w", err)
	}
	*d = Document{
		ID:          id,
		Title:       firstNonEmpty(raw.CourseName, raw.Title),
		Description: firstNonEmpty(raw.CourseDescription, raw.Description),
		PageCount:   raw.PageCount,
		Timestamp:   timestamp,
	}
	return nil
}

func flexibleString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ListDocuments returns the catalogue. A single object response is treated
// as a one-element list.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "documents.list", "/api/documents", &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, apperr.Malformed(malformedMessage, fmt.Errorf("decode document: %w", err))
		}
		return []Document{doc}, nil
	}
	var docs []Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, apperr.Malformed(malformedMessage, fmt.Errorf("decode documents: %w", err))
	}
	return docs, nil
}

// GetDocument looks id up in the catalogue.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	docs, err := c.ListDocuments(ctx)
	if err != nil {
		return Document{}, err
	}
	for _, doc := range docs {
		if doc.ID == id {
			return doc, nil
		}
	}
	return Document{}, apperr.NotFound("Document " + strconv.Quote(id) + " was not found.")
}

// DocumentFileURL is where the viewer loads the document itself.
func (c *Client) DocumentFileURL(id string) string {
	return c.base + documentPath(id, "/file")
}

// PageTimings fetches the page timing table. A missing table (404) disables
// page sync and is not an error.
func (c *Client) PageTimings(ctx context.Context, id string) ([]pagesync.Timing, error) {
	const op = "documents.page_timings"
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: documentPath(id, "/page-timings"), accept: "application/json"})
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, nil
	}
	if !resp.ok() {
		return nil, statusError(op, resp.status)
	}
	timings, err := pagesync.Decode(resp.body)
	if err != nil {
		return nil, apperr.Malformed(malformedMessage, fmt.Errorf("%s: %w", op, err))
	}
	return timings, nil
}
