// Package media describes where a playable audio clip lives.
package media

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Locator points at audio either by URL or by inline bytes. It encodes as
// text, so inline audio travels as a data: URI.
type Locator struct {
	URL      string
	Data     []byte
	MimeType string
}

// FromURL returns a URL locator.
func FromURL(url string) Locator {
	return Locator{URL: url}
}

// FromData returns an inline locator.
func FromData(data []byte, mimeType string) Locator {
	if mimeType == "" {
		mimeType = "audio/wav"
	}
	return Locator{Data: data, MimeType: mimeType}
}

// FromBase64 decodes a base64 payload as returned by the TTS endpoints.
func FromBase64(payload, mimeType string) (Locator, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Locator{}, err
	}
	return FromData(data, mimeType), nil
}

func (l Locator) IsZero() bool {
	return l.URL == "" && len(l.Data) == 0
}

func (l Locator) Inline() bool {
	return l.URL == "" && len(l.Data) > 0
}

// String renders the locator as a URL, using a data: URI for inline audio.
func (l Locator) String() string {
	if l.URL != "" {
		return l.URL
	}
	if len(l.Data) == 0 {
		return ""
	}
	return "data:" + l.MimeType + ";base64," + base64.StdEncoding.EncodeToString(l.Data)
}

// Parse is the inverse of String.
func Parse(s string) (Locator, error) {
	if s == "" {
		return Locator{}, errors.New("empty locator")
	}
	if !strings.HasPrefix(s, "data:") {
		return FromURL(s), nil
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return Locator{}, errors.New("data uri without payload")
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return Locator{}, errors.New("data uri must be base64 encoded")
	}
	return FromBase64(payload, mimeType)
}

func (l Locator) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Locator) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*l = Locator{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
