// Package ledger keeps the question/answer history of a learning session.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/loqalabs/loqa-reader/internal/media"
)

// MaxSuggestions caps the autocomplete list.
const MaxSuggestions = 5

// Entry is one answered question. Entries are never modified after Append.
type Entry struct {
	ID        string        `json:"id"`
	Question  string        `json:"question"`
	Answer    string        `json:"answer"`
	Audio     media.Locator `json:"audio_url"`
	Timestamp time.Time     `json:"timestamp"`
}

var ErrEntryNotFound = errors.New("question not found in history")

// Ledger is an append-only, newest-first history.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	clock   func() time.Time
	newID   func() (string, error)
}

func New() *Ledger {
	return &Ledger{clock: time.Now, newID: generateID}
}

func generateID() (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return "qa-" + id, nil
}

// Append stores entry at the head, filling in ID and Timestamp when unset.
func (l *Ledger) Append(entry Entry) (Entry, error) {
	if entry.ID == "" {
		id, err := l.newID()
		if err != nil {
			return Entry{}, err
		}
		entry.ID = id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry{entry}, l.entries...)
	return entry, nil
}

// Entries returns the history, newest first.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Get looks an entry up by id.
func (l *Ledger) Get(id string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

// Reset drops the whole history; used when a new document is selected.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// IsDuplicate reports the entry a candidate question repeats, if any. An
// exact normalized match anywhere in the history wins over fuzzy matches.
func (l *Ledger) IsDuplicate(candidate string) (Entry, bool) {
	q := Normalize(candidate)
	if q == "" {
		return Entry{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.entries {
		if Normalize(e.Question) == q {
			return e, true
		}
	}
	for _, e := range l.entries {
		existing := Normalize(e.Question)
		if lengthGap(existing, q) > maxLengthGap {
			continue
		}
		if Similarity(existing, q) > DuplicateThreshold {
			return e, true
		}
	}
	return Entry{}, false
}

// Suggestions returns up to MaxSuggestions entries, newest first, whose
// question contains the input or is contained by it.
func (l *Ledger) Suggestions(input string) []Entry {
	q := Normalize(input)
	if q == "" {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matches []Entry
	for _, e := range l.entries {
		existing := Normalize(e.Question)
		if strings.Contains(existing, q) || strings.Contains(q, existing) {
			matches = append(matches, e)
			if len(matches) == MaxSuggestions {
				break
			}
		}
	}
	return matches
}
