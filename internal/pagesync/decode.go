package pagesync

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type pageEntry struct {
	Page      *int     `json:"page"`
	Time      *float64 `json:"time"`
	StartTime *float64 `json:"startTime"`
}

type timingsEnvelope struct {
	Timings []Timing    `json:"timings"`
	Pages   []pageEntry `json:"pages"`
}

// Decode accepts the three page-timing shapes served by the content service:
// a bare array of {page,time}, {"timings":[...]}, or {"pages":[{page,time|startTime}]}.
// An unrecognised object yields no timings. Anchors with a page below 1 or a
// negative time are dropped.
func Decode(data []byte) ([]Timing, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var timings []Timing
		if err := json.Unmarshal(trimmed, &timings); err != nil {
			return nil, fmt.Errorf("decode page timings: %w", err)
		}
		return sanitize(timings), nil
	}

	var env timingsEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode page timings: %w", err)
	}
	if env.Timings != nil {
		return sanitize(env.Timings), nil
	}
	if env.Pages != nil {
		timings := make([]Timing, 0, len(env.Pages))
		for i, p := range env.Pages {
			timings = append(timings, Timing{Page: pageOrIndex(p.Page, i), Time: firstNonZero(p.Time, p.StartTime)})
		}
		return sanitize(timings), nil
	}
	return nil, nil
}

func pageOrIndex(page *int, index int) int {
	if page != nil && *page != 0 {
		return *page
	}
	return index + 1
}

func firstNonZero(values ...*float64) float64 {
	for _, v := range values {
		if v != nil && *v != 0 {
			return *v
		}
	}
	return 0
}

func sanitize(timings []Timing) []Timing {
	out := timings[:0]
	for _, t := range timings {
		if t.Page < 1 || t.Time < 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}
