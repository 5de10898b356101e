// Package types provides shared type definitions used across the audiobookd daemon.
package types

import (
	"fmt"
	"math"
	"time"
)

// BookState is the download/registry state of a book
type BookState int

const (
	BookUnregistered BookState = iota
	BookDownloadNeeded
	BookDownloading
	BookDownloadFailed
	BookDownloadSuccessful
	BookUsed
)

// String returns the registry name of the state
func (s BookState) String() string {
	switch s {
	case BookDownloadNeeded:
		return "downloadNeeded"
	case BookDownloading:
		return "downloading"
	case BookDownloadFailed:
		return "downloadFailed"
	case BookDownloadSuccessful:
		return "downloadSuccessful"
	case BookUsed:
		return "used"
	default:
		return "unregistered"
	}
}

// ParseBookState parses a registry state name. Unknown names map to BookUnregistered.
func ParseBookState(s string) BookState {
	switch s {
	case "downloadNeeded":
		return BookDownloadNeeded
	case "downloading":
		return BookDownloading
	case "downloadFailed":
		return BookDownloadFailed
	case "downloadSuccessful":
		return BookDownloadSuccessful
	case "used":
		return BookUsed
	default:
		return BookUnregistered
	}
}

// MarshalText encodes the state by registry name
func (s BookState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a registry name
func (s *BookState) UnmarshalText(b []byte) error {
	*s = ParseBookState(string(b))
	return nil
}

// IsDownloaded reports whether every track of the book is on disk
func (s BookState) IsDownloaded() bool {
	return s == BookDownloadSuccessful || s == BookUsed
}

// Track is a single audio file within a book
type Track struct {
	Key      string  `json:"key" yaml:"key"`
	Title    string  `json:"title,omitempty" yaml:"title,omitempty"`
	Path     string  `json:"path" yaml:"path"`
	Duration float64 `json:"duration" yaml:"duration"` // seconds
}

// Chapter is a navigable section of a book. A chapter starts at Offset
// seconds into the track identified by TrackKey.
type Chapter struct {
	Index    int     `json:"index"`
	Title    string  `json:"title"`
	TrackKey string  `json:"trackKey"`
	Offset   float64 `json:"offset"`
	Duration float64 `json:"duration"`
}

// Book is an audiobook known to the registry
type Book struct {
	ID       string    `json:"id" yaml:"id"`
	Title    string    `json:"title" yaml:"title"`
	Author   string    `json:"author,omitempty" yaml:"author,omitempty"`
	Narrator string    `json:"narrator,omitempty" yaml:"narrator,omitempty"`
	CoverURL string    `json:"coverUrl,omitempty" yaml:"cover,omitempty"`
	Tracks   []Track   `json:"tracks,omitempty" yaml:"tracks,omitempty"`
	Chapters []Chapter `json:"chapters,omitempty" yaml:"-"`
}

// PlaybackPosition is an immutable listening position. A new value is
// produced for every tick.
type PlaybackPosition struct {
	BookID       string    `json:"bookId"`
	TrackKey     string    `json:"trackKey"`
	Timestamp    float64   `json:"timestamp"` // seconds into the track
	ChapterIndex int       `json:"chapterIndex"`
	LastSavedAt  time.Time `json:"lastSavedAt"`
}

// Description renders the part of the position that identifies a place in
// the book. Two positions describing the same place compare equal here
// regardless of when they were saved.
func (p PlaybackPosition) Description() string {
	return fmt.Sprintf("%s@%.0f", p.TrackKey, math.Floor(p.Timestamp))
}

// WithTimestamp returns a copy of p moved to ts and stamped with at
func (p PlaybackPosition) WithTimestamp(ts float64, at time.Time) PlaybackPosition {
	p.Timestamp = ts
	p.LastSavedAt = at
	return p
}

// PlaybackRate is a playback speed multiplier
type PlaybackRate float64

// Rates is the fixed ordered set of selectable playback rates
var Rates = []PlaybackRate{0.75, 1.0, 1.25, 1.5, 2.0}

// DefaultRate is the rate a freshly bound engine plays at
const DefaultRate PlaybackRate = 1.0

// String returns the rate formatted for display (e.g. "1.25x")
func (r PlaybackRate) String() string {
	return fmt.Sprintf("%gx", float64(r))
}

// Next returns the rate after r in Rates, wrapping around
func (r PlaybackRate) Next() PlaybackRate {
	i := r.index()
	return Rates[(i+1)%len(Rates)]
}

func (r PlaybackRate) index() int {
	for i, rate := range Rates {
		if rate == r {
			return i
		}
	}
	return 1
}

// NearestRate snaps an arbitrary multiplier to the closest member of Rates
func NearestRate(f float64) PlaybackRate {
	best := DefaultRate
	bestDist := math.Inf(1)
	for _, rate := range Rates {
		if d := math.Abs(float64(rate) - f); d < bestDist {
			best, bestDist = rate, d
		}
	}
	return best
}
