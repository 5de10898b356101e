package bookmarksync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

// MotivationListening marks an annotation as a listening position rather
// than a user bookmark
const MotivationListening = "readingProgress"

// Annotation is the wire form of a synced position
type Annotation struct {
	ID         string    `json:"id,omitempty"`
	Motivation string    `json:"motivation"`
	Device     string    `json:"device,omitempty"`
	Created    time.Time `json:"created"`
	Target     Target    `json:"target"`
}

// Target points an annotation at a place in a book
type Target struct {
	Source   string   `json:"source"`
	Selector Selector `json:"selector"`
}

// Selector carries the serialized location
type Selector struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// location is the JSON document stored in Selector.Value
type location struct {
	TrackKey     string  `json:"trackKey"`
	Timestamp    float64 `json:"timestamp"`
	ChapterIndex int     `json:"chapter"`
}

func newAnnotation(device string, pos types.PlaybackPosition) (Annotation, error) {
	value, err := json.Marshal(location{
		TrackKey:     pos.TrackKey,
		Timestamp:    pos.Timestamp,
		ChapterIndex: pos.ChapterIndex,
	})
	if err != nil {
		return Annotation{}, err
	}

	created := pos.LastSavedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Annotation{
		Motivation: MotivationListening,
		Device:     device,
		Created:    created.UTC(),
		Target: Target{
			Source:   pos.BookID,
			Selector: Selector{Type: "oa:FragmentSelector", Value: string(value)},
		},
	}, nil
}

// Position decodes the annotation's location
func (a Annotation) Position() (types.PlaybackPosition, error) {
	var loc location
	if err := json.Unmarshal([]byte(a.Target.Selector.Value), &loc); err != nil {
		return types.PlaybackPosition{}, fmt.Errorf("invalid selector for %s: %w", a.Target.Source, err)
	}
	return types.PlaybackPosition{
		BookID:       a.Target.Source,
		TrackKey:     loc.TrackKey,
		Timestamp:    loc.Timestamp,
		ChapterIndex: loc.ChapterIndex,
		LastSavedAt:  a.Created,
	}, nil
}
