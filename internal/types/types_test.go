package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestBookStateNames(t *testing.T) {
	for _, s := range []BookState{BookUnregistered, BookDownloadNeeded, BookDownloading, BookDownloadFailed, BookDownloadSuccessful, BookUsed} {
		if got := ParseBookState(s.String()); got != s {
			t.Errorf("ParseBookState(%q) = %v", s.String(), got)
		}
	}
	if got := ParseBookState("archived"); got != BookUnregistered {
		t.Errorf("unknown name parsed as %v", got)
	}
}

func TestBookStateIsDownloaded(t *testing.T) {
	tests := []struct {
		state BookState
		want  bool
	}{
		{BookUnregistered, false},
		{BookDownloadNeeded, false},
		{BookDownloading, false},
		{BookDownloadFailed, false},
		{BookDownloadSuccessful, true},
		{BookUsed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsDownloaded(); got != tt.want {
			t.Errorf("%v.IsDownloaded() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestBookStateJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		State BookState `json:"state"`
	}{BookDownloading})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"state":"downloading"}` {
		t.Errorf("Marshal = %s", data)
	}

	var back struct {
		State BookState `json:"state"`
	}
	if err := json.Unmarshal([]byte(`{"state":"used"}`), &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.State != BookUsed {
		t.Errorf("Unmarshal = %v", back.State)
	}
}

func TestDescriptionIgnoresSaveTimeAndFractions(t *testing.T) {
	a := PlaybackPosition{BookID: "b", TrackKey: "002", Timestamp: 61.2, LastSavedAt: time.Unix(100, 0)}
	b := PlaybackPosition{BookID: "b", TrackKey: "002", Timestamp: 61.9, LastSavedAt: time.Unix(900, 0), ChapterIndex: 3}

	if a.Description() != b.Description() {
		t.Errorf("%q != %q", a.Description(), b.Description())
	}
	if a.Description() != "002@61" {
		t.Errorf("Description = %q", a.Description())
	}

	c := a
	c.TrackKey = "003"
	if a.Description() == c.Description() {
		t.Error("different tracks describe the same place")
	}
}

func TestWithTimestampLeavesOriginal(t *testing.T) {
	orig := PlaybackPosition{BookID: "b", TrackKey: "001", Timestamp: 10}
	at := time.Unix(500, 0)

	moved := orig.WithTimestamp(42, at)
	if orig.Timestamp != 10 || !orig.LastSavedAt.IsZero() {
		t.Errorf("original modified: %+v", orig)
	}
	if moved.Timestamp != 42 || !moved.LastSavedAt.Equal(at) || moved.TrackKey != "001" {
		t.Errorf("moved = %+v", moved)
	}
}

func TestRateNextWraps(t *testing.T) {
	tests := []struct {
		from, want PlaybackRate
	}{
		{0.75, 1.0},
		{1.0, 1.25},
		{1.5, 2.0},
		{2.0, 0.75},
		{3.0, 1.25}, // unknown rates cycle as if at the default
	}
	for _, tt := range tests {
		if got := tt.from.Next(); got != tt.want {
			t.Errorf("%v.Next() = %v, want %v", tt.from, got, tt.want)
		}
	}
}

func TestNearestRate(t *testing.T) {
	tests := []struct {
		in   float64
		want PlaybackRate
	}{
		{0.5, 0.75},
		{1.0, 1.0},
		{1.1, 1.0},
		{1.4, 1.5},
		{1.125, 1.0},
		{3.0, 2.0},
	}
	for _, tt := range tests {
		if got := NearestRate(tt.in); got != tt.want {
			t.Errorf("NearestRate(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateString(t *testing.T) {
	if got := PlaybackRate(1.25).String(); got != "1.25x" {
		t.Errorf("String = %q", got)
	}
}
