package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
)

type fakeDecoder struct {
	mu    sync.Mutex
	calls []decodeCall
	err   error
	block bool
}

type decodeCall struct {
	path  string
	start time.Duration
	rate  float64
}

func (d *fakeDecoder) DecodeFrom(ctx context.Context, path string, output Output, start time.Duration, rate float64) error {
	d.mu.Lock()
	d.calls = append(d.calls, decodeCall{path, start, rate})
	err, block := d.err, d.block
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (d *fakeDecoder) last() decodeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

func (d *fakeDecoder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeOutput struct {
	mu     sync.Mutex
	paused bool
	closed bool
}

func (o *fakeOutput) Write(p []byte) (int, error) { return len(p), nil }
func (o *fakeOutput) SampleRate() int             { return defaultSampleRate }
func (o *fakeOutput) Channels() int               { return defaultChannels }
func (o *fakeOutput) Pause()                      { o.mu.Lock(); o.paused = true; o.mu.Unlock() }
func (o *fakeOutput) Resume()                     { o.mu.Lock(); o.paused = false; o.mu.Unlock() }
func (o *fakeOutput) Stop()                       { o.mu.Lock(); o.paused = false; o.mu.Unlock() }
func (o *fakeOutput) Close() error                { o.mu.Lock(); o.closed = true; o.mu.Unlock(); return nil }

func (o *fakeOutput) state() (paused, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused, o.closed
}

func testBook(durations ...float64) types.Book {
	b := types.Book{ID: "book-1", Title: "Test Book"}
	for i, d := range durations {
		key := string(rune('a' + i))
		b.Tracks = append(b.Tracks, types.Track{Key: key, Path: "/books/" + key + ".mp3", Duration: d})
	}
	return b
}

func waitFor(t *testing.T, events <-chan engine.Event, kind engine.EventKind) engine.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event", kind)
		}
	}
}

func TestNewBookEngineRequiresTracks(t *testing.T) {
	if _, err := NewBookEngine(types.Book{ID: "empty"}, &fakeDecoder{}, &fakeOutput{}, 0); err == nil {
		t.Fatal("expected error for a book without tracks")
	}
}

func TestChaptersDefaultToTracks(t *testing.T) {
	e, err := NewBookEngine(testBook(10, 20), &fakeDecoder{}, &fakeOutput{}, 0)
	if err != nil {
		t.Fatalf("NewBookEngine: %v", err)
	}
	defer e.Unload()

	chapters := e.Chapters()
	if len(chapters) != 2 {
		t.Fatalf("got %d chapters, want 2", len(chapters))
	}
	if chapters[1].TrackKey != "b" || chapters[1].Title != "Chapter 2" {
		t.Errorf("chapter 2 = %+v", chapters[1])
	}
}

func TestPlayPauseEvents(t *testing.T) {
	dec := &fakeDecoder{block: true}
	out := &fakeOutput{}
	e, _ := NewBookEngine(testBook(60), dec, out, 10*time.Millisecond)
	defer e.Unload()

	events, cancel := e.Subscribe()
	defer cancel()

	e.Play()
	waitFor(t, events, engine.EventPlaybackBegan)
	if !e.IsPlaying() {
		t.Error("IsPlaying() = false after Play")
	}
	waitFor(t, events, engine.EventPositionUpdated)

	e.Pause()
	ev := waitFor(t, events, engine.EventPlaybackStopped)
	if ev.Position.TrackKey != "a" {
		t.Errorf("paused on track %q", ev.Position.TrackKey)
	}
	if paused, _ := out.state(); !paused {
		t.Error("output not paused")
	}

	e.Play()
	waitFor(t, events, engine.EventPlaybackBegan)
	if dec.count() != 1 {
		t.Errorf("resume restarted decoding: %d decode calls", dec.count())
	}
}

func TestAdvancesThroughTracksAndCompletes(t *testing.T) {
	dec := &fakeDecoder{}
	e, _ := NewBookEngine(testBook(0.03, 0.03), dec, &fakeOutput{}, 5*time.Millisecond)
	defer e.Unload()

	events, cancel := e.Subscribe()
	defer cancel()

	e.Play()
	ev := waitFor(t, events, engine.EventPlaybackCompleted)
	if ev.Position.TrackKey != "b" {
		t.Errorf("completed on track %q, want b", ev.Position.TrackKey)
	}
	if e.IsPlaying() {
		t.Error("still playing after completion")
	}
	if dec.count() != 2 {
		t.Errorf("decoded %d tracks, want 2", dec.count())
	}
}

func TestDecodeFailure(t *testing.T) {
	dec := &fakeDecoder{err: errors.New("corrupt file")}
	e, _ := NewBookEngine(testBook(60), dec, &fakeOutput{}, 5*time.Millisecond)
	defer e.Unload()

	events, cancel := e.Subscribe()
	defer cancel()

	e.Play()
	ev := waitFor(t, events, engine.EventPlaybackFailed)
	if ev.Err == nil {
		t.Error("failure event without error")
	}
	if e.IsPlaying() {
		t.Error("still playing after failure")
	}
}

func TestSeekAndSkip(t *testing.T) {
	dec := &fakeDecoder{block: true}
	e, _ := NewBookEngine(testBook(100, 100), dec, &fakeOutput{}, time.Hour)
	defer e.Unload()

	if err := e.Seek(types.PlaybackPosition{TrackKey: "zz"}); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("Seek unknown track = %v", err)
	}

	if err := e.Seek(types.PlaybackPosition{TrackKey: "a", Timestamp: 90}); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := e.SkipBy(30 * time.Second); err != nil {
		t.Fatalf("SkipBy: %v", err)
	}
	pos, _ := e.CurrentPosition()
	if pos.TrackKey != "b" || pos.Timestamp != 20 {
		t.Errorf("after skip forward: %s@%v, want b@20", pos.TrackKey, pos.Timestamp)
	}

	_ = e.SkipBy(-60 * time.Second)
	pos, _ = e.CurrentPosition()
	if pos.TrackKey != "a" || pos.Timestamp != 60 {
		t.Errorf("after skip back: %s@%v, want a@60", pos.TrackKey, pos.Timestamp)
	}

	_ = e.SkipBy(-time.Hour)
	pos, _ = e.CurrentPosition()
	if pos.TrackKey != "a" || pos.Timestamp != 0 {
		t.Errorf("skip before start: %s@%v, want a@0", pos.TrackKey, pos.Timestamp)
	}

	_ = e.SkipBy(time.Hour)
	pos, _ = e.CurrentPosition()
	if pos.TrackKey != "b" || pos.Timestamp != 100 {
		t.Errorf("skip past end: %s@%v, want b@100", pos.TrackKey, pos.Timestamp)
	}
}

func TestSeekWhilePlayingRestartsDecodeAtOffset(t *testing.T) {
	dec := &fakeDecoder{block: true}
	e, _ := NewBookEngine(testBook(100, 100), dec, &fakeOutput{}, time.Hour)
	defer e.Unload()

	e.Play()
	if err := e.Seek(types.PlaybackPosition{TrackKey: "b", Timestamp: 42}); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for dec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	last := dec.last()
	if last.path != "/books/b.mp3" || last.start != 42*time.Second {
		t.Errorf("last decode = %+v", last)
	}
}

func TestSetRateRestartsDecode(t *testing.T) {
	dec := &fakeDecoder{block: true}
	e, _ := NewBookEngine(testBook(100), dec, &fakeOutput{}, time.Hour)
	defer e.Unload()

	e.Play()
	e.SetRate(1.5)
	if e.Rate() != 1.5 {
		t.Errorf("Rate() = %v", e.Rate())
	}

	deadline := time.Now().Add(time.Second)
	for dec.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dec.last().rate; got != 1.5 {
		t.Errorf("decode rate = %v, want 1.5", got)
	}
}

func TestCurrentChapter(t *testing.T) {
	book := testBook(600)
	book.Chapters = []types.Chapter{
		{Index: 0, Title: "Prologue", TrackKey: "a", Offset: 0},
		{Index: 1, Title: "One", TrackKey: "a", Offset: 120},
		{Index: 2, Title: "Two", TrackKey: "a", Offset: 400},
	}
	e, _ := NewBookEngine(book, &fakeDecoder{block: true}, &fakeOutput{}, time.Hour)
	defer e.Unload()

	_ = e.Seek(types.PlaybackPosition{TrackKey: "a", Timestamp: 200})
	ch, ok := e.CurrentChapter()
	if !ok || ch.Title != "One" {
		t.Errorf("CurrentChapter = %+v, %v", ch, ok)
	}
	pos, _ := e.CurrentPosition()
	if pos.ChapterIndex != 1 {
		t.Errorf("ChapterIndex = %d, want 1", pos.ChapterIndex)
	}
}

func TestUnloadClosesOutput(t *testing.T) {
	out := &fakeOutput{}
	e, _ := NewBookEngine(testBook(100), &fakeDecoder{block: true}, out, time.Hour)
	e.Play()
	e.Unload()
	e.Unload()

	if _, closed := out.state(); !closed {
		t.Error("output not closed")
	}
	if e.IsPlaying() {
		t.Error("IsPlaying() after Unload")
	}
	if _, ok := e.CurrentPosition(); ok {
		t.Error("CurrentPosition available after Unload")
	}
	e.Play()
	if e.IsPlaying() {
		t.Error("Play revived an unloaded engine")
	}
}
