// Package audio plays audiobooks using FFmpeg for decoding and Oto for output.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// DefaultTick is how often a playing engine reports its position
const DefaultTick = 250 * time.Millisecond

// ErrUnknownTrack is returned when seeking to a track the book does not have
var ErrUnknownTrack = errors.New("unknown track")

// BookEngine plays the tracks of one book in order. Each (re)start of
// decoding gets a new run number; goroutines from an older run exit without
// touching state, so seeks and rate changes never race a dying decoder.
type BookEngine struct {
	id       string
	book     types.Book
	chapters []types.Chapter
	decoder  Decoder
	output   Output
	tick     time.Duration
	events   *eventbus.Bus[engine.Event]

	life   context.Context
	unload context.CancelFunc

	mu        sync.Mutex
	trackIdx  int
	offset    float64   // seconds into the track when the current segment began
	segStart  time.Time // wall clock when the current segment began
	playing   bool
	rate      types.PlaybackRate
	run       uint64
	runCancel context.CancelFunc
	unloaded  bool
}

// NewBookEngine creates an engine for book. The engine owns output and
// closes it on Unload.
func NewBookEngine(book types.Book, decoder Decoder, output Output, tick time.Duration) (*BookEngine, error) {
	if len(book.Tracks) == 0 {
		return nil, fmt.Errorf("book %s has no tracks", book.ID)
	}
	if tick <= 0 {
		tick = DefaultTick
	}

	life, unload := context.WithCancel(context.Background())
	return &BookEngine{
		id:       uuid.New().String(),
		book:     book,
		chapters: chaptersFor(book),
		decoder:  decoder,
		output:   output,
		tick:     tick,
		events:   eventbus.New[engine.Event](),
		life:     life,
		unload:   unload,
		rate:     types.DefaultRate,
	}, nil
}

// chaptersFor returns the book's chapter list, or one chapter per track
// when the book does not define any.
func chaptersFor(book types.Book) []types.Chapter {
	if len(book.Chapters) > 0 {
		return book.Chapters
	}
	return lo.Map(book.Tracks, func(t types.Track, i int) types.Chapter {
		title := t.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		return types.Chapter{Index: i, Title: title, TrackKey: t.Key, Duration: t.Duration}
	})
}

func (e *BookEngine) ID() string     { return e.id }
func (e *BookEngine) BookID() string { return e.book.ID }

// Chapters returns a copy of the chapter list
func (e *BookEngine) Chapters() []types.Chapter {
	return append([]types.Chapter(nil), e.chapters...)
}

// Subscribe returns the engine's notifications
func (e *BookEngine) Subscribe() (<-chan engine.Event, func()) {
	return e.events.Subscribe()
}

func (e *BookEngine) publish(ev engine.Event) {
	_ = e.events.Publish(e.life, ev)
}

// positionLocked returns the playhead in seconds into the current track
func (e *BookEngine) positionLocked() float64 {
	if !e.playing {
		return e.offset
	}
	elapsed := time.Since(e.segStart).Seconds() * float64(e.rate)
	return math.Min(e.offset+elapsed, e.book.Tracks[e.trackIdx].Duration)
}

func (e *BookEngine) snapshotLocked() types.PlaybackPosition {
	track := e.book.Tracks[e.trackIdx]
	ts := e.positionLocked()
	pos := types.PlaybackPosition{
		BookID:      e.book.ID,
		TrackKey:    track.Key,
		Timestamp:   ts,
		LastSavedAt: time.Now(),
	}
	if ch, ok := e.chapterAt(track.Key, ts); ok {
		pos.ChapterIndex = ch.Index
	}
	return pos
}

func (e *BookEngine) chapterAt(trackKey string, ts float64) (types.Chapter, bool) {
	var found types.Chapter
	ok := false
	for _, ch := range e.chapters {
		if ch.TrackKey == trackKey && ch.Offset <= ts {
			found, ok = ch, true
		}
	}
	return found, ok
}

// CurrentPosition returns the playhead
func (e *BookEngine) CurrentPosition() (types.PlaybackPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unloaded {
		return types.PlaybackPosition{}, false
	}
	return e.snapshotLocked(), true
}

// CurrentChapter returns the chapter containing the playhead
func (e *BookEngine) CurrentChapter() (types.Chapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unloaded {
		return types.Chapter{}, false
	}
	return e.chapterAt(e.book.Tracks[e.trackIdx].Key, e.positionLocked())
}

// IsPlaying reports whether audio is playing
func (e *BookEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// Play starts or resumes playback
func (e *BookEngine) Play() {
	e.mu.Lock()
	if e.unloaded || e.playing {
		e.mu.Unlock()
		return
	}
	e.playing = true
	e.segStart = time.Now()
	if e.runCancel == nil {
		e.startLocked()
	} else {
		e.output.Resume()
	}
	pos := e.snapshotLocked()
	e.mu.Unlock()

	logger.Debugf("engine %s playing %s at %.1fs", e.id, pos.TrackKey, pos.Timestamp)
	e.publish(engine.Event{Kind: engine.EventPlaybackBegan, Position: pos})
}

// Pause pauses playback (idempotent)
func (e *BookEngine) Pause() {
	e.mu.Lock()
	if e.unloaded || !e.playing {
		e.mu.Unlock()
		return
	}
	e.offset = e.positionLocked()
	e.playing = false
	e.output.Pause()
	pos := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(engine.Event{Kind: engine.EventPlaybackStopped, Position: pos})
}

// Rate returns the playback rate
func (e *BookEngine) Rate() types.PlaybackRate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetRate changes the playback rate, restarting decoding at the playhead
func (e *BookEngine) SetRate(r types.PlaybackRate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unloaded || r == e.rate {
		return
	}
	e.offset = e.positionLocked()
	e.segStart = time.Now()
	e.rate = r
	e.restartLocked()
}

// Seek moves the playhead to pos
func (e *BookEngine) Seek(pos types.PlaybackPosition) error {
	known := lo.ContainsBy(e.book.Tracks, func(t types.Track) bool { return t.Key == pos.TrackKey })
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, pos.TrackKey)
	}

	e.mu.Lock()
	e.moveLocked(pos.TrackKey, pos.Timestamp)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(engine.Event{Kind: engine.EventPositionUpdated, Position: snap})
	return nil
}

// SkipBy moves the playhead by d across track boundaries, clamped to the book
func (e *BookEngine) SkipBy(d time.Duration) error {
	e.mu.Lock()
	abs := d.Seconds() + e.positionLocked()
	for i := 0; i < e.trackIdx; i++ {
		abs += e.book.Tracks[i].Duration
	}
	if abs < 0 {
		abs = 0
	}

	key, ts := e.locateLocked(abs)
	e.moveLocked(key, ts)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.publish(engine.Event{Kind: engine.EventPositionUpdated, Position: snap})
	return nil
}

// locateLocked maps seconds from the start of the book to a track and offset
func (e *BookEngine) locateLocked(abs float64) (string, float64) {
	for _, t := range e.book.Tracks {
		if abs < t.Duration {
			return t.Key, abs
		}
		abs -= t.Duration
	}
	last := e.book.Tracks[len(e.book.Tracks)-1]
	return last.Key, last.Duration
}

func (e *BookEngine) moveLocked(trackKey string, ts float64) {
	if e.unloaded {
		return
	}
	for i, t := range e.book.Tracks {
		if t.Key == trackKey {
			e.trackIdx = i
			e.offset = math.Max(0, math.Min(ts, t.Duration))
			break
		}
	}
	e.segStart = time.Now()
	e.restartLocked()
}

// restartLocked discards the current run. A playing engine starts a new one
// at the playhead; a paused one starts fresh on the next Play.
func (e *BookEngine) restartLocked() {
	if e.runCancel == nil {
		if e.playing {
			e.startLocked()
		}
		return
	}
	if e.playing {
		e.startLocked()
		return
	}
	e.runCancel()
	e.runCancel = nil
	e.run++
	e.output.Stop()
}

func (e *BookEngine) startLocked() {
	if e.runCancel != nil {
		e.runCancel()
	}
	e.output.Stop()
	e.run++

	ctx, cancel := context.WithCancel(e.life)
	e.runCancel = cancel
	track := e.book.Tracks[e.trackIdx]
	start := time.Duration(e.offset * float64(time.Second))
	go e.playTrack(ctx, e.run, track, start, float64(e.rate))
}

// playTrack decodes one track and reports position until the playhead
// reaches its end, then moves on to the next track.
func (e *BookEngine) playTrack(ctx context.Context, run uint64, track types.Track, start time.Duration, rate float64) {
	decodeErr := make(chan error, 1)
	go func() {
		decodeErr <- e.decoder.DecodeFrom(ctx, track.Path, e.output, start, rate)
	}()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	decoded := false
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-decodeErr:
			decoded = true
			if err != nil && !errors.Is(err, context.Canceled) {
				e.fail(run, fmt.Errorf("decode %s: %w", track.Key, err))
				return
			}
		case <-ticker.C:
			ev, done := e.advance(run, decoded)
			if ev != nil {
				e.publish(*ev)
			}
			if done {
				return
			}
		}
	}
}

// advance samples the playhead for run. done reports that this run is over,
// either superseded or finished with its track.
func (e *BookEngine) advance(run uint64, decoded bool) (*engine.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if run != e.run || e.unloaded {
		return nil, true
	}
	if !e.playing {
		return nil, false
	}

	track := e.book.Tracks[e.trackIdx]
	if !decoded || e.positionLocked() < track.Duration {
		return &engine.Event{Kind: engine.EventPositionUpdated, Position: e.snapshotLocked()}, false
	}

	if e.trackIdx+1 < len(e.book.Tracks) {
		e.trackIdx++
		e.offset = 0
		e.segStart = time.Now()
		e.startLocked()
		return &engine.Event{Kind: engine.EventPositionUpdated, Position: e.snapshotLocked()}, true
	}

	e.offset = track.Duration
	e.playing = false
	e.runCancel()
	e.runCancel = nil
	return &engine.Event{Kind: engine.EventPlaybackCompleted, Position: e.snapshotLocked()}, true
}

func (e *BookEngine) fail(run uint64, err error) {
	e.mu.Lock()
	if run != e.run || e.unloaded {
		e.mu.Unlock()
		return
	}
	e.offset = e.positionLocked()
	e.playing = false
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	pos := e.snapshotLocked()
	e.mu.Unlock()

	logger.WithError(err).Errorf("engine %s playback failed", e.id)
	e.publish(engine.Event{Kind: engine.EventPlaybackFailed, Position: pos, Err: err})
}

// Unload stops playback and releases the output
func (e *BookEngine) Unload() {
	e.mu.Lock()
	if e.unloaded {
		e.mu.Unlock()
		return
	}
	e.unloaded = true
	e.playing = false
	e.run++
	e.runCancel = nil
	e.mu.Unlock()

	e.unload()
	e.events.Close()
	e.output.Stop()
	if err := e.output.Close(); err != nil {
		logger.WithError(err).Warn("failed to close output")
	}
	logger.Debugf("engine %s unloaded", e.id)
}

var _ engine.Engine = (*BookEngine)(nil)
