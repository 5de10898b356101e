package session

import (
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/nowplaying"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

// handle is the bound engine and everything derived from it. Only the
// actor goroutine touches it.
type handle struct {
	token    uint64
	book     types.Book
	engine   engine.Engine
	events   <-chan engine.Event
	cancel   func()
	chapters []types.Chapter
	chapter  mo.Option[types.Chapter]
	position mo.Option[types.PlaybackPosition]
	playing  bool
	lastSave time.Time
}

// latestPosition prefers the engine's live position over the last tick
func (h *handle) latestPosition() mo.Option[types.PlaybackPosition] {
	if pos, ok := h.engine.CurrentPosition(); ok {
		return mo.Some(pos)
	}
	return h.position
}

// chapterChanged reports whether ch differs from the current chapter by
// track or title
func (h *handle) chapterChanged(ch types.Chapter) bool {
	cur, ok := h.chapter.Get()
	return !ok || cur.TrackKey != ch.TrackKey || cur.Title != ch.Title
}

// absolute converts a track-relative time to seconds from the start of
// the book. Unknown tracks yield ok=false.
func (h *handle) absolute(trackKey string, ts float64) (float64, bool) {
	var before float64
	for _, t := range h.book.Tracks {
		if t.Key == trackKey {
			return before + ts, true
		}
		before += t.Duration
	}
	return 0, false
}

func (h *handle) bookDuration() float64 {
	return lo.SumBy(h.book.Tracks, func(t types.Track) float64 { return t.Duration })
}

// chapterProgress returns elapsed and total seconds within the current
// chapter
func (h *handle) chapterProgress(pos types.PlaybackPosition) (elapsed, duration float64) {
	ch, ok := h.chapter.Get()
	if !ok {
		return pos.Timestamp, h.trackDuration(pos.TrackKey)
	}

	start, okStart := h.absolute(ch.TrackKey, ch.Offset)
	at, okAt := h.absolute(pos.TrackKey, pos.Timestamp)
	if okStart && okAt {
		elapsed = at - start
	} else {
		elapsed = pos.Timestamp - ch.Offset
	}

	duration = ch.Duration
	if duration <= 0 && okStart {
		end := h.bookDuration()
		if ch.Index+1 < len(h.chapters) {
			nextCh := h.chapters[ch.Index+1]
			if s, ok := h.absolute(nextCh.TrackKey, nextCh.Offset); ok {
				end = s
			}
		}
		duration = end - start
	}
	return elapsed, duration
}

func (h *handle) trackDuration(key string) float64 {
	t, ok := lo.Find(h.book.Tracks, func(t types.Track) bool { return t.Key == key })
	if !ok {
		return 0
	}
	return t.Duration
}

// snapshot builds the now-playing metadata for the current position
func (h *handle) snapshot() nowplaying.Snapshot {
	snap := nowplaying.Snapshot{
		Title:     "Unknown",
		Artist:    h.book.Title,
		Album:     h.book.Author,
		IsPlaying: h.playing,
		Rate:      h.engine.Rate(),
	}

	if ch, ok := h.chapter.Get(); ok && ch.Title != "" {
		snap.Title = ch.Title
	}

	pos, ok := h.position.Get()
	if !ok {
		return snap
	}
	if _, hasChapter := h.chapter.Get(); !hasChapter {
		if t, found := lo.Find(h.book.Tracks, func(t types.Track) bool { return t.Key == pos.TrackKey }); found && t.Title != "" {
			snap.Title = t.Title
		}
	}
	snap.Elapsed, snap.Duration = h.chapterProgress(pos)
	return snap
}
