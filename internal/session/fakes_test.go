package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/content"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/media"
	"github.com/austinkregel/local-media/audiobookd/internal/nowplaying"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

// journal records the order of side effects across fakes
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeEngine struct {
	id      string
	bookID  string
	events  *eventbus.Bus[engine.Event]
	journal *journal

	mu       sync.Mutex
	playing  bool
	plays    int
	rate     types.PlaybackRate
	chapters []types.Chapter
	current  int
	pos      mo.Option[types.PlaybackPosition]
	seeks    []types.PlaybackPosition
	skips    []time.Duration
	unloaded bool
}

func newFakeEngine(id, bookID string, j *journal) *fakeEngine {
	return &fakeEngine{
		id:      id,
		bookID:  bookID,
		events:  eventbus.New[engine.Event](),
		journal: j,
		rate:    types.DefaultRate,
		current: -1,
		chapters: []types.Chapter{
			{Index: 0, Title: "Opening Credits", TrackKey: "001", Offset: 0, Duration: 30},
			{Index: 1, Title: "Chapter 1", TrackKey: "001", Offset: 30, Duration: 570},
			{Index: 2, Title: "Chapter 2", TrackKey: "002", Offset: 0, Duration: 600},
		},
	}
}

func (e *fakeEngine) ID() string     { return e.id }
func (e *fakeEngine) BookID() string { return e.bookID }

func (e *fakeEngine) Play() {
	e.mu.Lock()
	e.plays++
	was := e.playing
	e.playing = true
	pos := e.pos.OrEmpty()
	e.mu.Unlock()
	if !was {
		e.emit(engine.Event{Kind: engine.EventPlaybackBegan, Position: pos})
	}
}

func (e *fakeEngine) Pause() {
	e.mu.Lock()
	was := e.playing
	e.playing = false
	pos := e.pos.OrEmpty()
	e.mu.Unlock()
	if was {
		e.emit(engine.Event{Kind: engine.EventPlaybackStopped, Position: pos})
	}
}

func (e *fakeEngine) IsPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *fakeEngine) Seek(pos types.PlaybackPosition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeks = append(e.seeks, pos)
	e.pos = mo.Some(pos)
	return nil
}

func (e *fakeEngine) SkipBy(d time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.skips = append(e.skips, d)
	return nil
}

func (e *fakeEngine) Rate() types.PlaybackRate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *fakeEngine) SetRate(r types.PlaybackRate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = r
}

func (e *fakeEngine) Chapters() []types.Chapter {
	return e.chapters
}

func (e *fakeEngine) CurrentChapter() (types.Chapter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current < 0 {
		return types.Chapter{}, false
	}
	return e.chapters[e.current], true
}

func (e *fakeEngine) CurrentPosition() (types.PlaybackPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.Get()
}

func (e *fakeEngine) Subscribe() (<-chan engine.Event, func()) {
	return e.events.Subscribe()
}

func (e *fakeEngine) Unload() {
	e.mu.Lock()
	e.unloaded = true
	e.playing = false
	e.mu.Unlock()
	if e.journal != nil {
		e.journal.add("unload " + e.bookID)
	}
	e.events.Close()
}

func (e *fakeEngine) isUnloaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unloaded
}

func (e *fakeEngine) seekList() []types.PlaybackPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.PlaybackPosition(nil), e.seeks...)
}

// moveTo sets the playhead and chapter, then reports the tick
func (e *fakeEngine) moveTo(pos types.PlaybackPosition, chapter int) {
	e.mu.Lock()
	e.pos = mo.Some(pos)
	e.current = chapter
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventPositionUpdated, Position: pos})
}

func (e *fakeEngine) emit(ev engine.Event) {
	_ = e.events.Publish(context.Background(), ev)
}

type fakeContent struct {
	bus     *eventbus.Bus[engine.Announcement]
	journal *journal

	mu      sync.Mutex
	engines  []*fakeEngine
	requests []content.OpenRequest
	opens    int
	open     func(ctx context.Context, req content.OpenRequest) error
}

func (f *fakeContent) Open(ctx context.Context, req content.OpenRequest) error {
	f.mu.Lock()
	f.opens++
	f.requests = append(f.requests, req)
	open := f.open
	f.mu.Unlock()
	if open != nil {
		return open(ctx, req)
	}
	return f.announce(ctx, req)
}

func (f *fakeContent) announce(ctx context.Context, req content.OpenRequest) error {
	f.mu.Lock()
	e := newFakeEngine(req.Book.ID+"-engine", req.Book.ID, f.journal)
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return f.bus.Publish(ctx, engine.Announcement{Token: req.Token, Engine: e})
}

func (f *fakeContent) allEngines() []*fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeEngine(nil), f.engines...)
}

// lastRequest returns the request with the highest token
func (f *fakeContent) lastRequest() (content.OpenRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return content.OpenRequest{}, false
	}
	return lo.MaxBy(f.requests, func(a, b content.OpenRequest) bool { return a.Token > b.Token }), true
}

func (f *fakeContent) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeContent) setOpen(fn func(ctx context.Context, req content.OpenRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = fn
}

type fakeRegistry struct {
	journal *journal

	mu        sync.Mutex
	states    map[string]types.BookState
	locations map[string]types.PlaybackPosition
	saves     int
}

func newFakeRegistry(j *journal) *fakeRegistry {
	return &fakeRegistry{
		journal:   j,
		states:    make(map[string]types.BookState),
		locations: make(map[string]types.PlaybackPosition),
	}
}

func (r *fakeRegistry) State(bookID string) types.BookState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[bookID]
}

func (r *fakeRegistry) setState(bookID string, st types.BookState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[bookID] = st
}

func (r *fakeRegistry) Location(bookID string) (mo.Option[types.PlaybackPosition], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.locations[bookID]
	if !ok {
		return mo.None[types.PlaybackPosition](), nil
	}
	return mo.Some(pos), nil
}

func (r *fakeRegistry) SaveLocation(bookID string, pos types.PlaybackPosition) error {
	r.mu.Lock()
	r.locations[bookID] = pos
	r.saves++
	r.mu.Unlock()
	r.journal.add("save " + bookID)
	return nil
}

func (r *fakeRegistry) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type fakeNowPlaying struct {
	mu      sync.Mutex
	snaps   []nowplaying.Snapshot
	playing []bool
	rates   []types.PlaybackRate
	artwork []byte
	cleared int
}

func (f *fakeNowPlaying) UpdateNowPlaying(snap nowplaying.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
}

func (f *fakeNowPlaying) SetPlaybackState(playing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = append(f.playing, playing)
}

func (f *fakeNowPlaying) UpdatePlaybackRate(rate types.PlaybackRate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, rate)
}

func (f *fakeNowPlaying) UpdateArtwork(image []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artwork = image
}

func (f *fakeNowPlaying) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeNowPlaying) last() (nowplaying.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return nowplaying.Snapshot{}, false
	}
	return f.snaps[len(f.snaps)-1], true
}

// fakeSurface records what a real presenter writes to the OS surface
type fakeSurface struct {
	mu     sync.Mutex
	infos  []media.Info
	states []media.PlaybackState
}

func (f *fakeSurface) SetNowPlaying(info media.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, info)
	return nil
}

func (f *fakeSurface) SetPlaybackState(state media.PlaybackState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeSurface) ClearNowPlaying() error { return nil }

func (f *fakeSurface) lastState() (media.PlaybackState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return media.StateStopped, false
	}
	return f.states[len(f.states)-1], true
}

type fakeAuth struct{ required, signedIn bool }

func (a fakeAuth) RequiresAuth() bool   { return a.required }
func (a fakeAuth) HasCredentials() bool { return a.signedIn }

type fakeNetwork struct {
	mu        sync.Mutex
	connected bool
}

func (n *fakeNetwork) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

func (n *fakeNetwork) set(connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = connected
}

type fakeRemote struct {
	pos mo.Option[types.PlaybackPosition]
}

func (r fakeRemote) FetchRemotePosition(ctx context.Context, book types.Book) (mo.Option[types.PlaybackPosition], error) {
	return r.pos, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a value")
	}
	var zero T
	return zero
}

func quiet[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %+v", v)
	case <-time.After(d):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
