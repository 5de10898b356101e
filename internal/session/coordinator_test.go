package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/content"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/media"
	"github.com/austinkregel/local-media/audiobookd/internal/nowplaying"
	"github.com/austinkregel/local-media/audiobookd/internal/position"
	"github.com/austinkregel/local-media/audiobookd/internal/reconcile"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/samber/mo"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c        *Coordinator
	content  *fakeContent
	registry *fakeRegistry
	np       *fakeNowPlaying
	network  *fakeNetwork
	clock    *fakeClock
	journal  *journal
}

type harnessOption func(*Deps, *Options)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	j := &journal{}
	bus := eventbus.New[engine.Announcement]()
	h := &harness{
		content:  &fakeContent{bus: bus, journal: j},
		registry: newFakeRegistry(j),
		np:       &fakeNowPlaying{},
		network:  &fakeNetwork{connected: true},
		clock:    &fakeClock{now: epoch},
		journal:  j,
	}

	deps := Deps{
		Content:       h.content,
		Announcements: bus,
		Registry:      h.registry,
		NowPlaying:    h.np,
		Network:       h.network,
		Latest:        position.NewLatestStore(""),
	}
	options := Options{
		OpenTimeout: 300 * time.Millisecond,
		BindGrace:   50 * time.Millisecond,
		Now:         h.clock.Now,
	}
	for _, o := range opts {
		o(&deps, &options)
	}

	h.c = New(deps, options)
	ctx, cancel := context.WithCancel(context.Background())
	h.c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
		bus.Close()
	})
	return h
}

func (h *harness) book(id string) types.Book {
	h.registry.setState(id, types.BookDownloadSuccessful)
	return types.Book{
		ID:     id,
		Title:  "Book " + id,
		Author: "Author " + id,
		Tracks: []types.Track{
			{Key: "001", Title: "Part 1", Path: "/books/" + id + "/01.mp3", Duration: 600},
			{Key: "002", Title: "Part 2", Path: "/books/" + id + "/02.mp3", Duration: 600},
		},
	}
}

func (h *harness) engineFor(t *testing.T, bookID string) *fakeEngine {
	t.Helper()
	eng, ok := h.c.Engine()
	if !ok {
		t.Fatal("no engine bound")
	}
	fe := eng.(*fakeEngine)
	if fe.BookID() != bookID {
		t.Fatalf("bound engine is for %s, want %s", fe.BookID(), bookID)
	}
	return fe
}

func TestOpenBookBindsAndAutoplays(t *testing.T) {
	h := newHarness(t)
	states, cancelStates := h.c.States()
	defer cancelStates()
	chapters, cancelChapters := h.c.Chapters()
	defer cancelChapters()

	if got := recv(t, states); got != Idle() {
		t.Fatalf("initial state = %s, want idle", got)
	}

	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}

	if got := recv(t, states); got != Loading("a") {
		t.Errorf("state = %s, want loading(a)", got)
	}
	if got := recv(t, states); got != Playing("a") {
		t.Errorf("state = %s, want playing(a)", got)
	}
	quiet(t, states, 50*time.Millisecond)

	update := recv(t, chapters)
	if update.BookID != "a" || len(update.Chapters) != 3 {
		t.Errorf("chapter update = %+v", update)
	}
	quiet(t, chapters, 50*time.Millisecond)

	if h.c.State() != Playing("a") {
		t.Errorf("State() = %s", h.c.State())
	}
	eng := h.engineFor(t, "a")
	if !eng.IsPlaying() {
		t.Error("engine should be playing after autoplay")
	}
	if book, ok := h.c.CurrentBook().Get(); !ok || book.ID != "a" {
		t.Errorf("CurrentBook() = %+v", h.c.CurrentBook())
	}
}

func TestOpenBookWithoutAutoplayIsPaused(t *testing.T) {
	h := newHarness(t)

	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	if h.c.State() != Paused("a") {
		t.Errorf("State() = %s, want paused(a)", h.c.State())
	}
	if h.engineFor(t, "a").IsPlaying() {
		t.Error("engine should not play without autoplay")
	}
}

func TestOpenBookRestoresSavedLocation(t *testing.T) {
	h := newHarness(t)
	saved := types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 125, LastSavedAt: epoch.Add(-time.Hour)}
	h.registry.locations["a"] = saved

	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}

	seeks := h.engineFor(t, "a").seekList()
	if len(seeks) != 1 || seeks[0] != saved {
		t.Errorf("seeks = %+v, want [%+v]", seeks, saved)
	}
	if pos, ok := h.c.Position().Get(); !ok || pos.Description() != saved.Description() {
		t.Errorf("Position() = %+v", h.c.Position())
	}
}

func TestOpenBookValidation(t *testing.T) {
	tests := []struct {
		name   string
		auth   fakeAuth
		state  types.BookState
		online bool
		want   error
	}{
		{"signed out", fakeAuth{required: true}, types.BookDownloadSuccessful, true, ErrNotAuthenticated},
		{"unregistered", fakeAuth{}, types.BookUnregistered, true, ErrNotDownloaded},
		{"needs download", fakeAuth{}, types.BookDownloadNeeded, true, ErrNotDownloaded},
		{"downloading offline", fakeAuth{}, types.BookDownloading, false, ErrNetworkUnavailable},
		{"failed download offline", fakeAuth{}, types.BookDownloadFailed, false, ErrNetworkUnavailable},
		{"downloading online", fakeAuth{}, types.BookDownloading, true, nil},
		{"downloaded offline", fakeAuth{}, types.BookDownloadSuccessful, false, nil},
		{"signed in", fakeAuth{required: true, signedIn: true}, types.BookUsed, true, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(d *Deps, _ *Options) { d.Auth = tt.auth })
			book := h.book("a")
			h.registry.setState("a", tt.state)
			h.network.set(tt.online)
			errs, cancel := h.c.Errors()
			defer cancel()

			err := h.c.OpenBook(context.Background(), book, true)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("OpenBook: %v", err)
				}
				return
			}

			if !errors.Is(err, tt.want) {
				t.Fatalf("OpenBook error = %v, want %v", err, tt.want)
			}
			if got := h.c.State(); got != Errored("a", tt.want.Error()) {
				t.Errorf("State() = %s", got)
			}
			if got := recv(t, errs); !errors.Is(got, tt.want) {
				t.Errorf("published error = %v", got)
			}
			if h.content.openCount() != 0 {
				t.Error("content should not be opened when validation fails")
			}
		})
	}
}

func TestFailedOpenStopsPreviousBook(t *testing.T) {
	h := newHarness(t)
	dismissals, cancel := h.c.Dismissals()
	defer cancel()

	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	first := h.engineFor(t, "a")

	err := h.c.OpenBook(context.Background(), types.Book{ID: "42", Title: "Not here"}, true)
	if !errors.Is(err, ErrNotDownloaded) {
		t.Fatalf("OpenBook error = %v, want not downloaded", err)
	}

	if !first.isUnloaded() {
		t.Error("previous engine should be unloaded")
	}
	if got := h.c.State(); got.Kind != StateError || got.BookID != "42" {
		t.Errorf("State() = %s, want error(42)", got)
	}
	if _, ok := h.c.Engine(); ok {
		t.Error("no engine should be bound")
	}
	if got := recv(t, dismissals); got != "a" {
		t.Errorf("dismissed %q, want a", got)
	}
}

func TestReopenSameBookDoesNotDismiss(t *testing.T) {
	h := newHarness(t)
	dismissals, cancel := h.c.Dismissals()
	defer cancel()

	book := h.book("a")
	if err := h.c.OpenBook(context.Background(), book, true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	if err := h.c.OpenBook(context.Background(), book, true); err != nil {
		t.Fatalf("second OpenBook: %v", err)
	}
	quiet(t, dismissals, 50*time.Millisecond)

	engines := h.content.allEngines()
	if len(engines) != 2 || !engines[0].isUnloaded() || engines[1].isUnloaded() {
		t.Errorf("expected the first engine unloaded and the second bound")
	}
}

func TestOpenBookAlreadyLoading(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.OpenTimeout = 2 * time.Second })
	release := make(chan struct{})
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error {
		<-release
		return h.content.announce(ctx, req)
	})
	errs, cancel := h.c.Errors()
	defer cancel()

	book := h.book("a")
	first := make(chan error, 1)
	go func() { first <- h.c.OpenBook(context.Background(), book, true) }()
	eventually(t, "loading", func() bool { return h.c.State() == Loading("a") })

	err := h.c.OpenBook(context.Background(), book, true)
	if !errors.Is(err, ErrAlreadyLoading) {
		t.Fatalf("second OpenBook = %v, want already loading", err)
	}
	if got := recv(t, errs); !errors.Is(got, ErrAlreadyLoading) {
		t.Errorf("published error = %v", got)
	}
	if h.c.State() != Loading("a") {
		t.Errorf("State() = %s, want loading(a)", h.c.State())
	}

	close(release)
	if err := recv(t, first); err != nil {
		t.Fatalf("first OpenBook: %v", err)
	}
	if h.c.State() != Playing("a") {
		t.Errorf("State() = %s, want playing(a)", h.c.State())
	}
}

func TestStaleEngineIsDiscarded(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.OpenTimeout = 2 * time.Second })
	release := make(chan struct{})
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error {
		if req.Book.ID == "a" {
			<-release
		}
		return h.content.announce(ctx, req)
	})

	first := make(chan error, 1)
	go func() { first <- h.c.OpenBook(context.Background(), h.book("a"), true) }()
	eventually(t, "loading a", func() bool { return h.c.State() == Loading("a") })

	if err := h.c.OpenBook(context.Background(), h.book("b"), true); err != nil {
		t.Fatalf("OpenBook(b): %v", err)
	}
	if err := recv(t, first); err == nil {
		t.Error("superseded OpenBook should fail")
	}

	close(release)
	eventually(t, "stale engine unloaded", func() bool {
		for _, e := range h.content.allEngines() {
			if e.BookID() == "a" {
				return e.isUnloaded()
			}
		}
		return false
	})

	if h.c.State() != Playing("b") {
		t.Errorf("State() = %s, want playing(b)", h.c.State())
	}
	h.engineFor(t, "b")
}

func TestConcurrentOpensLeaveOneEngine(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.OpenTimeout = 2 * time.Second })

	books := lo.Map([]string{"a", "b", "c", "d", "e"}, func(id string, _ int) types.Book { return h.book(id) })
	results := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, book := range books {
		wg.Add(1)
		go func(book types.Book) {
			defer wg.Done()
			err := h.c.OpenBook(context.Background(), book, true)
			mu.Lock()
			results[book.ID] = err
			mu.Unlock()
		}(book)
	}
	wg.Wait()

	eventually(t, "every superseded engine unloaded", func() bool {
		engines := h.content.allEngines()
		live := lo.Filter(engines, func(e *fakeEngine, _ int) bool { return !e.isUnloaded() })
		return len(engines) == len(books) && len(live) == 1
	})

	// tokens are handed out in call order on the actor, so the highest one
	// belongs to the open nothing superseded
	last, ok := h.content.lastRequest()
	if !ok {
		t.Fatal("content service never called")
	}
	if results[last.Book.ID] != nil {
		t.Fatalf("last open of %s failed: %v", last.Book.ID, results[last.Book.ID])
	}

	live := lo.Filter(h.content.allEngines(), func(e *fakeEngine, _ int) bool { return !e.isUnloaded() })
	eng := h.engineFor(t, last.Book.ID)
	if eng != live[0] {
		t.Errorf("bound engine %s is not the live one %s", eng.ID(), live[0].ID())
	}
	if st := h.c.State(); st != Playing(last.Book.ID) {
		t.Errorf("State() = %s, want playing(%s)", st, last.Book.ID)
	}
}

func TestContentCompletesWithoutEngine(t *testing.T) {
	h := newHarness(t)
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error { return nil })

	err := h.c.OpenBook(context.Background(), h.book("a"), true)
	if !errors.Is(err, ErrPlayerCreationFailed) {
		t.Fatalf("OpenBook = %v, want player creation failed", err)
	}
	if got := h.c.State(); got != Errored("a", ErrPlayerCreationFailed.Error()) {
		t.Errorf("State() = %s", got)
	}
}

func TestEngineAnnouncedAfterCompletionWithinGrace(t *testing.T) {
	h := newHarness(t)
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			_ = h.content.announce(ctx, req)
		}()
		return nil
	})

	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	if h.c.State() != Playing("a") {
		t.Errorf("State() = %s", h.c.State())
	}
}

func TestOpenBookTimeout(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.OpenTimeout = 50 * time.Millisecond })
	release := make(chan struct{})
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error {
		<-release
		return h.content.announce(ctx, req)
	})

	err := h.c.OpenBook(context.Background(), h.book("a"), true)
	if !errors.Is(err, Unknown("Timeout loading audiobook")) {
		t.Fatalf("OpenBook = %v, want timeout", err)
	}
	if got := h.c.State(); got != Errored("a", "Timeout loading audiobook") {
		t.Errorf("State() = %s", got)
	}

	close(release)
	eventually(t, "late engine unloaded", func() bool {
		engines := h.content.allEngines()
		return len(engines) == 1 && engines[0].isUnloaded()
	})
	if h.c.State().Kind != StateError {
		t.Errorf("late engine changed state to %s", h.c.State())
	}
}

func TestContentErrorsAreMapped(t *testing.T) {
	h := newHarness(t)
	h.content.setOpen(func(ctx context.Context, req content.OpenRequest) error {
		return fmt.Errorf("%w: no tracks", content.ErrManifest)
	})

	err := h.c.OpenBook(context.Background(), h.book("a"), true)
	if !errors.Is(err, ErrManifestLoadFailed) {
		t.Fatalf("OpenBook = %v, want manifest load failed", err)
	}
}

func TestStopSavesBeforeUnload(t *testing.T) {
	h := newHarness(t)
	book := h.book("a")
	if err := h.c.OpenBook(context.Background(), book, true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	eng := h.engineFor(t, "a")
	at := types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 42}
	eng.moveTo(at, 2)
	eventually(t, "position tick", func() bool {
		pos, ok := h.c.Position().Get()
		return ok && pos.Timestamp == 42
	})

	h.c.StopPlayback(context.Background(), false)

	entries := h.journal.list()
	saveAt := lo.IndexOf(entries, "save a")
	unloadAt := lo.IndexOf(entries, "unload a")
	if saveAt < 0 || unloadAt < 0 || saveAt > unloadAt {
		t.Fatalf("journal = %v, want save before unload", entries)
	}
	if h.c.State() != Idle() {
		t.Errorf("State() = %s, want idle", h.c.State())
	}
	h.np.mu.Lock()
	cleared := h.np.cleared
	h.np.mu.Unlock()
	if cleared == 0 {
		t.Error("now playing should be cleared")
	}

	if err := h.c.OpenBook(context.Background(), book, false); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seeks := h.engineFor(t, "a").seekList()
	if len(seeks) != 1 || seeks[0].Description() != at.Description() {
		t.Errorf("reopen seeks = %+v, want %s", seeks, at.Description())
	}
}

func TestStopWithDismiss(t *testing.T) {
	h := newHarness(t)
	dismissals, cancel := h.c.Dismissals()
	defer cancel()

	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	h.c.StopPlayback(context.Background(), true)
	if got := recv(t, dismissals); got != "a" {
		t.Errorf("dismissed %q", got)
	}
}

func TestTransportWithoutEngine(t *testing.T) {
	h := newHarness(t)

	ops := map[string]func() error{
		"play":   h.c.Play,
		"pause":  h.c.Pause,
		"toggle": h.c.TogglePlayPause,
		"skip":   func() error { return h.c.SkipBy(30 * time.Second) },
		"chapter": func() error {
			return h.c.SkipToChapter(1)
		},
		"rate": func() error { return h.c.SetRate(1.5) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNoEngine) {
			t.Errorf("%s without engine = %v, want ErrNoEngine", name, err)
		}
	}
	if got := h.c.CyclePlaybackRate(); got != types.DefaultRate {
		t.Errorf("CyclePlaybackRate() = %s, want default", got)
	}
	if _, err := h.c.ResumeSync(context.Background()); !errors.Is(err, ErrNoEngine) {
		t.Errorf("ResumeSync without engine = %v", err)
	}
	if h.c.State() != Idle() {
		t.Errorf("State() = %s, want idle", h.c.State())
	}
}

func TestTransportDrivesEngine(t *testing.T) {
	h := newHarness(t)
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	eng := h.engineFor(t, "a")

	if err := h.c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	eventually(t, "paused state", func() bool { return h.c.State() == Paused("a") })

	if err := h.c.TogglePlayPause(); err != nil {
		t.Fatalf("TogglePlayPause: %v", err)
	}
	eventually(t, "playing state", func() bool { return h.c.State() == Playing("a") })

	if err := h.c.SkipBy(-30 * time.Second); err != nil {
		t.Fatalf("SkipBy: %v", err)
	}
	if err := h.c.SkipToChapter(2); err != nil {
		t.Fatalf("SkipToChapter: %v", err)
	}
	if err := h.c.SkipToChapter(99); err != nil {
		t.Fatalf("SkipToChapter out of range: %v", err)
	}

	seeks := eng.seekList()
	if len(seeks) != 1 || seeks[0].TrackKey != "002" || seeks[0].Timestamp != 0 {
		t.Errorf("seeks = %+v, want chapter 2 start", seeks)
	}
	eng.mu.Lock()
	skips := append([]time.Duration(nil), eng.skips...)
	eng.mu.Unlock()
	if len(skips) != 1 || skips[0] != -30*time.Second {
		t.Errorf("skips = %v", skips)
	}
}

func TestPauseAfterTickLeavesSurfacePaused(t *testing.T) {
	surface := &fakeSurface{}
	const window = 40 * time.Millisecond
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.NowPlaying = nowplaying.NewPresenter(surface, window)
	})
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	eng := h.engineFor(t, "a")

	eng.moveTo(types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 45, LastSavedAt: epoch}, 1)
	if err := h.c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	eventually(t, "paused state", func() bool { return h.c.State() == Paused("a") })
	time.Sleep(4 * window)

	if st, ok := surface.lastState(); !ok || st != media.StatePaused {
		t.Errorf("last surface state = %s, want paused", st)
	}
	surface.mu.Lock()
	defer surface.mu.Unlock()
	if n := len(surface.infos); n == 0 || surface.infos[n-1].Rate != 0 {
		t.Errorf("last surface info = %+v, want rate 0", surface.infos)
	}
}

func TestCyclePlaybackRate(t *testing.T) {
	h := newHarness(t)
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}

	want := []types.PlaybackRate{1.25, 1.5, 2.0, 0.75, 1.0}
	for _, w := range want {
		if got := h.c.CyclePlaybackRate(); got != w {
			t.Fatalf("CyclePlaybackRate() = %s, want %s", got, w)
		}
	}
	h.np.mu.Lock()
	defer h.np.mu.Unlock()
	if len(h.np.rates) != len(want) || h.np.rates[0] != 1.25 {
		t.Errorf("presenter rates = %v", h.np.rates)
	}
}

func TestEngineFailure(t *testing.T) {
	h := newHarness(t)
	errs, cancel := h.c.Errors()
	defer cancel()
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}

	eng := h.engineFor(t, "a")
	eng.mu.Lock()
	eng.playing = false
	eng.mu.Unlock()
	eng.emit(engine.Event{Kind: engine.EventPlaybackFailed, Err: errors.New("decoder died")})

	eventually(t, "error state", func() bool { return h.c.State() == Errored("a", "Playback failed") })
	if got := recv(t, errs); !errors.Is(got, Unknown("Playback failed")) {
		t.Errorf("published error = %v", got)
	}

	if err := h.c.Play(); err != nil {
		t.Fatalf("Play after failure: %v", err)
	}
	eventually(t, "recovered", func() bool { return h.c.State() == Playing("a") })
}

func TestPlaybackCompletedPauses(t *testing.T) {
	h := newHarness(t)
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	h.engineFor(t, "a").emit(engine.Event{Kind: engine.EventPlaybackCompleted})
	eventually(t, "paused", func() bool { return h.c.State() == Paused("a") })
}

func TestChapterChangePublishes(t *testing.T) {
	h := newHarness(t)
	chapters, cancel := h.c.Chapters()
	defer cancel()
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	recv(t, chapters)

	eng := h.engineFor(t, "a")
	eng.moveTo(types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 40}, 1)

	update := recv(t, chapters)
	ch, ok := update.Current.Get()
	if !ok || ch.Title != "Chapter 1" {
		t.Fatalf("current chapter = %+v", update.Current)
	}

	// same chapter, later tick
	eng.moveTo(types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 41}, 1)
	quiet(t, chapters, 50*time.Millisecond)

	snap, ok := h.np.last()
	if !ok || snap.Title != "Chapter 1" || snap.Artist != "Book a" || snap.Album != "Author a" {
		t.Errorf("now playing = %+v", snap)
	}
	if snap.Elapsed != 11 || snap.Duration != 570 {
		t.Errorf("elapsed/duration = %v/%v, want 11/570", snap.Elapsed, snap.Duration)
	}
}

func TestPositionSavesAreThrottled(t *testing.T) {
	h := newHarness(t)
	if err := h.c.OpenBook(context.Background(), h.book("a"), true); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	eng := h.engineFor(t, "a")
	before := h.registry.saveCount()

	for i := 1; i <= 3; i++ {
		h.clock.Advance(time.Second)
		eng.moveTo(types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: float64(i)}, 0)
	}
	eventually(t, "ticks", func() bool {
		pos, ok := h.c.Position().Get()
		return ok && pos.Timestamp == 3
	})
	if got := h.registry.saveCount(); got != before {
		t.Errorf("saved %d times within the interval", got-before)
	}

	h.clock.Advance(DefaultSaveInterval)
	eng.moveTo(types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 9}, 0)
	eventually(t, "throttled save", func() bool { return h.registry.saveCount() == before+1 })
}

func TestRemotePositionOfferedOnOpen(t *testing.T) {
	remote := types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 300, LastSavedAt: epoch.Add(time.Hour)}
	var asked sync.WaitGroup
	asked.Add(1)
	prompter := reconcile.PrompterFunc(func(ctx context.Context, local mo.Option[types.PlaybackPosition], r types.PlaybackPosition) (bool, error) {
		defer asked.Done()
		return true, nil
	})

	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Remote = fakeRemote{pos: mo.Some(remote)}
		d.Prompter = prompter
	})
	h.registry.locations["a"] = types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 10, LastSavedAt: epoch}

	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	asked.Wait()

	eng := h.engineFor(t, "a")
	eventually(t, "seek to remote", func() bool {
		seeks := eng.seekList()
		return len(seeks) == 2 && seeks[1].Description() == remote.Description()
	})
}

func TestDeclinedSyncWithoutLocalResumesAtRemote(t *testing.T) {
	remote := types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 300, LastSavedAt: epoch}
	asked := make(chan struct{}, 1)
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Remote = fakeRemote{pos: mo.Some(remote)}
		d.Prompter = reconcile.PrompterFunc(func(context.Context, mo.Option[types.PlaybackPosition], types.PlaybackPosition) (bool, error) {
			asked <- struct{}{}
			return false, nil
		})
	})

	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	recv(t, asked)

	eng := h.engineFor(t, "a")
	eventually(t, "seek to remote", func() bool {
		seeks := eng.seekList()
		return len(seeks) == 1 && seeks[0].Description() == remote.Description()
	})
}

func TestDeclinedSyncKeepsLocal(t *testing.T) {
	local := types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 10, LastSavedAt: epoch}
	asked := make(chan struct{}, 1)
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Remote = fakeRemote{pos: mo.Some(types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 300, LastSavedAt: epoch.Add(time.Hour)})}
		d.Prompter = reconcile.PrompterFunc(func(context.Context, mo.Option[types.PlaybackPosition], types.PlaybackPosition) (bool, error) {
			asked <- struct{}{}
			return false, nil
		})
	})
	h.registry.locations["a"] = local

	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	recv(t, asked)
	time.Sleep(50 * time.Millisecond)

	seeks := h.engineFor(t, "a").seekList()
	if len(seeks) != 1 || seeks[0].Description() != local.Description() {
		t.Errorf("seeks = %+v, want only the local restore", seeks)
	}
}

func TestRemotePositionWithinDelayIsIgnored(t *testing.T) {
	called := make(chan struct{}, 1)
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Remote = fakeRemote{pos: mo.Some(types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 300, LastSavedAt: epoch.Add(time.Minute)})}
		d.Prompter = reconcile.PrompterFunc(func(context.Context, mo.Option[types.PlaybackPosition], types.PlaybackPosition) (bool, error) {
			called <- struct{}{}
			return true, nil
		})
	})
	h.registry.locations["a"] = types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 10, LastSavedAt: epoch}

	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}
	quiet(t, called, 100*time.Millisecond)
}

func TestResumeSyncOffersAnyDifferentPosition(t *testing.T) {
	remote := types.PlaybackPosition{BookID: "a", TrackKey: "002", Timestamp: 300, LastSavedAt: epoch.Add(time.Minute)}
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Remote = fakeRemote{pos: mo.Some(remote)}
		d.Prompter = reconcile.PrompterFunc(func(context.Context, mo.Option[types.PlaybackPosition], types.PlaybackPosition) (bool, error) {
			return true, nil
		})
	})
	h.registry.locations["a"] = types.PlaybackPosition{BookID: "a", TrackKey: "001", Timestamp: 10, LastSavedAt: epoch}
	if err := h.c.OpenBook(context.Background(), h.book("a"), false); err != nil {
		t.Fatalf("OpenBook: %v", err)
	}

	d, err := h.c.ResumeSync(context.Background())
	if err != nil {
		t.Fatalf("ResumeSync: %v", err)
	}
	if !d.Accepted || d.Chosen.Description() != remote.Description() {
		t.Errorf("decision = %+v", d)
	}
	if pos, ok := h.c.Position().Get(); !ok || pos.Description() != remote.Description() {
		t.Errorf("Position() = %+v", h.c.Position())
	}
}

func TestArtworkReachesNowPlaying(t *testing.T) {
	h := newHarness(t)
	h.c.SetArtwork([]byte{0xff, 0xd8})
	if string(h.c.Artwork()) != string([]byte{0xff, 0xd8}) {
		t.Errorf("Artwork() = %v", h.c.Artwork())
	}
	h.np.mu.Lock()
	defer h.np.mu.Unlock()
	if len(h.np.artwork) != 2 {
		t.Errorf("presenter artwork = %v", h.np.artwork)
	}
}
