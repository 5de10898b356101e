package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/audio"
	"github.com/austinkregel/local-media/audiobookd/internal/auth"
	"github.com/austinkregel/local-media/audiobookd/internal/bookmarksync"
	"github.com/austinkregel/local-media/audiobookd/internal/config"
	"github.com/austinkregel/local-media/audiobookd/internal/content"
	"github.com/austinkregel/local-media/audiobookd/internal/engine"
	"github.com/austinkregel/local-media/audiobookd/internal/eventbus"
	"github.com/austinkregel/local-media/audiobookd/internal/headunit"
	"github.com/austinkregel/local-media/audiobookd/internal/ipc"
	"github.com/austinkregel/local-media/audiobookd/internal/log"
	"github.com/austinkregel/local-media/audiobookd/internal/media"
	"github.com/austinkregel/local-media/audiobookd/internal/netcheck"
	"github.com/austinkregel/local-media/audiobookd/internal/nowplaying"
	"github.com/austinkregel/local-media/audiobookd/internal/position"
	"github.com/austinkregel/local-media/audiobookd/internal/registry"
	"github.com/austinkregel/local-media/audiobookd/internal/remote"
	"github.com/austinkregel/local-media/audiobookd/internal/session"
)

var logger = log.For("main")

const shutdownTimeout = 5 * time.Second

func runDaemon(ctx context.Context, mgr *config.Manager) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	cfg := mgr.Get()
	dir := mgr.Dir()
	logger.Infof("audiobookd %s starting", Version)

	mgr.Watch(func(c *config.Config) {
		if err := log.Setup(c.Logs, dir); err != nil {
			logger.WithError(err).Warn("failed to apply log settings")
		}
		logger.Info("config reloaded; session settings apply on restart")
	})

	authStore, err := auth.NewStore(filepath.Join(dir, "clients.json"))
	if err != nil {
		return fmt.Errorf("failed to initialize auth store: %w", err)
	}
	authManager := auth.NewManager(authStore, cfg.TestMode)

	mediaSession, err := media.NewSession("audiobookd")
	if err != nil {
		logger.WithError(err).Warn("failed to initialize media session, continuing without OS media integration")
		mediaSession = media.NewNoOpSession()
	}
	defer mediaSession.Close()

	store, err := registry.Open(cfg.RegistryPath, registry.Options{})
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer store.Close()

	hostname, _ := os.Hostname()
	syncClient := bookmarksync.NewClient(cfg.Sync.BaseURL, hostname, cfg.Sync.Timeout,
		bookmarksync.NewQueue(filepath.Join(dir, "sync-queue.json")))
	if syncClient.Enabled() {
		go func() {
			sent, err := syncClient.RetryQueued(ctx)
			if err != nil {
				logger.WithError(err).Warn("failed to retry queued positions")
			} else if sent > 0 {
				logger.Infof("sent %d queued positions", sent)
			}
		}()
	}

	decoder, err := audio.NewFFmpegDecoder()
	if err != nil {
		return fmt.Errorf("failed to initialize decoder: %w", err)
	}
	audioSession := audio.NewSession(cfg.Audio.SampleRate, cfg.Audio.Volume)
	defer audioSession.Deactivate()

	announcements := eventbus.New[engine.Announcement]()
	defer announcements.Close()

	latest := position.NewLatestStore(filepath.Join(dir, "latest.json"))
	if err := latest.Load(); err != nil {
		logger.WithError(err).Warn("failed to restore latest position")
	}

	prompts := ipc.NewPromptBroker()
	defer prompts.Close()

	coordinator := session.New(session.Deps{
		Content:       content.NewLocalService(store, audioSession, decoder, announcements),
		Announcements: announcements,
		Registry:      store,
		NowPlaying:    nowplaying.NewPresenter(mediaSession, cfg.NowPlaying.Debounce),
		Remote:        syncClient,
		Pusher:        syncClient,
		Prompter:      prompts,
		Auth:          auth.NewAccount(cfg.Auth.Account, cfg.Auth.Required),
		Network:       netcheck.NewChecker(cfg.Network.RequiredInterfaces),
		Latest:        latest,
	}, session.Options{
		OpenTimeout:       cfg.Session.OpenTimeout,
		BindGrace:         cfg.Session.BindGrace,
		ServerUpdateDelay: cfg.Session.ServerUpdateDelay,
		PromptTimeout:     cfg.Session.PromptTimeout,
		SaveInterval:      cfg.Session.SaveInterval,
	})

	router := remote.NewRouter(mediaSession, audioSession, coordinator, remote.Options{
		SkipInterval: cfg.Remote.SkipInterval,
		Registry:     store,
	})
	// handlers must be in place before any surface can send a command
	router.EnsureInitialized(ctx)

	go showCovers(ctx, coordinator, store)

	errs := make(chan error, 2)
	servers := 1
	go func() {
		server := ipc.NewServer(socketPath(cfg), authManager, coordinator, store, prompts)
		if err := server.Start(ctx); err != nil {
			errs <- fmt.Errorf("IPC server error: %w", err)
			return
		}
		errs <- nil
	}()
	if cfg.HeadUnitListen != "" {
		servers++
		go func() {
			hu := headunit.NewServer(authManager, coordinator, store, prompts, router)
			if err := hu.ListenAndServe(ctx, cfg.HeadUnitListen); err != nil {
				errs <- fmt.Errorf("head unit server error: %w", err)
				return
			}
			errs <- nil
		}()
	}

	// the first server to fail takes everything down
	var runErr error
	for i := 0; i < servers; i++ {
		if err := <-errs; err != nil && runErr == nil {
			runErr = err
			logger.WithError(err).Error("shutting down")
			stop()
		}
	}
	stop()

	// the session saves its position when ctx ends
	select {
	case <-coordinator.Done():
	case <-time.After(shutdownTimeout):
		logger.Warn("session did not stop in time")
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("audiobookd stopped")
	return nil
}

// showCovers loads the cover of each book as it starts loading
func showCovers(ctx context.Context, c *session.Coordinator, store *registry.Store) {
	states, cancel := c.States()
	defer cancel()

	var current string
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Kind != session.StateLoading || st.BookID == current {
				continue
			}
			current = st.BookID
			book, err := store.Book(st.BookID)
			if err != nil {
				continue
			}
			image, err := content.Cover(book)
			if err != nil {
				logger.WithError(err).Debugf("no cover for %s", book.ID)
				continue
			}
			if image != nil {
				c.SetArtwork(image)
			}
		}
	}
}
