//go:build linux

package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/godbus/dbus/v5"
)

const (
	mprisInterface       = "org.mpris.MediaPlayer2"
	mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"
	mprisBusPrefix       = "org.mpris.MediaPlayer2."
	mprisObjectPath      = "/org/mpris/MediaPlayer2"
	propertiesInterface  = "org.freedesktop.DBus.Properties"
)

// MPRISSession implements the now-playing surface and command source over
// MPRIS. Seek requests are delivered as intra-book skips; track navigation,
// loop and shuffle map to commands the router keeps disabled.
type MPRISSession struct {
	*Targets

	conn     *dbus.Conn
	identity string
	artPath  string

	mu    sync.Mutex
	info  Info
	state PlaybackState
	has   bool
}

// NewSession creates a new MPRIS media session owning org.mpris.MediaPlayer2.<identity>
func NewSession(identity string) (Session, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(mprisBusPrefix+identity, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name already taken")
	}

	s := &MPRISSession{
		Targets:  NewTargets(),
		conn:     conn,
		identity: identity,
		artPath:  filepath.Join(os.TempDir(), fmt.Sprintf("%s-cover-%d", identity, os.Getuid())),
		state:    StateStopped,
	}

	for _, iface := range []string{mprisInterface, mprisPlayerInterface, propertiesInterface} {
		if err := conn.Export(s, dbus.ObjectPath(mprisObjectPath), iface); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to export %s: %w", iface, err)
		}
	}

	return s, nil
}

// SetNowPlaying replaces the now-playing metadata
func (s *MPRISSession) SetNowPlaying(info Info) error {
	if len(info.Artwork) > 0 {
		if err := filesystem.API().WriteFile(s.artPath, info.Artwork, 0600); err != nil {
			return fmt.Errorf("failed to write artwork: %w", err)
		}
	}

	s.mu.Lock()
	s.info = info
	s.has = true
	props := map[string]dbus.Variant{
		"Metadata": dbus.MakeVariant(s.metadataMap()),
		"Rate":     dbus.MakeVariant(s.rate()),
	}
	s.mu.Unlock()

	return s.emitPropertiesChanged(props)
}

// SetPlaybackState updates the playback status
func (s *MPRISSession) SetPlaybackState(state PlaybackState) error {
	s.mu.Lock()
	old := s.state
	s.state = state
	elapsed := s.info.Elapsed
	s.mu.Unlock()

	if old != state && state == StatePlaying {
		// Tell clients where playback resumed; they extrapolate from Rate.
		if err := s.emitSeeked(elapsed); err != nil {
			return err
		}
	}

	return s.emitPropertiesChanged(map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(state.String()),
	})
}

// ClearNowPlaying removes the metadata and reports Stopped
func (s *MPRISSession) ClearNowPlaying() error {
	s.mu.Lock()
	s.info = Info{}
	s.has = false
	s.state = StateStopped
	props := map[string]dbus.Variant{
		"Metadata":       dbus.MakeVariant(s.metadataMap()),
		"PlaybackStatus": dbus.MakeVariant(StateStopped.String()),
	}
	s.mu.Unlock()

	_ = filesystem.API().Remove(s.artPath)
	return s.emitPropertiesChanged(props)
}

// SetEnabled toggles a command and republishes the Can* capabilities
func (s *MPRISSession) SetEnabled(cmd Command, enabled bool) {
	s.Targets.SetEnabled(cmd, enabled)
	_ = s.emitPropertiesChanged(s.capabilities())
}

// Close releases resources
func (s *MPRISSession) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// org.mpris.MediaPlayer2 methods

func (s *MPRISSession) Raise() *dbus.Error {
	return nil
}

func (s *MPRISSession) Quit() *dbus.Error {
	return nil
}

// org.mpris.MediaPlayer2.Player methods

func (s *MPRISSession) Play() *dbus.Error {
	return s.deliver(Event{Command: CmdPlay})
}

func (s *MPRISSession) Pause() *dbus.Error {
	return s.deliver(Event{Command: CmdPause})
}

func (s *MPRISSession) PlayPause() *dbus.Error {
	return s.deliver(Event{Command: CmdTogglePlayPause})
}

func (s *MPRISSession) Stop() *dbus.Error {
	return s.deliver(Event{Command: CmdStop})
}

func (s *MPRISSession) Next() *dbus.Error {
	return s.deliver(Event{Command: CmdNextTrack})
}

func (s *MPRISSession) Previous() *dbus.Error {
	return s.deliver(Event{Command: CmdPreviousTrack})
}

// Seek moves by offset microseconds. Desktop shells send the configured
// skip step here, so it becomes a skip within the book.
func (s *MPRISSession) Seek(offset int64) *dbus.Error {
	d := time.Duration(offset) * time.Microsecond
	if d < 0 {
		return s.deliver(Event{Command: CmdSkipBackward, Interval: -d})
	}
	return s.deliver(Event{Command: CmdSkipForward, Interval: d})
}

func (s *MPRISSession) SetPosition(trackID dbus.ObjectPath, position int64) *dbus.Error {
	return s.deliver(Event{Command: CmdChangePlaybackPosition})
}

// deliver dispatches without surfacing handler statuses as DBus errors;
// MPRIS callers have no use for them.
func (s *MPRISSession) deliver(e Event) *dbus.Error {
	s.Dispatch(e)
	return nil
}

// org.freedesktop.DBus.Properties methods

func (s *MPRISSession) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	var all map[string]dbus.Variant
	switch iface {
	case mprisInterface:
		all = s.rootProperties()
	case mprisPlayerInterface:
		all = s.playerProperties()
	default:
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
	}
	v, ok := all[prop]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property: %s", prop))
	}
	return v, nil
}

func (s *MPRISSession) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	switch iface {
	case mprisInterface:
		return s.rootProperties(), nil
	case mprisPlayerInterface:
		return s.playerProperties(), nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface: %s", iface))
}

func (s *MPRISSession) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	if iface != mprisPlayerInterface {
		return nil
	}

	switch prop {
	case "Rate":
		rate, ok := value.Value().(float64)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("invalid type for Rate"))
		}
		s.Dispatch(Event{Command: CmdChangePlaybackRate, Rate: rate})
	case "Shuffle":
		s.Dispatch(Event{Command: CmdChangeShuffleMode})
	case "LoopStatus":
		s.Dispatch(Event{Command: CmdChangeRepeatMode})
	}
	return nil
}

func (s *MPRISSession) rootProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(false),
		"Identity":            dbus.MakeVariant(s.identity),
		"DesktopEntry":        dbus.MakeVariant(s.identity),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"file"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/mpeg", "audio/mp4", "audio/x-m4b", "audio/ogg"}),
	}
}

func (s *MPRISSession) playerProperties() map[string]dbus.Variant {
	s.mu.Lock()
	props := map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(s.state.String()),
		"Metadata":       dbus.MakeVariant(s.metadataMap()),
		"Position":       dbus.MakeVariant(secondsToMicros(s.info.Elapsed)),
		"Rate":           dbus.MakeVariant(s.rate()),
		"MinimumRate":    dbus.MakeVariant(0.75),
		"MaximumRate":    dbus.MakeVariant(2.0),
		"Volume":         dbus.MakeVariant(1.0),
		"Shuffle":        dbus.MakeVariant(false),
		"LoopStatus":     dbus.MakeVariant("None"),
	}
	s.mu.Unlock()

	for k, v := range s.capabilities() {
		props[k] = v
	}
	return props
}

func (s *MPRISSession) capabilities() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanGoNext":     dbus.MakeVariant(s.Enabled(CmdNextTrack)),
		"CanGoPrevious": dbus.MakeVariant(s.Enabled(CmdPreviousTrack)),
		"CanPlay":       dbus.MakeVariant(s.Enabled(CmdPlay)),
		"CanPause":      dbus.MakeVariant(s.Enabled(CmdPause)),
		"CanSeek":       dbus.MakeVariant(s.Enabled(CmdSkipForward) || s.Enabled(CmdSkipBackward)),
		"CanControl":    dbus.MakeVariant(true),
	}
}

// rate is the effective rate; MPRIS clients extrapolate position from it.
// Callers hold s.mu.
func (s *MPRISSession) rate() float64 {
	if s.state != StatePlaying || s.info.Rate == 0 {
		return 1.0
	}
	return s.info.Rate
}

// metadataMap builds the xesam/mpris dictionary. Callers hold s.mu.
func (s *MPRISSession) metadataMap() map[string]dbus.Variant {
	m := make(map[string]dbus.Variant)
	if !s.has {
		m["mpris:trackid"] = dbus.MakeVariant(dbus.ObjectPath("/org/mpris/MediaPlayer2/TrackList/NoTrack"))
		return m
	}

	m["mpris:trackid"] = dbus.MakeVariant(dbus.ObjectPath("/org/" + s.identity + "/book"))
	if s.info.Title != "" {
		m["xesam:title"] = dbus.MakeVariant(s.info.Title)
	}
	if s.info.Artist != "" {
		m["xesam:artist"] = dbus.MakeVariant([]string{s.info.Artist})
	}
	if s.info.Album != "" {
		m["xesam:album"] = dbus.MakeVariant(s.info.Album)
	}
	if s.info.Duration > 0 {
		m["mpris:length"] = dbus.MakeVariant(secondsToMicros(s.info.Duration))
	}
	if s.info.MediaType != "" {
		m["xesam:genre"] = dbus.MakeVariant([]string{s.info.MediaType})
	}
	if len(s.info.Artwork) > 0 {
		m["mpris:artUrl"] = dbus.MakeVariant("file://" + s.artPath)
	}
	return m
}

func secondsToMicros(sec float64) int64 {
	return int64(sec * float64(time.Second/time.Microsecond))
}

func (s *MPRISSession) emitSeeked(elapsed float64) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		mprisPlayerInterface+".Seeked",
		secondsToMicros(elapsed),
	)
}

func (s *MPRISSession) emitPropertiesChanged(props map[string]dbus.Variant) error {
	return s.conn.Emit(
		dbus.ObjectPath(mprisObjectPath),
		propertiesInterface+".PropertiesChanged",
		mprisPlayerInterface,
		props,
		[]string{},
	)
}
