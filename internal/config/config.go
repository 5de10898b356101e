// Package config handles daemon configuration file management.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "AUDIOBOOKD"

// Config is a typed snapshot of the daemon configuration
type Config struct {
	Session    SessionConfig
	NowPlaying NowPlayingConfig
	Remote     RemoteConfig
	Auth       AuthConfig
	Network    NetworkConfig
	Sync       SyncConfig
	Audio      AudioConfig
	Logs       LogsConfig

	RegistryPath   string
	SocketPath     string
	HeadUnitListen string
	TestMode       bool
}

// SessionConfig tunes the session coordinator
type SessionConfig struct {
	OpenTimeout       time.Duration
	BindGrace         time.Duration
	ServerUpdateDelay time.Duration
	PromptTimeout     time.Duration
	SaveInterval      time.Duration
}

// NowPlayingConfig tunes the now-playing presenter
type NowPlayingConfig struct {
	Debounce time.Duration
}

// RemoteConfig tunes transport command handling
type RemoteConfig struct {
	SkipInterval time.Duration
}

// AuthConfig describes the account's auth policy
type AuthConfig struct {
	Required bool
	Account  string
}

// NetworkConfig lists interfaces that count as connectivity. Empty means any
// non-loopback interface that is up.
type NetworkConfig struct {
	RequiredInterfaces []string
}

// SyncConfig points at the bookmark sync service
type SyncConfig struct {
	BaseURL string
	Timeout time.Duration
}

// AudioConfig contains audio output settings
type AudioConfig struct {
	SampleRate int
	Volume     float64
}

// LogsConfig controls logrus output
type LogsConfig struct {
	Level string
	JSON  bool
	Write bool
}

// Field is a registered configuration key with its default
type Field struct {
	Key         string
	Value       any
	Description string
}

// Defaults is the registry of every known key
var Defaults = []Field{
	{SessionOpenTimeout, 20 * time.Second, "How long openBook waits for an engine to bind"},
	{SessionBindGrace, 200 * time.Millisecond, "Extra wait after the content service completes before giving up on the bind"},
	{SessionServerUpdateDelay, 300 * time.Second, "How much newer a synced position must be before offering to move to it"},
	{SessionPromptTimeout, 30 * time.Second, "How long to wait for an answer to a sync prompt"},
	{SessionSaveInterval, 5 * time.Second, "Minimum time between registry writes during playback"},
	{NowPlayingDebounce, 300 * time.Millisecond, "Debounce window for now-playing metadata"},
	{RemoteSkipInterval, 30 * time.Second, "Skip forward/backward interval"},
	{AuthRequired, false, "Whether the account requires sign-in before playback"},
	{AuthAccount, "default", "Keyring account holding the library credentials"},
	{NetworkInterfaces, []string{}, "Interfaces that count as connectivity"},
	{SyncBaseURL, "", "Bookmark sync service base URL, empty disables sync"},
	{SyncTimeout, 10 * time.Second, "Bookmark sync request timeout"},
	{RegistryPath, "", "Path of the sqlite registry, defaults to <config>/registry.db"},
	{AudioSampleRate, 44100, "Audio output sample rate"},
	{AudioVolume, 1.0, "Audio output volume, 0.0 - 1.0"},
	{IPCSocket, "", "IPC socket path, defaults to /tmp/audiobookd-<uid>.sock"},
	{HeadUnitListen, "127.0.0.1:7421", "Head unit websocket listen address, empty disables it"},
	{LogsLevel, "info", "Log level"},
	{LogsJSON, false, "Log as JSON"},
	{LogsWrite, false, "Write logs to <config>/logs"},
	{TestMode, false, "Auto-approve IPC pairing"},
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.RWMutex
	v          *viper.Viper
	configDir  string
	configPath string
}

// NewManager creates a new configuration manager rooted at configDir
func NewManager(configDir string) *Manager {
	v := viper.New()
	v.SetFs(filesystem.API().Fs)
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, f := range Defaults {
		v.SetDefault(f.Key, f.Value)
	}

	return &Manager{
		v:          v,
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
	}
}

// Viper exposes the underlying viper instance so CLI flags can be bound to it
func (m *Manager) Viper() *viper.Viper {
	return m.v
}

// Load reads the configuration from disk, writing the defaults on first run
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := filesystem.API().MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
		if err := m.v.SafeWriteConfigAs(m.configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.v.WriteConfigAs(m.configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Set updates a single key and saves
func (m *Manager) Set(key string, value any) error {
	m.mu.Lock()
	m.v.Set(key, value)
	m.mu.Unlock()
	return m.Save()
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v := m.v
	cfg := &Config{
		Session: SessionConfig{
			OpenTimeout:       v.GetDuration(SessionOpenTimeout),
			BindGrace:         v.GetDuration(SessionBindGrace),
			ServerUpdateDelay: v.GetDuration(SessionServerUpdateDelay),
			PromptTimeout:     v.GetDuration(SessionPromptTimeout),
			SaveInterval:      v.GetDuration(SessionSaveInterval),
		},
		NowPlaying: NowPlayingConfig{Debounce: v.GetDuration(NowPlayingDebounce)},
		Remote:     RemoteConfig{SkipInterval: v.GetDuration(RemoteSkipInterval)},
		Auth: AuthConfig{
			Required: v.GetBool(AuthRequired),
			Account:  v.GetString(AuthAccount),
		},
		Network: NetworkConfig{RequiredInterfaces: v.GetStringSlice(NetworkInterfaces)},
		Sync: SyncConfig{
			BaseURL: v.GetString(SyncBaseURL),
			Timeout: v.GetDuration(SyncTimeout),
		},
		Audio: AudioConfig{
			SampleRate: v.GetInt(AudioSampleRate),
			Volume:     v.GetFloat64(AudioVolume),
		},
		Logs: LogsConfig{
			Level: v.GetString(LogsLevel),
			JSON:  v.GetBool(LogsJSON),
			Write: v.GetBool(LogsWrite),
		},
		RegistryPath:   v.GetString(RegistryPath),
		SocketPath:     v.GetString(IPCSocket),
		HeadUnitListen: v.GetString(HeadUnitListen),
		TestMode:       v.GetBool(TestMode),
	}

	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(m.configDir, "registry.db")
	}
	return cfg
}

// Dir returns the configuration directory
func (m *Manager) Dir() string {
	return m.configDir
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

// Watch calls fn with a fresh snapshot every time config.json changes on disk
func (m *Manager) Watch(fn func(*Config)) {
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(m.Get())
	})
	m.v.WatchConfig()
}
