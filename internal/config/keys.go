package config

// Configuration keys, as they appear in config.json and (upper-cased, with
// dots replaced by underscores) in AUDIOBOOKD_* environment variables.
const (
	SessionOpenTimeout       = "session.open_timeout"
	SessionBindGrace         = "session.bind_grace"
	SessionServerUpdateDelay = "session.server_update_delay"
	SessionPromptTimeout     = "session.prompt_timeout"
	SessionSaveInterval      = "session.save_interval"

	NowPlayingDebounce = "nowplaying.debounce"

	RemoteSkipInterval = "remote.skip_interval"

	AuthRequired = "auth.required"
	AuthAccount  = "auth.account"

	NetworkInterfaces = "network.required_interfaces"

	SyncBaseURL = "sync.base_url"
	SyncTimeout = "sync.timeout"

	RegistryPath = "registry.path"

	AudioSampleRate = "audio.sample_rate"
	AudioVolume     = "audio.volume"

	IPCSocket = "ipc.socket"

	HeadUnitListen = "headunit.listen"

	LogsLevel = "logs.level"
	LogsJSON  = "logs.json"
	LogsWrite = "logs.write"

	TestMode = "test_mode"
)
