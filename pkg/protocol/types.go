package protocol

// Config represents the root daemon configuration (broadcastd.yaml).
type Config struct {
	Version       string              `yaml:"version"`
	Control       ControlConfig       `yaml:"control"`
	Workers       WorkersConfig       `yaml:"workers"`
	Status        StatusConfig        `yaml:"status"`
	Settings      SettingsConfig      `yaml:"settings"`
	UI            UIConfig            `yaml:"ui"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ControlConfig struct {
	Addr             string `yaml:"addr"`              // TCP listen address
	HeartbeatCheck   string `yaml:"heartbeat_check"`   // Interval between idle checks
	HeartbeatTimeout string `yaml:"heartbeat_timeout"` // Idle time before the socket is destroyed
	WriteTimeout     string `yaml:"write_timeout"`
}

type WorkersConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	InputFormat string `yaml:"input_format"` // dshow, pulse, alsa ...
	ReadyMarker string `yaml:"ready_marker"`
	StopTimeout string `yaml:"stop_timeout"`
}

type StatusConfig struct {
	TimerInterval string `yaml:"timer_interval"`
	PollInterval  string `yaml:"poll_interval"`
	PollTimeout   string `yaml:"poll_timeout"`
}

type SettingsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type UIConfig struct {
	SocketPath string `yaml:"socket_path"`
	Headless   bool   `yaml:"headless"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Settings is the broadcast configuration edited by the UI and the API.
// Field names follow the JSON document clients already exchange.
type Settings struct {
	Mountpoint      string `json:"mountpoint"`
	Username        string `json:"username"`
	SourcePassword  string `json:"sourcepassword"`
	IcecastHost     string `json:"icecastHost"`
	IcecastPort     string `json:"icecastPort"`
	EncodingType    string `json:"encodingType"`
	AudioSourceID   string `json:"audioSourceId"`
	AudioSourceName string `json:"audioSourceName"`
	Bitrate         int    `json:"bitrate"`
	RecordingPath   string `json:"recordingPath"`
}

// Disconnect is the notice sent before the server ends the control socket.
type Disconnect struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// GracefulDisconnect is the only disconnect notice the server emits.
var GracefulDisconnect = Disconnect{Type: "disconnect", Reason: "graceful"}

// Event types pushed to the status surfaces.
const (
	EventTimer      = "timer"
	EventStatus     = "status"
	EventListeners  = "listeners"
	EventLog        = "log"
	EventSettings   = "settings"
	EventStopResult = "stop-result"
	EventVisibility = "visibility"
)

// TimerUpdate carries elapsed seconds of both workers.
type TimerUpdate struct {
	Type          string `json:"type"`
	StreamTime    int    `json:"streamTime"`
	RecordingTime int    `json:"recordingTime"`
}

// StatusUpdate carries worker states after a transition.
type StatusUpdate struct {
	Type      string `json:"type"`
	Status    string `json:"status"` // "Stream: ON | Recording: OFF"
	Stream    string `json:"stream"`
	Recording string `json:"recording"`
	Kind      string `json:"kind,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// ListenerUpdate carries the listener count of the configured mount.
type ListenerUpdate struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// LogLine is a human-readable lifecycle message.
type LogLine struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SettingsPush carries the current settings document.
type SettingsPush struct {
	Type     string   `json:"type"`
	Settings Settings `json:"settings"`
}

// StopResult reports how a requested stop ended.
type StopResult struct {
	Type    string `json:"type"`
	Action  string `json:"action"` // stop-stream-success, stop-recording-error, stop-stream-failed ...
	Message string `json:"message"`
}

// VisibilityNotice reports a switch between headless and visible mode.
type VisibilityNotice struct {
	Type    string `json:"type"`
	Action  string `json:"action"` // renderer-visible, renderer-hidden
	Visible bool   `json:"visible"`
}

// Personal.AI order the ending
