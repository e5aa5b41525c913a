package consts

import "time"

// WorkerKind identifies one of the two supervised worker processes.
type WorkerKind string

const (
	KindStream WorkerKind = "stream"
	KindRecord WorkerKind = "record"
)

// WorkerState defines the lifecycle state of a supervised worker process.
type WorkerState string

const (
	WorkerIdle             WorkerState = "IDLE"
	WorkerStarting         WorkerState = "STARTING"          // Spawned, readiness marker not seen yet
	WorkerRunning          WorkerState = "RUNNING"           // Readiness marker seen
	WorkerStoppingGraceful WorkerState = "STOPPING_GRACEFUL" // Quit sent on stdin, stop timer armed
	WorkerStoppingForced   WorkerState = "STOPPING_FORCED"   // Stop timer fired, kill sent
	WorkerFailed           WorkerState = "FAILED"
)

// Active reports whether the state holds a live process handle.
func (s WorkerState) Active() bool {
	switch s {
	case WorkerStarting, WorkerRunning, WorkerStoppingGraceful, WorkerStoppingForced:
		return true
	}
	return false
}

// Stopping reports whether a stop is already in flight.
func (s WorkerState) Stopping() bool {
	return s == WorkerStoppingGraceful || s == WorkerStoppingForced
}

// ConnState defines the lifecycle state of the control connection.
type ConnState string

const (
	ConnAwaitingHandshake ConnState = "AWAITING_HANDSHAKE"
	ConnReady             ConnState = "READY"
	ConnClosed            ConnState = "CLOSED"
)

// EngineState is the daemon's own lifecycle.
type EngineState string

const (
	EngineStarting EngineState = "STARTING"
	EngineRunning  EngineState = "RUNNING"
	EngineDraining EngineState = "DRAINING" // Total shutdown accepted, waiting for workers
	EngineStopped  EngineState = "STOPPED"
)

// Visibility is whether the local UI is shown while the daemon runs.
type Visibility string

const (
	Headless Visibility = "HEADLESS"
	Visible  Visibility = "VISIBLE"
)

// Wire protocol constants
const (
	DefaultControlAddr = "127.0.0.1:8010"
	DefaultEncoding    = "utf-8"
	HandshakePrefix    = "ENCODING:"
	HandshakeReply     = "Server encoding set to: "
	PingRequest        = "PING"
	PongReply          = "PONG"
)

// Timing defaults
const (
	DefaultHeartbeatCheck   = 35 * time.Second
	DefaultHeartbeatTimeout = 70 * time.Second
	DefaultClientPing       = 30 * time.Second
	DefaultStopTimeout      = 10 * time.Second
	DefaultTimerInterval    = 1 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultDialTimeout      = 2 * time.Second
)

// Worker process constants
const (
	DefaultFFmpegPath  = "ffmpeg"
	DefaultInputFormat = "dshow"
	DefaultReadyMarker = "Press [q] to stop"
	GracefulQuitInput  = "q\n"
	DefaultBitrate     = 128
)

// Environment and file defaults
const (
	EnvInheritedFDs     = "BROADCASTD_INHERITED_FDS" // Count of FDs passed
	DefaultUISocketName = "broadcastd-ui.sock"
	DefaultSettingsName = "settings.json"
	DefaultMetricsAddr  = "127.0.0.1:9310"
)

// Personal.AI order the ending
