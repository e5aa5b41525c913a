package protocol

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/errors"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Control: ControlConfig{
			Addr:             consts.DefaultControlAddr,
			HeartbeatCheck:   consts.DefaultHeartbeatCheck.String(),
			HeartbeatTimeout: consts.DefaultHeartbeatTimeout.String(),
			WriteTimeout:     consts.DefaultWriteTimeout.String(),
		},
		Workers: WorkersConfig{
			FFmpegPath:  consts.DefaultFFmpegPath,
			InputFormat: consts.DefaultInputFormat,
			ReadyMarker: consts.DefaultReadyMarker,
			StopTimeout: consts.DefaultStopTimeout.String(),
		},
		Status: StatusConfig{
			TimerInterval: consts.DefaultTimerInterval.String(),
			PollInterval:  consts.DefaultPollInterval.String(),
			PollTimeout:   "3s",
		},
		Settings: SettingsConfig{
			Path:  filepath.Join(userConfigDir(), "broadcastd", consts.DefaultSettingsName),
			Watch: true,
		},
		UI: UIConfig{
			SocketPath: filepath.Join(runtimeDir(), consts.DefaultUISocketName),
		},
		Observability: ObservabilityConfig{
			MetricsAddr: consts.DefaultMetricsAddr,
			LogLevel:    "info",
		},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot read "+path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.New(errors.ErrCodeConfigInvalid, "LoadConfig", "cannot parse "+path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that durations parse and the heartbeat timeout exceeds the check interval.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"control.heartbeat_check":   c.Control.HeartbeatCheck,
		"control.heartbeat_timeout": c.Control.HeartbeatTimeout,
		"control.write_timeout":     c.Control.WriteTimeout,
		"workers.stop_timeout":      c.Workers.StopTimeout,
		"status.timer_interval":     c.Status.TimerInterval,
		"status.poll_interval":      c.Status.PollInterval,
		"status.poll_timeout":       c.Status.PollTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return errors.New(errors.ErrCodeConfigInvalid, "Validate", "bad duration for "+name, err)
		}
	}
	check := Duration(c.Control.HeartbeatCheck, consts.DefaultHeartbeatCheck)
	timeout := Duration(c.Control.HeartbeatTimeout, consts.DefaultHeartbeatTimeout)
	if timeout <= check {
		return errors.New(errors.ErrCodeConfigInvalid, "Validate", "heartbeat_timeout must exceed heartbeat_check", nil)
	}
	return nil
}

// Duration parses v, falling back to def when empty, invalid or non-positive.
func Duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// Personal.AI order the ending
