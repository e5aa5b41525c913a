package supervisor

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/turtacn/broadcastd/pkg/errors"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Format describes how an encoding type maps onto ffmpeg options.
type Format struct {
	Codec     string // -acodec
	Container string // -f
	Extension string
	Bitrate   bool // whether -b:a applies
}

// Formats is keyed by the settings encodingType.
var Formats = map[string]Format{
	"mp3":  {Codec: "libmp3lame", Container: "mp3", Extension: "mp3", Bitrate: true},
	"aac":  {Codec: "aac", Container: "adts", Extension: "aac", Bitrate: true},
	"flac": {Codec: "flac", Container: "flac", Extension: "flac"},
	"opus": {Codec: "libopus", Container: "ogg", Extension: "opus", Bitrate: true},
}

// ArgsBuilder derives worker arguments from settings.
type ArgsBuilder struct {
	InputFormat string
	Now         func() time.Time
}

// LookupFormat resolves an encoding type or returns a config error.
func LookupFormat(encodingType string) (Format, error) {
	f, ok := Formats[encodingType]
	if !ok {
		return Format{}, errors.New(errors.ErrCodeConfigInvalid, "LookupFormat", "unsupported encoding type: "+encodingType, nil)
	}
	return f, nil
}

// ValidateStream returns MissingConfig for the first empty field a stream needs.
func ValidateStream(s protocol.Settings) error {
	required := []struct {
		name  string
		empty bool
	}{
		{"mountpoint", s.Mountpoint == ""},
		{"username", s.Username == ""},
		{"sourcepassword", s.SourcePassword == ""},
		{"bitrate", s.Bitrate <= 0},
		{"encodingType", s.EncodingType == ""},
		{"audioSourceName", s.AudioSourceName == ""},
		{"icecastHost", s.IcecastHost == ""},
		{"icecastPort", s.IcecastPort == ""},
	}
	for _, f := range required {
		if f.empty {
			return errors.MissingConfig("StartStream", f.name)
		}
	}
	return nil
}

// ValidateRecording returns MissingConfig for the first empty field a recording needs.
func ValidateRecording(s protocol.Settings) error {
	switch {
	case s.RecordingPath == "":
		return errors.MissingConfig("StartRecording", "recordingPath")
	case s.EncodingType == "":
		return errors.MissingConfig("StartRecording", "encodingType")
	case s.AudioSourceName == "":
		return errors.MissingConfig("StartRecording", "audioSourceName")
	case s.Bitrate <= 0 && s.EncodingType != "flac":
		return errors.MissingConfig("StartRecording", "bitrate")
	}
	return nil
}

// StreamArgs builds the arguments of a streaming worker pushing to icecast.
func (b ArgsBuilder) StreamArgs(s protocol.Settings) ([]string, error) {
	if err := ValidateStream(s); err != nil {
		return nil, err
	}
	f, err := LookupFormat(s.EncodingType)
	if err != nil {
		return nil, err
	}
	target := url.URL{
		Scheme: "icecast",
		User:   url.UserPassword(s.Username, s.SourcePassword),
		Host:   net.JoinHostPort(s.IcecastHost, s.IcecastPort),
		Path:   "/" + strings.TrimPrefix(s.Mountpoint, "/"),
	}
	args := b.input(s)
	args = append(args, encoderArgs(f, s.Bitrate)...)
	return append(args, "-f", f.Container, target.String()), nil
}

// RecordArgs builds the arguments of a recording worker and returns the output file.
// An existing file is never overwritten.
func (b ArgsBuilder) RecordArgs(s protocol.Settings) ([]string, string, error) {
	if err := ValidateRecording(s); err != nil {
		return nil, "", err
	}
	f, err := LookupFormat(s.EncodingType)
	if err != nil {
		return nil, "", err
	}
	if info, err := os.Stat(s.RecordingPath); err != nil || !info.IsDir() {
		return nil, "", errors.New(errors.ErrCodeConfigInvalid, "StartRecording", "no valid recording path specified", err)
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	stamp := strings.NewReplacer(":", "_", ".", "_", "-", "_").Replace(now().UTC().Format("2006-01-02T15:04:05.000Z"))
	path := filepath.Join(s.RecordingPath, fmt.Sprintf("recording_%s.%s", stamp, f.Extension))
	if _, err := os.Stat(path); err == nil {
		return nil, "", errors.New(errors.ErrCodeConfigInvalid, "StartRecording", "file already exists: "+path, nil)
	}

	args := b.input(s)
	args = append(args, encoderArgs(f, s.Bitrate)...)
	return append(args, "-f", f.Container, path), path, nil
}

func (b ArgsBuilder) input(s protocol.Settings) []string {
	source := s.AudioSourceName
	if b.InputFormat == "dshow" {
		source = "audio=" + source
	}
	return []string{"-f", b.InputFormat, "-i", source}
}

func encoderArgs(f Format, bitrate int) []string {
	args := []string{"-acodec", f.Codec}
	if f.Bitrate {
		args = append(args, "-b:a", fmt.Sprintf("%dk", bitrate))
	}
	return args
}

// Personal.AI order the ending
