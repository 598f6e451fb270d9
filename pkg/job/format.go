package job

import (
	"errors"
	"fmt"
	"strings"
)

// Format is one of the closed set of supported output containers.
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMOV  Format = "mov"
	FormatMKV  Format = "mkv"
	FormatWEBM Format = "webm"
	FormatAVI  Format = "avi"
)

var ErrUnsupportedFormat = errors.New("unsupported target format")

// Profile is the encoder policy for one output format.
type Profile struct {
	VideoCodec  string
	AudioCodec  string
	Muxer       string
	ContentType string
	// FastStart moves the index to the front of the file for progressive playback.
	FastStart bool
	// LossyAudio is false for PCM, where an audio bitrate makes no sense.
	LossyAudio bool
}

var profiles = map[Format]Profile{
	FormatMP4: {
		VideoCodec:  "libx264",
		AudioCodec:  "aac",
		Muxer:       "mp4",
		ContentType: "video/mp4",
		FastStart:   true,
		LossyAudio:  true,
	},
	FormatMOV: {
		VideoCodec:  "prores_ks",
		AudioCodec:  "pcm_s16le",
		Muxer:       "mov",
		ContentType: "video/quicktime",
		FastStart:   true,
	},
	FormatMKV: {
		VideoCodec:  "libx264",
		AudioCodec:  "aac",
		Muxer:       "matroska",
		ContentType: "video/x-matroska",
		LossyAudio:  true,
	},
	FormatWEBM: {
		VideoCodec:  "libvpx-vp9",
		AudioCodec:  "libopus",
		Muxer:       "webm",
		ContentType: "video/webm",
		LossyAudio:  true,
	},
	FormatAVI: {
		VideoCodec:  "mpeg4",
		AudioCodec:  "libmp3lame",
		Muxer:       "avi",
		ContentType: "video/x-msvideo",
		LossyAudio:  true,
	},
}

// Formats returns the supported formats in a stable order.
func Formats() []Format {
	return []Format{FormatMP4, FormatMOV, FormatMKV, FormatWEBM, FormatAVI}
}

func ParseFormat(value string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := profiles[f]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
	return f, nil
}

func (f Format) Profile() (Profile, error) {
	p, ok := profiles[f]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
	}
	return p, nil
}

func (f Format) String() string {
	return string(f)
}

// OutputKey is the object key a job's result is stored under.
func OutputKey(prefix, jobID string, f Format) string {
	return prefix + jobID + "." + string(f)
}
