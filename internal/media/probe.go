package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrNoDuration is returned when ffprobe reports no usable duration.
var ErrNoDuration = errors.New("no duration in probe output")

// Info is what the service needs to know about a media file.
type Info struct {
	Duration   time.Duration
	VideoCodec string
	AudioCodec string
}

// CodecFor returns the audio codec when audio is true, the video codec otherwise.
func (i Info) CodecFor(audio bool) string {
	if audio {
		return i.AudioCodec
	}
	return i.VideoCodec
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe asks ffprobe for the duration and codecs of path. The container
// duration is preferred; stream durations are the fallback.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Info{}, errors.New("ffprobe: empty path")
	}
	out, err := f.run(ctx, f.ffprobePath,
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams",
		"-of", "json",
		"--", path,
	)
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, tail(out))
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("ffprobe parse: %w", err)
	}

	var info Info
	secs := parseSeconds(po.Format.Duration)
	for _, st := range po.Streams {
		switch strings.ToLower(st.CodecType) {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = st.CodecName
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = st.CodecName
			}
		}
		if secs <= 0 {
			secs = parseSeconds(st.Duration)
		}
	}
	if secs <= 0 {
		return info, ErrNoDuration
	}
	info.Duration = time.Duration(secs * float64(time.Second))
	return info, nil
}

func parseSeconds(v string) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return n
}
