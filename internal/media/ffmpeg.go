package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes an external binary and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// AudioFormat is the target encoding for audio artifacts and silence fillers.
type AudioFormat struct {
	Encoder    string `toml:"encoder"`
	Codec      string `toml:"codec"`
	Bitrate    string `toml:"bitrate"`
	SampleRate int    `toml:"sample_rate"`
	Layout     string `toml:"layout"`
}

// VideoFormat is the target encoding for video artifacts and blank fillers.
type VideoFormat struct {
	Encoder   string `toml:"encoder"`
	Codec     string `toml:"codec"`
	Bitrate   string `toml:"bitrate"`
	Width     int    `toml:"width"`
	Height    int    `toml:"height"`
	FrameRate int    `toml:"frame_rate"`
}

// Profile fixes the container and codecs every generated clip uses, so
// fillers can be concatenated with captured media without re-encoding.
type Profile struct {
	Extension string      `toml:"extension"`
	Audio     AudioFormat `toml:"audio"`
	Video     VideoFormat `toml:"video"`
}

// DefaultProfile matches what browsers record: VP9 video and Opus audio in WebM.
func DefaultProfile() Profile {
	return Profile{
		Extension: ".webm",
		Audio: AudioFormat{
			Encoder:    "libopus",
			Codec:      "opus",
			Bitrate:    "128k",
			SampleRate: 48000,
			Layout:     "stereo",
		},
		Video: VideoFormat{
			Encoder:   "libvpx-vp9",
			Codec:     "vp9",
			Bitrate:   "2M",
			Width:     1280,
			Height:    720,
			FrameRate: 30,
		},
	}
}

// FFmpeg drives the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	profile     Profile
	run         CommandRunner
}

// NewFFmpeg returns an FFmpeg using the given binaries. Empty paths fall back
// to resolving "ffmpeg" and "ffprobe" from PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, profile Profile) *FFmpeg {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(ffprobePath) == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		profile:     profile,
		run:         runCommand,
	}
}

// WithCommandRunner replaces process execution (for testing).
func (f *FFmpeg) WithCommandRunner(runner CommandRunner) *FFmpeg {
	f.run = runner
	return f
}

// Profile returns the target encoding profile.
func (f *FFmpeg) Profile() Profile { return f.profile }

// Trim copies [start, end) of src into dst without re-encoding.
func (f *FFmpeg) Trim(ctx context.Context, src, dst string, start, end time.Duration) error {
	if end <= start {
		return fmt.Errorf("trim %s: empty range %s-%s", src, start, end)
	}
	return f.ffmpeg(ctx, "trim",
		"-y",
		"-ss", seconds(start),
		"-i", src,
		"-t", seconds(end-start),
		"-c", "copy",
		dst,
	)
}

// GenerateSilence writes d of silence in the profile's audio format.
func (f *FFmpeg) GenerateSilence(ctx context.Context, dst string, d time.Duration) error {
	a := f.profile.Audio
	return f.ffmpeg(ctx, "generate silence",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("anullsrc=r=%d:cl=%s", a.SampleRate, a.Layout),
		"-t", seconds(d),
		"-c:a", a.Encoder,
		"-b:a", a.Bitrate,
		dst,
	)
}

// GenerateBlank writes d of black frames in the profile's video format.
func (f *FFmpeg) GenerateBlank(ctx context.Context, dst string, d time.Duration) error {
	v := f.profile.Video
	return f.ffmpeg(ctx, "generate blank",
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d", v.Width, v.Height, v.FrameRate),
		"-t", seconds(d),
		"-c:v", v.Encoder,
		"-b:v", v.Bitrate,
		dst,
	)
}

// Concat joins inputs in order into dst using the concat demuxer. With
// streamCopy the packets are copied, otherwise they are re-encoded to the
// profile's codecs.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, dst string, streamCopy bool) error {
	if len(inputs) == 0 {
		return fmt.Errorf("concat %s: no inputs", dst)
	}
	list := dst + ".concat.txt"
	if err := writeConcatList(list, inputs); err != nil {
		return fmt.Errorf("concat %s: %w", dst, err)
	}
	defer os.Remove(list)

	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", list}
	if streamCopy {
		args = append(args, "-c", "copy")
	} else {
		args = append(args,
			"-c:v", f.profile.Video.Encoder, "-b:v", f.profile.Video.Bitrate,
			"-c:a", f.profile.Audio.Encoder, "-b:a", f.profile.Audio.Bitrate,
		)
	}
	args = append(args, dst)
	return f.ffmpeg(ctx, "concat", args...)
}

// Mux combines the video stream of video with the audio stream of audio.
func (f *FFmpeg) Mux(ctx context.Context, video, audio, dst string) error {
	return f.ffmpeg(ctx, "mux",
		"-y",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", f.profile.Audio.Encoder,
		"-b:a", f.profile.Audio.Bitrate,
		dst,
	)
}

// BurnCaptions renders the subtitle file onto the video frames.
func (f *FFmpeg) BurnCaptions(ctx context.Context, video, captions, dst string) error {
	abs, err := filepath.Abs(captions)
	if err != nil {
		return fmt.Errorf("burn captions: %w", err)
	}
	return f.ffmpeg(ctx, "burn captions",
		"-y",
		"-i", video,
		"-vf", "subtitles='"+escapeFilterPath(abs)+"'",
		"-c:v", f.profile.Video.Encoder,
		"-b:v", f.profile.Video.Bitrate,
		"-c:a", "copy",
		dst,
	)
}

func (f *FFmpeg) ffmpeg(ctx context.Context, op string, args ...string) error {
	args = append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	out, err := f.run(ctx, f.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", op, err, tail(out))
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// escapeFilterPath quotes a path for use inside an ffmpeg filter argument.
func escapeFilterPath(p string) string {
	p = filepath.ToSlash(p)
	p = strings.ReplaceAll(p, `\`, `/`)
	p = strings.ReplaceAll(p, `:`, `\:`)
	return strings.ReplaceAll(p, `'`, `\'`)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// tail keeps the last lines of tool output for error messages.
func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	return s
}
