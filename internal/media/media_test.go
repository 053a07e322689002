package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

type recordedCall struct {
	name string
	args []string
}

// recordingRunner captures invocations and returns canned output.
type recordingRunner struct {
	calls []recordedCall
	out   []byte
	err   error
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, recordedCall{name: name, args: args})
	return r.out, r.err
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    Info
		wantErr error
	}{
		{
			name: "format duration",
			out:  `{"streams":[{"codec_type":"video","codec_name":"vp9"},{"codec_type":"audio","codec_name":"opus"}],"format":{"duration":"4.500000"}}`,
			want: Info{Duration: 4500 * time.Millisecond, VideoCodec: "vp9", AudioCodec: "opus"},
		},
		{
			name: "stream duration fallback",
			out:  `{"streams":[{"codec_type":"audio","codec_name":"opus","duration":"2.0"}],"format":{"duration":"N/A"}}`,
			want: Info{Duration: 2 * time.Second, AudioCodec: "opus"},
		},
		{
			name:    "no duration",
			out:     `{"streams":[{"codec_type":"video","codec_name":"h264"}],"format":{}}`,
			wantErr: ErrNoDuration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseProbe([]byte(tt.out))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseProbe: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseProbe([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestProbeUsesFFprobe(t *testing.T) {
	r := &recordingRunner{out: []byte(`{"format":{"duration":"1.0"}}`)}
	ff := NewFFmpeg("", "/opt/ffprobe", DefaultProfile()).WithCommandRunner(r.run)

	info, err := ff.Probe(context.Background(), "in.webm")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.Duration != time.Second {
		t.Errorf("duration = %s", info.Duration)
	}
	if r.calls[0].name != "/opt/ffprobe" || r.calls[0].args[len(r.calls[0].args)-1] != "in.webm" {
		t.Errorf("call = %+v", r.calls[0])
	}

	if _, err := ff.Probe(context.Background(), "  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestFFmpegCommands(t *testing.T) {
	r := &recordingRunner{}
	ff := NewFFmpeg("ffmpeg-bin", "", DefaultProfile()).WithCommandRunner(r.run)
	ctx := context.Background()

	t.Run("trim", func(t *testing.T) {
		r.calls = nil
		if err := ff.Trim(ctx, "src.webm", "dst.webm", 1500*time.Millisecond, 4*time.Second); err != nil {
			t.Fatalf("Trim: %v", err)
		}
		args := r.calls[0].args
		if argAfter(args, "-ss") != "1.500" || argAfter(args, "-t") != "2.500" || argAfter(args, "-c") != "copy" {
			t.Errorf("args = %v", args)
		}
		if err := ff.Trim(ctx, "src.webm", "dst.webm", time.Second, time.Second); err == nil {
			t.Error("expected error for empty range")
		}
	})

	t.Run("generate", func(t *testing.T) {
		r.calls = nil
		if err := ff.GenerateSilence(ctx, "s.webm", 3*time.Second); err != nil {
			t.Fatalf("GenerateSilence: %v", err)
		}
		if err := ff.GenerateBlank(ctx, "b.webm", 2*time.Second); err != nil {
			t.Fatalf("GenerateBlank: %v", err)
		}
		silence, blank := r.calls[0].args, r.calls[1].args
		if !strings.HasPrefix(argAfter(silence, "-i"), "anullsrc=r=48000") || argAfter(silence, "-c:a") != "libopus" {
			t.Errorf("silence args = %v", silence)
		}
		if !strings.HasPrefix(argAfter(blank, "-i"), "color=c=black:s=1280x720") || argAfter(blank, "-t") != "2.000" {
			t.Errorf("blank args = %v", blank)
		}
		if r.calls[0].name != "ffmpeg-bin" {
			t.Errorf("binary = %s", r.calls[0].name)
		}
	})

	t.Run("concat", func(t *testing.T) {
		dir := t.TempDir()
		dst := filepath.Join(dir, "out.webm")

		var list string
		capture := func(_ context.Context, name string, args ...string) ([]byte, error) {
			data, err := os.ReadFile(argAfter(args, "-i"))
			list = string(data)
			r.calls = append(r.calls, recordedCall{name: name, args: args})
			return nil, err
		}
		ffc := NewFFmpeg("", "", DefaultProfile()).WithCommandRunner(capture)

		r.calls = nil
		if err := ffc.Concat(ctx, []string{"/a/one.webm", "/a/it's.webm"}, dst, true); err != nil {
			t.Fatalf("Concat: %v", err)
		}
		if !strings.Contains(list, "file '/a/one.webm'\n") || !strings.Contains(list, `it'\''s.webm`) {
			t.Errorf("concat list = %q", list)
		}
		if argAfter(r.calls[0].args, "-c") != "copy" {
			t.Errorf("stream copy args = %v", r.calls[0].args)
		}
		if _, err := os.Stat(dst + ".concat.txt"); !os.IsNotExist(err) {
			t.Errorf("concat list not removed: %v", err)
		}

		r.calls = nil
		if err := ffc.Concat(ctx, []string{"/a/one.webm"}, dst, false); err != nil {
			t.Fatalf("Concat: %v", err)
		}
		if argAfter(r.calls[0].args, "-c:v") != "libvpx-vp9" {
			t.Errorf("re-encode args = %v", r.calls[0].args)
		}

		if err := ffc.Concat(ctx, nil, dst, true); err == nil {
			t.Error("expected error without inputs")
		}
	})

	t.Run("mux and burn", func(t *testing.T) {
		r.calls = nil
		if err := ff.Mux(ctx, "v.webm", "a.webm", "m.webm"); err != nil {
			t.Fatalf("Mux: %v", err)
		}
		if err := ff.BurnCaptions(ctx, "m.webm", "/tmp/c:1.vtt", "s.webm"); err != nil {
			t.Fatalf("BurnCaptions: %v", err)
		}
		if argAfter(r.calls[0].args, "-map") != "0:v:0" {
			t.Errorf("mux args = %v", r.calls[0].args)
		}
		if vf := argAfter(r.calls[1].args, "-vf"); vf != `subtitles='/tmp/c\:1.vtt'` {
			t.Errorf("burn filter = %s", vf)
		}
	})

	t.Run("failure includes output", func(t *testing.T) {
		failing := &recordingRunner{out: []byte("Invalid data found"), err: errors.New("exit status 1")}
		ffe := NewFFmpeg("", "", DefaultProfile()).WithCommandRunner(failing.run)
		err := ffe.GenerateSilence(ctx, "s.webm", time.Second)
		if err == nil || !strings.Contains(err.Error(), "Invalid data found") {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestWhisperTranscribe(t *testing.T) {
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		dir := argAfter(args, "--output_dir")
		payload := `{"segments":[
			{"start":0.0,"end":1.5,"text":" hello "},
			{"start":1.5,"end":1.5,"text":"zero"},
			{"start":2.0,"end":3.25,"text":"world"},
			{"start":4.0,"end":5.0,"text":"   "}
		]}`
		return nil, os.WriteFile(filepath.Join(dir, "audio.json"), []byte(payload), 0o644)
	}
	w := NewWhisper("whisper", "").WithCommandRunner(runner)

	cues, err := w.Transcribe(context.Background(), "/data/out/audio.webm")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	want := []Cue{
		{Start: 0, End: 1500 * time.Millisecond, Text: "hello"},
		{Start: 2 * time.Second, End: 3250 * time.Millisecond, Text: "world"},
	}
	if !slices.Equal(cues, want) {
		t.Fatalf("cues = %+v, want %+v", cues, want)
	}

	failing := NewWhisper("whisper", "tiny").WithCommandRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("model not found"), errors.New("exit status 2")
	})
	if _, err := failing.Transcribe(context.Background(), "a.webm"); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteVTT(t *testing.T) {
	var buf bytes.Buffer
	cues := []Cue{
		{Start: 0, End: 1500 * time.Millisecond, Text: "hello"},
		{Start: 3723004 * time.Millisecond, End: 3725 * time.Second, Text: "later"},
	}
	if err := WriteVTT(&buf, cues); err != nil {
		t.Fatalf("WriteVTT: %v", err)
	}
	want := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:01.500\nhello\n\n" +
		"01:02:03.004 --> 01:02:05.000\nlater\n\n"
	if buf.String() != want {
		t.Fatalf("got\n%q\nwant\n%q", buf.String(), want)
	}
}
