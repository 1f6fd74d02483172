package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"media-hls/constant"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stubs need a unix shell")
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

const fakeFFmpegOK = `for arg in "$@"; do
  case "$arg" in
    *index.m3u8) echo "#EXTM3U" > "$arg" ;;
  esac
done`

func writeSource(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(src, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestFFmpegTranscoderWritesLadderUpToSourceHeight(t *testing.T) {
	bin := t.TempDir()
	ffmpeg := writeScript(t, bin, "ffmpeg", fakeFFmpegOK)
	ffprobe := writeScript(t, bin, "ffprobe", `echo "1280x720"`)

	out := filepath.Join(t.TempDir(), "job")
	tr := NewFFmpegTranscoder(ffmpeg, ffprobe, nil)
	if err := tr.Transcode(context.Background(), writeSource(t), out); err != nil {
		t.Fatalf("Transcode: %v", err)
	}

	for _, name := range []string{"144p", "360p", "480p", "720p"} {
		if _, err := os.Stat(filepath.Join(out, name, constant.RenditionPlaylistName)); err != nil {
			t.Fatalf("%s playlist missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(out, "1080p")); !os.IsNotExist(err) {
		t.Fatalf("1080p should be skipped for a 720p source, stat err = %v", err)
	}

	master, err := os.ReadFile(filepath.Join(out, constant.MasterPlaylistName))
	if err != nil {
		t.Fatalf("master playlist: %v", err)
	}
	text := string(master)
	if !strings.HasPrefix(text, "#EXTM3U\n") {
		t.Fatalf("master playlist header: %q", text)
	}
	if got := strings.Count(text, "#EXT-X-STREAM-INF"); got != 4 {
		t.Fatalf("expected 4 variants, got %d:\n%s", got, text)
	}
	if !strings.Contains(text, "BANDWIDTH=3192000,RESOLUTION=1280x720") || !strings.Contains(text, "720p/index.m3u8") {
		t.Fatalf("720p variant missing:\n%s", text)
	}
}

func TestFFmpegTranscoderFallsBackToFullLadderWhenProbeFails(t *testing.T) {
	bin := t.TempDir()
	ffmpeg := writeScript(t, bin, "ffmpeg", fakeFFmpegOK)
	ffprobe := writeScript(t, bin, "ffprobe", "exit 1")

	out := filepath.Join(t.TempDir(), "job")
	if err := NewFFmpegTranscoder(ffmpeg, ffprobe, nil).Transcode(context.Background(), writeSource(t), out); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "1080p", constant.RenditionPlaylistName)); err != nil {
		t.Fatalf("full ladder expected: %v", err)
	}
}

func TestFFmpegTranscoderReportsFailingStep(t *testing.T) {
	bin := t.TempDir()
	ffmpeg := writeScript(t, bin, "ffmpeg", `echo "Invalid data found when processing input" >&2; exit 1`)
	ffprobe := writeScript(t, bin, "ffprobe", `echo "640x360"`)

	out := filepath.Join(t.TempDir(), "job")
	err := NewFFmpegTranscoder(ffmpeg, ffprobe, nil).Transcode(context.Background(), writeSource(t), out)
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "encode renditions 144p,360p") || !strings.Contains(msg, "Invalid data found") {
		t.Fatalf("unexpected error %q", msg)
	}
	if _, statErr := os.Stat(filepath.Join(out, constant.MasterPlaylistName)); !os.IsNotExist(statErr) {
		t.Fatal("master playlist must not exist after a failed encode")
	}
}

func TestFFmpegTranscoderRejectsMissingSource(t *testing.T) {
	err := NewFFmpegTranscoder("ffmpeg", "ffprobe", nil).Transcode(context.Background(), filepath.Join(t.TempDir(), "gone.mp4"), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "stat source") {
		t.Fatalf("expected stat source error, got %v", err)
	}
}

func TestFFmpegTranscoderStopsOnContextDeadline(t *testing.T) {
	bin := t.TempDir()
	ffmpeg := writeScript(t, bin, "ffmpeg", "exec sleep 30")
	ffprobe := writeScript(t, bin, "ffprobe", `echo "640x360"`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := NewFFmpegTranscoder(ffmpeg, ffprobe, nil).Transcode(ctx, writeSource(t), filepath.Join(t.TempDir(), "job"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Fatalf("ffmpeg was not killed promptly, took %s", elapsed)
	}
}

func TestParseProbeHeight(t *testing.T) {
	if h, err := parseProbeHeight("1920x1080\n"); err != nil || h != 1080 {
		t.Fatalf("got %d, %v", h, err)
	}
	if h, err := parseProbeHeight("640x360\n320x240\n"); err != nil || h != 360 {
		t.Fatalf("first stream should win, got %d, %v", h, err)
	}
	if _, err := parseProbeHeight("N/A"); err == nil {
		t.Fatal("expected error for malformed output")
	}
}

func TestSelectRenditions(t *testing.T) {
	names := func(ladder []Rendition) []string {
		out := make([]string, 0, len(ladder))
		for _, r := range ladder {
			out = append(out, r.Name)
		}
		return out
	}

	cases := []struct {
		height int
		want   []string
	}{
		{0, []string{"144p", "360p", "480p", "720p", "1080p"}},
		{360, []string{"144p", "360p"}},
		{100, []string{"144p"}},
		{2160, []string{"144p", "360p", "480p", "720p", "1080p"}},
	}
	for _, tc := range cases {
		if got := names(selectRenditions(DefaultRenditions, tc.height)); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("height %d: got %v, want %v", tc.height, got, tc.want)
		}
	}
}

func TestBuildHLSArgs(t *testing.T) {
	ladder := DefaultRenditions[:2]
	args := buildHLSArgs("in.mp4", "out", ladder)
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "[0:v]split=2[s0][s1]") {
		t.Fatalf("filter graph missing split: %s", joined)
	}
	for _, r := range ladder {
		if !strings.Contains(joined, filepath.Join("out", r.Name, segmentPattern)) {
			t.Fatalf("segment pattern for %s missing", r.Name)
		}
		if !strings.Contains(joined, "-b:v "+r.Bitrate) {
			t.Fatalf("bitrate for %s missing", r.Name)
		}
	}
	if got := strings.Count(joined, "-f hls"); got != 2 {
		t.Fatalf("expected two hls outputs, got %d", got)
	}
}

func TestTailWriterKeepsLastBytes(t *testing.T) {
	w := newTailWriter(context.Background(), 8)
	_, _ = w.Write([]byte("first line\n"))
	_, _ = w.Write([]byte("0123456789"))
	if got := w.Tail(); got != "23456789" {
		t.Fatalf("tail = %q", got)
	}
}

func TestTailWriterTailStartsOnCharacterBoundary(t *testing.T) {
	w := newTailWriter(context.Background(), 5)
	_, _ = w.Write([]byte("ééé"))
	got := w.Tail()
	if !utf8.ValidString(got) || got != "éé" {
		t.Fatalf("tail = %q", got)
	}
}

func TestTailWriterJoinsLinesSplitAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	ctx := zerolog.New(&buf).Level(zerolog.DebugLevel).WithContext(context.Background())
	w := newTailWriter(ctx, stderrTailBytes)

	_, _ = w.Write([]byte("frame=  10 fps=2"))
	_, _ = w.Write([]byte("5 q=28.0\rframe=  20"))
	_, _ = w.Write([]byte(" fps=30\nInput #0, mov"))
	w.Flush()

	var got []string
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		got = append(got, entry.Message)
	}
	want := []string{"frame=  10 fps=25 q=28.0", "frame=  20 fps=30", "Input #0, mov"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("logged lines = %q, want %q", got, want)
	}
}

func TestKbps(t *testing.T) {
	if kbps("800k") != 800 || kbps("bogus") != 0 {
		t.Fatal("kbps parsing is wrong")
	}
}
