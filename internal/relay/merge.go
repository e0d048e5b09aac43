package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const stderrTailBytes = 2048

// Merger combines one video and one audio source into a single mp4 by
// invoking ffmpeg.
type Merger struct {
	dir      string
	reencode bool
	log      *slog.Logger
}

// NewMerger returns a Merger writing outputs into dir. reencode forces the
// video stream through libx264 instead of the default stream copy; copy
// assumes the source codec fits the mp4 container and fails at the process
// level otherwise.
func NewMerger(dir string, reencode bool, log *slog.Logger) *Merger {
	return &Merger{dir: dir, reencode: reencode, log: log}
}

// Merge maps the first video stream of videoPath and the first audio stream
// of audioPath into a new scratch file. Audio is re-encoded to 192kbps AAC;
// the output is truncated to the shorter input. Success is judged solely by
// the process exit, never by output-file existence.
func (m *Merger) Merge(ctx context.Context, videoPath, audioPath string) (*TempFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := NewTempFile(m.dir, ".mp4")
	m.log.Info("merge starting",
		slog.String("video", videoPath),
		slog.String("audio", audioPath),
		slog.String("output", out.Path),
	)

	var stderr bytes.Buffer
	err := m.stream(videoPath, audioPath, out.Path).
		OverWriteOutput().
		Silent(true).
		WithErrorOutput(&stderr).
		Run()
	if err != nil {
		out.Release()
		exit := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			exit = ee.ExitCode()
		}
		return nil, &MergeError{ExitCode: exit, StderrTail: tail(stderr.Bytes(), stderrTailBytes)}
	}

	m.log.Info("merge complete", slog.String("output", out.Path))
	return out, nil
}

// stream builds the ffmpeg graph. Stream selection happens on the input
// side: passing whole inputs to Output would auto-map every stream of both
// files, pulling in the video's original audio track ahead of the supplied
// one. The selectors compile to exactly -map 0:v:0 -map 1:a:0.
func (m *Merger) stream(videoPath, audioPath, outPath string) *ffmpeg.Stream {
	video := ffmpeg.Input(videoPath).Get("v:0")
	audio := ffmpeg.Input(audioPath).Get("a:0")
	return ffmpeg.Output([]*ffmpeg.Stream{video, audio}, outPath, m.outputArgs())
}

func (m *Merger) outputArgs() ffmpeg.KwArgs {
	videoCodec := "copy"
	if m.reencode {
		videoCodec = "libx264"
	}
	return ffmpeg.KwArgs{
		"c:v":      videoCodec,
		"c:a":      "aac",
		"b:a":      "192k",
		"movflags": "+faststart",
		"shortest": "",
	}
}

// tail returns the last max bytes of b as a string.
func tail(b []byte, max int) string {
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(b)
}
