package relay

import (
	"reflect"
	"strings"
	"testing"
)

func compiledArgs(t *testing.T, reencode bool) []string {
	t.Helper()
	m := NewMerger(t.TempDir(), reencode, discardLogger())
	return m.stream("v.mp4", "a.mp3", "out.mp4").OverWriteOutput().GetArgs()
}

func TestMerger_command_copy_default(t *testing.T) {
	got := compiledArgs(t, false)
	want := []string{
		"-i", "v.mp4",
		"-i", "a.mp3",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-b:a", "192k",
		"-c:a", "aac",
		"-c:v", "copy",
		"-movflags", "+faststart",
		"-shortest",
		"out.mp4",
		"-y",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v\nwant  %v", got, want)
	}
}

func TestMerger_command_maps_only_selected_streams(t *testing.T) {
	args := strings.Join(compiledArgs(t, false), " ")
	// Exactly one video and one audio selection; whole-input maps would
	// drag the video's own audio track into the output.
	if strings.Contains(args, "-map 0 ") || strings.Contains(args, "-map 1 ") {
		t.Errorf("whole-input map in command: %s", args)
	}
	if count := strings.Count(args, "-map "); count != 2 {
		t.Errorf("expected exactly 2 -map args, got %d: %s", count, args)
	}
	if !strings.Contains(args, "-map 0:v:0 -map 1:a:0") {
		t.Errorf("missing explicit stream selection: %s", args)
	}
}

func TestMerger_command_reencode(t *testing.T) {
	args := strings.Join(compiledArgs(t, true), " ")
	if !strings.Contains(args, "-c:v libx264") {
		t.Errorf("expected libx264 video codec: %s", args)
	}
}

func TestMergeError_message(t *testing.T) {
	err := &MergeError{ExitCode: 1, StderrTail: "codec not supported in container"}
	msg := err.Error()
	if !strings.Contains(msg, "code 1") || !strings.Contains(msg, "codec not supported") {
		t.Errorf("message = %q", msg)
	}
}

func TestTail(t *testing.T) {
	if got := tail([]byte("abcdef"), 3); got != "def" {
		t.Errorf("tail = %q", got)
	}
	if got := tail([]byte("ab"), 3); got != "ab" {
		t.Errorf("tail of short input = %q", got)
	}
}
