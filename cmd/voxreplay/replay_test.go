package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
)

// speechPattern renders alternating silence and loud tone spans, PCM16LE.
func speechPattern(sampleRate int, spans ...time.Duration) []byte {
	var b bytes.Buffer
	for i, d := range spans {
		n := int(d * time.Duration(sampleRate) / time.Second)
		for s := 0; s < n; s++ {
			var v int16
			if i%2 == 1 {
				v = int16(0.5 * 32767 * math.Sin(2*math.Pi*220*float64(s)/float64(sampleRate)))
			}
			_ = binary.Write(&b, binary.LittleEndian, v)
		}
	}
	return b.Bytes()
}

func testOptions() replayOptions {
	return replayOptions{
		FrameBytes:      1532,
		PreSpeechFrames: 5,
		TailSilence:     time.Second,
		VAD:             audio.DefaultVADConfig(),
	}
}

func TestReplaySegmentsUtterances(t *testing.T) {
	pcm := speechPattern(16000, time.Second, time.Second, 1500*time.Millisecond, 800*time.Millisecond, time.Second)

	got, err := replay(context.Background(), pcm, 16000, testOptions())
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("utterances = %d, want 2", len(got))
	}
	if got[0].LastIndex() >= got[1].FirstIndex() {
		t.Fatalf("utterances out of order: %d-%d then %d-%d",
			got[0].FirstIndex(), got[0].LastIndex(), got[1].FirstIndex(), got[1].LastIndex())
	}
	for _, u := range got {
		if u.SampleRate != 16000 || len(u.Gaps) != 0 {
			t.Fatalf("utterance = rate %d gaps %v", u.SampleRate, u.Gaps)
		}
		if u.Duration() < 500*time.Millisecond {
			t.Fatalf("utterance duration = %s, want at least the spoken span", u.Duration())
		}
	}
}

func TestReplayTailSilenceFlushesTrailingSpeech(t *testing.T) {
	pcm := speechPattern(16000, time.Second, time.Second)

	opts := testOptions()
	opts.TailSilence = 0
	got, err := replay(context.Background(), pcm, 16000, opts)
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("utterances without tail = %d, want 0", len(got))
	}

	got, err = replay(context.Background(), pcm, 16000, testOptions())
	if err != nil {
		t.Fatalf("replay() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("utterances with tail = %d, want 1", len(got))
	}
}

func TestRootCommandWritesUtterances(t *testing.T) {
	dir := t.TempDir()
	wav, err := audio.EncodeWAVPCM16LE(speechPattern(16000, time.Second, time.Second, time.Second), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	input := filepath.Join(dir, "input.wav")
	if err := os.WriteFile(input, wav, 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	outDir := filepath.Join(dir, "out")

	var stdout bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--out", outDir, "--pre-speech-frames", "5", input})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(stdout.String(), "utterances: 1") {
		t.Fatalf("output = %q, want one utterance", stdout.String())
	}
	files, err := filepath.Glob(filepath.Join(outDir, "*.wav"))
	if err != nil || len(files) != 1 {
		t.Fatalf("written files = %v (%v), want 1", files, err)
	}
}

func TestRootCommandRejectsMissingFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.wav")})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("Execute() error = nil, want missing file error")
	}
}
