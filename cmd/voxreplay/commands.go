package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/antoniostano/voxline/internal/observability"
	"github.com/antoniostano/voxline/internal/provider/openai"
)

type replayFlags struct {
	outDir          string
	frameBytes      int
	preSpeechFrames int
	tailSilence     time.Duration
	startThreshold  float64
	endThreshold    float64
	referenceRMS    float64
	speechSilence   time.Duration
	transcribe      bool
	sttModel        string
	logLevel        string
}

func newRootCmd() *cobra.Command {
	var flags replayFlags
	var shutdownLogs func(context.Context) error
	cmd := &cobra.Command{
		Use:   "voxreplay <file.wav>",
		Short: "Replay a WAV recording through the capture pipeline",
		Long: `Replay a PCM16 mono WAV recording through the capture pipeline with the
energy VAD and print every utterance it produces.

With --out, each utterance is also written as a WAV file. With --transcribe,
utterances are sent to the OpenAI transcription endpoint (OPENAI_API_KEY,
OPENAI_BASE_URL) and the text is printed instead.

Examples:
  voxreplay meeting.wav
  voxreplay --out ./utterances --speech-silence 400ms meeting.wav
  voxreplay --transcribe meeting.wav`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			severity, err := observability.ParseSeverity(flags.logLevel)
			if err != nil {
				return err
			}
			shutdownLogs, err = observability.SetupLogging(cmd.ErrOrStderr(), severity)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if shutdownLogs == nil {
				return nil
			}
			return shutdownLogs(cmd.Context())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args[0], flags)
		},
	}

	def := audio.DefaultVADConfig()
	f := cmd.Flags()
	f.StringVarP(&flags.outDir, "out", "o", "", "directory to write utterance WAV files to")
	f.IntVar(&flags.frameBytes, "frame-bytes", 1532, "bytes per captured frame")
	f.IntVar(&flags.preSpeechFrames, "pre-speech-frames", 25, "frames kept before speech starts")
	f.DurationVar(&flags.tailSilence, "tail-silence", 2*time.Second, "silence appended so a trailing utterance completes")
	f.Float64Var(&flags.startThreshold, "start-threshold", def.StartThreshold, "speech score that starts speech")
	f.Float64Var(&flags.endThreshold, "end-threshold", def.EndThreshold, "speech score that keeps speech going")
	f.Float64Var(&flags.referenceRMS, "reference-rms", def.ReferenceRMS, "RMS that scores 1.0")
	f.DurationVar(&flags.speechSilence, "speech-silence", def.SpeechSilence, "silence that ends an utterance")
	f.BoolVar(&flags.transcribe, "transcribe", false, "transcribe utterances with the OpenAI API")
	f.StringVar(&flags.sttModel, "stt-model", "whisper-1", "transcription model")
	f.StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	return cmd
}

func runReplay(cmd *cobra.Command, path string, flags replayFlags) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	pcm, rate, err := audio.DecodeWAVPCM16LE(file)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}

	cfg := audio.DefaultVADConfig()
	cfg.StartThreshold = flags.startThreshold
	cfg.EndThreshold = flags.endThreshold
	cfg.ReferenceRMS = flags.referenceRMS
	cfg.SpeechSilence = flags.speechSilence

	opts := replayOptions{
		FrameBytes:      flags.frameBytes,
		PreSpeechFrames: flags.preSpeechFrames,
		TailSilence:     flags.tailSilence,
		VAD:             cfg,
		RecordingsDir:   flags.outDir,
	}
	out := cmd.OutOrStdout()
	if flags.transcribe {
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return fmt.Errorf("--transcribe needs OPENAI_API_KEY")
		}
		opts.Transcriber = openai.New(openai.Config{
			APIKey:   key,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			STTModel: flags.sttModel,
		})
		opts.OnTranscript = func(text string) {
			fmt.Fprintf(out, "transcript: %s\n", text)
		}
	}

	utterances, err := replay(cmd.Context(), pcm, rate, opts)
	if err != nil {
		return err
	}
	for i, u := range utterances {
		fmt.Fprintf(out, "%d\tframes=%d-%d\tduration=%s\tgaps=%d\n",
			i+1, u.FirstIndex(), u.LastIndex(), u.Duration().Round(time.Millisecond), len(u.Gaps))
	}
	fmt.Fprintf(out, "utterances: %d\n", len(utterances))
	return nil
}
