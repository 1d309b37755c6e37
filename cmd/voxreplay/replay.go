package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
)

type replayOptions struct {
	FrameBytes      int
	PreSpeechFrames int
	// TailSilence is appended to the recording so speech running into the
	// end of the file still completes.
	TailSilence   time.Duration
	VAD           audio.VADConfig
	RecordingsDir string
	Transcriber   audio.Transcriber
	OnTranscript  func(text string)
}

// collector is the hand-off target when nothing is transcribed.
type collector struct {
	mu         sync.Mutex
	utterances []audio.Utterance
}

func (c *collector) HandleUtterance(_ context.Context, u audio.Utterance) error {
	c.mu.Lock()
	c.utterances = append(c.utterances, u)
	c.mu.Unlock()
	return nil
}

func (c *collector) sorted() []audio.Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]audio.Utterance(nil), c.utterances...)
	sort.Slice(out, func(i, j int) bool { return out[i].FirstIndex() < out[j].FirstIndex() })
	return out
}

// transcribing wraps a transcriber so the utterances are still collected.
type transcribing struct {
	audio.Transcriber
	collected *collector
}

func (t transcribing) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	_ = t.collected.HandleUtterance(ctx, u)
	return t.Transcriber.Transcribe(ctx, u)
}

// replay feeds pcm through a capture pipeline with an energy VAD and returns
// the utterances in capture order.
func replay(ctx context.Context, pcm []byte, sampleRate int, opts replayOptions) ([]audio.Utterance, error) {
	if sampleRate != 16000 && sampleRate != 24000 {
		r, err := audio.NewResampler(sampleRate, 24000)
		if err != nil {
			return nil, err
		}
		converted, err := r.Convert(pcm)
		if err != nil {
			return nil, fmt.Errorf("resample %d Hz recording: %w", sampleRate, err)
		}
		pcm, sampleRate = converted, 24000
	}
	if opts.TailSilence > 0 {
		samples := int(opts.TailSilence * time.Duration(sampleRate) / time.Second)
		pcm = append(pcm, make([]byte, samples*2)...)
	}

	collected := &collector{}
	handoff := audio.Handoff{
		Mode: func() any { return collected },
	}
	if opts.Transcriber != nil {
		handoff = audio.Handoff{
			Transcriber: transcribing{Transcriber: opts.Transcriber, collected: collected},
			OnTranscript: func(_ context.Context, text string) {
				if opts.OnTranscript != nil {
					opts.OnTranscript(text)
				}
			},
		}
	}

	pipeline := audio.NewPipeline(audio.Options{
		SampleRate:      sampleRate,
		FrameBytes:      opts.FrameBytes,
		PreSpeechFrames: opts.PreSpeechFrames,
		RecordingsDir:   opts.RecordingsDir,
		Open:            audio.ReaderOpener(bytes.NewReader(pcm)),
		Handoff:         handoff,
	})
	pipeline.Register(audio.NewEnergyVAD(opts.VAD, 16000), audio.Registration{Kind: audio.KindVAD})

	if ctx == nil {
		ctx = context.Background()
	}
	pipeline.Start(ctx)
	if st := pipeline.Status(); st.Device == audio.StatusUnavailable {
		return nil, fmt.Errorf("replay device %s: %s", st.Device, st.LastError)
	}
	pipeline.Wait()
	pipeline.Cancel()
	return collected.sorted(), nil
}
