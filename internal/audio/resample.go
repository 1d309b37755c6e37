package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a stream of PCM16LE mono chunks between sample rates.
// It keeps filter state across calls, so one instance serves one stream.
type Resampler struct {
	inRate  int
	outRate int
	r       resampling.Resampler
}

func NewResampler(inRate, outRate int) (*Resampler, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler %d->%d: %w", inRate, outRate, err)
	}
	return &Resampler{inRate: inRate, outRate: outRate, r: r}, nil
}

func (r *Resampler) Convert(pcm []byte) ([]byte, error) {
	n := len(pcm) / 2
	input := make([]float64, n)
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		input[i] = float64(sample) / 32768.0
	}

	output, err := r.r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}

	out := make([]byte, len(output)*2)
	for i, s := range output {
		sample := int16(s * 32767.0)
		if s > 1.0 {
			sample = 32767
		} else if s < -1.0 {
			sample = -32768
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out, nil
}
