package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// VADConfig tunes EnergyVAD. Thresholds apply to a speech score in [0,1]
// derived from frame RMS relative to ReferenceRMS; the start threshold is
// used while idle and the lower end threshold while speech is active.
type VADConfig struct {
	StartThreshold float64
	EndThreshold   float64
	// ReferenceRMS is the RMS (full scale = 1.0) that scores 1.0.
	ReferenceRMS float64
	// Sustained is how long voice must persist before speech is declared.
	Sustained time.Duration
	// SpeechSilence is the hangover after voice stops before speech ends.
	SpeechSilence time.Duration
	// VoiceSilence clears VoiceCaptured after this much silence.
	VoiceSilence time.Duration
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		StartThreshold: 0.6,
		EndThreshold:   0.45,
		ReferenceRMS:   0.1,
		Sustained:      60 * time.Millisecond,
		SpeechSilence:  600 * time.Millisecond,
		VoiceSilence:   200 * time.Millisecond,
	}
}

// EnergyVAD is an RMS based voice activity detector. It owns the
// VoiceCaptured, VoiceDetected and SpeechDetected flags.
type EnergyVAD struct {
	cfg  atomic.Pointer[VADConfig]
	rate int

	voicedFor time.Duration
	silentFor time.Duration
	speaking  bool
}

func NewEnergyVAD(cfg VADConfig, sampleRate int) *EnergyVAD {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	v := &EnergyVAD{rate: sampleRate}
	v.SetConfig(cfg)
	return v
}

// SetConfig swaps thresholds; it is safe to call while audio is flowing.
func (v *EnergyVAD) SetConfig(cfg VADConfig) {
	def := DefaultVADConfig()
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = def.StartThreshold
	}
	if cfg.EndThreshold <= 0 || cfg.EndThreshold > cfg.StartThreshold {
		cfg.EndThreshold = cfg.StartThreshold
	}
	if cfg.ReferenceRMS <= 0 {
		cfg.ReferenceRMS = def.ReferenceRMS
	}
	v.cfg.Store(&cfg)
}

func (v *EnergyVAD) Config() VADConfig { return *v.cfg.Load() }

func (v *EnergyVAD) SampleRate() int { return v.rate }

func (v *EnergyVAD) OnAudioData(frame Frame, d *Detection) {
	cfg := v.cfg.Load()
	dur := frameDuration(len(frame.Data), v.rate)

	threshold := cfg.StartThreshold
	if v.speaking {
		threshold = cfg.EndThreshold
	}
	voiced := SpeechScore(frame.Data, cfg.ReferenceRMS) >= threshold
	d.VoiceDetected.Store(voiced)

	if voiced {
		v.voicedFor += dur
		v.silentFor = 0
		d.VoiceCaptured.Store(true)
	} else {
		v.silentFor += dur
		v.voicedFor = 0
		if v.silentFor >= cfg.VoiceSilence {
			d.VoiceCaptured.Store(false)
		}
	}

	if !v.speaking && v.voicedFor >= cfg.Sustained {
		v.speaking = true
	} else if v.speaking && v.silentFor >= cfg.SpeechSilence {
		v.speaking = false
	}
	d.SpeechDetected.Store(v.speaking)
}

func (v *EnergyVAD) Reset() {
	v.voicedFor = 0
	v.silentFor = 0
	v.speaking = false
}

// RMS returns the root mean square of PCM16LE samples, normalized to [0,1].
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// SpeechScore maps frame energy onto [0,1] relative to reference.
func SpeechScore(pcm []byte, reference float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Min(1, RMS(pcm)/reference)
}

func frameDuration(bytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(sampleRate)
}
