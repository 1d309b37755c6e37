package miniaudio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Speaker plays PCM16LE mono audio on the default output device.
type Speaker struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	pending []byte
}

func NewSpeaker(sampleRate int) (*Speaker, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("init playback context: %w", err)
	}
	s := &Speaker{ctx: audioCtx}

	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Playback.Format = format
	cfg.Playback.Channels = uint32(channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(sampleRate / 10) // ~100ms of audio
	cfg.Periods = 4

	s.device, err = malgo.InitDevice(audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			need := int(frameCount) * bytesPerFrame
			s.mu.Lock()
			n := copy(output[:need], s.pending)
			s.pending = s.pending[n:]
			s.mu.Unlock()
			clear(output[n:need])
		},
	})
	if err != nil {
		s.free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := s.device.Start(); err != nil {
		s.device.Uninit()
		s.free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	return s, nil
}

// Write queues pcm behind whatever is still playing.
func (s *Speaker) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("playback device closed")
	}
	s.pending = append(s.pending, pcm...)
	return nil
}

// Clear drops queued audio so playback stops at the next period.
func (s *Speaker) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.pending = nil
	s.mu.Unlock()
	if dev != nil {
		_ = dev.Stop()
		dev.Uninit()
	}
	s.free()
	return nil
}

func (s *Speaker) free() {
	if s.ctx == nil {
		return
	}
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
}
