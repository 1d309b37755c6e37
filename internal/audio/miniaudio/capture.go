package miniaudio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/antoniostano/voxline/internal/audio"
	"github.com/gen2brain/malgo"
)

// Capture is a malgo microphone exposed as an audio.Device. The device
// callback appends to a buffer; Read blocks until a whole frame is buffered.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

// Open initializes and starts the default capture device. It matches
// audio.DeviceOpener.
func Open(_ context.Context, format audio.Format) (audio.Device, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %v", audio.ErrNoDevice, err)
	}

	c := &Capture{ctx: audioCtx}
	c.cond = sync.NewCond(&c.mu)

	channels := 1
	sampleFormat := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(sampleFormat) * channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Capture.Format = sampleFormat
	cfg.Capture.Channels = uint32(channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(format.SampleRate / 50)
	cfg.Periods = 3

	c.device, err = malgo.InitDevice(audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if n == 0 || len(input) < n {
				return
			}
			c.mu.Lock()
			if !c.closed {
				c.buf = append(c.buf, input[:n]...)
				c.cond.Signal()
			}
			c.mu.Unlock()
		},
	})
	if err != nil {
		c.freeContext()
		return nil, fmt.Errorf("%w: init capture device: %v", audio.ErrNoDevice, err)
	}
	if err := c.device.Start(); err != nil {
		c.device.Uninit()
		c.freeContext()
		return nil, fmt.Errorf("%w: start capture device: %v", audio.ErrNoDevice, err)
	}
	return c, nil
}

func (c *Capture) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) < len(p) && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.buf = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
	}
	c.freeContext()
	return nil
}

func (c *Capture) freeContext() {
	if c.ctx == nil {
		return
	}
	_ = c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
}
