package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

var ErrNoDevice = errors.New("audio: no capture device available")

// Format describes the capture stream handed to a device.
type Format struct {
	SampleRate int
	FrameBytes int
}

// Device is a capture source. Read fills p with one frame of PCM16LE mono
// audio, blocking until it is available. Close must unblock a pending Read.
type Device interface {
	Read(p []byte) (int, error)
	Close() error
}

type DeviceOpener func(ctx context.Context, format Format) (Device, error)

// ReaderDevice serves frames from an io.Reader, e.g. a decoded WAV file.
// A short final frame is zero padded; io.EOF ends capture.
type ReaderDevice struct {
	r      io.Reader
	closed atomic.Bool
}

func NewReaderDevice(r io.Reader) *ReaderDevice {
	return &ReaderDevice{r: r}
}

func (d *ReaderDevice) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, io.EOF
	}
	n, err := io.ReadFull(d.r, p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		clear(p[n:])
		return len(p), nil
	default:
		return n, err
	}
}

func (d *ReaderDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReaderOpener opens r exactly once; later opens report ErrNoDevice.
func ReaderOpener(r io.Reader) DeviceOpener {
	var once sync.Once
	return func(context.Context, Format) (Device, error) {
		var dev Device
		once.Do(func() { dev = NewReaderDevice(r) })
		if dev == nil {
			return nil, ErrNoDevice
		}
		return dev, nil
	}
}
