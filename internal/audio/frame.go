package audio

import "sync/atomic"

// Frame is one fixed-size PCM16LE mono buffer with a capture sequence number.
// Frames are immutable once handed to the processing worker.
type Frame struct {
	Index uint64
	Data  []byte
}

// Detection is the per-capture signal bundle that detectors update while a
// frame is processed. Each detector owns a disjoint set of flags: the VAD owns
// VoiceCaptured, VoiceDetected and SpeechDetected; the wake-word detector owns
// WakeWordDetected. The pipeline only reads them after every listener for the
// frame has returned, and clears WakeWordDetected once consumed.
type Detection struct {
	WakeWordDetected atomic.Bool
	VoiceCaptured    atomic.Bool
	VoiceDetected    atomic.Bool
	SpeechDetected   atomic.Bool

	preSpeech *preSpeechBuffer
}

func NewDetection(preSpeechFrames int) *Detection {
	return &Detection{preSpeech: newPreSpeechBuffer(preSpeechFrames)}
}

// PreSpeech returns a copy of the frames buffered before speech started,
// oldest first.
func (d *Detection) PreSpeech() []Frame {
	return d.preSpeech.frames()
}

func (d *Detection) reset() {
	d.WakeWordDetected.Store(false)
	d.VoiceCaptured.Store(false)
	d.VoiceDetected.Store(false)
	d.SpeechDetected.Store(false)
	d.preSpeech.clear()
}

// preSpeechBuffer is a bounded FIFO; pushing at capacity evicts the oldest frame.
// It is only touched from the processing worker.
type preSpeechBuffer struct {
	buf   []Frame
	start int
	size  int
}

func newPreSpeechBuffer(capacity int) *preSpeechBuffer {
	if capacity <= 0 {
		capacity = 25
	}
	return &preSpeechBuffer{buf: make([]Frame, capacity)}
}

func (b *preSpeechBuffer) push(f Frame) {
	if b.size < len(b.buf) {
		b.buf[(b.start+b.size)%len(b.buf)] = f
		b.size++
		return
	}
	b.buf[b.start] = f
	b.start = (b.start + 1) % len(b.buf)
}

func (b *preSpeechBuffer) frames() []Frame {
	out := make([]Frame, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[(b.start+i)%len(b.buf)])
	}
	return out
}

// drain returns the buffered frames and empties the buffer.
func (b *preSpeechBuffer) drain() []Frame {
	out := b.frames()
	b.clear()
	return out
}

func (b *preSpeechBuffer) clear() {
	for i := range b.buf {
		b.buf[i] = Frame{}
	}
	b.start = 0
	b.size = 0
}

func (b *preSpeechBuffer) full() bool { return b.size == len(b.buf) }
