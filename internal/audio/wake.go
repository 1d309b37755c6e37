package audio

// WakeEngine is a keyword spotter that consumes fixed-length 16 kHz sample
// windows and returns the detected keyword index, or -1.
type WakeEngine interface {
	FrameLength() int
	Process(pcm []int16) (int, error)
}

// WakeWordListener adapts a WakeEngine to the pipeline. It owns the
// WakeWordDetected flag.
type WakeWordListener struct {
	engine  WakeEngine
	pending []int16
}

func NewWakeWordListener(engine WakeEngine) *WakeWordListener {
	return &WakeWordListener{engine: engine}
}

func (w *WakeWordListener) SampleRate() int { return 16000 }

func (w *WakeWordListener) OnAudioData(frame Frame, d *Detection) {
	n := w.engine.FrameLength()
	if n <= 0 {
		return
	}
	for i := 0; i+1 < len(frame.Data); i += 2 {
		w.pending = append(w.pending, int16(frame.Data[i])|int16(frame.Data[i+1])<<8)
	}
	for len(w.pending) >= n {
		idx, err := w.engine.Process(w.pending[:n])
		w.pending = w.pending[n:]
		if err != nil {
			logger.Warn("wake word engine failed", "error", err)
			continue
		}
		if idx >= 0 {
			logger.Info("wake word detected", "keyword", idx, "frame", frame.Index)
			d.WakeWordDetected.Store(true)
		}
	}
	if cap(w.pending) > 8*n {
		w.pending = append([]int16(nil), w.pending...)
	}
}

func (w *WakeWordListener) Reset() { w.pending = nil }
