package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/voxline/internal/observability"
)

// CaptureState is the segmentation state of a capture session.
type CaptureState int32

const (
	StateIdle CaptureState = iota
	StateWakeConfirmed
	StateCapturing
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWakeConfirmed:
		return "wake_confirmed"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// DeviceStatus reports whether capture is running.
type DeviceStatus string

const (
	StatusStopped     DeviceStatus = "stopped"
	StatusRunning     DeviceStatus = "running"
	StatusUnavailable DeviceStatus = "unavailable"
)

// Transcriber turns a finished utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, u Utterance) (string, error)
}

// UtteranceSink is implemented by modes that accept whole utterances as audio.
type UtteranceSink interface {
	HandleUtterance(ctx context.Context, u Utterance) error
}

// LiveAudioMode is implemented by modes that consume frames as a registered
// listener; finished utterances need no further hand-off for them.
type LiveAudioMode interface {
	LiveAudio() bool
}

// Handoff decides where finished utterances go.
type Handoff struct {
	// Mode returns the active assistant mode; it is inspected for
	// LiveAudioMode and UtteranceSink.
	Mode         func() any
	Transcriber  Transcriber
	OnTranscript func(ctx context.Context, text string)
	Warn         func(msg string)
}

type Options struct {
	SampleRate      int
	FrameBytes      int
	PreSpeechFrames int
	// StartIndex is the index given to the first captured frame.
	StartIndex    uint64
	WakeWordMode  bool
	RecordingsDir string
	Open          DeviceOpener
	Handoff       Handoff
	Metrics       *observability.Metrics
	Observer      observability.Observer
}

type Status struct {
	Device       DeviceStatus `json:"device"`
	State        string       `json:"state"`
	Paused       bool         `json:"paused"`
	WakeWordMode bool         `json:"wake_word_mode"`
	Frames       uint64       `json:"frames"`
	Utterances   uint64       `json:"utterances"`
	Listeners    int          `json:"listeners"`
	LastError    string       `json:"last_error,omitempty"`
}

// Pipeline reads frames from a capture device, runs listeners on each frame
// and segments speech into utterances.
type Pipeline struct {
	opts     Options
	registry registry

	paused   atomic.Bool
	dropping atomic.Bool
	wakeMode atomic.Bool
	state    atomic.Int32
	frames   atomic.Uint64
	spoken   atomic.Uint64

	mu        sync.Mutex
	device    Device
	status    DeviceStatus
	lastError string
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	handoffs  sync.WaitGroup
	nextIndex uint64

	// Worker-owned.
	detection  *Detection
	captured   []Frame
	wakeHeard  bool
	readyNoted bool
}

func NewPipeline(opts Options) *Pipeline {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.FrameBytes <= 0 {
		opts.FrameBytes = 1532
	}
	if opts.PreSpeechFrames <= 0 {
		opts.PreSpeechFrames = 25
	}
	if opts.Observer == nil {
		opts.Observer = observability.Nop{}
	}
	p := &Pipeline{
		opts:      opts,
		status:    StatusStopped,
		nextIndex: opts.StartIndex,
		detection: NewDetection(opts.PreSpeechFrames),
	}
	p.wakeMode.Store(opts.WakeWordMode)
	return p
}

// Register adds a listener. A duplicate for the same kind and test flag is
// logged and ignored (ok=false).
func (p *Pipeline) Register(l Listener, reg Registration) bool {
	ok, err := p.registry.add(l, reg, p.opts.SampleRate)
	if err != nil {
		logger.Warn("listener rejected", "kind", reg.Kind, "test", reg.Test, "error", err)
		return false
	}
	if !ok {
		logger.Warn("listener already registered", "kind", reg.Kind, "test", reg.Test)
		return false
	}
	logger.Debug("listener registered", "kind", reg.Kind, "test", reg.Test)
	return true
}

func (p *Pipeline) Remove(l Listener) bool {
	return p.registry.remove(l)
}

// Registered reports whether l is currently registered.
func (p *Pipeline) Registered(l Listener) bool {
	return p.registry.has(l)
}

// Pause stops delivering frames. An utterance in progress is abandoned on
// the next frame so nothing from before the pause is joined to later speech.
func (p *Pipeline) Pause() {
	if !p.paused.Swap(true) {
		p.dropping.Store(true)
		logger.Info("audio capture paused")
	}
}

func (p *Pipeline) Resume() {
	if p.paused.Swap(false) {
		logger.Info("audio capture resumed")
	}
}

func (p *Pipeline) Paused() bool { return p.paused.Load() }

// SetWakeWordMode turns wake word gating on or off. Gating only applies while
// a wake word listener is registered; it reports whether gating is in effect.
func (p *Pipeline) SetWakeWordMode(enabled bool) bool {
	p.wakeMode.Store(enabled)
	if enabled && !p.registry.hasKind(KindWakeWord) {
		logger.Warn("wake word mode requested without a wake word listener, not gating")
		if p.opts.Handoff.Warn != nil {
			p.opts.Handoff.Warn("Wake word mode is on but no wake word engine is available")
		}
		return false
	}
	return enabled
}

func (p *Pipeline) wakeGated() bool {
	return p.wakeMode.Load() && p.registry.hasKind(KindWakeWord)
}

func (p *Pipeline) State() CaptureState { return CaptureState(p.state.Load()) }

// Capturing reports whether an utterance is in progress.
func (p *Pipeline) Capturing() bool { return p.State() == StateCapturing }

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Device:       p.status,
		State:        p.State().String(),
		Paused:       p.paused.Load(),
		WakeWordMode: p.wakeGated(),
		Frames:       p.frames.Load(),
		Utterances:   p.spoken.Load(),
		Listeners:    len(p.registry.snapshot()),
		LastError:    p.lastError,
	}
}

// Start opens the device and begins capture. A missing or failing device is
// logged and leaves the pipeline in StatusUnavailable; it is not an error.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	if p.opts.Open == nil {
		p.setUnavailableLocked(ErrNoDevice)
		return
	}

	dev, err := p.opts.Open(ctx, Format{SampleRate: p.opts.SampleRate, FrameBytes: p.opts.FrameBytes})
	if err != nil {
		p.setUnavailableLocked(err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	queue := newFrameQueue()
	p.device = dev
	p.cancel = cancel
	p.status = StatusRunning
	p.lastError = ""

	p.loops.Add(2)
	go p.readLoop(runCtx, dev, queue)
	go p.processLoop(runCtx, queue)
	logger.Info("audio capture started", "sample_rate", p.opts.SampleRate, "frame_bytes", p.opts.FrameBytes)
}

func (p *Pipeline) setUnavailableLocked(err error) {
	p.status = StatusUnavailable
	p.lastError = err.Error()
	logger.Warn("audio capture unavailable", "error", err)
}

// Cancel stops capture and waits for the reader, worker and pending
// hand-offs to finish.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	dev := p.device
	p.cancel = nil
	p.device = nil
	if p.status == StatusRunning {
		p.status = StatusStopped
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dev != nil {
		_ = dev.Close()
	}
	p.loops.Wait()
	p.handoffs.Wait()
}

// Restart tears capture down and starts it again with fresh segmentation
// state. It is driven by the owner after configuration changes.
func (p *Pipeline) Restart(ctx context.Context) {
	p.Cancel()
	p.resetSegmentation()
	p.readyNoted = false
	p.Start(ctx)
}

// resetSegmentation drops buffered audio and any utterance in progress, and
// resets listeners that keep their own speech state.
func (p *Pipeline) resetSegmentation() {
	p.detection.reset()
	p.captured = nil
	p.wakeHeard = false
	p.state.Store(int32(StateIdle))
	for _, e := range p.registry.snapshot() {
		if r, ok := e.listener.(interface{ Reset() }); ok {
			r.Reset()
		}
	}
}

// Wait blocks until capture ends on its own (e.g. the device hit EOF) and
// all hand-offs have completed.
func (p *Pipeline) Wait() {
	p.loops.Wait()
	p.handoffs.Wait()
}

func (p *Pipeline) readLoop(ctx context.Context, dev Device, queue *frameQueue) {
	defer p.loops.Done()
	defer queue.close()

	for {
		buf := make([]byte, p.opts.FrameBytes)
		n, err := dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.mu.Lock()
			if errors.Is(err, io.EOF) {
				logger.Info("audio capture ended")
				p.status = StatusStopped
			} else {
				logger.Warn("audio capture failed", "error", err)
				p.status = StatusUnavailable
				p.lastError = err.Error()
			}
			p.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}

		p.mu.Lock()
		idx := p.nextIndex
		p.nextIndex++
		p.mu.Unlock()

		queue.push(Frame{Index: idx, Data: buf[:n]})
		if p.opts.Metrics != nil {
			p.opts.Metrics.AudioFrames.Inc()
		}
	}
}

func (p *Pipeline) processLoop(ctx context.Context, queue *frameQueue) {
	defer p.loops.Done()
	for {
		frame, ok := queue.pop(ctx)
		if !ok {
			return
		}
		p.process(ctx, frame)
	}
}

func (p *Pipeline) process(ctx context.Context, frame Frame) {
	p.frames.Add(1)
	testMode := p.registry.hasTest()
	if p.dropping.Swap(false) {
		if p.State() != StateIdle {
			logger.Info("utterance abandoned on pause", "frame", frame.Index)
			p.countUtterance("paused")
		}
		p.resetSegmentation()
	}
	if p.paused.Load() && !testMode {
		return
	}

	for _, e := range p.registry.snapshot() {
		if testMode && !e.reg.Test {
			continue
		}
		view := frame
		if e.resampler != nil {
			data, err := e.resampler.Convert(frame.Data)
			if err != nil {
				logger.Warn("resample failed", "kind", e.reg.Kind, "error", err)
				continue
			}
			view = Frame{Index: frame.Index, Data: data}
		}
		p.deliver(e, view)
	}

	p.advance(ctx, frame, testMode)
}

func (p *Pipeline) deliver(e *registration, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listener panicked", "kind", e.reg.Kind, "panic", fmt.Sprint(r))
		}
	}()
	e.listener.OnAudioData(frame, p.detection)
}

// advance runs the segmentation state machine once every listener has seen
// the frame.
func (p *Pipeline) advance(ctx context.Context, frame Frame, testMode bool) {
	d := p.detection
	state := CaptureState(p.state.Load())

	if d.WakeWordDetected.Swap(false) {
		p.wakeHeard = true
		if p.wakeMode.Load() {
			d.preSpeech.clear()
			p.captured = p.captured[:0]
			if state != StateCapturing {
				state = StateWakeConfirmed
			}
			logger.Info("wake word confirmed", "frame", frame.Index)
		}
	}

	switch {
	case d.SpeechDetected.Load():
		if state != StateCapturing {
			p.captured = append(p.captured, d.preSpeech.drain()...)
			state = StateCapturing
			logger.Debug("speech started", "frame", frame.Index, "pre_speech", len(p.captured))
		}
		p.captured = append(p.captured, frame)
	case state == StateCapturing:
		p.captured = append(p.captured, frame)
		frames := p.captured
		p.captured = nil
		wake := p.wakeHeard
		p.wakeHeard = false
		state = StateIdle
		p.state.Store(int32(state))
		p.finish(ctx, frames, wake, testMode)
		return
	default:
		d.preSpeech.push(frame)
		if !p.readyNoted && d.preSpeech.full() {
			p.readyNoted = true
			logger.Info("ready for microphone audio")
		}
	}
	p.state.Store(int32(state))
}

func (p *Pipeline) finish(ctx context.Context, frames []Frame, wake, testMode bool) {
	u := assembleUtterance(frames, p.opts.SampleRate)
	u.WakeWord = wake
	if len(u.Gaps) > 0 {
		for _, g := range u.Gaps {
			logger.Warn("skipped frame detected", "utterance", u.ID, "after", g.After, "next", g.Next)
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.UtteranceGaps.Add(float64(len(u.Gaps)))
		}
	}

	switch {
	case testMode:
		logger.Debug("test mode, skipping utterance", "utterance", u.ID)
		p.countUtterance("test")
		return
	case p.wakeGated() && !wake:
		logger.Debug("no wake word before utterance, discarding", "utterance", u.ID)
		p.countUtterance("no_wake_word")
		return
	}

	p.spoken.Add(1)
	p.handoffs.Add(1)
	go func() {
		defer p.handoffs.Done()
		p.handoff(ctx, u)
	}()
}

func (p *Pipeline) handoff(ctx context.Context, u Utterance) {
	h := p.opts.Handoff
	var mode any
	if h.Mode != nil {
		mode = h.Mode()
	}

	if m, ok := mode.(LiveAudioMode); ok && m.LiveAudio() {
		logger.Debug("utterance already streamed live", "utterance", u.ID)
		p.countUtterance("live")
		return
	}

	if p.opts.RecordingsDir != "" {
		if path, err := WriteUtteranceWAV(p.opts.RecordingsDir, u); err != nil {
			logger.Warn("write utterance failed", "utterance", u.ID, "error", err)
		} else {
			logger.Debug("utterance written", "path", path)
		}
	}

	if sink, ok := mode.(UtteranceSink); ok {
		if err := sink.HandleUtterance(ctx, u); err != nil {
			logger.Warn("utterance sink failed", "utterance", u.ID, "error", err)
			p.countUtterance("error")
			return
		}
		p.countUtterance("sink")
		return
	}

	if h.Transcriber == nil {
		if h.Warn != nil {
			h.Warn("No speech-to-text provider available")
		}
		p.countUtterance("no_transcriber")
		return
	}

	start := time.Now()
	text, err := h.Transcriber.Transcribe(ctx, u)
	if err != nil {
		logger.Warn("transcription failed", "utterance", u.ID, "error", err)
		p.countUtterance("error")
		return
	}
	p.opts.Observer.LogSTTLatency(time.Since(start))
	p.countUtterance("transcribed")
	if h.OnTranscript != nil {
		h.OnTranscript(ctx, text)
	}
}

func (p *Pipeline) countUtterance(outcome string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.Utterances.WithLabelValues(outcome).Inc()
	}
}
