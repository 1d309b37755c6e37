package audio

import (
	"bytes"
	"context"
	"sync"
	"testing"
)

const testFrameBytes = 64

// scriptedVAD reports speech on a fixed set of frame indices.
type scriptedVAD struct {
	speech map[uint64]bool
	rate   int
}

func newScriptedVAD(rate int, from, to uint64) *scriptedVAD {
	v := &scriptedVAD{speech: map[uint64]bool{}, rate: rate}
	for i := from; i <= to; i++ {
		v.speech[i] = true
	}
	return v
}

func (v *scriptedVAD) SampleRate() int { return v.rate }

func (v *scriptedVAD) OnAudioData(frame Frame, d *Detection) {
	d.SpeechDetected.Store(v.speech[frame.Index])
}

type scriptedWake struct {
	at map[uint64]bool
}

func (w *scriptedWake) SampleRate() int { return 24000 }

func (w *scriptedWake) OnAudioData(frame Frame, d *Detection) {
	if w.at[frame.Index] {
		d.WakeWordDetected.Store(true)
	}
}

type recordingListener struct {
	mu      sync.Mutex
	rate    int
	indices []uint64
	sizes   []int
	speech  []bool
}

func (r *recordingListener) SampleRate() int { return r.rate }

func (r *recordingListener) OnAudioData(frame Frame, d *Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indices = append(r.indices, frame.Index)
	r.sizes = append(r.sizes, len(frame.Data))
	r.speech = append(r.speech, d.SpeechDetected.Load())
}

func (r *recordingListener) seen() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.indices...)
}

type sinkMode struct {
	mu         sync.Mutex
	utterances []Utterance
}

func (s *sinkMode) HandleUtterance(_ context.Context, u Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, u)
	return nil
}

func (s *sinkMode) got() []Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Utterance(nil), s.utterances...)
}

type liveMode struct{}

func (liveMode) LiveAudio() bool { return true }

type fakeTranscriber struct {
	text string
}

func (f fakeTranscriber) Transcribe(context.Context, Utterance) (string, error) {
	return f.text, nil
}

func framesReader(n int) *bytes.Reader {
	buf := make([]byte, n*testFrameBytes)
	for i := range buf {
		buf[i] = byte(i / testFrameBytes)
	}
	return bytes.NewReader(buf)
}

func newTestPipeline(frames int, handoff Handoff) *Pipeline {
	return NewPipeline(Options{
		SampleRate:      24000,
		FrameBytes:      testFrameBytes,
		PreSpeechFrames: 25,
		StartIndex:      97,
		Open:            ReaderOpener(framesReader(frames)),
		Handoff:         handoff,
	})
}

func runToEnd(t *testing.T, p *Pipeline) {
	t.Helper()
	p.Start(context.Background())
	p.Wait()
	if got := p.Status().Device; got != StatusStopped {
		t.Fatalf("Status().Device = %q, want %q", got, StatusStopped)
	}
}

func assertIndices(t *testing.T, got []uint64, first, last uint64) {
	t.Helper()
	want := int(last - first + 1)
	if len(got) != want {
		t.Fatalf("len(indices) = %d, want %d (%v)", len(got), want, got)
	}
	for i, idx := range got {
		if idx != first+uint64(i) {
			t.Fatalf("indices[%d] = %d, want %d", i, idx, first+uint64(i))
		}
	}
}

func TestPipelineUtteranceIncludesPreSpeechAndTerminatingFrame(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(20, Handoff{Mode: func() any { return sink }})
	p.Register(newScriptedVAD(24000, 102, 108), Registration{Kind: KindVAD})

	runToEnd(t, p)

	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	u := got[0]
	assertIndices(t, u.Indices, 97, 109)
	if len(u.PCM) != 13*testFrameBytes {
		t.Fatalf("len(PCM) = %d, want %d", len(u.PCM), 13*testFrameBytes)
	}
	if len(u.Gaps) != 0 {
		t.Fatalf("Gaps = %v, want none", u.Gaps)
	}
	// Frame payloads are tagged with their position in the stream.
	if u.PCM[0] != 0 || u.PCM[len(u.PCM)-1] != 12 {
		t.Fatalf("PCM bounds = %d..%d, want 0..12", u.PCM[0], u.PCM[len(u.PCM)-1])
	}
}

func TestPipelineShorterSpeechSpan(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(20, Handoff{Mode: func() any { return sink }})
	p.Register(newScriptedVAD(24000, 102, 107), Registration{Kind: KindVAD})

	runToEnd(t, p)

	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	assertIndices(t, got[0].Indices, 97, 108)
}

func TestPipelinePreSpeechIsBounded(t *testing.T) {
	sink := &sinkMode{}
	p := NewPipeline(Options{
		SampleRate:      24000,
		FrameBytes:      testFrameBytes,
		PreSpeechFrames: 3,
		Open:            ReaderOpener(framesReader(12)),
		Handoff:         Handoff{Mode: func() any { return sink }},
	})
	p.Register(newScriptedVAD(24000, 8, 9), Registration{Kind: KindVAD})

	runToEnd(t, p)

	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	assertIndices(t, got[0].Indices, 5, 10)
}

func TestPipelineTranscribesWithoutSink(t *testing.T) {
	var mu sync.Mutex
	var texts []string
	p := newTestPipeline(20, Handoff{
		Transcriber: fakeTranscriber{text: "turn on the lights"},
		OnTranscript: func(_ context.Context, text string) {
			mu.Lock()
			texts = append(texts, text)
			mu.Unlock()
		},
	})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD})

	runToEnd(t, p)

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 || texts[0] != "turn on the lights" {
		t.Fatalf("transcripts = %v, want [turn on the lights]", texts)
	}
	if got := p.Status().Utterances; got != 1 {
		t.Fatalf("Status().Utterances = %d, want 1", got)
	}
}

func TestPipelineWarnsWithoutTranscriber(t *testing.T) {
	var mu sync.Mutex
	var warnings []string
	p := newTestPipeline(20, Handoff{Warn: func(msg string) {
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	}})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD})

	runToEnd(t, p)

	mu.Lock()
	defer mu.Unlock()
	if len(warnings) != 1 || warnings[0] != "No speech-to-text provider available" {
		t.Fatalf("warnings = %v, want one missing provider warning", warnings)
	}
}

func TestPipelineLiveModeSkipsHandoff(t *testing.T) {
	var warned bool
	p := newTestPipeline(20, Handoff{
		Mode: func() any { return liveMode{} },
		Warn: func(string) { warned = true },
	})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD})

	runToEnd(t, p)

	if warned {
		t.Fatalf("live mode utterance should not reach transcription")
	}
}

func TestPipelineWakeWordGating(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(40, Handoff{Mode: func() any { return sink }})
	p.SetWakeWordMode(true)
	// 97..102 has no wake word and is discarded. The wake word on 110
	// clears pre-speech, so the next utterance starts there.
	vad := &combinedVAD{a: newScriptedVAD(24000, 100, 101), b: newScriptedVAD(24000, 115, 116)}
	p.Register(vad, Registration{Kind: KindVAD})
	p.Register(&scriptedWake{at: map[uint64]bool{110: true}}, Registration{Kind: KindWakeWord})

	runToEnd(t, p)

	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	if !got[0].WakeWord {
		t.Fatalf("WakeWord = false, want true")
	}
	assertIndices(t, got[0].Indices, 110, 117)
}

type combinedVAD struct {
	a, b *scriptedVAD
}

func (c *combinedVAD) SampleRate() int { return 24000 }

func (c *combinedVAD) OnAudioData(frame Frame, d *Detection) {
	d.SpeechDetected.Store(c.a.speech[frame.Index] || c.b.speech[frame.Index])
}

func TestPipelineRejectsDuplicateRegistration(t *testing.T) {
	p := newTestPipeline(1, Handoff{})
	first := newScriptedVAD(24000, 0, 0)
	if !p.Register(first, Registration{Kind: KindVAD}) {
		t.Fatalf("first Register() = false, want true")
	}
	if p.Register(newScriptedVAD(24000, 0, 0), Registration{Kind: KindVAD}) {
		t.Fatalf("duplicate Register() = true, want false")
	}
	if !p.Register(newScriptedVAD(24000, 0, 0), Registration{Kind: KindVAD, Test: true}) {
		t.Fatalf("test Register() = false, want true")
	}
	if p.Register(first, Registration{Kind: KindRealtime}) {
		t.Fatalf("re-registering same listener = true, want false")
	}
	if !p.Remove(first) {
		t.Fatalf("Remove() = false, want true")
	}
	if p.Registered(first) {
		t.Fatalf("Registered() = true after Remove")
	}
}

func TestPipelineRejectsUnsupportedRate(t *testing.T) {
	p := newTestPipeline(1, Handoff{})
	if p.Register(&recordingListener{rate: 44100}, Registration{Kind: KindRealtime}) {
		t.Fatalf("Register() = true for 44.1 kHz listener, want false")
	}
}

func TestPipelineDetectorsRunFirst(t *testing.T) {
	p := newTestPipeline(12, Handoff{Mode: func() any { return &sinkMode{} }})
	meter := &recordingListener{rate: 24000}
	p.Register(meter, Registration{Kind: KindRealtime})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD})

	runToEnd(t, p)

	meter.mu.Lock()
	defer meter.mu.Unlock()
	for i, idx := range meter.indices {
		want := idx == 100 || idx == 101
		if meter.speech[i] != want {
			t.Fatalf("frame %d speech = %v, want %v", idx, meter.speech[i], want)
		}
	}
}

func TestPipelineResamplesPerListener(t *testing.T) {
	p := newTestPipeline(10, Handoff{})
	narrow := &recordingListener{rate: 16000}
	p.Register(narrow, Registration{Kind: KindRealtime})

	runToEnd(t, p)

	narrow.mu.Lock()
	defer narrow.mu.Unlock()
	if len(narrow.indices) != 10 {
		t.Fatalf("frames seen = %d, want 10", len(narrow.indices))
	}
	total := 0
	for _, n := range narrow.sizes {
		total += n
	}
	if total >= 10*testFrameBytes {
		t.Fatalf("resampled bytes = %d, want fewer than %d", total, 10*testFrameBytes)
	}
}

func TestPipelinePausedDropsFrames(t *testing.T) {
	p := newTestPipeline(10, Handoff{})
	meter := &recordingListener{rate: 24000}
	p.Register(meter, Registration{Kind: KindRealtime})
	p.Pause()

	runToEnd(t, p)

	if got := meter.seen(); len(got) != 0 {
		t.Fatalf("paused frames delivered = %d, want 0", len(got))
	}
	if got := p.Status().Frames; got != 10 {
		t.Fatalf("Status().Frames = %d, want 10", got)
	}
}

func TestPipelineTestListenersExcludeOthers(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(20, Handoff{Mode: func() any { return sink }})
	prod := &recordingListener{rate: 24000}
	test := &recordingListener{rate: 24000}
	p.Register(prod, Registration{Kind: KindRealtime})
	p.Register(test, Registration{Kind: KindRealtime, Test: true})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD, Test: true})
	p.Pause()

	runToEnd(t, p)

	if got := prod.seen(); len(got) != 0 {
		t.Fatalf("production listener frames = %d, want 0", len(got))
	}
	if got := test.seen(); len(got) != 20 {
		t.Fatalf("test listener frames = %d, want 20", len(got))
	}
	if got := sink.got(); len(got) != 0 {
		t.Fatalf("utterances handed off in test mode = %d, want 0", len(got))
	}
}

func TestPipelineWithoutDeviceIsUnavailable(t *testing.T) {
	p := NewPipeline(Options{})
	p.Start(context.Background())
	if got := p.Status().Device; got != StatusUnavailable {
		t.Fatalf("Status().Device = %q, want %q", got, StatusUnavailable)
	}
	p.Cancel()
}

func TestPipelineRecoversListenerPanic(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(20, Handoff{Mode: func() any { return sink }})
	p.Register(newScriptedVAD(24000, 102, 108), Registration{Kind: KindVAD})
	p.Register(panicListener{}, Registration{Kind: KindRealtime})

	runToEnd(t, p)

	if got := sink.got(); len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
}

type panicListener struct{}

func (panicListener) SampleRate() int               { return 24000 }
func (panicListener) OnAudioData(Frame, *Detection) { panic("boom") }

func TestAssembleUtteranceRecordsGaps(t *testing.T) {
	frames := []Frame{
		{Index: 10, Data: []byte{1, 0}},
		{Index: 11, Data: []byte{2, 0}},
		{Index: 14, Data: []byte{3, 0}},
	}
	u := assembleUtterance(frames, 16000)
	if len(u.Gaps) != 1 {
		t.Fatalf("Gaps = %v, want 1 gap", u.Gaps)
	}
	if u.Gaps[0] != (Gap{After: 11, Next: 14}) || u.Gaps[0].Missing() != 2 {
		t.Fatalf("gap = %+v, want 11->14 missing 2", u.Gaps[0])
	}
	if !bytes.Equal(u.PCM, []byte{1, 0, 2, 0, 3, 0}) {
		t.Fatalf("PCM = %v", u.PCM)
	}
	if u.FirstIndex() != 10 || u.LastIndex() != 14 {
		t.Fatalf("bounds = %d..%d, want 10..14", u.FirstIndex(), u.LastIndex())
	}
}

func TestPreSpeechBufferEvictsOldest(t *testing.T) {
	b := newPreSpeechBuffer(3)
	for i := uint64(0); i < 5; i++ {
		b.push(Frame{Index: i})
	}
	if !b.full() {
		t.Fatalf("full() = false, want true")
	}
	got := b.drain()
	if len(got) != 3 || got[0].Index != 2 || got[2].Index != 4 {
		t.Fatalf("drain() = %v, want indices 2..4", got)
	}
	if len(b.frames()) != 0 {
		t.Fatalf("buffer not empty after drain")
	}
}

func TestFrameQueueDrainsAfterClose(t *testing.T) {
	q := newFrameQueue()
	for i := uint64(0); i < 3; i++ {
		q.push(Frame{Index: i})
	}
	q.close()
	q.push(Frame{Index: 99})

	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		f, ok := q.pop(ctx)
		if !ok || f.Index != i {
			t.Fatalf("pop() = %v, %v, want index %d", f.Index, ok, i)
		}
	}
	if _, ok := q.pop(ctx); ok {
		t.Fatalf("pop() after drain ok = true, want false")
	}
}

func TestFrameQueuePopHonorsContext(t *testing.T) {
	q := newFrameQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.pop(ctx); ok {
		t.Fatalf("pop() on cancelled context ok = true, want false")
	}
}

func TestPipelineWakeWordModeWithoutEngineKeepsListening(t *testing.T) {
	sink := &sinkMode{}
	var warnings []string
	p := newTestPipeline(20, Handoff{
		Mode: func() any { return sink },
		Warn: func(msg string) { warnings = append(warnings, msg) },
	})
	p.Register(newScriptedVAD(24000, 100, 101), Registration{Kind: KindVAD})

	if p.SetWakeWordMode(true) {
		t.Fatalf("SetWakeWordMode(true) = true without a wake word listener")
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want one", warnings)
	}
	if p.Status().WakeWordMode {
		t.Fatalf("Status().WakeWordMode = true, want false")
	}

	runToEnd(t, p)

	if got := sink.got(); len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
}

type resettingListener struct {
	recordingListener
	resets int
}

func (r *resettingListener) Reset() { r.resets++ }

func TestPipelinePauseAbandonsUtterance(t *testing.T) {
	sink := &sinkMode{}
	p := newTestPipeline(0, Handoff{Mode: func() any { return sink }})
	vad := &combinedVAD{a: newScriptedVAD(24000, 100, 103), b: newScriptedVAD(24000, 107, 108)}
	p.Register(vad, Registration{Kind: KindVAD})
	other := &resettingListener{recordingListener: recordingListener{rate: 24000}}
	p.Register(other, Registration{Kind: KindRealtime})
	ctx := context.Background()
	feed := func(from, to uint64) {
		for i := from; i <= to; i++ {
			p.process(ctx, Frame{Index: i, Data: make([]byte, testFrameBytes)})
		}
	}

	feed(97, 101)
	if got := p.State(); got != StateCapturing {
		t.Fatalf("State() = %v, want %v", got, StateCapturing)
	}
	p.Pause()
	feed(102, 104)
	if got := p.State(); got != StateIdle {
		t.Fatalf("State() after pause = %v, want %v", got, StateIdle)
	}
	if other.resets != 1 {
		t.Fatalf("listener resets = %d, want 1", other.resets)
	}

	p.Resume()
	feed(105, 110)
	p.Wait()

	got := sink.got()
	if len(got) != 1 {
		t.Fatalf("utterances = %d, want 1", len(got))
	}
	if len(got[0].Gaps) != 0 {
		t.Fatalf("Gaps = %v, want none", got[0].Gaps)
	}
	assertIndices(t, got[0].Indices, 105, 109)
}
