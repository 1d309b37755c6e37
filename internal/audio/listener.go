package audio

import (
	"errors"
	"fmt"
	"sync"
)

var ErrUnsupportedSampleRate = errors.New("audio: unsupported listener sample rate")

// Listener receives every processed frame together with the shared detection
// state. OnAudioData runs on the processing worker and must return promptly.
type Listener interface {
	OnAudioData(frame Frame, detection *Detection)
	// SampleRate is the rate the listener wants frames in: 16000 or 24000.
	SampleRate() int
}

// Kind tags a listener at registration. At most one production and one test
// listener of each kind may be registered at a time.
type Kind string

const (
	KindVAD      Kind = "vad"
	KindWakeWord Kind = "wake_word"
	KindRealtime Kind = "realtime"
)

// Detector kinds run before every other listener so consumers see this
// frame's flags.
func (k Kind) Detector() bool {
	return k == KindVAD || k == KindWakeWord
}

type Registration struct {
	Kind Kind
	// Test listeners belong to a configuration test run (e.g. a microphone
	// check). While any is registered, only test listeners receive audio.
	Test bool
}

type registration struct {
	listener  Listener
	reg       Registration
	resampler *Resampler
}

type registry struct {
	mu      sync.RWMutex
	entries []*registration
}

// add registers l. A second listener for the same kind and test flag is
// rejected with ok=false; that is not an error.
func (r *registry) add(l Listener, reg Registration, captureRate int) (bool, error) {
	rate := l.SampleRate()
	if rate != 16000 && rate != 24000 {
		return false, fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, rate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.listener == l {
			return false, nil
		}
		if e.reg.Kind == reg.Kind && e.reg.Test == reg.Test {
			return false, nil
		}
	}

	entry := &registration{listener: l, reg: reg}
	if rate != captureRate {
		rs, err := NewResampler(captureRate, rate)
		if err != nil {
			return false, err
		}
		entry.resampler = rs
	}

	// Detectors first, in registration order, then everything else.
	if reg.Kind.Detector() {
		idx := 0
		for idx < len(r.entries) && r.entries[idx].reg.Kind.Detector() {
			idx++
		}
		r.entries = append(r.entries, nil)
		copy(r.entries[idx+1:], r.entries[idx:])
		r.entries[idx] = entry
	} else {
		r.entries = append(r.entries, entry)
	}
	return true, nil
}

func (r *registry) remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.listener == l {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) snapshot() []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registration, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *registry) hasTest() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.reg.Test {
			return true
		}
	}
	return false
}

func (r *registry) has(l Listener) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.listener == l {
			return true
		}
	}
	return false
}

func (r *registry) hasKind(k Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.reg.Kind == k {
			return true
		}
	}
	return false
}
