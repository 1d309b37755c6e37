package audio

import (
	"time"

	"github.com/google/uuid"
)

// Gap records frames missing between two consecutive captured frames.
type Gap struct {
	After uint64
	Next  uint64
}

func (g Gap) Missing() uint64 { return g.Next - g.After - 1 }

// Utterance is one speech span: the pre-speech frames followed by the frames
// from speech start through the first non-speech frame.
type Utterance struct {
	ID         string
	Indices    []uint64
	PCM        []byte
	SampleRate int
	Gaps       []Gap
	WakeWord   bool
	CapturedAt time.Time
}

func (u Utterance) FirstIndex() uint64 {
	if len(u.Indices) == 0 {
		return 0
	}
	return u.Indices[0]
}

func (u Utterance) LastIndex() uint64 {
	if len(u.Indices) == 0 {
		return 0
	}
	return u.Indices[len(u.Indices)-1]
}

func (u Utterance) Duration() time.Duration {
	return frameDuration(len(u.PCM), u.SampleRate)
}

// assembleUtterance concatenates frames and records any index gaps. Gaps
// never fail assembly.
func assembleUtterance(frames []Frame, sampleRate int) Utterance {
	size := 0
	for _, f := range frames {
		size += len(f.Data)
	}
	u := Utterance{
		ID:         uuid.NewString(),
		Indices:    make([]uint64, 0, len(frames)),
		PCM:        make([]byte, 0, size),
		SampleRate: sampleRate,
		CapturedAt: time.Now().UTC(),
	}
	for i, f := range frames {
		if i > 0 {
			prev := frames[i-1].Index
			if f.Index != prev+1 {
				u.Gaps = append(u.Gaps, Gap{After: prev, Next: f.Index})
			}
		}
		u.Indices = append(u.Indices, f.Index)
		u.PCM = append(u.PCM, f.Data...)
	}
	return u
}
