package realtime

import (
	"sync"
	"time"
)

// Player renders assistant audio, PCM16LE mono at 24 kHz. Clear drops
// anything queued but not yet heard.
type Player interface {
	Write(pcm []byte) error
	Clear()
}

const (
	outputSampleRate = 24000
	// ttsUSDPerMinute prices generated assistant audio.
	ttsUSDPerMinute = 0.24
)

// audioDuration is the play time of PCM16 mono audio at the output rate.
func audioDuration(bytes int64) time.Duration {
	return time.Duration(bytes) * time.Second / time.Duration(2*outputSampleRate)
}

// playbackStream holds one turn's assistant audio. Audio is buffered until
// the turn's transcript is accepted, then played by its own goroutine in
// arrival order.
type playbackStream struct {
	convoID string
	player  Player

	mu       sync.Mutex
	cond     *sync.Cond
	pending  [][]byte
	bytes    int64
	allowed  bool
	ignored  bool
	stopped  bool
	finished bool
	running  bool
}

func newPlaybackStream(convoID string, player Player, allowed bool) *playbackStream {
	p := &playbackStream{convoID: convoID, player: player}
	p.cond = sync.NewCond(&p.mu)
	if allowed {
		p.allow()
	}
	return p
}

func (p *playbackStream) write(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ignored || p.stopped || p.finished {
		return
	}
	p.bytes += int64(len(pcm))
	p.pending = append(p.pending, pcm)
	p.cond.Signal()
}

// allow starts playback of everything buffered so far and what follows.
func (p *playbackStream) allow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowed || p.ignored || p.stopped {
		return
	}
	p.allowed = true
	p.running = true
	go p.run()
}

// ignore discards the turn's audio; nothing of it is ever played.
func (p *playbackStream) ignore() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignored = true
	p.pending = nil
	p.cond.Broadcast()
}

// stop is barge-in: queued audio is dropped and the player cleared.
func (p *playbackStream) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.pending = nil
	wasPlaying := p.running
	p.cond.Broadcast()
	p.mu.Unlock()
	if wasPlaying && p.player != nil {
		p.player.Clear()
	}
}

// finish marks the end of the turn's audio and returns its total length.
func (p *playbackStream) finish() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
	p.cond.Broadcast()
	return p.bytes
}

func (p *playbackStream) run() {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.finished && !p.stopped && !p.ignored {
			p.cond.Wait()
		}
		if p.stopped || p.ignored || len(p.pending) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		chunk := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		if p.player == nil {
			continue
		}
		if err := p.player.Write(chunk); err != nil {
			logger.Warn("assistant audio write failed", "convo_id", p.convoID, "error", err)
		}
	}
}
