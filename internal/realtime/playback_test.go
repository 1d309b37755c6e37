package realtime

import (
	"sync"
	"testing"
	"time"
)

type recordingPlayer struct {
	mu      sync.Mutex
	written [][]byte
	clears  int
	wrote   chan struct{}
}

func newRecordingPlayer() *recordingPlayer {
	return &recordingPlayer{wrote: make(chan struct{}, 64)}
}

func (p *recordingPlayer) Write(pcm []byte) error {
	p.mu.Lock()
	p.written = append(p.written, pcm)
	p.mu.Unlock()
	p.wrote <- struct{}{}
	return nil
}

func (p *recordingPlayer) Clear() {
	p.mu.Lock()
	p.clears++
	p.mu.Unlock()
}

func (p *recordingPlayer) writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

func (p *recordingPlayer) waitWrites(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for p.writes() < n {
		select {
		case <-p.wrote:
		case <-deadline:
			t.Fatalf("player writes = %d, want %d", p.writes(), n)
		}
	}
}

func TestPlaybackStreamBuffersUntilAllowed(t *testing.T) {
	player := newRecordingPlayer()
	ps := newPlaybackStream("item_1", player, false)
	ps.write([]byte{1, 2})
	ps.write([]byte{3, 4})

	if got := player.writes(); got != 0 {
		t.Fatalf("writes before allow = %d, want 0", got)
	}
	ps.allow()
	player.waitWrites(t, 2)

	if n := ps.finish(); n != 4 {
		t.Fatalf("finish() = %d bytes, want 4", n)
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if player.written[0][0] != 1 || player.written[1][0] != 3 {
		t.Fatalf("played out of order: %v", player.written)
	}
}

func TestPlaybackStreamIgnoredNeverPlays(t *testing.T) {
	player := newRecordingPlayer()
	ps := newPlaybackStream("item_1", player, false)
	ps.write([]byte{1, 2})
	ps.ignore()
	ps.allow()
	ps.write([]byte{3, 4})

	time.Sleep(20 * time.Millisecond)
	if got := player.writes(); got != 0 {
		t.Fatalf("writes = %d, want 0", got)
	}
}

func TestPlaybackStreamStopClearsPlayer(t *testing.T) {
	player := newRecordingPlayer()
	ps := newPlaybackStream("item_1", player, true)
	ps.write([]byte{1, 2})
	player.waitWrites(t, 1)

	ps.stop()
	ps.stop()
	ps.write([]byte{3, 4})

	player.mu.Lock()
	defer player.mu.Unlock()
	if player.clears != 1 {
		t.Fatalf("clears = %d, want 1", player.clears)
	}
}

func TestAudioDuration(t *testing.T) {
	if got := audioDuration(48000); got != time.Second {
		t.Fatalf("audioDuration(48000) = %v, want 1s", got)
	}
}
