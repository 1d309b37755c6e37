package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrNotPCM16WAV = errors.New("audio: not a PCM16 mono WAV stream")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteUtteranceWAV stores u as utterance-<id>.wav under dir and returns the path.
func WriteUtteranceWAV(dir string, u Utterance) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	path := filepath.Join(dir, "utterance-"+u.ID+".wav")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := WriteWAVPCM16LETo(f, u.PCM, u.SampleRate); err != nil {
		return "", err
	}
	return path, nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)

	header := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(numChannels),
		uint32(sampleRate), uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8), uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16LE reads a PCM16 mono WAV stream and returns its samples and
// sample rate. Unknown chunks are skipped.
func DecodeWAVPCM16LE(r io.Reader) ([]byte, int, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, 0, ErrNotPCM16WAV
	}

	sampleRate := 0
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, 0, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 {
				return nil, 0, ErrNotPCM16WAV
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			channels := binary.LittleEndian.Uint16(body[2:4])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || channels != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%w: format=%d channels=%d bits=%d", ErrNotPCM16WAV, format, channels, bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
		case "data":
			if sampleRate == 0 {
				return nil, 0, fmt.Errorf("%w: data before fmt", ErrNotPCM16WAV)
			}
			pcm := make([]byte, size)
			n, err := io.ReadFull(r, pcm)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, 0, fmt.Errorf("read data chunk: %w", err)
			}
			return pcm[:n-n%2], sampleRate, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size%2)); err != nil {
				return nil, 0, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
