package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/voxline/internal/audio"
	"gopkg.in/yaml.v3"
)

var ErrMissingPrompt = errors.New("settings: prompt is required")

// Settings is the user-editable part of the assistant configuration.
type Settings struct {
	Prompt   string `yaml:"prompt"`
	EditMode bool   `yaml:"edit_mode"`
	// Tools restricts the registered tools offered to the model. Empty
	// means every registered tool.
	Tools []string `yaml:"tools,omitempty"`
	VAD   VAD      `yaml:"vad"`
	Wake  Wake     `yaml:"wake"`
}

type VAD struct {
	StartThreshold  float64 `yaml:"start_threshold"`
	EndThreshold    float64 `yaml:"end_threshold"`
	ReferenceRMS    float64 `yaml:"reference_rms"`
	SustainedMS     int     `yaml:"sustained_ms"`
	SpeechSilenceMS int     `yaml:"speech_silence_ms"`
	VoiceSilenceMS  int     `yaml:"voice_silence_ms"`
}

type Wake struct {
	Enabled bool `yaml:"enabled"`
}

// VADConfig converts the thresholds, keeping defaults for unset fields.
func (v VAD) VADConfig() audio.VADConfig {
	cfg := audio.DefaultVADConfig()
	if v.StartThreshold > 0 {
		cfg.StartThreshold = v.StartThreshold
	}
	if v.EndThreshold > 0 {
		cfg.EndThreshold = v.EndThreshold
	}
	if v.ReferenceRMS > 0 {
		cfg.ReferenceRMS = v.ReferenceRMS
	}
	if v.SustainedMS > 0 {
		cfg.Sustained = time.Duration(v.SustainedMS) * time.Millisecond
	}
	if v.SpeechSilenceMS > 0 {
		cfg.SpeechSilence = time.Duration(v.SpeechSilenceMS) * time.Millisecond
	}
	if v.VoiceSilenceMS > 0 {
		cfg.VoiceSilence = time.Duration(v.VoiceSilenceMS) * time.Millisecond
	}
	return cfg
}

// Enabled reports whether a registered tool is offered to the model.
func (s Settings) Enabled(tool string) bool {
	if len(s.Tools) == 0 {
		return true
	}
	for _, name := range s.Tools {
		if name == tool {
			return true
		}
	}
	return false
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.Prompt) == "" {
		return ErrMissingPrompt
	}
	if s.VAD.StartThreshold < 0 || s.VAD.StartThreshold > 1 || s.VAD.EndThreshold < 0 || s.VAD.EndThreshold > 1 {
		return fmt.Errorf("settings: vad thresholds must be within [0,1]")
	}
	return nil
}

func Parse(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	s.Prompt = strings.TrimSpace(s.Prompt)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Source yields the current settings.
type Source interface {
	Current(ctx context.Context) (Settings, error)
}

// Static is a Source that never changes.
type Static Settings

func (s Static) Current(context.Context) (Settings, error) {
	return Settings(s), nil
}

// FileSource reads settings from a YAML file, re-reading it whenever its
// modification time or size changes. A file that fails to read or validate
// leaves the last good settings in place.
type FileSource struct {
	path string

	mu      sync.Mutex
	loaded  bool
	last    Settings
	modTime time.Time
	size    int64
	failed  string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) Path() string { return f.path }

func (f *FileSource) Current(_ context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.path)
	if err != nil {
		return f.fallback(fmt.Errorf("failed to stat %s: %w", f.path, err))
	}
	if f.loaded && info.ModTime().Equal(f.modTime) && info.Size() == f.size {
		return f.last, nil
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return f.fallback(fmt.Errorf("failed to read file %s: %w", f.path, err))
	}
	s, err := Parse(data)
	if err != nil {
		// Remember the broken revision so it is reported once.
		f.modTime, f.size = info.ModTime(), info.Size()
		return f.fallback(err)
	}

	if f.loaded {
		logger.Info("settings reloaded", "path", f.path)
	}
	f.loaded = true
	f.last = s
	f.modTime, f.size = info.ModTime(), info.Size()
	f.failed = ""
	return s, nil
}

func (f *FileSource) fallback(err error) (Settings, error) {
	if msg := err.Error(); msg != f.failed {
		f.failed = msg
		logger.Warn("settings unavailable", "path", f.path, "error", err, "last_known_good", f.loaded)
	}
	if f.loaded {
		return f.last, nil
	}
	return Settings{}, err
}

// Watch polls src every interval and calls fn with each distinct settings
// value, starting with the first one that loads. It returns when ctx ends.
func Watch(ctx context.Context, src Source, interval time.Duration, fn func(Settings)) {
	if interval <= 0 {
		interval = time.Second
	}
	var (
		prev Settings
		seen bool
	)
	poll := func() {
		s, err := src.Current(ctx)
		if err != nil {
			return
		}
		if seen && equal(prev, s) {
			return
		}
		prev, seen = s, true
		fn(s)
	}

	poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

func equal(a, b Settings) bool {
	if a.Prompt != b.Prompt || a.EditMode != b.EditMode || a.VAD != b.VAD || a.Wake != b.Wake {
		return false
	}
	if len(a.Tools) != len(b.Tools) {
		return false
	}
	for i := range a.Tools {
		if a.Tools[i] != b.Tools[i] {
			return false
		}
	}
	return true
}
