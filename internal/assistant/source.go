package assistant

import (
	"context"

	"github.com/antoniostano/voxline/internal/realtime"
	"github.com/antoniostano/voxline/internal/settings"
	"github.com/antoniostano/voxline/internal/tools"
)

// VisibleTools is the tool set offered for a turn: the registered tools the
// settings enable, filtered for edit mode.
func VisibleTools(s settings.Settings, catalog tools.Catalog) []tools.Tool {
	if catalog == nil {
		return nil
	}
	var enabled []tools.Tool
	for _, t := range catalog.All() {
		if s.Enabled(t.Name) {
			enabled = append(enabled, t)
		}
	}
	return tools.Visible(enabled, s.EditMode)
}

// SessionSource renders settings into realtime session configuration. It is
// polled by the session's reconciliation loop.
func SessionSource(src settings.Source, catalog tools.Catalog) realtime.ConfigSource {
	return realtime.ConfigSourceFunc(func(ctx context.Context) (realtime.SessionConfiguration, error) {
		s, err := src.Current(ctx)
		if err != nil {
			return realtime.SessionConfiguration{}, err
		}
		return realtime.SessionConfiguration{
			Instructions: s.Prompt,
			Tools:        VisibleTools(s, catalog),
		}, nil
	})
}
