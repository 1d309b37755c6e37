package audio

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/antoniostano/voxline/internal/audio"

var logger = otelslog.NewLogger(scopeName)
