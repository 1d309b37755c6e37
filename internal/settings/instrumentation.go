package settings

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/antoniostano/voxline/internal/settings"

var logger = otelslog.NewLogger(scopeName)
