package chat

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/antoniostano/voxline/internal/chat"

var logger = otelslog.NewLogger(scopeName)
