package httpapi

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/antoniostano/voxline/internal/httpapi"

var logger = otelslog.NewLogger(scopeName)
