package tavus

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/voxmirror/presence-core/core/rendering/tavus"

var logger = otelslog.NewLogger(scopeName)
