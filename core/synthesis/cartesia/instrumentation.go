package cartesia

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/voxmirror/presence-core/core/synthesis/cartesia"

var logger = otelslog.NewLogger(scopeName)
