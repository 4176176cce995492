package protocol

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/voxmirror/presence-core/core/protocol"

var logger = otelslog.NewLogger(scopeName)
