package deepgram

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/voxmirror/presence-core/core/transcription/deepgram"

var logger = otelslog.NewLogger(scopeName)
