// Package frames defines the typed frame contract carried by the pipeline
// bus. A frame is immutable once emitted and belongs to exactly one turn.
//
// Frame kinds are grouped by namespace:
//
//   - media.* — audio samples, video frames
//   - text.*  — streamed transcript/response tokens
//   - control.* — turn boundaries and stage failures
//
// Semantics used across the package:
//
//   - Chunk: binary media payload emitted in stream order.
//   - Token: append-only text piece emitted in stream order.
//   - EndOfTurn: terminal marker closing one stage's output for a turn.
//
// Ordering within a single stream is the only ordering guarantee; no
// cross-stream timestamp reconciliation is performed.
package frames
