package frames

import (
	"testing"
	"time"
)

func TestFramesCarryKindTurnAndTimestamp(t *testing.T) {
	before := time.Now()

	testCases := []struct {
		name  string
		frame Frame
		kind  Kind
		turn  uint64
	}{
		{"audio chunk", NewAudioChunk(3, []byte{0x01}, 16000), KindAudioChunk, 3},
		{"video frame", NewVideoFrame(4, []byte{0x02}, 1280, 720), KindVideoFrame, 4},
		{"text token", NewTextToken(5, "hello", true), KindTextToken, 5},
		{"speech started", NewSpeechStarted(9), KindSpeechStarted, 9},
		{"speech ended", NewSpeechEnded(10), KindSpeechEnded, 10},
		{"end of turn", NewEndOfTurn(6), KindEndOfTurn, 6},
		{"interrupted", NewInterrupted(7), KindInterrupted, 7},
		{"stage failure", NewStageFailure(8, "synthesizer", nil), KindStageFailure, 8},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.frame.Kind(); got != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, got)
			}
			if got := tc.frame.Turn(); got != tc.turn {
				t.Fatalf("expected turn %d, got %d", tc.turn, got)
			}
			if ts := tc.frame.Timestamp(); ts.Before(before) || ts.After(time.Now()) {
				t.Fatalf("expected timestamp set at construction, got %v", ts)
			}
		})
	}
}
