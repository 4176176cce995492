package frames

const (
	// KindAudioChunk identifies a chunk of PCM audio samples.
	KindAudioChunk Kind = "media.audio_chunk"
	// KindVideoFrame identifies one composited video frame.
	KindVideoFrame Kind = "media.video_frame"
)

// AudioChunk carries a chunk of audio samples belonging to one turn.
type AudioChunk struct {
	Base
	Samples    []byte
	SampleRate int
}

// NewAudioChunk creates an audio chunk frame.
func NewAudioChunk(turn uint64, samples []byte, sampleRate int) AudioChunk {
	return AudioChunk{Base: NewBase(KindAudioChunk, turn), Samples: samples, SampleRate: sampleRate}
}

// VideoFrame carries one rendered video frame belonging to one turn.
type VideoFrame struct {
	Base
	Pixels []byte
	Width  int
	Height int
}

// NewVideoFrame creates a video frame.
func NewVideoFrame(turn uint64, pixels []byte, width, height int) VideoFrame {
	return VideoFrame{Base: NewBase(KindVideoFrame, turn), Pixels: pixels, Width: width, Height: height}
}
