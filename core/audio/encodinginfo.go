package audio

const (
	// DefaultInputSampleRate is the capture rate expected from the client.
	DefaultInputSampleRate = 16000
	// DefaultOutputSampleRate is the synthesis/render rate sent back.
	DefaultOutputSampleRate = 24000
	DefaultFormat           = "linear16"
)

type EncodingInfo struct {
	SampleRate int
	Format     Format
}

func DefaultInputEncoding() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultInputSampleRate, Format: FormatLinear16}
}

func DefaultOutputEncoding() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultOutputSampleRate, Format: FormatLinear16}
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}

// BytesPerSecond reports the wire rate of this encoding, or 0 when the
// format is unknown.
func (e EncodingInfo) BytesPerSecond() int {
	size := e.Format.ByteSize()
	if size <= 0 {
		return 0
	}
	return e.SampleRate * size
}

type Format string

func (f Format) Name() string { return string(f) }

func (f Format) ByteSize() int {
	switch f {
	case FormatMulaw, FormatALaw:
		return 1
	case FormatLinear16:
		return 2
	}
	return -1
}

const (
	FormatMulaw    Format = "mulaw"
	FormatALaw     Format = "alaw"
	FormatLinear16 Format = "linear16"
)
