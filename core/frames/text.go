package frames

const (
	// KindTextToken identifies a streamed text token.
	KindTextToken Kind = "text.token"
)

// TextToken carries one streamed text piece. IsFinal marks a token that will
// not be revised further (the transcriber's finality signal, or the last
// token of a generated reply).
type TextToken struct {
	Base
	Text    string
	IsFinal bool
}

// NewTextToken creates a text token frame.
func NewTextToken(turn uint64, text string, isFinal bool) TextToken {
	return TextToken{Base: NewBase(KindTextToken, turn), Text: text, IsFinal: isFinal}
}
