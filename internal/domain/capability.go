package domain

// Capability identifies one kind of generation a model can perform.
type Capability string

// Known capabilities.
const (
	CapText        Capability = "text"
	CapCode        Capability = "code"
	CapImageToText Capability = "image_to_text"
	CapVideoToText Capability = "video_to_text"
	CapTextToImage Capability = "text_to_image"
	CapTextToAudio Capability = "text_to_audio"
	CapAudioToText Capability = "audio_to_text"
)

// Streaming reports whether output for this capability arrives as an
// incremental chunk stream. Media capabilities return a single result.
func (c Capability) Streaming() bool {
	return c == CapText || c == CapCode
}

// Valid reports whether c is one of the known capabilities.
func (c Capability) Valid() bool {
	switch c {
	case CapText, CapCode, CapImageToText, CapVideoToText,
		CapTextToImage, CapTextToAudio, CapAudioToText:
		return true
	}
	return false
}

// BalanceKind returns the balance kind this capability consumes from.
// Text-like generation spends text tokens; everything else spends
// fixed-price file tokens.
func (c Capability) BalanceKind() BalanceKind {
	switch c {
	case CapText, CapCode, CapImageToText, CapVideoToText:
		return KindTextToken
	default:
		return KindFileToken
	}
}

// CapabilitySet is the static capability set of a provider+model.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// List returns the capabilities in the set.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}
