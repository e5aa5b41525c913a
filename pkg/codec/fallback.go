package codec

// Fallback walks an ordered list of encodings for an outbound connection.
// Each failure advances one step; once exhausted it stays exhausted.
type Fallback struct {
	names []string
	idx   int
}

// NewFallback starts at the first of names, or FallbackOrder when names is empty.
func NewFallback(names ...string) *Fallback {
	if len(names) == 0 {
		names = FallbackOrder
	}
	return &Fallback{names: append([]string(nil), names...)}
}

// Current returns the encoding to try now, or "" once exhausted.
func (f *Fallback) Current() string {
	if f.idx >= len(f.names) {
		return ""
	}
	return f.names[f.idx]
}

// Advance moves to the next encoding and reports whether one is left.
func (f *Fallback) Advance() bool {
	if f.idx < len(f.names) {
		f.idx++
	}
	return f.idx < len(f.names)
}

// Exhausted reports whether every encoding has been tried.
func (f *Fallback) Exhausted() bool {
	return f.idx >= len(f.names)
}

// Personal.AI order the ending
