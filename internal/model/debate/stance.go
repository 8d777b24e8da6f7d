package debate

import "strings"

// Stance is a position held on a subject.
type Stance string

const (
	For     Stance = "for"
	Against Stance = "against"
	// Neutral is only ever adopted when classification fails.
	Neutral Stance = "neutral"
)

// GeneralSubject is the subject recorded when classification fails.
const GeneralSubject = "general"

// ParseStance accepts the binary stances case-insensitively. Neutral is not a
// valid classifier answer and is rejected.
func ParseStance(raw string) (Stance, bool) {
	switch Stance(strings.ToLower(strings.TrimSpace(raw))) {
	case For:
		return For, true
	case Against:
		return Against, true
	default:
		return "", false
	}
}

// Opposite returns the counter position. Neutral has no opposite.
func (s Stance) Opposite() Stance {
	switch s {
	case For:
		return Against
	case Against:
		return For
	default:
		return Neutral
	}
}

// Binary reports whether s is for or against.
func (s Stance) Binary() bool {
	return s == For || s == Against
}

func (s Stance) String() string {
	return string(s)
}
