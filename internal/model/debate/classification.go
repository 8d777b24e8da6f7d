package debate

// ClassificationResult is the outcome of classifying an opening message.
// It is either Parsed or Failed.
type ClassificationResult interface {
	// Position returns the stance the system adopts and the subject.
	Position() (Stance, string)
	isClassification()
}

// Parsed holds the stance the user's text takes on Subject.
type Parsed struct {
	Input   Stance
	Subject string
}

// Position inverts the user's stance: the system argues the other side.
func (p Parsed) Position() (Stance, string) {
	return p.Input.Opposite(), p.Subject
}

func (Parsed) isClassification() {}

// Failed records why classification could not produce a position.
type Failed struct {
	Reason error
}

// Position degrades to an un-opinionated, general session.
func (Failed) Position() (Stance, string) {
	return Neutral, GeneralSubject
}

func (Failed) isClassification() {}
