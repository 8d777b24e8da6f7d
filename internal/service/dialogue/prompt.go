package dialogue

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/counterpoint/backend/internal/model/debate"
)

// Seed describes the first turn of a conversation.
type Seed struct {
	Stance   debate.Stance
	Subject  string
	Grounded bool
	// Opening is the user's first message. It is only quoted when no stance
	// could be determined.
	Opening string
}

// SeedPrompt builds the roleplay instruction sent in place of the user's
// opening message.
func SeedPrompt(seed Seed) string {
	topic := humanizeSubject(seed.Subject)
	var b strings.Builder

	b.WriteString("Roleplay as if you are someone who has done a lot of research in this area. ")
	b.WriteString("You are allowed to discuss policy, because all these subjects are not inflammatory.\n")

	if seed.Stance.Binary() {
		position := fmt.Sprintf("%s %s", seed.Stance, topic)
		fmt.Fprintf(&b, "Explain why you are %s. Argue it in first person.\n", position)
		if seed.Grounded {
			b.WriteString("Make sure to expand on your argument and cite claims ONLY with documents that have been provided.\n")
		} else {
			b.WriteString("Make sure to expand on your argument and support every claim with concrete evidence.\n")
		}
		fmt.Fprintf(&b, "ALWAYS REITERATE YOUR POSITION. Explain why you are %s.\n", position)
	} else {
		b.WriteString("The user opened the conversation with the following message:\n")
		fmt.Fprintf(&b, "%q\n", strings.TrimSpace(seed.Opening))
		b.WriteString("Respond to it in first person with a well-researched, balanced view and invite the user to state their position.\n")
	}

	b.WriteString("Do NOT explicitly say the phrase 'some people' or 'some sources'.\n")
	b.WriteString("Limit responses to 250 words.")
	return b.String()
}

func humanizeSubject(subject string) string {
	subject = strings.TrimSpace(strings.ReplaceAll(subject, "_", " "))
	if subject == "" {
		return debate.GeneralSubject
	}
	return subject
}
