package dialogue

import "strings"

// Command is a control message intercepted before the dialogue state machine.
type Command string

const (
	CommandNone      Command = ""
	CommandQuit      Command = "quit"
	CommandStreamOn  Command = "stream_on"
	CommandStreamOff Command = "stream_off"
)

const (
	quitReply      = "Ending chat session. Goodbye!"
	streamOnReply  = "Streaming enabled."
	streamOffReply = "Streaming disabled."
)

// ParseCommand recognises a control command. The whole message must be the
// command; case and surrounding whitespace are ignored.
func ParseCommand(text string) (Command, bool) {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	switch normalized {
	case "quit":
		return CommandQuit, true
	case "stream on":
		return CommandStreamOn, true
	case "stream off":
		return CommandStreamOff, true
	default:
		return CommandNone, false
	}
}
