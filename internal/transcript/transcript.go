// Package transcript converts an ordered chat history into the structured
// context consumed by the generation engine.
package transcript

import "strings"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation transcript.
type Message struct {
	Role    Role
	Content string
}

// Speaker tags one side of a conversational turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one non-system history entry.
type Turn struct {
	Speaker Speaker
	Text    string
}

// Context is the request-scoped structure handed to the generation engine.
// It is built fresh per request and never shared or reused.
type Context struct {
	Instructions string
	History      []Turn
	Prompt       string
}

// instructionsDelimiter joins multiple system messages in original order.
const instructionsDelimiter = "\n\n"

// Build derives a generation context from an ordered message sequence.
//
// The last message is always the active prompt, whatever its role. Among the
// preceding messages, system entries are concatenated into Instructions and
// the rest become History turns in their original order. Build is a pure
// function and never fails for a non-empty input; the empty case is rejected
// upstream by request validation.
func Build(messages []Message) Context {
	if len(messages) == 0 {
		return Context{}
	}

	last := messages[len(messages)-1]
	history := messages[:len(messages)-1]

	var instructions []string
	turns := make([]Turn, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			instructions = append(instructions, msg.Content)
		case RoleAssistant:
			turns = append(turns, Turn{Speaker: SpeakerAssistant, Text: msg.Content})
		default:
			turns = append(turns, Turn{Speaker: SpeakerUser, Text: msg.Content})
		}
	}

	if len(turns) == 0 {
		turns = nil
	}

	return Context{
		Instructions: strings.Join(instructions, instructionsDelimiter),
		History:      turns,
		Prompt:       last.Content,
	}
}
