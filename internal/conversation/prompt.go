// ABOUTME: Builds the prompt sent to the upstream model for one turn
// ABOUTME: Combines persona instruction, context, paired history and the reply instruction

package conversation

import "strings"

// PromptInput carries what BuildPrompt needs. Theirs includes Incoming as
// its last element when the other side has just spoken.
type PromptInput struct {
	Instruction string
	OtherName   string
	Topic       string
	Mine        []string
	Theirs      []string
	MineFirst   bool // the acting side opened the conversation
	FirstTurn   bool // nobody has spoken yet
	Incoming    string
}

// BuildPrompt renders the turn prompt. History is rendered as pairs:
// utterance i of each side, opener first. When the sides have different
// counts the pairs stop at the shorter history and the remaining
// utterances of the longer one follow in order. Only the first turn of a
// conversation gets the opening instruction.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString(in.Instruction)
	b.WriteString("\nContext: You are having a conversation with ")
	b.WriteString(in.OtherName)
	if in.Topic != "" {
		b.WriteString(" about ")
		b.WriteString(in.Topic)
	}
	b.WriteString(".")

	history := len(in.Mine)+len(in.Theirs) > 0
	if history {
		b.WriteString("\nPrevious messages:")
		writeHistory(&b, in)
	}

	incoming := in.Incoming
	if incoming == "" && !in.FirstTurn {
		incoming = latestUtterance(in)
	}

	switch {
	case incoming == "":
		b.WriteString("\nStart a conversation about this topic.")
		b.WriteString("\nKeep your response concise.")
		return b.String()
	case history:
		b.WriteString("\nContinue the conversation by responding to: ")
	default:
		b.WriteString("\nRespond to: ")
	}
	b.WriteString(incoming)
	b.WriteString("\nKeep your response concise and maintain conversation continuity.")
	return b.String()
}

// latestUtterance picks what a mid-conversation turn answers when no message
// came with it: the other side's last words, else the acting side's own.
func latestUtterance(in PromptInput) string {
	if n := len(in.Theirs); n > 0 {
		return in.Theirs[n-1]
	}
	if n := len(in.Mine); n > 0 {
		return in.Mine[n-1]
	}
	return ""
}

func writeHistory(b *strings.Builder, in PromptInput) {
	mine := func(s string) {
		b.WriteString("\nYou: ")
		b.WriteString(s)
	}
	theirs := func(s string) {
		b.WriteString("\n")
		b.WriteString(in.OtherName)
		b.WriteString(": ")
		b.WriteString(s)
	}

	paired := min(len(in.Mine), len(in.Theirs))
	for i := range paired {
		if in.MineFirst {
			mine(in.Mine[i])
			theirs(in.Theirs[i])
		} else {
			theirs(in.Theirs[i])
			mine(in.Mine[i])
		}
	}
	for _, s := range in.Mine[paired:] {
		mine(s)
	}
	for _, s := range in.Theirs[paired:] {
		theirs(s)
	}
}
