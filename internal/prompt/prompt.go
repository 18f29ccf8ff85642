// Package prompt turns an action and assembled field context into system and user prompts.
package prompt

import (
	"strings"

	"github.com/tokligence/enhance-gateway/internal/fieldctx"
	"github.com/tokligence/enhance-gateway/internal/session"
)

const basePrompt = `You are a helpful AI assistant that enhances text content.
Your goal is to improve text while maintaining its original meaning and intent.
Return only the enhanced text, without explanations or meta-commentary.`

var actionInstructions = map[session.Action]string{
	session.ActionImprove:     "Enhance clarity, readability, and professionalism.",
	session.ActionMakeShorter: "Condense the text while keeping all key points.",
	session.ActionSummarize:   "Create a concise summary highlighting main points.",
	session.ActionFixGrammar:  "Correct grammar, spelling, and punctuation only. Don't change meaning.",
	session.ActionChangeTone:  "Adjust tone as requested while keeping content intact.",
	session.ActionExpand:      "Expand on key points with relevant details.",
}

var taskDescriptions = map[session.Action]string{
	session.ActionImprove:     "Enhance and improve this text",
	session.ActionMakeShorter: "Make this text shorter while keeping key points",
	session.ActionSummarize:   "Summarize this text",
	session.ActionFixGrammar:  "Fix grammar and spelling errors",
	session.ActionChangeTone:  "Change the tone",
	session.ActionExpand:      "Expand on the key points",
	session.ActionFreePrompt:  "Enhance according to custom instructions",
}

// Overrides carries caller-supplied instructions.
type Overrides struct {
	CustomPrompt string
	Tone         string
}

// Result is a built prompt pair.
type Result struct {
	SystemPrompt string
	UserPrompt   string
}

// Builder renders prompts. The zero value is ready to use.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder { return &Builder{} }

// Build renders the prompts for action.
func (b *Builder) Build(action session.Action, ac fieldctx.Assembled, o Overrides) Result {
	return Result{
		SystemPrompt: SystemPrompt(action),
		UserPrompt:   userPrompt(action, ac, o),
	}
}

// SystemPrompt returns the system instructions for action.
func SystemPrompt(action session.Action) string {
	if extra, ok := actionInstructions[action]; ok {
		return basePrompt + " " + extra
	}
	return basePrompt
}

func userPrompt(action session.Action, ac fieldctx.Assembled, o Overrides) string {
	var sb strings.Builder
	if ac.FormattedContext != "" {
		sb.WriteString("Context:\n")
		sb.WriteString(ac.FormattedContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Original Text:\n")
	sb.WriteString(ac.PrimaryText)
	sb.WriteString("\n\n")

	switch {
	case action == session.ActionFreePrompt && o.CustomPrompt != "":
		sb.WriteString("Task: " + o.CustomPrompt + "\n\nPlease enhance the text according to the task above.")
	case action == session.ActionChangeTone && o.Tone != "":
		sb.WriteString("Task: Change the tone to: " + o.Tone + "\n\nPlease modify the text accordingly.")
	default:
		desc, ok := taskDescriptions[action]
		if !ok {
			desc = "Enhance this text"
		}
		sb.WriteString("Task: " + desc + "\n\nPlease perform the requested action on the text above.")
	}
	return sb.String()
}
