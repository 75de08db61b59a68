package ai

import (
	"strings"

	"github.com/zhouzirui/dealroom/backend/internal/model/chat"
)

// PromptBuilder assembles the model input for one generation.
type PromptBuilder struct {
	// HistoryLimit caps how many transcript messages are sent; zero sends
	// the whole transcript.
	HistoryLimit int
}

// Build returns system instructions first, then the recent history, then
// the prompt as the closing user message. history must not contain prompt.
func (b PromptBuilder) Build(instructions string, history []chat.Message, prompt chat.Message) []chat.Message {
	var (
		system []chat.Message
		turns  []chat.Message
	)
	for _, msg := range history {
		switch msg.Role {
		case chat.RoleSystem:
			system = append(system, msg)
		case chat.RoleUser:
			turns = append(turns, msg)
		case chat.RoleAssistant:
			// drafts that are unfinished, abandoned or empty carry nothing for the model
			if !msg.Finalized() || msg.Abandoned || strings.TrimSpace(msg.Content) == "" {
				continue
			}
			turns = append(turns, msg)
		}
	}

	if len(system) == 0 && strings.TrimSpace(instructions) != "" {
		system = append(system, chat.Message{Role: chat.RoleSystem, Content: instructions})
	}

	if b.HistoryLimit > 0 && len(turns) > b.HistoryLimit {
		turns = turns[len(turns)-b.HistoryLimit:]
	}

	prompt.Role = chat.RoleUser
	out := make([]chat.Message, 0, len(system)+len(turns)+1)
	out = append(out, system...)
	out = append(out, turns...)
	return append(out, prompt)
}
