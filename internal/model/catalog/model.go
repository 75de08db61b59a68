package catalog

import (
	"fmt"
	"strings"
)

// Model describes a language model a conversation can be started with.
type Model struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Provider     string `json:"provider,omitempty"`
	Instructions string `json:"-"`
}

const defaultInstructions = "You are an analyst at a venture capital firm. Answer questions about portfolio companies, founders and investment calls concisely, and say so when you do not know."

// Seed provides the default model list used when AI_MODELS is not set.
func Seed() []Model {
	return []Model{
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", Instructions: defaultInstructions},
		{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", Instructions: defaultInstructions},
		{ID: "doubao-seed-1-6-250615", Name: "Doubao Seed 1.6", Provider: "ark", Instructions: defaultInstructions},
	}
}

// Parse builds a model list from "id=Name,id2=Name 2". Entries without a
// name use the id. provider is applied to every entry.
func Parse(raw, provider string) ([]Model, error) {
	var models []Model
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, name, _ := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		name = strings.TrimSpace(name)
		if id == "" {
			return nil, fmt.Errorf("invalid model entry %q", part)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate model %q", id)
		}
		seen[id] = struct{}{}
		if name == "" {
			name = id
		}

		models = append(models, Model{
			ID:           id,
			Name:         name,
			Provider:     provider,
			Instructions: defaultInstructions,
		})
	}
	return models, nil
}
