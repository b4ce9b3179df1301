// Package knowledge provides read-only access to the business profile that
// seeds every session's system instruction.
//
// The profile is maintained by surrounding tooling; Aurora only reads it.
// [FileStore] reads a YAML document and [PostgresStore] reads a key/value
// settings table.
package knowledge

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when no profile is stored.
var ErrNotFound = errors.New("knowledge: profile not found")

// DefaultSystemPrompt is used when the profile carries no system prompt.
const DefaultSystemPrompt = `You are Aurora, the AI Receptionist for the business.
GOALS:
1. Answer every question accurately.
2. Book appointments if they are ready.
3. Provide elite customer experience.
4. If the customer is happy/satisfied, ask if they'd be open to leaving a 5-star Google Review. If they agree, tell them you'll send a link.
Be helpful, empathetic, and fast.`

// Profile is the business context handed to the agent.
type Profile struct {
	Name          string `yaml:"name"`
	Industry      string `yaml:"industry"`
	Objective     string `yaml:"objective"`
	KnowledgeBase string `yaml:"knowledge_base"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// Store reads the business profile.
type Store interface {
	Profile(ctx context.Context) (Profile, error)
}

// Instruction renders the profile as system-instruction text.
func (p Profile) Instruction() string {
	var b strings.Builder
	prompt := strings.TrimSpace(p.SystemPrompt)
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	b.WriteString(prompt)

	field := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			b.WriteString("\n")
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(v)
		}
	}
	field("BUSINESS NAME", p.Name)
	field("INDUSTRY", p.Industry)
	field("BUSINESS OBJECTIVE", p.Objective)

	if kb := strings.TrimSpace(p.KnowledgeBase); kb != "" {
		b.WriteString("\nBUSINESS KNOWLEDGE:\n")
		b.WriteString(kb)
	}
	return b.String()
}

// Static is a [Store] returning a fixed profile.
type Static Profile

// Profile returns the wrapped profile.
func (s Static) Profile(context.Context) (Profile, error) { return Profile(s), nil }
