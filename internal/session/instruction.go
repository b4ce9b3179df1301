package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/aurora/pkg/audio/ambient"
)

// ComposeInstruction builds the system instruction sent in the handshake:
// the caller's prompt followed by the receptionist role, persona, tone,
// ambience context and the current date.
func ComposeInstruction(systemPrompt string, cfg Config, now time.Time) string {
	var b strings.Builder
	if p := strings.TrimSpace(systemPrompt); p != "" {
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("YOUR ROLE: You are the 24/7 AI Voice Receptionist for the business.\n")
	b.WriteString("PRIMARY OBJECTIVE: Ensure every call is captured, qualify the prospect, " +
		"answer questions using the provided business intelligence, and book appointments.\n")
	fmt.Fprintf(&b, "YOUR VOICE PERSONA: %s\n", cfg.Voice)
	if tone := strings.TrimSpace(cfg.Tone); tone != "" {
		fmt.Fprintf(&b, "TONE: %s\n", tone)
	}
	fmt.Fprintf(&b, "AMBIENT CONTEXT: %s\n", ambienceContext(cfg.Ambience))
	fmt.Fprintf(&b, "Current Date: %s", now.Format("January 2, 2006"))
	return b.String()
}

func ambienceContext(s ambient.Settings) string {
	if !s.Audible() {
		return "You are calling from a quiet office environment."
	}
	return fmt.Sprintf("You are calling from %s.", s.Track.Description())
}
