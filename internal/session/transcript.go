package session

import (
	"strings"

	"github.com/MrWong99/aurora/pkg/provider/s2s"
)

// Utterance is one speaker's assembled transcript line. Updates for the same
// utterance share an ID; Final marks the last update.
type Utterance struct {
	ID      uint64
	Speaker s2s.Speaker
	Text    string
	Final   bool
}

// Assembler joins incremental transcript fragments into utterances. A final
// fragment, or a fragment from the other speaker, closes the open utterance.
// It is not safe for concurrent use; the session event loop owns it.
type Assembler struct {
	seq  uint64
	open *Utterance
}

// Add consumes one fragment and returns the utterance updates it produces,
// in order. Empty fragments that neither add text nor close an utterance
// produce nothing.
func (a *Assembler) Add(t s2s.Transcript) []Utterance {
	var out []Utterance

	if a.open != nil && a.open.Speaker != t.Speaker {
		out = append(out, a.close())
	}

	if a.open == nil {
		if t.Text == "" {
			return out
		}
		a.seq++
		a.open = &Utterance{ID: a.seq, Speaker: t.Speaker}
	}

	a.open.Text += t.Text
	if t.Final {
		return append(out, a.close())
	}
	if t.Text != "" {
		out = append(out, *a.open)
	}
	return out
}

// Flush closes the open utterance, if any.
func (a *Assembler) Flush() (Utterance, bool) {
	if a.open == nil {
		return Utterance{}, false
	}
	return a.close(), true
}

func (a *Assembler) close() Utterance {
	u := *a.open
	u.Text = strings.TrimSpace(u.Text)
	u.Final = true
	a.open = nil
	return u
}
