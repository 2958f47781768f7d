package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

// Category is the single routing category assigned to an inbound event.
type Category string

const (
	HasImage           Category = "has_image"
	TerminationPhrase  Category = "termination_phrase"
	ConsentAffirmative Category = "consent_affirmative"
	ConsentNegative    Category = "consent_negative"
	Other              Category = "other"
)

// Classifier evaluates inbound events against configured phrase lists.
// Matching is case- and diacritic-insensitive; classification is
// deterministic and side-effect free.
type Classifier struct {
	affirmative []string
	negative    []string
	termination []string
}

// DefaultAffirmative are the consent tokens recognized out of the box.
var DefaultAffirmative = []string{
	"sí", "si", "acepto", "sí acepto", "si acepto", "autorizo", "sí, autorizo", "de acuerdo",
}

// DefaultNegative are the consent-denial tokens recognized out of the box.
var DefaultNegative = []string{
	"no", "no acepto", "no autorizo", "no, no autorizo", "no estoy de acuerdo",
}

// DefaultTermination are the farewell phrases that close a session.
var DefaultTermination = []string{
	"no necesito nada más", "no necesito nada mas", "eso es todo", "gracias, eso es todo", "nada más",
}

// NewClassifier builds a classifier from phrase lists. Empty lists fall back
// to the defaults.
func NewClassifier(affirmative, negative, termination []string) *Classifier {
	if len(affirmative) == 0 {
		affirmative = DefaultAffirmative
	}
	if len(negative) == 0 {
		negative = DefaultNegative
	}
	if len(termination) == 0 {
		termination = DefaultTermination
	}
	return &Classifier{
		affirmative: foldAll(affirmative),
		negative:    foldAll(negative),
		termination: foldAll(termination),
	}
}

// Classify assigns exactly one category to the event. An image attachment
// wins over any text, since extraction is the dominant action for an active
// session.
func (c *Classifier) Classify(ev session.InboundEvent) Category {
	if ev.ImageRef != "" {
		return HasImage
	}

	text := Fold(ev.Text)
	if text == "" {
		return Other
	}

	if matchExact(text, c.termination) {
		return TerminationPhrase
	}
	if matchContains(text, c.negative) {
		return ConsentNegative
	}
	if matchExact(text, c.affirmative) {
		return ConsentAffirmative
	}
	return Other
}

// Fold lowercases text and strips diacritics so "Sí" matches "si".
func Fold(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.ToLower(strings.TrimSpace(text)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(text))
	}
	return folded
}

func foldAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if f := Fold(p); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// matchExact requires the whole punctuation-trimmed utterance to equal one of
// the phrases. Consent grants and terminations only count when the utterance
// says exactly that; anything wordier falls through to a re-prompt, so a
// complaint like "no me entregaron nada mas que la mitad" never closes the
// session and "no autorizo el tratamiento de mis datos" never grants consent.
func matchExact(text string, phrases []string) bool {
	trimmed := strings.Trim(text, " .,!?")
	for _, p := range phrases {
		if trimmed == p {
			return true
		}
	}
	return false
}

// matchContains accepts an exact match or a multi-word phrase appearing
// inside the utterance. Only denial uses it: erring toward "no consent" on a
// wordy refusal is safe, the opposite direction is not.
func matchContains(text string, phrases []string) bool {
	trimmed := strings.Trim(text, " .,!?")
	for _, p := range phrases {
		if trimmed == p {
			return true
		}
		if len(p) >= 6 && strings.Contains(text, p) {
			return true
		}
	}
	return false
}
