package turn

import (
	"strings"
	"unicode"
)

// EndOfTurnModel scores whether a finalized transcript looks like the end
// of the user's turn, so the agent can reply without waiting the full
// silence timeout. Scores are in [0, 1].
type EndOfTurnModel struct {
	Threshold float64
}

func NewEndOfTurnModel() *EndOfTurnModel {
	return &EndOfTurnModel{Threshold: 0.6}
}

func (m *EndOfTurnModel) Name() string { return "multilingual_eot" }

// Trailing words that strongly suggest the speaker is mid-sentence,
// across the languages the transcription models detect.
var continuationWords = map[string]struct{}{
	// English
	"and": {}, "or": {}, "but": {}, "so": {}, "because": {}, "the": {},
	"a": {}, "an": {}, "to": {}, "of": {}, "with": {}, "my": {}, "is": {},
	// Spanish
	"y": {}, "o": {}, "pero": {}, "porque": {}, "el": {}, "la": {}, "de": {},
	// French
	"et": {}, "ou": {}, "mais": {}, "parce": {}, "le": {}, "un": {}, "une": {},
	// German
	"und": {}, "oder": {}, "aber": {}, "weil": {}, "der": {}, "die": {}, "das": {},
	// Indonesian
	"dan": {}, "atau": {}, "tapi": {}, "karena": {}, "yang": {},
}

// Score returns the end-of-turn probability for a finalized transcript.
func (m *EndOfTurnModel) Score(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	last := rune(0)
	for _, r := range trimmed {
		last = r
	}

	switch last {
	case '.', '!', '?', '。', '！', '？':
		return 0.95
	case ',', ';', ':', '、':
		return 0.2
	}

	words := strings.Fields(strings.ToLower(trimmed))
	lastWord := strings.TrimFunc(words[len(words)-1], func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if _, ok := continuationWords[lastWord]; ok {
		return 0.1
	}

	// No punctuation signal; longer utterances are likelier complete.
	if len(words) >= 4 {
		return 0.7
	}
	return 0.5
}

// EndOfTurn applies the model threshold.
func (m *EndOfTurnModel) EndOfTurn(text string) bool {
	return m.Score(text) >= m.Threshold
}
