package engage

import (
	"strings"
	"unicode/utf8"

	"github.com/temsan/reLove-communication-bot-sub000/internal/models"
)

// Heuristic flags avoidance behavior in recent user turns. Implementations
// are deliberately swappable: the default lexicon was never validated for
// precision and false positives are acceptable (the gate caps volume anyway).
type Heuristic interface {
	Avoidant(turns []models.ChatMessage) bool
}

// DefaultDenialPhrases is the stock denial lexicon. Russian phrases come
// from the original reLove conversations, English ones cover mixed-language
// users.
var DefaultDenialPhrases = []string{
	"не знаю",
	"не хочу",
	"не сейчас",
	"потом",
	"неважно",
	"нормально",
	"всё нормально",
	"все нормально",
	"отстань",
	"i don't know",
	"whatever",
	"later",
	"it's fine",
	"nothing",
}

// LexiconHeuristic flags a user as avoidant when at least two of the last
// three turns are either shorter than minLength runes or contain a denial
// phrase.
type LexiconHeuristic struct {
	minLength int
	phrases   []string
}

func NewLexiconHeuristic(minLength int, phrases []string) *LexiconHeuristic {
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		lowered = append(lowered, strings.ToLower(p))
	}
	return &LexiconHeuristic{
		minLength: minLength,
		phrases:   lowered,
	}
}

func (h *LexiconHeuristic) Avoidant(turns []models.ChatMessage) bool {
	if len(turns) > 3 {
		turns = turns[len(turns)-3:]
	}
	if len(turns) == 0 {
		return false
	}

	flagged := 0
	for _, turn := range turns {
		if h.suspicious(turn.Content) {
			flagged++
		}
	}
	return flagged >= 2
}

func (h *LexiconHeuristic) suspicious(text string) bool {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < h.minLength {
		return true
	}
	lowered := strings.ToLower(trimmed)
	for _, phrase := range h.phrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}
