// Package qualification implements the two-stage relevance filter:
// a deterministic keyword gate, then an LLM adjudicator for the
// inconclusive remainder.
package qualification

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// bodyGateBytes bounds how much body the keyword gate inspects.
const bodyGateBytes = 2048

// Alphabetic tokens match whole words, case-insensitive.
var positiveWords = []string{
	"invoice", "receipt", "payment", "bill", "statement", "transaction",
	"paid", "due", "amount", "total", "purchase", "order", "quote",
	"contract", "refund", "charge", "subscription", "renewal", "expense",
	"usd", "eur", "gbp", "price", "cost",
}

// Currency glyphs match anywhere.
var positiveGlyphs = []string{"$", "€", "£"}

var negativeWords = []string{"unsubscribe", "congratulations"}

// Phrases match as case-insensitive substrings.
var negativePhrases = []string{
	"click here", "limited time offer", "act now",
	"you won", "free gift", "claim now",
}

// GateDecision is the keyword gate's verdict on one text region.
type GateDecision int

const (
	GateInconclusive GateDecision = iota
	GateQualified
	GateRejected
)

// GateResult carries the decision and the token that produced it.
type GateResult struct {
	Decision GateDecision
	Token    string
}

// EvaluateGate runs the keyword gate over one region of text. Both a
// positive and a negative hit make the region inconclusive; a message
// is never silently dropped on mixed signals.
func EvaluateGate(text string) GateResult {
	lower := strings.ToLower(text)

	positive := firstGlyph(lower, positiveGlyphs)
	if positive == "" {
		positive = firstWord(lower, positiveWords)
	}
	negative := firstWord(lower, negativeWords)
	if negative == "" {
		negative = firstPhrase(lower, negativePhrases)
	}

	switch {
	case positive != "" && negative == "":
		return GateResult{Decision: GateQualified, Token: positive}
	case negative != "" && positive == "":
		return GateResult{Decision: GateRejected, Token: negative}
	default:
		return GateResult{Decision: GateInconclusive}
	}
}

func firstGlyph(lower string, glyphs []string) string {
	for _, g := range glyphs {
		if strings.Contains(lower, g) {
			return g
		}
	}
	return ""
}

func firstPhrase(lower string, phrases []string) string {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return ""
}

// firstWord finds the first token present as a whole word: the match
// must not touch an adjacent letter or digit, so "order" does not fire
// on "borderline".
func firstWord(lower string, words []string) string {
	for _, w := range words {
		if containsWord(lower, w) {
			return w
		}
	}
	return ""
}

func containsWord(s, word string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], word)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(word)
		// Decode full runes at the boundaries so a multibyte letter
		// like é is not mistaken for a word break.
		before, _ := utf8.DecodeLastRuneInString(s[:i])
		after, _ := utf8.DecodeRuneInString(s[end:])
		beforeOK := i == 0 || !isWordRune(before)
		afterOK := end == len(s) || !isWordRune(after)
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Decide runs the gate over the subject plus the first 2KB of body and
// attributes a conclusive match to the region it came from.
func Decide(subject, body string) (GateResult, string) {
	if len(body) > bodyGateBytes {
		body = body[:bodyGateBytes]
	}
	res := EvaluateGate(subject + "\n" + body)
	if res.Decision == GateInconclusive {
		return res, ""
	}
	if tokenIn(subject, res.Token) {
		return res, "subject"
	}
	return res, "body"
}

func tokenIn(region, token string) bool {
	lower := strings.ToLower(region)
	if isAlphabetic(token) {
		return containsWord(lower, token)
	}
	return strings.Contains(lower, token)
}

func isAlphabetic(token string) bool {
	for _, r := range token {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(token) > 0
}
