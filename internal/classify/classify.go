// Package classify scans assistant stdout/stderr chunks for the transient
// failure signatures the supervisor needs to act on: usage-limit exhaustion,
// context-window exhaustion, and /compact suggestions.
//
// A Classifier is a pure function over the text it is given; it keeps no
// state of its own; callers that need an accumulator-over-time view feed it
// their own growing buffer.
package classify

import (
	"regexp"
	"strings"
)

// Kind identifies which pattern family a Match belongs to.
type Kind string

const (
	UsageLimit        Kind = "usage_limit"
	ContextLimit      Kind = "context_limit"
	CompactSuggestion Kind = "compact_suggestion"
	TokenMention      Kind = "token_mention"
)

// contextWindow is how many characters of surrounding text are captured on
// each side of a match.
const contextWindow = 200

// usageLimitPhrases are matched case-insensitively, as the source material
// renders these in varying case across client versions.
var usageLimitPhrases = []string{
	"rate limit",
	"usage limit",
	"quota",
	"claude max usage limit reached",
	"your limit will reset at",
	"upgrade to a higher plan",
}

// contextLimitPhrases are matched verbatim (case-sensitive), since these are
// fixed strings the assistant CLI itself emits.
var contextLimitPhrases = []string{
	"Prompt is too long",
	"Context low",
	"Run /compact to compact",
	"/compact",
	"context limit",
	"Message too long",
}

var compactSuggestionPattern = regexp.MustCompile(`(?i)/compact|run compact|compact context`)

var tokenMentionPattern = regexp.MustCompile(`\d+\s*(tokens?|characters?)\s*(used|remaining)`)

// Match describes a single pattern detection within a chunk, plus a
// ±contextWindow-char excerpt around it for logging.
type Match struct {
	Kind    Kind
	Pattern string
	Excerpt string
}

// Result is the outcome of classifying one chunk. Each slice contains at
// most one Match per distinct pattern that fired; detection triggers at
// most once per pattern per chunk.
type Result struct {
	UsageLimit        []Match
	ContextLimit      []Match
	CompactSuggestion []Match
	TokenMentions     []Match
}

// HasUsageLimit reports whether the chunk matched any usage-limit pattern.
func (r Result) HasUsageLimit() bool { return len(r.UsageLimit) > 0 }

// HasContextLimit reports whether the chunk matched any context-limit pattern.
func (r Result) HasContextLimit() bool { return len(r.ContextLimit) > 0 }

// HasCompactSuggestion reports whether the chunk suggested running /compact.
func (r Result) HasCompactSuggestion() bool { return len(r.CompactSuggestion) > 0 }

// Classify scans chunk for every known pattern family and returns all
// matches found, preserving the order patterns are declared in (which in
// turn preserves arrival order across repeated calls against a growing
// accumulator).
func Classify(chunk string) Result {
	var res Result

	lower := strings.ToLower(chunk)
	for _, phrase := range usageLimitPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			res.UsageLimit = append(res.UsageLimit, Match{
				Kind:    UsageLimit,
				Pattern: phrase,
				Excerpt: excerpt(chunk, idx, len(phrase)),
			})
		}
	}

	for _, phrase := range contextLimitPhrases {
		if idx := strings.Index(chunk, phrase); idx >= 0 {
			res.ContextLimit = append(res.ContextLimit, Match{
				Kind:    ContextLimit,
				Pattern: phrase,
				Excerpt: excerpt(chunk, idx, len(phrase)),
			})
		}
	}

	if loc := compactSuggestionPattern.FindStringIndex(chunk); loc != nil {
		res.CompactSuggestion = append(res.CompactSuggestion, Match{
			Kind:    CompactSuggestion,
			Pattern: chunk[loc[0]:loc[1]],
			Excerpt: excerpt(chunk, loc[0], loc[1]-loc[0]),
		})
	}

	if loc := tokenMentionPattern.FindStringIndex(chunk); loc != nil {
		res.TokenMentions = append(res.TokenMentions, Match{
			Kind:    TokenMention,
			Pattern: chunk[loc[0]:loc[1]],
			Excerpt: excerpt(chunk, loc[0], loc[1]-loc[0]),
		})
	}

	return res
}

// excerpt returns up to contextWindow characters of text on each side of the
// match starting at idx with the given length, clamped to chunk's bounds.
func excerpt(chunk string, idx, matchLen int) string {
	start := idx - contextWindow
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + contextWindow
	if end > len(chunk) {
		end = len(chunk)
	}
	return chunk[start:end]
}
