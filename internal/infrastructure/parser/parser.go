// Package parser extracts fenced code regions and the final-answer
// sentinel from an LM turn's raw text (spec §4.3).
package parser

import (
	"regexp"
	"strings"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// fence matches a triple-backtick fenced region, optionally tagged with a
// language. Nested fences are not supported — the outermost fence wins,
// which this non-greedy match already guarantees since fences can't nest
// in the source text the LM emits.
var fence = regexp.MustCompile("(?s)```[ \\t]*([a-zA-Z0-9_+-]*)[ \\t]*\\r?\\n(.*?)```")

// finalAnswer matches the sentinel anchored at the start of a line,
// continuing across newlines to either the start of the next fenced block
// or the end of the message, whichever comes first.
var finalAnswer = regexp.MustCompile("(?ms)^FINAL_ANSWER:[ \\t]*(.*?)(?:\\r?\\n```|\\z)")

// Parsed is the result of parsing one LM turn.
type Parsed struct {
	CodeBlocks  []entity.CodeBlock
	FinalAnswer *string
}

// Parse extracts code blocks in document order and the first final-answer
// sentinel, if any (spec §9 Open Question iii: first sentinel in document
// order wins when more than one code block's surrounding text contains
// one).
func Parse(raw string) Parsed {
	matches := fence.FindAllStringSubmatchIndex(raw, -1)

	blocks := make([]entity.CodeBlock, 0, len(matches))
	for i, m := range matches {
		lang := raw[m[2]:m[3]]
		source := raw[m[4]:m[5]]
		blocks = append(blocks, entity.CodeBlock{
			Index:    i,
			Language: strings.TrimSpace(lang),
			Source:   source,
		})
	}

	var answer *string
	if loc := finalAnswer.FindStringSubmatchIndex(raw); loc != nil {
		text := strings.TrimSpace(raw[loc[2]:loc[3]])
		answer = &text
	}

	return Parsed{CodeBlocks: blocks, FinalAnswer: answer}
}

// FirstAnswerBeforeFirstBlock reports whether the final-answer sentinel, if
// present, appears in the raw text before the first code fence starts —
// per spec §4.1 step 4c, this short-circuits execution of any code blocks
// in the turn.
func FirstAnswerBeforeFirstBlock(raw string) bool {
	answerLoc := finalAnswer.FindStringIndex(raw)
	if answerLoc == nil {
		return false
	}
	fenceLoc := fence.FindStringIndex(raw)
	if fenceLoc == nil {
		return true
	}
	return answerLoc[0] < fenceLoc[0]
}
