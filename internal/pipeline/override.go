package pipeline

import (
	"strconv"
	"strings"
	"unicode"
)

// overrideCommand is the parsed result of scanning a user message for a
// model-override directive. kind is "set" or "cancel"; a "set" command with
// ttlMinutes == 0 means the user did not specify a duration and the caller
// should apply its own default.
type overrideCommand struct {
	kind       string
	complexity Complexity
	ttlMinutes int
}

var overrideModelTiers = map[string]Complexity{
	"opus":   Complex,
	"sonnet": Moderate,
	"haiku":  Simple,
}

var overrideSetVerbs = map[string]bool{
	"use":   true,
	"switch": true,
	"force": true,
	"set":   true,
}

var overrideCancelVerbs = map[string]bool{
	"cancel":  true,
	"clear":   true,
	"stop":    true,
	"remove":  true,
	"disable": true,
	"reset":   true,
}

var overrideDurationUnits = map[string]bool{
	"min":     true,
	"minutes": true,
	"m":       true,
}

var overrideCancelNouns = map[string]bool{
	"override":   true,
	"routing":    true,
	"complexity": true,
}

// tokenizeLower splits text on runs of non-alphanumeric characters and
// lowercases each token, so the scanner below never has to worry about case
// or punctuation.
func tokenizeLower(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
}

// parseOverrideCommand is a small hand-written token scanner — not a regex —
// over the shape "(use|switch to|force|set) (opus|sonnet|haiku) [for [the]
// [next] N (min|minutes|m)]" for a set command, or "(cancel|clear|stop|
// remove|disable|reset) [the] [model] (override|routing|complexity)" for a
// cancel command. It returns the first match found scanning left to right.
func parseOverrideCommand(text string) (overrideCommand, bool) {
	tokens := tokenizeLower(text)

	for i, tok := range tokens {
		if overrideSetVerbs[tok] {
			if cmd, ok := matchSetCommand(tokens, i); ok {
				return cmd, true
			}
		}
		if overrideCancelVerbs[tok] {
			if cmd, ok := matchCancelCommand(tokens, i); ok {
				return cmd, true
			}
		}
	}
	return overrideCommand{}, false
}

func matchSetCommand(tokens []string, i int) (overrideCommand, bool) {
	j := i + 1
	if tokens[i] == "switch" {
		if j >= len(tokens) || tokens[j] != "to" {
			return overrideCommand{}, false
		}
		j++
	}
	if j >= len(tokens) {
		return overrideCommand{}, false
	}
	tier, ok := overrideModelTiers[tokens[j]]
	if !ok {
		return overrideCommand{}, false
	}
	j++

	ttl := 0
	if j < len(tokens) && tokens[j] == "for" {
		k := j + 1
		if k < len(tokens) && tokens[k] == "the" {
			k++
		}
		if k < len(tokens) && tokens[k] == "next" {
			k++
		}
		if k < len(tokens) {
			if n, err := strconv.Atoi(tokens[k]); err == nil {
				k++
				if k < len(tokens) && overrideDurationUnits[tokens[k]] {
					ttl = n
				}
			}
		}
	}

	return overrideCommand{kind: "set", complexity: tier, ttlMinutes: ttl}, true
}

func matchCancelCommand(tokens []string, i int) (overrideCommand, bool) {
	j := i + 1
	if j < len(tokens) && tokens[j] == "the" {
		j++
	}
	if j < len(tokens) && tokens[j] == "model" {
		j++
	}
	if j < len(tokens) && overrideCancelNouns[tokens[j]] {
		return overrideCommand{kind: "cancel"}, true
	}
	return overrideCommand{}, false
}
