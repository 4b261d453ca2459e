// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package mapper

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/sprucehealth/voicesurvey/model"
)

// maxFuzzyRatio is the largest edit distance, relative to the option length,
// still accepted as a match for an option.
const maxFuzzyRatio = 0.34

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20,
}

var fractionRe = regexp.MustCompile(`(\d+)\s*/\s*\d+`)

// MapAnswer normalizes one answer for its question without a language model
func MapAnswer(q model.Question, answer string) string {
	switch q.Type {
	case model.SingleChoice, model.Dropdown:
		if opt, ok := closestOption(q.Options, answer); ok {
			return opt
		}
		return answer
	case model.MultiChoice:
		if picked := mentionedOptions(q.Options, answer); len(picked) > 0 {
			return strings.Join(picked, ", ")
		}
		if opt, ok := closestOption(q.Options, answer); ok {
			return opt
		}
		return answer
	case model.LinearScale:
		if n, ok := scaleValue(answer, q.ScaleMin, q.ScaleMax); ok {
			return strconv.Itoa(n)
		}
		return ""
	case model.ShortText, model.LongText:
		return answer
	default:
		return answer
	}
}

// words lowercases s and splits it on anything that is not a letter or digit
func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func normalize(s string) string {
	return strings.Join(words(s), " ")
}

// phraseIndex returns the word offset where phrase occurs in ws, or -1
func phraseIndex(ws, phrase []string) int {
	if len(phrase) == 0 || len(phrase) > len(ws) {
		return -1
	}
	for i := 0; i+len(phrase) <= len(ws); i++ {
		match := true
		for j := range phrase {
			if ws[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// closestOption prefers an exact match, then the earliest option mentioned in the
// answer, then the option with the smallest acceptable edit distance.
func closestOption(options []string, answer string) (string, bool) {
	norm := normalize(answer)
	if norm == "" {
		return "", false
	}
	for _, opt := range options {
		if normalize(opt) == norm {
			return opt, true
		}
	}

	ws := words(answer)
	best, bestIdx := "", -1
	for _, opt := range options {
		idx := phraseIndex(ws, words(opt))
		if idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			best, bestIdx = opt, idx
		}
	}
	if bestIdx >= 0 {
		return best, true
	}

	bestRatio := maxFuzzyRatio
	found := false
	for _, opt := range options {
		if r, ok := fuzzyRatio(ws, words(opt)); ok && r <= bestRatio {
			if !found || r < bestRatio {
				best, bestRatio, found = opt, r, true
			}
		}
	}
	return best, found
}

// fuzzyRatio compares opt against every window of the same word count in ws
// and returns the best distance relative to the option length.
func fuzzyRatio(ws, opt []string) (float64, bool) {
	if len(opt) == 0 || len(ws) == 0 {
		return 0, false
	}
	target := strings.Join(opt, " ")
	n := len(opt)
	if n > len(ws) {
		n = len(ws)
	}
	best := -1
	for i := 0; i+n <= len(ws); i++ {
		d := levenshtein.ComputeDistance(strings.Join(ws[i:i+n], " "), target)
		if best < 0 || d < best {
			best = d
		}
	}
	return float64(best) / float64(len([]rune(target))), true
}

// mentionedOptions returns every option present in the answer, in declared order
func mentionedOptions(options []string, answer string) []string {
	ws := words(answer)
	var picked []string
	for _, opt := range options {
		ow := words(opt)
		if phraseIndex(ws, ow) >= 0 {
			picked = append(picked, opt)
			continue
		}
		if r, ok := fuzzyRatio(ws, ow); ok && r <= maxFuzzyRatio && len([]rune(strings.Join(ow, " "))) > 3 {
			picked = append(picked, opt)
		}
	}
	return picked
}

// scaleValue finds the single integer in [lo, hi] mentioned in the answer.
// Numbers introduced by "out of" or "of" are treated as the scale bound, not the answer.
func scaleValue(answer string, lo, hi int) (int, bool) {
	ws := words(fractionRe.ReplaceAllString(answer, "$1"))
	value, found := 0, false
	for i, w := range ws {
		n, ok := numberWords[w]
		if !ok {
			v, err := strconv.Atoi(w)
			if err != nil {
				continue
			}
			n = v
		}
		if i > 0 && ws[i-1] == "of" {
			continue
		}
		if n < lo || n > hi {
			continue
		}
		if found && n != value {
			return 0, false
		}
		value, found = n, true
	}
	return value, found
}
