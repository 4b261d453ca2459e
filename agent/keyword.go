// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package agent

import (
	"context"
	"strings"
	"unicode"
)

var (
	affirmativePhrases = []string{
		"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "alright", "absolutely", "certainly",
		"of course", "i agree", "i consent", "go ahead", "fine", "definitely", "i do",
	}
	negativePhrases = []string{
		"no", "nope", "nah", "not interested", "don't want", "do not", "not now", "stop",
		"no thanks", "no thank you", "i decline", "never", "busy",
	}
	hesitantPhrases = []string{"not sure", "don't know", "maybe", "what is this", "who is this"}
)

// KeywordIntent classifies an utterance by phrase matching. ok is false when the
// utterance matches neither or both phrase lists.
func KeywordIntent(utterance string) (Intent, bool) {
	ws := strings.FieldsFunc(strings.ToLower(utterance), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	text := " " + strings.Join(ws, " ") + " "
	if containsAny(text, hesitantPhrases) {
		return IntentUnclear, false
	}
	yes := containsAny(text, affirmativePhrases)
	no := containsAny(text, negativePhrases)
	switch {
	case yes && !no:
		return IntentAffirmative, true
	case no && !yes:
		return IntentNegative, true
	default:
		return IntentUnclear, false
	}
}

func containsAny(padded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

// KeywordClassifier classifies consent without a language model
type KeywordClassifier struct{}

func (KeywordClassifier) ClassifyConsent(_ context.Context, utterance string) (Intent, error) {
	intent, _ := KeywordIntent(utterance)
	return intent, nil
}
