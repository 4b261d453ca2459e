// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sprucehealth/voicesurvey/agent"
)

const consentPrompt = `You classify a phone survey participant's reply to a request for consent to take the survey.
Return ONLY a JSON object {"intent": "affirmative" | "negative" | "unclear"}.
"affirmative" only for a clear agreement, "negative" for a refusal, "unclear" for anything else.`

// ConsentClassifier decides clear cases by keyword and asks the model otherwise
type ConsentClassifier struct {
	client *Client
}

func NewConsentClassifier(c *Client) *ConsentClassifier {
	return &ConsentClassifier{client: c}
}

func (c *ConsentClassifier) ClassifyConsent(ctx context.Context, utterance string) (agent.Intent, error) {
	if intent, ok := agent.KeywordIntent(utterance); ok {
		return intent, nil
	}
	if c.client == nil || strings.TrimSpace(utterance) == "" {
		return agent.IntentUnclear, nil
	}
	content, err := c.client.Complete(ctx, []Message{
		{Role: "system", Content: consentPrompt},
		{Role: "user", Content: utterance},
	}, true)
	if err != nil {
		return agent.IntentUnclear, err
	}
	var out struct {
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return agent.IntentUnclear, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	switch strings.ToLower(strings.TrimSpace(out.Intent)) {
	case "affirmative":
		return agent.IntentAffirmative, nil
	case "negative":
		return agent.IntentNegative, nil
	default:
		return agent.IntentUnclear, nil
	}
}
