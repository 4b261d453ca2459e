// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sprucehealth/voicesurvey/model"
)

const mapperPrompt = `You map survey answers given over the phone to structured values.
For each response, using its question:
- single_choice and dropdown: the single option that best matches the answer, copied exactly from options.
- multi_choice: every option the answer mentions, copied exactly, comma separated, in the order they appear in options.
- linear_scale: the integer between scale_min and scale_max the answer gives, or "" if it gives none.
- short_text and long_text: the answer exactly as given. Never summarize or rephrase.
Return ONLY a JSON object {"responses": [{"question_id": "...", "value": "..."}]} with one entry per response, in the same order.`

// MapperModel maps a call's answers with one chat completion
type MapperModel struct {
	client *Client
}

func NewMapperModel(c *Client) *MapperModel {
	return &MapperModel{client: c}
}

type mapperQuestion struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	ScaleMin *int     `json:"scale_min,omitempty"`
	ScaleMax *int     `json:"scale_max,omitempty"`
}

type mapperResponse struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

func (m *MapperModel) MapResponses(ctx context.Context, questions []model.Question, raw []model.RawResponse) ([]model.MappedResponse, error) {
	req := struct {
		Questions []mapperQuestion `json:"questions"`
		Responses []mapperResponse `json:"responses"`
	}{}
	for _, q := range questions {
		mq := mapperQuestion{ID: q.ID, Text: q.Text, Type: string(q.Type), Options: q.Options}
		if q.Type == model.LinearScale {
			lo, hi := q.ScaleMin, q.ScaleMax
			mq.ScaleMin, mq.ScaleMax = &lo, &hi
		}
		req.Questions = append(req.Questions, mq)
	}
	for _, r := range raw {
		req.Responses = append(req.Responses, mapperResponse{QuestionID: r.QuestionID, Answer: r.Answer})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	content, err := m.client.Complete(ctx, []Message{
		{Role: "system", Content: mapperPrompt},
		{Role: "user", Content: string(body)},
	}, true)
	if err != nil {
		return nil, err
	}
	var out struct {
		Responses []model.MappedResponse `json:"responses"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return out.Responses, nil
}
