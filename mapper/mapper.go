// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package mapper normalizes verbatim survey answers into the shape their question expects.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sprucehealth/voicesurvey/model"
)

// ErrMalformed is returned by Validate when a model's output cannot be used
var ErrMalformed = errors.New("malformed mapping")

// Model is a language model able to map a whole call's answers in one request
type Model interface {
	MapResponses(ctx context.Context, questions []model.Question, raw []model.RawResponse) ([]model.MappedResponse, error)
}

// Mapper produces exactly one MappedResponse per RawResponse, in order
type Mapper struct {
	model   Model
	timeout time.Duration
}

// Option configures a Mapper
type Option func(*Mapper)

// WithModel maps through a language model first, keeping the rule mapper for validation
func WithModel(m Model) Option {
	return func(mp *Mapper) {
		mp.model = m
	}
}

// WithTimeout bounds each model request
func WithTimeout(d time.Duration) Option {
	return func(mp *Mapper) {
		mp.timeout = d
	}
}

func New(opts ...Option) *Mapper {
	m := &Mapper{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Map never fails: if the model is unreachable or its output is unusable every
// answer is passed through unchanged.
func (m *Mapper) Map(ctx context.Context, questions []model.Question, raw []model.RawResponse) []model.MappedResponse {
	if len(raw) == 0 {
		return []model.MappedResponse{}
	}
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	if m.model == nil {
		out := make([]model.MappedResponse, len(raw))
		for i, r := range raw {
			q, ok := byID[r.QuestionID]
			if !ok {
				out[i] = model.MappedResponse{QuestionID: r.QuestionID, Value: r.Answer}
				continue
			}
			out[i] = model.MappedResponse{QuestionID: r.QuestionID, Value: MapAnswer(q, r.Answer)}
		}
		return out
	}

	mctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	mapped, err := m.model.MapResponses(mctx, questions, raw)
	if err == nil {
		err = Validate(raw, mapped)
	}
	if err != nil {
		log.Printf("response mapping failed, keeping raw answers: %v", err)
		return Identity(raw)
	}
	for i := range mapped {
		if q, ok := byID[mapped[i].QuestionID]; ok {
			mapped[i].Value = conform(q, mapped[i].Value, raw[i].Answer)
		}
	}
	return mapped
}

// Identity maps every answer to itself
func Identity(raw []model.RawResponse) []model.MappedResponse {
	out := make([]model.MappedResponse, len(raw))
	for i, r := range raw {
		out[i] = model.MappedResponse{QuestionID: r.QuestionID, Value: r.Answer}
	}
	return out
}

// Validate checks that mapped lines up with raw index by index
func Validate(raw []model.RawResponse, mapped []model.MappedResponse) error {
	if len(mapped) != len(raw) {
		return fmt.Errorf("%w: got %d responses for %d answers", ErrMalformed, len(mapped), len(raw))
	}
	for i := range raw {
		if mapped[i].QuestionID != raw[i].QuestionID {
			return fmt.Errorf("%w: response %d is for %q, want %q", ErrMalformed, i, mapped[i].QuestionID, raw[i].QuestionID)
		}
	}
	return nil
}

// conform forces a model-provided value into the question's domain. Free text is
// always kept verbatim.
func conform(q model.Question, value, answer string) string {
	switch q.Type {
	case model.LinearScale:
		n, err := strconv.Atoi(value)
		if err == nil && n >= q.ScaleMin && n <= q.ScaleMax {
			return value
		}
		return MapAnswer(q, value)
	case model.SingleChoice, model.Dropdown, model.MultiChoice:
		return MapAnswer(q, value)
	case model.ShortText, model.LongText:
		return answer
	default:
		return value
	}
}
