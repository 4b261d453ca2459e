// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSurvey   = errors.New("invalid survey")
	ErrInvalidQuestion = errors.New("invalid question")
)

// VoiceConfig controls how the agent speaks and how long a call may run
type VoiceConfig struct {
	Tone           string        `json:"tone,omitempty"`
	Instructions   string        `json:"instructions,omitempty"`
	ResearcherName string        `json:"researcher_name,omitempty"`
	MaxDuration    time.Duration `json:"max_duration,omitempty"`
	MaxRetries     int           `json:"max_retries,omitempty"`
}

// Question is a single survey question
type Question struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Options  []string     `json:"options,omitempty"`
	ScaleMin int          `json:"scale_min,omitempty"`
	ScaleMax int          `json:"scale_max,omitempty"`
	Required bool         `json:"required,omitempty"`
}

func (q Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return fmt.Errorf("%w: question %q has no text", ErrInvalidQuestion, q.ID)
	}
	if !q.Type.Valid() {
		return fmt.Errorf("%w: question %q has unknown type %q", ErrInvalidQuestion, q.ID, q.Type)
	}
	switch q.Type {
	case SingleChoice, MultiChoice, Dropdown:
		if len(q.Options) == 0 {
			return fmt.Errorf("%w: question %q requires options", ErrInvalidQuestion, q.ID)
		}
	case LinearScale:
		if q.ScaleMin >= q.ScaleMax {
			return fmt.Errorf("%w: question %q scale %d..%d is empty", ErrInvalidQuestion, q.ID, q.ScaleMin, q.ScaleMax)
		}
	case ShortText, LongText:
	}
	return nil
}

// Survey is an ordered list of questions plus the voice configuration used to ask them
type Survey struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id,omitempty"`
	Title     string       `json:"title"`
	Questions []Question   `json:"questions"`
	Status    SurveyStatus `json:"status"`
	Voice     VoiceConfig  `json:"voice"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Validate checks the survey and assigns ids to questions that lack one
func (s *Survey) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSurvey)
	}
	seen := make(map[string]bool, len(s.Questions))
	for i := range s.Questions {
		if s.Questions[i].ID == "" {
			s.Questions[i].ID = NewID()
		}
		if seen[s.Questions[i].ID] {
			return fmt.Errorf("%w: duplicate question id %q", ErrInvalidSurvey, s.Questions[i].ID)
		}
		seen[s.Questions[i].ID] = true
		if err := s.Questions[i].Validate(); err != nil {
			return err
		}
	}
	switch s.Status {
	case "":
		s.Status = SurveyDraft
	case SurveyDraft, SurveyActive, SurveyClosed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSurvey, s.Status)
	}
	return nil
}

// Contact is a person to call for a survey
type Contact struct {
	ID          string        `json:"id"`
	SurveyID    string        `json:"survey_id"`
	PhoneNumber string        `json:"phone_number"`
	Name        string        `json:"name"`
	Consent     bool          `json:"consent"`
	Source      ContactSource `json:"source"`
	CreatedAt   time.Time     `json:"created_at"`
}
