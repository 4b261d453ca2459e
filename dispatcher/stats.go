// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
)

// Stats aggregates a survey's calls
type Stats struct {
	SurveyID      string                   `json:"survey_id"`
	SurveyStatus  model.SurveyStatus       `json:"survey_status"`
	Running       bool                     `json:"running"`
	TotalContacts int                      `json:"total_contacts"`
	TotalCalls    int                      `json:"total_calls"`
	ByStatus      map[model.CallStatus]int `json:"by_status"`
	// Pending is the number of contacts never attempted
	Pending int `json:"pending"`
	// CompletionRate is the percentage of contacts with a completed call
	CompletionRate float64 `json:"completion_rate"`
}

// Stats counts a survey's call attempts by status
func (d *Dispatcher) Stats(ctx context.Context, surveyID string) (*Stats, error) {
	survey, err := d.store.GetSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get survey %s: %w", surveyID, err)
	}
	contacts, err := d.store.ListContacts(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list contacts for survey %s: %w", surveyID, err)
	}
	calls, err := d.store.ListCallsBySurvey(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list calls for survey %s: %w", surveyID, err)
	}

	st := &Stats{
		SurveyID:      surveyID,
		SurveyStatus:  survey.Status,
		Running:       d.Running(surveyID),
		TotalContacts: len(contacts),
		TotalCalls:    len(calls),
		ByStatus:      make(map[model.CallStatus]int, len(model.AllCallStatuses)),
	}
	for _, s := range model.AllCallStatuses {
		st.ByStatus[s] = 0
	}
	attempted := make(map[string]bool)
	done := make(map[string]bool)
	for _, c := range calls {
		st.ByStatus[c.Status]++
		attempted[c.ContactID] = true
		if c.Status == model.CallCompleted {
			done[c.ContactID] = true
		}
	}
	for _, c := range contacts {
		if !attempted[c.ID] {
			st.Pending++
		}
	}
	if len(contacts) > 0 {
		st.CompletionRate = math.Round(float64(len(done))/float64(len(contacts))*1000) / 10
	}
	return st, nil
}
