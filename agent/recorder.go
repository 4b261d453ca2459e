// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/tracker"
)

// StoreRecorder persists every capture straight to the call attempt record
type StoreRecorder struct {
	store     store.Store
	tracker   *tracker.Tracker
	callID    string
	contactID string
	surveyID  string
	now       func() time.Time
}

func NewStoreRecorder(s store.Store, t *tracker.Tracker, callID, contactID, surveyID string) *StoreRecorder {
	return &StoreRecorder{
		store:     s,
		tracker:   t,
		callID:    callID,
		contactID: contactID,
		surveyID:  surveyID,
		now:       time.Now,
	}
}

func (r *StoreRecorder) update(ctx context.Context, fn func(c *model.CallAttempt)) error {
	_, err := r.store.UpdateCall(ctx, r.callID, func(c *model.CallAttempt, exists bool) error {
		if !exists {
			c.Status = model.CallInProgress
		}
		if c.ContactID == "" {
			c.ContactID = r.contactID
		}
		if c.SurveyID == "" {
			c.SurveyID = r.surveyID
		}
		fn(c)
		return nil
	})
	return err
}

func (r *StoreRecorder) RecordConsent(ctx context.Context, consent bool) error {
	if err := r.update(ctx, func(c *model.CallAttempt) {
		c.Consent = &consent
	}); err != nil {
		return fmt.Errorf("record consent: %w", err)
	}
	if !consent || r.contactID == "" {
		return nil
	}
	contact, err := r.store.GetContact(ctx, r.contactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact.Consent {
		return nil
	}
	contact.Consent = true
	return r.store.UpdateContact(ctx, contact)
}

func (r *StoreRecorder) RecordAnswer(ctx context.Context, questionID, questionText, answer string) error {
	resp := model.RawResponse{
		QuestionID:   questionID,
		QuestionText: questionText,
		Answer:       answer,
		CapturedAt:   r.now(),
	}
	return r.update(ctx, func(c *model.CallAttempt) {
		c.RawResponses = model.PutRawResponse(c.RawResponses, resp)
	})
}

func (r *StoreRecorder) EndCall(ctx context.Context) error {
	if r.tracker == nil {
		return nil
	}
	_, err := r.tracker.MarkCompleted(ctx, r.callID)
	return err
}

func (r *StoreRecorder) SaveTranscript(ctx context.Context, transcript string) error {
	return r.update(ctx, func(c *model.CallAttempt) {
		c.Transcript = transcript
	})
}

func (r *StoreRecorder) SaveMappedResponses(ctx context.Context, mapped []model.MappedResponse) error {
	return r.update(ctx, func(c *model.CallAttempt) {
		c.MappedResponses = mapped
	})
}
