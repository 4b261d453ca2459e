// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package tracker folds asynchronous carrier notifications into call attempt records.
// Notifications may arrive duplicated and out of order; every operation is an
// idempotent upsert that never moves a call backwards in its lifecycle.
package tracker

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
)

// StatusNotification is a carrier status callback
type StatusNotification struct {
	CallID    string
	ContactID string
	SurveyID  string
	Status    model.CallStatus
	// Duration in seconds, 0 when not reported
	Duration int
}

// RecordingNotification is a carrier recording callback
type RecordingNotification struct {
	CallID          string
	ContactID       string
	SurveyID        string
	RecordingURL    string
	RecordingStatus string
}

// Tracker applies lifecycle notifications to the store
type Tracker struct {
	store store.Store
}

func New(s store.Store) *Tracker {
	return &Tracker{store: s}
}

// Initiate records that a call was placed. A notification that raced ahead of
// the placement response is left as is.
func (t *Tracker) Initiate(ctx context.Context, callID, contactID, surveyID string) (*model.CallAttempt, error) {
	return t.ApplyStatus(ctx, StatusNotification{
		CallID:    callID,
		ContactID: contactID,
		SurveyID:  surveyID,
		Status:    model.CallInitiated,
	})
}

// ApplyStatus moves the call forward to n.Status. Lower-ranked statuses and any status
// after a terminal one are absorbed. Duration is applied independently.
func (t *Tracker) ApplyStatus(ctx context.Context, n StatusNotification) (*model.CallAttempt, error) {
	if n.CallID == "" {
		return nil, fmt.Errorf("status notification without call id")
	}
	if n.Status.Rank() < 0 {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownStatus, n.Status)
	}
	return t.store.UpdateCall(ctx, n.CallID, func(c *model.CallAttempt, exists bool) error {
		changed := fillIdentity(c, n.ContactID, n.SurveyID)
		if !exists {
			c.Status = n.Status
			changed = true
		} else if advances(c.Status, n.Status) {
			c.Status = n.Status
			changed = true
		} else if c.Status != n.Status {
			log.Printf("call=%s ignoring status %s after %s", n.CallID, n.Status, c.Status)
		}
		if n.Duration > 0 && n.Duration != c.Duration {
			c.Duration = n.Duration
			changed = true
		}
		if !changed {
			return store.ErrNoChange
		}
		return nil
	})
}

// ApplyRecording stores the recording location. Only completed recordings are kept
// and the call status is never touched.
func (t *Tracker) ApplyRecording(ctx context.Context, n RecordingNotification) (*model.CallAttempt, error) {
	if n.CallID == "" {
		return nil, fmt.Errorf("recording notification without call id")
	}
	if !strings.EqualFold(n.RecordingStatus, "completed") || n.RecordingURL == "" {
		return nil, nil
	}
	return t.store.UpdateCall(ctx, n.CallID, func(c *model.CallAttempt, exists bool) error {
		changed := fillIdentity(c, n.ContactID, n.SurveyID)
		if !exists {
			c.Status = model.CallInitiated
			changed = true
		}
		if c.RecordingURL != n.RecordingURL {
			c.RecordingURL = n.RecordingURL
			changed = true
		}
		if !changed {
			return store.ErrNoChange
		}
		return nil
	})
}

// MarkCompleted records that the conversation reached its natural end
func (t *Tracker) MarkCompleted(ctx context.Context, callID string) (*model.CallAttempt, error) {
	return t.ApplyStatus(ctx, StatusNotification{CallID: callID, Status: model.CallCompleted})
}

// Fail records a placement that never reached the carrier under a synthesized id
func (t *Tracker) Fail(ctx context.Context, id string, contact *model.Contact, reason string) (*model.CallAttempt, error) {
	return t.store.UpdateCall(ctx, id, func(c *model.CallAttempt, exists bool) error {
		if exists {
			return store.ErrNoChange
		}
		c.ContactID = contact.ID
		c.SurveyID = contact.SurveyID
		c.Status = model.CallFailed
		c.Error = reason
		c.Transcript = reason
		return nil
	})
}

func advances(from, to model.CallStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return to.Rank() > from.Rank()
}

func fillIdentity(c *model.CallAttempt, contactID, surveyID string) bool {
	changed := false
	if c.ContactID == "" && contactID != "" {
		c.ContactID = contactID
		changed = true
	}
	if c.SurveyID == "" && surveyID != "" {
		c.SurveyID = surveyID
		changed = true
	}
	return changed
}
