// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/telephony"
)

// RequestCallback registers someone who asked to be called for an active survey
// and places that one call in the background. A number already on the survey is
// reused and marked as opted in.
func (d *Dispatcher) RequestCallback(ctx context.Context, surveyID, name, phone string) (*model.Contact, error) {
	if _, err := d.activeSurvey(ctx, surveyID); err != nil {
		return nil, err
	}
	number, err := telephony.NormalizePhone(phone, d.cfg.DefaultRegion)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)

	contact, err := d.store.FindContactByPhone(ctx, surveyID, number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		contact = &model.Contact{
			ID:          model.NewID(),
			SurveyID:    surveyID,
			PhoneNumber: number,
			Name:        name,
			Consent:     true,
			Source:      model.SourceOptIn,
			CreatedAt:   d.clock.Now(),
		}
		if err := d.store.AddContact(ctx, contact); err != nil {
			return nil, fmt.Errorf("add callback contact: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("find contact: %w", err)
	default:
		contact.Consent = true
		contact.Source = model.SourceOptIn
		if name != "" {
			contact.Name = name
		}
		if err := d.store.UpdateContact(ctx, contact); err != nil {
			return nil, fmt.Errorf("update callback contact: %w", err)
		}
	}

	d.mu.Lock()
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher closed")
	}
	d.wg.Add(1)
	d.mu.Unlock()

	c := *contact
	go func() {
		defer d.wg.Done()
		d.supervise(d.ctx, surveyID, func(ctx context.Context) {
			d.place(ctx, &c)
		})
	}()
	return contact, nil
}
