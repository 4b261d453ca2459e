// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sprucehealth/voicesurvey/model"
)

// MemoryStore keeps everything in process. Used by tests and by the simulator mode.
type MemoryStore struct {
	mu   sync.RWMutex
	opts options

	surveys        map[string]*model.Survey
	contacts       map[string]*model.Contact
	surveyContacts map[string][]string
	calls          map[string]*model.CallAttempt
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:           buildOptions(opts),
		surveys:        make(map[string]*model.Survey),
		contacts:       make(map[string]*model.Contact),
		surveyContacts: make(map[string][]string),
		calls:          make(map[string]*model.CallAttempt),
	}
}

func (m *MemoryStore) CreateSurvey(_ context.Context, s *model.Survey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.surveys[s.ID]; ok {
		return fmt.Errorf("survey %s: %w", s.ID, ErrExists)
	}
	now := m.opts.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.surveys[s.ID] = cloneSurvey(s)
	return nil
}

func (m *MemoryStore) GetSurvey(_ context.Context, id string) (*model.Survey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.surveys[id]
	if !ok {
		return nil, fmt.Errorf("survey %s: %w", id, ErrNotFound)
	}
	return cloneSurvey(s), nil
}

func (m *MemoryStore) UpdateSurvey(_ context.Context, id string, fn func(s *model.Survey) error) (*model.Survey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surveys[id]
	if !ok {
		return nil, fmt.Errorf("survey %s: %w", id, ErrNotFound)
	}
	updated := cloneSurvey(s)
	if err := fn(updated); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneSurvey(s), nil
		}
		return nil, err
	}
	updated.ID = id
	updated.UpdatedAt = m.opts.now()
	m.surveys[id] = updated
	return cloneSurvey(updated), nil
}

func (m *MemoryStore) AddContact(_ context.Context, c *model.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[c.ID]; ok {
		return fmt.Errorf("contact %s: %w", c.ID, ErrExists)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.opts.now()
	}
	m.contacts[c.ID] = cloneContact(c)
	m.surveyContacts[c.SurveyID] = append(m.surveyContacts[c.SurveyID], c.ID)
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, id string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", id, ErrNotFound)
	}
	return cloneContact(c), nil
}

func (m *MemoryStore) UpdateContact(_ context.Context, c *model.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.contacts[c.ID]
	if !ok {
		return fmt.Errorf("contact %s: %w", c.ID, ErrNotFound)
	}
	if old.SurveyID != c.SurveyID {
		return fmt.Errorf("contact %s cannot move between surveys", c.ID)
	}
	m.contacts[c.ID] = cloneContact(c)
	return nil
}

func (m *MemoryStore) ListContacts(_ context.Context, surveyID string) ([]*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.surveyContacts[surveyID]
	out := make([]*model.Contact, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneContact(m.contacts[id]))
	}
	return out, nil
}

func (m *MemoryStore) FindContactByPhone(_ context.Context, surveyID, phone string) (*model.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.surveyContacts[surveyID] {
		if c := m.contacts[id]; c.PhoneNumber == phone {
			return cloneContact(c), nil
		}
	}
	return nil, fmt.Errorf("contact %s in survey %s: %w", phone, surveyID, ErrNotFound)
}

func (m *MemoryStore) UpdateCall(_ context.Context, id string, fn CallUpdateFunc) (*model.CallAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.calls[id]
	var updated *model.CallAttempt
	if exists {
		updated = cloneCall(existing)
	} else {
		updated = &model.CallAttempt{ID: id}
	}
	if err := fn(updated, exists); err != nil {
		if errors.Is(err, ErrNoChange) {
			if !exists {
				return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
			}
			return cloneCall(existing), nil
		}
		return nil, err
	}
	now := m.opts.now()
	updated.ID = id
	if updated.CreatedAt.IsZero() {
		updated.CreatedAt = now
	}
	updated.UpdatedAt = now
	m.calls[id] = updated
	return cloneCall(updated), nil
}

func (m *MemoryStore) GetCall(_ context.Context, id string) (*model.CallAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	return cloneCall(c), nil
}

func (m *MemoryStore) ListCallsBySurvey(_ context.Context, surveyID string) ([]*model.CallAttempt, error) {
	return m.listCalls(func(c *model.CallAttempt) bool { return c.SurveyID == surveyID }), nil
}

func (m *MemoryStore) ListCallsByContact(_ context.Context, contactID string) ([]*model.CallAttempt, error) {
	return m.listCalls(func(c *model.CallAttempt) bool { return c.ContactID == contactID }), nil
}

func (m *MemoryStore) listCalls(match func(*model.CallAttempt) bool) []*model.CallAttempt {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.CallAttempt
	for _, c := range m.calls {
		if match(c) {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
