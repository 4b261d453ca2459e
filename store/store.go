// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package store persists surveys, contacts and call attempts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sprucehealth/voicesurvey/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record whose id is taken
	ErrExists = errors.New("already exists")
	// ErrNoChange may be returned by an update func to leave the record untouched
	ErrNoChange = errors.New("no change")
)

// CallUpdateFunc mutates a call attempt in place. exists is false when the record is new,
// in which case only ID is set. Returning ErrNoChange skips the write.
type CallUpdateFunc func(c *model.CallAttempt, exists bool) error

// Store is the persistence boundary. UpdateCall is an atomic read-modify-write; concurrent
// updates to the same id are serialized.
type Store interface {
	CreateSurvey(ctx context.Context, s *model.Survey) error
	GetSurvey(ctx context.Context, id string) (*model.Survey, error)
	UpdateSurvey(ctx context.Context, id string, fn func(s *model.Survey) error) (*model.Survey, error)

	AddContact(ctx context.Context, c *model.Contact) error
	GetContact(ctx context.Context, id string) (*model.Contact, error)
	UpdateContact(ctx context.Context, c *model.Contact) error
	// ListContacts returns a survey's contacts in insertion order
	ListContacts(ctx context.Context, surveyID string) ([]*model.Contact, error)
	FindContactByPhone(ctx context.Context, surveyID, phone string) (*model.Contact, error)

	UpdateCall(ctx context.Context, id string, fn CallUpdateFunc) (*model.CallAttempt, error)
	GetCall(ctx context.Context, id string) (*model.CallAttempt, error)
	// ListCallsBySurvey and ListCallsByContact return newest first
	ListCallsBySurvey(ctx context.Context, surveyID string) ([]*model.CallAttempt, error)
	ListCallsByContact(ctx context.Context, contactID string) ([]*model.CallAttempt, error)
}

// Option configures a store
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithNow sets the time source used for CreatedAt/UpdatedAt
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func cloneSurvey(s *model.Survey) *model.Survey {
	c := *s
	c.Questions = make([]model.Question, len(s.Questions))
	for i, q := range s.Questions {
		q.Options = append([]string(nil), q.Options...)
		c.Questions[i] = q
	}
	return &c
}

func cloneContact(c *model.Contact) *model.Contact {
	cc := *c
	return &cc
}

func cloneCall(c *model.CallAttempt) *model.CallAttempt {
	cc := *c
	if c.Consent != nil {
		v := *c.Consent
		cc.Consent = &v
	}
	cc.RawResponses = append([]model.RawResponse(nil), c.RawResponses...)
	cc.MappedResponses = append([]model.MappedResponse(nil), c.MappedResponses...)
	return &cc
}
