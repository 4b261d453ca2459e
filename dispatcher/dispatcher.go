// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package dispatcher runs survey campaigns: one sequential, rate-limited
// background task per launch placing one call per eligible contact.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sprucehealth/voicesurvey/clock"
	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/telephony"
	"github.com/sprucehealth/voicesurvey/tracker"
)

var (
	ErrSurveyNotFound  = errors.New("survey not found")
	ErrSurveyNotActive = errors.New("survey is not active")
	ErrNoContacts      = errors.New("no contacts to call")
	ErrAlreadyRunning  = errors.New("campaign already running")
)

// Config controls pacing and retry limits
type Config struct {
	// InterCallDelay separates consecutive placements
	InterCallDelay time.Duration
	// PerCallEstimate is the expected duration of one call, used for launch estimates
	PerCallEstimate time.Duration
	// CampaignTimeout bounds one background run
	CampaignTimeout time.Duration
	// MaxRetries applies to surveys that do not set their own
	MaxRetries int
	// DefaultRegion parses phone numbers without a country code. Empty rejects them.
	DefaultRegion string
}

// LaunchResult is returned as soon as a campaign is accepted
type LaunchResult struct {
	SurveyID          string        `json:"survey_id"`
	TotalContacts     int           `json:"total_contacts"`
	EstimatedDuration time.Duration `json:"-"`
	EstimatedSeconds  int           `json:"estimated_duration_seconds"`
	TestMode          bool          `json:"test_mode"`
}

// Dispatcher launches and supervises campaigns
type Dispatcher struct {
	store   store.Store
	tracker *tracker.Tracker
	placer  telephony.Placer
	clock   clock.Clock
	cfg     Config

	mu      sync.Mutex
	running map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock sets the clock used for pacing and timestamps
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

func New(s store.Store, t *tracker.Tracker, p telephony.Placer, cfg Config, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   s,
		tracker: t,
		placer:  p,
		clock:   clock.NewAutoClock(),
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Launch validates the survey and starts its campaign in the background. In
// test mode only the first contact is called, regardless of earlier attempts.
// Either way the survey is closed once every selected contact has been tried.
func (d *Dispatcher) Launch(ctx context.Context, surveyID string, testMode bool) (*LaunchResult, error) {
	survey, err := d.activeSurvey(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	contacts, err := d.store.ListContacts(ctx, surveyID)
	if err != nil {
		return nil, fmt.Errorf("list contacts for survey %s: %w", surveyID, err)
	}
	if len(contacts) == 0 {
		return nil, ErrNoContacts
	}
	if testMode {
		contacts = contacts[:1]
	} else {
		contacts, err = d.eligible(ctx, survey, contacts)
		if err != nil {
			return nil, err
		}
		if len(contacts) == 0 {
			return nil, fmt.Errorf("%w: every contact completed or exhausted its retries", ErrNoContacts)
		}
	}

	d.mu.Lock()
	if _, ok := d.running[surveyID]; ok {
		d.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if d.ctx.Err() != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("dispatcher closed")
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d.cfg.CampaignTimeout > 0 {
		runCtx, cancel = context.WithTimeout(d.ctx, d.cfg.CampaignTimeout)
	} else {
		runCtx, cancel = context.WithCancel(d.ctx)
	}
	d.running[surveyID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.running, surveyID)
			d.mu.Unlock()
			cancel()
		}()
		d.supervise(runCtx, surveyID, func(ctx context.Context) {
			d.run(ctx, surveyID, contacts)
		})
	}()

	estimate := time.Duration(len(contacts)) * d.cfg.PerCallEstimate
	log.Printf("survey=%s campaign launched: contacts=%d test_mode=%t estimate=%s", surveyID, len(contacts), testMode, estimate)
	return &LaunchResult{
		SurveyID:          surveyID,
		TotalContacts:     len(contacts),
		EstimatedDuration: estimate,
		EstimatedSeconds:  int(estimate.Seconds()),
		TestMode:          testMode,
	}, nil
}

func (d *Dispatcher) activeSurvey(ctx context.Context, surveyID string) (*model.Survey, error) {
	survey, err := d.store.GetSurvey(ctx, surveyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSurveyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get survey %s: %w", surveyID, err)
	}
	if survey.Status != model.SurveyActive {
		return nil, fmt.Errorf("%w: status is %s", ErrSurveyNotActive, survey.Status)
	}
	return survey, nil
}

// eligible drops contacts that already completed a call or used up their attempts
func (d *Dispatcher) eligible(ctx context.Context, survey *model.Survey, contacts []*model.Contact) ([]*model.Contact, error) {
	maxRetries := survey.Voice.MaxRetries
	if maxRetries == 0 {
		maxRetries = d.cfg.MaxRetries
	}
	var out []*model.Contact
	for _, c := range contacts {
		calls, err := d.store.ListCallsByContact(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list calls for contact %s: %w", c.ID, err)
		}
		// the first attempt plus maxRetries retries
		if len(calls) > maxRetries || completed(calls) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func completed(calls []*model.CallAttempt) bool {
	for _, c := range calls {
		if c.Status == model.CallCompleted {
			return true
		}
	}
	return false
}

// supervise runs fn, logging instead of crashing on panic
func (d *Dispatcher) supervise(ctx context.Context, surveyID string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("survey=%s campaign panic: %v\n%s", surveyID, r, debug.Stack())
		}
	}()
	fn(ctx)
}

func (d *Dispatcher) run(ctx context.Context, surveyID string, contacts []*model.Contact) {
	placed := 0
	for i, c := range contacts {
		if i > 0 {
			if err := d.clock.Sleep(ctx, d.cfg.InterCallDelay); err != nil {
				log.Printf("survey=%s campaign stopped after %d of %d contacts: %v", surveyID, placed, len(contacts), err)
				return
			}
		}
		d.place(ctx, c)
		placed++
	}
	log.Printf("survey=%s campaign placed %d calls", surveyID, placed)

	_, err := d.store.UpdateSurvey(context.WithoutCancel(ctx), surveyID, func(s *model.Survey) error {
		s.Status = model.SurveyClosed
		return nil
	})
	if err != nil {
		log.Printf("survey=%s close after campaign: %v", surveyID, err)
	}
}

// place makes one attempt. Failures are recorded, never returned.
func (d *Dispatcher) place(ctx context.Context, c *model.Contact) {
	recordCtx := context.WithoutCancel(ctx)
	to, err := telephony.NormalizePhone(c.PhoneNumber, d.cfg.DefaultRegion)
	if err != nil {
		d.fail(recordCtx, c, err.Error())
		return
	}
	callID, err := d.placer.PlaceCall(ctx, to, telephony.CallbackMetadata{SurveyID: c.SurveyID, ContactID: c.ID})
	if err != nil {
		reason := "placement failed: " + err.Error()
		if telephony.IsCarrierRejection(err) {
			reason = "carrier rejected call: " + err.Error()
		}
		d.fail(recordCtx, c, reason)
		return
	}
	if _, err := d.tracker.Initiate(recordCtx, callID, c.ID, c.SurveyID); err != nil {
		log.Printf("call=%s record initiation: %v", callID, err)
	}
	log.Printf("call=%s placed to contact=%s survey=%s", callID, c.ID, c.SurveyID)
}

func (d *Dispatcher) fail(ctx context.Context, c *model.Contact, reason string) {
	id := model.FailedAttemptID(c.ID, d.clock.Now())
	log.Printf("call=%s contact=%s %s", id, c.ID, reason)
	if _, err := d.tracker.Fail(ctx, id, c, reason); err != nil {
		log.Printf("call=%s record failure: %v", id, err)
	}
}

// Cancel aborts a running campaign. Contacts not yet called are left for a later launch.
func (d *Dispatcher) Cancel(surveyID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.running[surveyID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a campaign is in progress for the survey
func (d *Dispatcher) Running(surveyID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[surveyID]
	return ok
}

// Wait blocks until every background task has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels every running task and waits for them
func (d *Dispatcher) Close() error {
	// no task may be added once Wait has started
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}
