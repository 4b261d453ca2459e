// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package carriersim simulates the carrier side of outbound survey calls: call
// placement, ringing, answer and the status and recording notifications that
// follow, with time driven by a clock.Clock.
package carriersim

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/voicesurvey/clock"
	"github.com/sprucehealth/voicesurvey/httpstub"
)

const (
	ErrorCodeResourceNotFound = 20404
	ErrorCodeInvalidTo        = 21211
	ErrorCodeMissingParameter = 21201

	apiVersion         = "2010-04-01"
	defaultRingTimeout = 30 * time.Second
)

// Outcome is how a scripted number behaves when called
type Outcome string

const (
	OutcomeAnswer   Outcome = "answer"
	OutcomeBusy     Outcome = "busy"
	OutcomeNoAnswer Outcome = "no-answer"
	OutcomeFail     Outcome = "fail"
	// OutcomeReject refuses the placement request itself
	OutcomeReject Outcome = "reject"
)

// Script controls one number
type Script struct {
	Outcome Outcome
	// RingFor is how long the phone rings before the outcome happens
	RingFor time.Duration
	// TalkFor is how long an answered call lasts unless hung up earlier
	TalkFor time.Duration
	// Recording posts a completed recording notification after the call ends
	Recording bool
}

// Call is the simulator's view of one call
type Call struct {
	SID                     string     `json:"sid"`
	From                    string     `json:"from"`
	To                      string     `json:"to"`
	Status                  string     `json:"status"`
	AnswerURL               string     `json:"answer_url"`
	StatusCallback          string     `json:"status_callback,omitempty"`
	StatusEvents            []string   `json:"status_events,omitempty"`
	RecordingStatusCallback string     `json:"recording_status_callback,omitempty"`
	StartAt                 time.Time  `json:"start_at"`
	AnsweredAt              *time.Time `json:"answered_at,omitempty"`
	EndedAt                 *time.Time `json:"ended_at,omitempty"`
	// Document is the answer document returned by the answer URL
	Document string `json:"document,omitempty"`
}

// Simulator is an in-process carrier
type Simulator struct {
	mu         sync.Mutex
	clock      clock.Clock
	webhook    httpstub.WebhookClient
	accountSID string
	duplicate  bool
	reorder    bool
	fallback   Script
	scripts    map[string]Script
	calls      map[string]*Call
	runners    map[string]*callRunner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the simulator
type Option func(*Simulator)

// WithClock sets a specific clock implementation
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		s.clock = c
	}
}

// WithWebhookClient sets the webhook client
func WithWebhookClient(c httpstub.WebhookClient) Option {
	return func(s *Simulator) {
		s.webhook = c
	}
}

// WithDuplicateDelivery posts every notification twice
func WithDuplicateDelivery() Option {
	return func(s *Simulator) {
		s.duplicate = true
	}
}

// WithReorderedDelivery swaps adjacent notifications: ringing arrives after
// in-progress and the recording arrives before the final status.
func WithReorderedDelivery() Option {
	return func(s *Simulator) {
		s.reorder = true
	}
}

// WithDefaultScript sets the behaviour of numbers without a script
func WithDefaultScript(sc Script) Option {
	return func(s *Simulator) {
		s.fallback = sc
	}
}

// WithAccountSID sets the account reported in notifications
func WithAccountSID(sid string) Option {
	return func(s *Simulator) {
		s.accountSID = sid
	}
}

func New(opts ...Option) *Simulator {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		clock:      clock.NewAutoClock(),
		webhook:    httpstub.NewDefaultWebhookClient(10*time.Second, ""),
		accountSID: "AC" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		fallback:   Script{Outcome: OutcomeAnswer, RingFor: 2 * time.Second, TalkFor: time.Minute, Recording: true},
		scripts:    make(map[string]Script),
		calls:      make(map[string]*Call),
		runners:    make(map[string]*callRunner),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Script sets how calls to number behave
func (s *Simulator) Script(number string, sc Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[number] = sc
}

// CreateCall places a call. A rejected number fails synchronously with a carrier error.
func (s *Simulator) CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error) {
	if params == nil {
		return nil, fmt.Errorf("params is required")
	}
	to := deref(params.To)
	from := deref(params.From)
	answerURL := deref(params.Url)
	if to == "" || from == "" || answerURL == "" {
		return nil, restError(ErrorCodeMissingParameter, 400, "To, From and Url are required")
	}

	timeout := defaultRingTimeout
	if params.Timeout != nil && *params.Timeout > 0 {
		timeout = time.Duration(*params.Timeout) * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("simulator closed")
	}
	script, ok := s.scripts[to]
	if !ok {
		script = s.fallback
	}
	if script.Outcome == OutcomeReject {
		return nil, restError(ErrorCodeInvalidTo, 400, fmt.Sprintf("The 'To' number %s is not a valid phone number.", to))
	}

	call := &Call{
		SID:            "CA" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		From:           from,
		To:             to,
		Status:         "queued",
		AnswerURL:      answerURL,
		StatusCallback: deref(params.StatusCallback),
		StartAt:        s.clock.Now(),
	}
	if params.StatusCallbackEvent != nil {
		call.StatusEvents = append(call.StatusEvents, *params.StatusCallbackEvent...)
	}
	if params.Record != nil && *params.Record {
		call.RecordingStatusCallback = deref(params.RecordingStatusCallback)
	} else {
		script.Recording = false
	}
	s.calls[call.SID] = call

	runner := newCallRunner(s, call, script, timeout)
	s.runners[call.SID] = runner

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runner.run(s.ctx)
	}()

	return buildAPICallResponse(call), nil
}

// Hangup ends a call from the callee side
func (s *Simulator) Hangup(callSID string) error {
	s.mu.Lock()
	runner, ok := s.runners[callSID]
	s.mu.Unlock()
	if !ok {
		return notFoundError(callSID)
	}
	runner.hangup()
	return nil
}

// GetCall returns a copy of a call's current state
func (s *Simulator) GetCall(callSID string) (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callSID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// Snapshot returns copies of every call, oldest first
func (s *Simulator) Snapshot() []Call {
	s.mu.Lock()
	calls := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, *c)
	}
	s.mu.Unlock()
	sort.SliceStable(calls, func(i, j int) bool {
		if calls[i].StartAt.Equal(calls[j].StartAt) {
			return calls[i].SID < calls[j].SID
		}
		return calls[i].StartAt.Before(calls[j].StartAt)
	})
	return calls
}

// Done is closed once the call's runner has finished
func (s *Simulator) Done(callSID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[callSID]; ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Close stops every running call and waits for the runners
func (s *Simulator) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func buildAPICallResponse(call *Call) *twilioopenapi.ApiV2010Call {
	sid := call.SID
	status := call.Status
	direction := "outbound-api"
	version := apiVersion
	from := call.From
	to := call.To
	dateCreated := call.StartAt.UTC().Format(time.RFC1123Z)
	return &twilioopenapi.ApiV2010Call{
		Sid:         &sid,
		Status:      &status,
		Direction:   &direction,
		ApiVersion:  &version,
		From:        &from,
		To:          &to,
		DateCreated: &dateCreated,
	}
}

func restError(code, status int, msg string) *client.TwilioRestError {
	return &client.TwilioRestError{
		Code:    code,
		Message: msg,
		Status:  status,
	}
}

func notFoundError(sid string) *client.TwilioRestError {
	return restError(ErrorCodeResourceNotFound, 404, "Resource not found: "+sid)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
