// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sprucehealth/voicesurvey/mapper"
	"github.com/sprucehealth/voicesurvey/model"
)

// ErrDeclined is returned by Run when the participant refused consent
var ErrDeclined = errors.New("participant declined consent")

const (
	defaultExitTimeout   = 10 * time.Second
	defaultMapperTimeout = 30 * time.Second
)

// Config describes one call's conversation
type Config struct {
	CallID  string
	Survey  *model.Survey
	Contact *model.Contact
	// MaxDuration bounds Run. Zero means Survey.Voice.MaxDuration, and no limit if that is zero too.
	MaxDuration   time.Duration
	MapperTimeout time.Duration
}

// Session drives one call
type Session struct {
	cfg        Config
	channel    Channel
	classifier Classifier
	recorder   Recorder
	mapper     ResponseMapper
	now        func() time.Time

	mu       sync.Mutex
	state    State
	question int
	turns    []model.Turn
	raw      []model.RawResponse
	consent  *bool

	exitOnce sync.Once
	done     chan struct{}
}

// Option configures a Session
type Option func(*Session)

// WithNow sets the time source for turn and answer timestamps
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

func NewSession(cfg Config, ch Channel, cl Classifier, rec Recorder, mp ResponseMapper, opts ...Option) *Session {
	if cl == nil {
		cl = KeywordClassifier{}
	}
	if mp == nil {
		mp = mapper.New()
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = cfg.Survey.Voice.MaxDuration
	}
	if cfg.MapperTimeout == 0 {
		cfg.MapperTimeout = defaultMapperTimeout
	}
	s := &Session{
		cfg:        cfg,
		channel:    ch,
		classifier: cl,
		recorder:   rec,
		mapper:     mp,
		now:        time.Now,
		state:      StateGreeting,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current conversation phase
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Question returns the index of the question currently being asked
func (s *Session) Question() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

// RawResponses returns the answers captured so far
func (s *Session) RawResponses() []model.RawResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RawResponse(nil), s.raw...)
}

// Turns returns the conversation so far
func (s *Session) Turns() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Turn(nil), s.turns...)
}

// Done is closed once the exit logic has run
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run conducts the whole conversation. Whatever ends it (closing, hangup, timeout,
// cancellation) the exit logic runs before Run returns.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
		defer cancel()
	}
	defer s.Finish(ctx)

	err := s.converse(ctx)
	if err != nil && !errors.Is(err, ErrDeclined) {
		log.Printf("call=%s conversation ended in state %s: %v", s.cfg.CallID, s.State(), err)
	}
	return err
}

// Attend is Run for pipelines that conduct the conversation themselves: the model
// speaks and captures answers through Invoke, and transcripts arrive via AddTurn.
// It returns when ctx ends or MaxDuration passes, after running the exit logic.
func (s *Session) Attend(ctx context.Context) error {
	if s.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxDuration)
		defer cancel()
	}
	defer s.Finish(ctx)

	<-ctx.Done()
	return ctx.Err()
}

func (s *Session) converse(ctx context.Context) error {
	if err := s.say(ctx, Greeting(s.cfg.Survey, s.cfg.Contact)); err != nil {
		return err
	}

	s.setState(StateAwaitingConsent)
	consented, err := s.awaitConsent(ctx)
	if err != nil {
		return err
	}
	if !consented {
		s.setState(StateClosing)
		s.recordConsent(ctx, false)
		if err := s.say(ctx, textDecline); err != nil {
			return err
		}
		s.endCall(ctx)
		return ErrDeclined
	}

	s.recordConsent(ctx, true)
	if err := s.say(ctx, textBegin); err != nil {
		return err
	}

	for i, q := range s.cfg.Survey.Questions {
		s.mu.Lock()
		s.state = StateQuestion
		s.question = i
		s.mu.Unlock()

		if err := s.say(ctx, QuestionPrompt(q)); err != nil {
			return err
		}
		answer, err := s.listen(ctx)
		if err != nil {
			return err
		}
		s.recordAnswer(ctx, q.ID, q.Text, answer)
		if err := s.say(ctx, textAck); err != nil {
			return err
		}
	}

	s.setState(StateClosing)
	if err := s.say(ctx, textClosing); err != nil {
		return err
	}
	s.endCall(ctx)
	return nil
}

// awaitConsent allows exactly one re-ask after a non-affirmative answer
func (s *Session) awaitConsent(ctx context.Context) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		utterance, err := s.listen(ctx)
		if err != nil {
			return false, err
		}
		intent, err := s.classifier.ClassifyConsent(ctx, utterance)
		if err != nil {
			log.Printf("call=%s consent classification failed, treating as unclear: %v", s.cfg.CallID, err)
			intent = IntentUnclear
		}
		if intent == IntentAffirmative {
			return true, nil
		}
		if attempt == 0 {
			if err := s.say(ctx, textReask); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = st
	}
}

func (s *Session) addTurn(role model.TurnRole, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, model.Turn{Role: role, Text: text, At: s.now()})
}

func (s *Session) say(ctx context.Context, text string) error {
	s.addTurn(model.RoleAgent, text)
	if err := s.channel.Say(ctx, text); err != nil {
		return fmt.Errorf("say: %w", err)
	}
	return nil
}

func (s *Session) listen(ctx context.Context) (string, error) {
	text, err := s.channel.Listen(ctx)
	if err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	s.addTurn(model.RoleParticipant, text)
	return text, nil
}

func (s *Session) recordConsent(ctx context.Context, consent bool) {
	s.mu.Lock()
	s.consent = &consent
	s.mu.Unlock()
	if err := s.recorder.RecordConsent(ctx, consent); err != nil {
		log.Printf("call=%s record consent: %v", s.cfg.CallID, err)
	}
}

func (s *Session) recordAnswer(ctx context.Context, questionID, questionText, answer string) {
	s.mu.Lock()
	s.raw = model.PutRawResponse(s.raw, model.RawResponse{
		QuestionID:   questionID,
		QuestionText: questionText,
		Answer:       answer,
		CapturedAt:   s.now(),
	})
	s.mu.Unlock()
	if err := s.recorder.RecordAnswer(ctx, questionID, questionText, answer); err != nil {
		log.Printf("call=%s record answer for %s: %v", s.cfg.CallID, questionID, err)
	}
}

func (s *Session) endCall(ctx context.Context) {
	if err := s.recorder.EndCall(ctx); err != nil {
		log.Printf("call=%s end call: %v", s.cfg.CallID, err)
	}
	if err := s.channel.Hangup(ctx); err != nil {
		log.Printf("call=%s hangup: %v", s.cfg.CallID, err)
	}
}

// Finish runs the exit logic exactly once: persist the transcript, then map and persist
// the answers if any were captured. It does not depend on ctx still being live.
func (s *Session) Finish(ctx context.Context) {
	s.exitOnce.Do(func() {
		defer close(s.done)

		s.mu.Lock()
		s.state = StateTerminated
		transcript := model.Transcript(s.turns)
		raw := append([]model.RawResponse(nil), s.raw...)
		s.mu.Unlock()

		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultExitTimeout+s.cfg.MapperTimeout)
		defer cancel()

		if err := s.recorder.SaveTranscript(ectx, transcript); err != nil {
			log.Printf("call=%s save transcript: %v", s.cfg.CallID, err)
		}
		if len(raw) == 0 {
			return
		}
		mapped := s.mapWithDeadline(ectx, raw)
		if err := s.recorder.SaveMappedResponses(ectx, mapped); err != nil {
			log.Printf("call=%s save mapped responses: %v", s.cfg.CallID, err)
		}
	})
}

// mapWithDeadline keeps raw answers if the mapper does not return in time
func (s *Session) mapWithDeadline(ctx context.Context, raw []model.RawResponse) []model.MappedResponse {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.MapperTimeout)
	defer cancel()

	result := make(chan []model.MappedResponse, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("call=%s mapper panic: %v", s.cfg.CallID, r)
				result <- nil
			}
		}()
		result <- s.mapper.Map(mctx, s.cfg.Survey.Questions, raw)
	}()

	select {
	case mapped := <-result:
		if mapper.Validate(raw, mapped) == nil {
			return mapped
		}
		log.Printf("call=%s mapper returned %d responses for %d answers, keeping raw answers", s.cfg.CallID, len(mapped), len(raw))
	case <-mctx.Done():
		log.Printf("call=%s mapper timed out, keeping raw answers", s.cfg.CallID)
	}
	return mapper.Identity(raw)
}
