// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package agent_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprucehealth/voicesurvey/agent"
	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/tracker"
)

type scriptedChannel struct {
	mu      sync.Mutex
	answers []string
	said    []string
	hungUp  bool
	// onSay runs after each line is spoken
	onSay func(text string)
}

func (c *scriptedChannel) Say(_ context.Context, text string) error {
	c.mu.Lock()
	c.said = append(c.said, text)
	onSay := c.onSay
	c.mu.Unlock()
	if onSay != nil {
		onSay(text)
	}
	return nil
}

func (c *scriptedChannel) Listen(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(c.answers) == 0 {
		return "", io.EOF
	}
	a := c.answers[0]
	c.answers = c.answers[1:]
	return a, nil
}

func (c *scriptedChannel) Hangup(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp = true
	return nil
}

func testSurvey() *model.Survey {
	return &model.Survey{
		ID:     "s1",
		Title:  "Morning Coffee",
		Status: model.SurveyActive,
		Voice:  model.VoiceConfig{ResearcherName: "Dana"},
		Questions: []model.Question{
			{ID: "q1", Text: "Do you drink coffee?", Type: model.SingleChoice, Options: []string{"Yes", "No", "Maybe"}},
			{ID: "q2", Text: "How much do you enjoy it?", Type: model.LinearScale, ScaleMin: 1, ScaleMax: 5},
		},
	}
}

type harness struct {
	store   *store.MemoryStore
	tracker *tracker.Tracker
	channel *scriptedChannel
	session *agent.Session
}

func newHarness(t *testing.T, answers []string, opts ...func(*agent.Config)) *harness {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := tracker.New(st)
	contact := &model.Contact{ID: "c1", SurveyID: "s1", Name: "Ana", PhoneNumber: "+15550001"}
	require.NoError(t, st.AddContact(ctx, contact))
	_, err := tr.ApplyStatus(ctx, tracker.StatusNotification{CallID: "CA1", ContactID: "c1", SurveyID: "s1", Status: model.CallInProgress})
	require.NoError(t, err)

	cfg := agent.Config{CallID: "CA1", Survey: testSurvey(), Contact: contact}
	for _, o := range opts {
		o(&cfg)
	}
	ch := &scriptedChannel{answers: answers}
	rec := agent.NewStoreRecorder(st, tr, "CA1", "c1", "s1")
	return &harness{
		store:   st,
		tracker: tr,
		channel: ch,
		session: agent.NewSession(cfg, ch, nil, rec, nil),
	}
}

func (h *harness) call(t *testing.T) *model.CallAttempt {
	t.Helper()
	c, err := h.store.GetCall(context.Background(), "CA1")
	require.NoError(t, err)
	return c
}

func TestConsentAndAnswersAreMapped(t *testing.T) {
	h := newHarness(t, []string{"yes, go ahead", "probably yes", "I'd say a four"})
	require.NoError(t, h.session.Run(context.Background()))

	c := h.call(t)
	require.NotNil(t, c.Consent)
	assert.True(t, *c.Consent)
	assert.Equal(t, model.CallCompleted, c.Status)
	require.Len(t, c.RawResponses, 2)
	assert.Equal(t, "probably yes", c.RawResponses[0].Answer)
	assert.Equal(t, "Do you drink coffee?", c.RawResponses[0].QuestionText)
	assert.Equal(t, []model.MappedResponse{{QuestionID: "q1", Value: "Yes"}, {QuestionID: "q2", Value: "4"}}, c.MappedResponses)
	assert.True(t, strings.HasPrefix(c.Transcript, "AGENT: Hi Ana! I'm Dana's AI assistant, conducting a survey on the topic Morning Coffee."))
	assert.Contains(t, c.Transcript, "PARTICIPANT: I'd say a four")

	assert.Equal(t, []string{
		agent.Greeting(testSurvey(), &model.Contact{Name: "Ana"}),
		"Great! Let's begin.",
		"Do you drink coffee? Your options are: Yes, No, or Maybe.",
		"Got it.",
		"How much do you enjoy it? Please answer with a number from 1 to 5.",
		"Got it.",
		"That's all the questions! Thank you so much for your valuable inputs. Have a great day!",
	}, h.channel.said)
	assert.True(t, h.channel.hungUp)
	assert.Equal(t, agent.StateTerminated, h.session.State())

	contact, err := h.store.GetContact(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, contact.Consent)
}

func TestDeclineTwice(t *testing.T) {
	h := newHarness(t, []string{"no", "no thanks"})
	err := h.session.Run(context.Background())
	assert.True(t, errors.Is(err, agent.ErrDeclined))

	c := h.call(t)
	require.NotNil(t, c.Consent)
	assert.False(t, *c.Consent)
	assert.Empty(t, c.RawResponses)
	assert.Empty(t, c.MappedResponses)
	assert.Equal(t, model.CallCompleted, c.Status)
	assert.NotEmpty(t, c.Transcript)

	require.Len(t, h.channel.said, 3)
	assert.Contains(t, h.channel.said[1], "Would you like to take part")
	assert.Equal(t, "I understand. Thank you for your time. Goodbye.", h.channel.said[2])
	assert.True(t, h.channel.hungUp)

	contact, err := h.store.GetContact(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, contact.Consent)
}

func TestReaskThenAgree(t *testing.T) {
	h := newHarness(t, []string{"who is this?", "oh okay sure", "no", "2"})
	require.NoError(t, h.session.Run(context.Background()))

	c := h.call(t)
	assert.True(t, *c.Consent)
	assert.Equal(t, []model.MappedResponse{{QuestionID: "q1", Value: "No"}, {QuestionID: "q2", Value: "2"}}, c.MappedResponses)
}

type failingClassifier struct{}

func (failingClassifier) ClassifyConsent(context.Context, string) (agent.Intent, error) {
	return agent.IntentAffirmative, errors.New("model down")
}

func TestClassifierErrorCountsAsUnclear(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &scriptedChannel{answers: []string{"yes", "yes"}}
	rec := agent.NewStoreRecorder(st, tracker.New(st), "CA1", "c1", "s1")
	s := agent.NewSession(agent.Config{CallID: "CA1", Survey: testSurvey()}, ch, failingClassifier{}, rec, nil)

	assert.True(t, errors.Is(s.Run(context.Background()), agent.ErrDeclined))
	require.NotNil(t, s.Consent())
	assert.False(t, *s.Consent())
}

func TestDisconnectMidSurveyStillPersists(t *testing.T) {
	h := newHarness(t, []string{"yes", "maybe"})
	err := h.session.Run(context.Background())
	assert.True(t, errors.Is(err, io.EOF))

	c := h.call(t)
	assert.Equal(t, model.CallInProgress, c.Status, "status is left to the carrier's terminal notification")
	require.Len(t, c.RawResponses, 1)
	assert.Equal(t, []model.MappedResponse{{QuestionID: "q1", Value: "Maybe"}}, c.MappedResponses)
	assert.Contains(t, c.Transcript, "PARTICIPANT: maybe")
	assert.False(t, h.channel.hungUp)
}

func TestMaxDurationEndsSession(t *testing.T) {
	st := store.NewMemoryStore()
	rec := agent.NewStoreRecorder(st, tracker.New(st), "CA1", "c1", "s1")
	s := agent.NewSession(agent.Config{CallID: "CA1", Survey: testSurvey(), MaxDuration: 20 * time.Millisecond},
		blockingChannel{}, nil, rec, nil)

	err := s.Run(context.Background())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	c, err := st.GetCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Transcript, "AGENT: Hi there!"))
}

type blockingChannel struct{}

func (blockingChannel) Say(context.Context, string) error { return nil }
func (blockingChannel) Listen(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
func (blockingChannel) Hangup(context.Context) error { return nil }

type stuckMapper struct{}

func (stuckMapper) Map(ctx context.Context, _ []model.Question, _ []model.RawResponse) []model.MappedResponse {
	select {}
}

func TestStuckMapperFallsBackToIdentity(t *testing.T) {
	st := store.NewMemoryStore()
	ch := &scriptedChannel{answers: []string{"yes", "probably yes", "a four"}}
	rec := agent.NewStoreRecorder(st, tracker.New(st), "CA1", "c1", "s1")
	s := agent.NewSession(agent.Config{CallID: "CA1", Survey: testSurvey(), MapperTimeout: 20 * time.Millisecond},
		ch, nil, rec, stuckMapper{})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session blocked on the mapper")
	}

	c, err := st.GetCall(context.Background(), "CA1")
	require.NoError(t, err)
	assert.Equal(t, []model.MappedResponse{{QuestionID: "q1", Value: "probably yes"}, {QuestionID: "q2", Value: "a four"}}, c.MappedResponses)
	assert.NotEmpty(t, c.Transcript)
}

type countingRecorder struct {
	mu          sync.Mutex
	transcripts int
	mapped      int
	consent     []bool
	answers     []string
	ended       int
}

func (r *countingRecorder) RecordConsent(_ context.Context, consent bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consent = append(r.consent, consent)
	return nil
}

func (r *countingRecorder) RecordAnswer(_ context.Context, questionID, _, answer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answers = append(r.answers, questionID+"="+answer)
	return nil
}

func (r *countingRecorder) EndCall(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	return nil
}

func (r *countingRecorder) SaveTranscript(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcripts++
	return nil
}

func (r *countingRecorder) SaveMappedResponses(context.Context, []model.MappedResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapped++
	return errors.New("store is down")
}

func TestFinishRunsOnce(t *testing.T) {
	rec := &countingRecorder{}
	ch := &scriptedChannel{answers: []string{"yes", "yes", "5"}}
	s := agent.NewSession(agent.Config{CallID: "CA1", Survey: testSurvey()}, ch, nil, rec, nil)

	require.NoError(t, s.Run(context.Background()))
	s.Finish(context.Background())
	s.Finish(context.Background())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
	assert.Equal(t, 1, rec.transcripts)
	assert.Equal(t, 1, rec.mapped)
	assert.Equal(t, 1, rec.ended)
	assert.Equal(t, []bool{true}, rec.consent)
	assert.Equal(t, []string{"q1=yes", "q2=5"}, rec.answers)
}

func TestInvokeDrivesStateMachine(t *testing.T) {
	rec := &countingRecorder{}
	ch := &scriptedChannel{}
	s := agent.NewSession(agent.Config{CallID: "CA1", Survey: testSurvey()}, ch, nil, rec, nil)
	ctx := context.Background()

	_, err := s.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordConsent, Arguments: map[string]any{"consent": "true"}})
	require.NoError(t, err)
	assert.Equal(t, agent.StateQuestion, s.State())

	_, err = s.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordAnswer, Arguments: map[string]any{
		"question_id": "q2", "answer": "four",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Question())
	require.Len(t, s.RawResponses(), 1)
	assert.Equal(t, "How much do you enjoy it?", s.RawResponses()[0].QuestionText)

	_, err = s.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordAnswer, Arguments: map[string]any{"question_id": "q9", "answer": "x"}})
	assert.Error(t, err)

	_, err = s.Invoke(ctx, agent.ToolCall{Name: "transfer_call"})
	assert.True(t, errors.Is(err, agent.ErrUnknownTool))

	_, err = s.Invoke(ctx, agent.ToolCall{Name: agent.ToolEndCall})
	require.NoError(t, err)
	assert.Equal(t, agent.StateClosing, s.State())
	assert.True(t, ch.hungUp)
	assert.Equal(t, 1, rec.ended)

	s.Finish(ctx)
	assert.Equal(t, agent.StateTerminated, s.State())
	assert.Equal(t, 1, rec.mapped)
}

func TestToolDefinitionsMatchInvoke(t *testing.T) {
	names := map[string]bool{}
	for _, d := range agent.ToolDefinitions() {
		names[d.Name] = true
		assert.Equal(t, "function", d.Type)
	}
	assert.Equal(t, map[string]bool{agent.ToolRecordConsent: true, agent.ToolRecordAnswer: true, agent.ToolEndCall: true}, names)
}

func TestKeywordIntent(t *testing.T) {
	cases := map[string]agent.Intent{
		"Yes":                       agent.IntentAffirmative,
		"yeah sure, go ahead":       agent.IntentAffirmative,
		"Okay.":                     agent.IntentAffirmative,
		"no":                        agent.IntentNegative,
		"I'm not interested":        agent.IntentNegative,
		"not now, I'm busy":         agent.IntentNegative,
		"maybe":                     agent.IntentUnclear,
		"I'm not sure":              agent.IntentUnclear,
		"what?":                     agent.IntentUnclear,
		"yes no I don't know":       agent.IntentUnclear,
		"the weather is nice today": agent.IntentUnclear,
	}
	for utterance, want := range cases {
		got, _ := agent.KeywordIntent(utterance)
		assert.Equal(t, want, got, utterance)
	}
}

func TestInstructionsListQuestions(t *testing.T) {
	text := agent.Instructions(testSurvey(), &model.Contact{Name: "Ana"})
	assert.Contains(t, text, "[q1] Do you drink coffee?")
	assert.Contains(t, text, "[q2] How much do you enjoy it?")
	assert.Contains(t, text, "record_consent")
}

func TestRepeatedAnswerReplacesEarlierOne(t *testing.T) {
	h := newHarness(t, []string{"yes", "Yes", "4"})
	ctx := context.Background()
	h.channel.onSay = func(text string) {
		if text != "Got it." {
			return
		}
		q := testSurvey().Questions[h.session.Question()]
		_, err := h.session.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordAnswer, Arguments: map[string]any{
			"question_id": q.ID, "answer": "no",
		}})
		assert.NoError(t, err)
	}

	require.NoError(t, h.session.Run(ctx))

	raw := h.session.RawResponses()
	require.Len(t, raw, 2)
	assert.Equal(t, "q1", raw[0].QuestionID)
	assert.Equal(t, "q2", raw[1].QuestionID)
	c := h.call(t)
	assert.Len(t, c.RawResponses, 2)
	assert.Len(t, c.MappedResponses, 2)
}

func TestVoiceInstructionsOmitQuestionsAndTools(t *testing.T) {
	survey := testSurvey()
	survey.Voice.Tone = "warm"
	survey.Voice.Instructions = "Speak slowly."
	text := agent.VoiceInstructions(survey)
	assert.Contains(t, text, "warm tone")
	assert.Contains(t, text, "Speak slowly.")
	assert.NotContains(t, text, "Do you drink coffee?")
	for _, d := range agent.ToolDefinitions() {
		assert.NotContains(t, text, d.Name)
	}
}

func TestAttendRunsExitLogic(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.session.Attend(ctx) }()
	_, err := h.session.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordConsent, Arguments: map[string]any{"consent": true}})
	require.NoError(t, err)
	_, err = h.session.Invoke(ctx, agent.ToolCall{Name: agent.ToolRecordAnswer, Arguments: map[string]any{"question_id": "q1", "answer": "yes"}})
	require.NoError(t, err)
	h.session.AddTurn("participant", "yes")
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Attend did not return")
	}
	c := h.call(t)
	assert.Equal(t, "PARTICIPANT: yes", c.Transcript)
	assert.Equal(t, []model.MappedResponse{{QuestionID: "q1", Value: "Yes"}}, c.MappedResponses)
}
