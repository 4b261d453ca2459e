// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package agent runs the survey conversation for a single call.
//
// A Session is a deterministic state machine:
//
//	greeting -> awaiting_consent -> question(1..N) -> closing -> terminated
//
// Speech recognition and synthesis sit behind Channel, intent detection behind
// Classifier, so the state machine can be driven without a live model.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sprucehealth/voicesurvey/model"
)

// State is a conversation phase
type State string

const (
	StateGreeting        State = "greeting"
	StateAwaitingConsent State = "awaiting_consent"
	StateQuestion        State = "question"
	StateClosing         State = "closing"
	StateTerminated      State = "terminated"
)

// Intent is the classified meaning of a consent answer
type Intent int

const (
	IntentUnclear Intent = iota
	IntentAffirmative
	IntentNegative
)

func (i Intent) String() string {
	switch i {
	case IntentAffirmative:
		return "affirmative"
	case IntentNegative:
		return "negative"
	case IntentUnclear:
		return "unclear"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

// Channel is the spoken side of a call
type Channel interface {
	// Say speaks text and returns once it has been delivered
	Say(ctx context.Context, text string) error
	// Listen returns the next transcribed participant utterance
	Listen(ctx context.Context) (string, error)
	Hangup(ctx context.Context) error
}

// Classifier decides whether an utterance grants consent
type Classifier interface {
	ClassifyConsent(ctx context.Context, utterance string) (Intent, error)
}

// Tools are the capture operations exposed to the conversation. Each call persists immediately.
type Tools interface {
	RecordConsent(ctx context.Context, consent bool) error
	RecordAnswer(ctx context.Context, questionID, questionText, answer string) error
	EndCall(ctx context.Context) error
}

// Recorder is Tools plus the persistence run once when the session exits
type Recorder interface {
	Tools
	SaveTranscript(ctx context.Context, transcript string) error
	SaveMappedResponses(ctx context.Context, mapped []model.MappedResponse) error
}

// ResponseMapper normalizes raw answers after the call
type ResponseMapper interface {
	Map(ctx context.Context, questions []model.Question, raw []model.RawResponse) []model.MappedResponse
}

const (
	textBegin   = "Great! Let's begin."
	textReask   = "No problem, I just need a clear yes before we start. Would you like to take part in this short survey? Please say 'Yes' to begin."
	textDecline = "I understand. Thank you for your time. Goodbye."
	textAck     = "Got it."
	textClosing = "That's all the questions! Thank you so much for your valuable inputs. Have a great day!"
)

// Greeting names the participant, the researcher and the survey topic and asks for consent
func Greeting(survey *model.Survey, contact *model.Contact) string {
	hello := "Hi there!"
	if contact != nil && strings.TrimSpace(contact.Name) != "" {
		hello = "Hi " + strings.TrimSpace(contact.Name) + "!"
	}
	who := "I'm an AI assistant"
	if r := strings.TrimSpace(survey.Voice.ResearcherName); r != "" {
		who = "I'm " + r + "'s AI assistant"
	}
	return fmt.Sprintf("%s %s, conducting a survey on the topic %s. Before starting the survey, please give me your consent by saying 'Yes'.",
		hello, who, survey.Title)
}

// QuestionPrompt is the question text followed by whatever the participant needs to answer it
func QuestionPrompt(q model.Question) string {
	switch q.Type {
	case model.SingleChoice, model.Dropdown:
		return q.Text + " Your options are: " + joinOr(q.Options) + "."
	case model.MultiChoice:
		return q.Text + " You can pick more than one of: " + joinOr(q.Options) + "."
	case model.LinearScale:
		return fmt.Sprintf("%s Please answer with a number from %d to %d.", q.Text, q.ScaleMin, q.ScaleMax)
	case model.ShortText, model.LongText:
		return q.Text
	default:
		return q.Text
	}
}

func joinOr(opts []string) string {
	switch len(opts) {
	case 0:
		return ""
	case 1:
		return opts[0]
	case 2:
		return opts[0] + " or " + opts[1]
	default:
		return strings.Join(opts[:len(opts)-1], ", ") + ", or " + opts[len(opts)-1]
	}
}

// VoiceInstructions is the system prompt for a speech pipeline that only voices the
// lines a Session gives it. It carries the survey's tone and custom instructions but
// never the questions or any tools.
func VoiceInstructions(survey *model.Survey) string {
	var b strings.Builder
	b.WriteString("You are the voice of a friendly phone survey assistant")
	if tone := strings.TrimSpace(survey.Voice.Tone); tone != "" {
		b.WriteString(" speaking in a " + tone + " tone")
	}
	b.WriteString(".\nOnly speak when asked to, and then say exactly the text you are given. Never answer the caller on your own.\n")
	if extra := strings.TrimSpace(survey.Voice.Instructions); extra != "" {
		b.WriteString("\nAdditional instructions:\n" + extra + "\n")
	}
	return b.String()
}

// Instructions is the system prompt for a speech pipeline that drives the conversation
// itself through the tool calls in ToolDefinitions.
func Instructions(survey *model.Survey, contact *model.Contact) string {
	var b strings.Builder
	b.WriteString("You are a friendly voice assistant conducting a phone survey")
	if tone := strings.TrimSpace(survey.Voice.Tone); tone != "" {
		b.WriteString(" in a " + tone + " tone")
	}
	b.WriteString(".\nStart by saying exactly: \"" + Greeting(survey, contact) + "\"\n")
	b.WriteString("If the participant does not clearly agree, ask once more. If they decline again, call record_consent with consent=false, say \"" +
		textDecline + "\" and call end_call.\n")
	b.WriteString("When they agree, call record_consent with consent=true, say \"" + textBegin + "\" and ask these questions in order, verbatim:\n")
	for i, q := range survey.Questions {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, q.ID, QuestionPrompt(q))
	}
	b.WriteString("After each answer call record_answer with the question id, the question text and the participant's exact words, then say only \"" +
		textAck + "\" and move on. Do not add any other commentary.\n")
	b.WriteString("After the last question say \"" + textClosing + "\" and call end_call.\n")
	if extra := strings.TrimSpace(survey.Voice.Instructions); extra != "" {
		b.WriteString("\nAdditional instructions:\n" + extra + "\n")
	}
	return b.String()
}
