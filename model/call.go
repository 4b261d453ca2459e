// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"strings"
	"time"
)

// RawResponse is a participant's verbatim answer to one question
type RawResponse struct {
	QuestionID   string    `json:"question_id"`
	QuestionText string    `json:"question_text"`
	Answer       string    `json:"answer"`
	CapturedAt   time.Time `json:"captured_at"`
}

// PutRawResponse stores r in list, replacing the answer already there for the same question
func PutRawResponse(list []RawResponse, r RawResponse) []RawResponse {
	for i := range list {
		if list[i].QuestionID == r.QuestionID {
			list[i] = r
			return list
		}
	}
	return append(list, r)
}

// MappedResponse is a raw answer normalized to the question's type
type MappedResponse struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

// CallAttempt is one outbound call to one contact. ID is the carrier call id,
// or a synthesized failed-* id when placement never reached the carrier.
type CallAttempt struct {
	ID              string           `json:"id"`
	ContactID       string           `json:"contact_id"`
	SurveyID        string           `json:"survey_id"`
	Status          CallStatus       `json:"status"`
	Duration        int              `json:"duration,omitempty"`
	RecordingURL    string           `json:"recording_url,omitempty"`
	Consent         *bool            `json:"consent,omitempty"`
	Transcript      string           `json:"transcript,omitempty"`
	RawResponses    []RawResponse    `json:"raw_responses,omitempty"`
	MappedResponses []MappedResponse `json:"mapped_responses,omitempty"`
	Error           string           `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TurnRole identifies who spoke a conversation turn
type TurnRole string

const (
	RoleAgent       TurnRole = "agent"
	RoleParticipant TurnRole = "participant"
)

// Turn is one utterance in a call
type Turn struct {
	Role TurnRole  `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcript renders turns as "AGENT: ..." / "PARTICIPANT: ..." lines
func Transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.ToUpper(string(t.Role)))
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}
