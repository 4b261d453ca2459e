// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownStatus is returned when a carrier reports a status we cannot map
var ErrUnknownStatus = errors.New("unknown call status")

// SurveyStatus is the lifecycle state of a survey
type SurveyStatus string

const (
	SurveyDraft  SurveyStatus = "draft"
	SurveyActive SurveyStatus = "active"
	SurveyClosed SurveyStatus = "closed"
)

// QuestionType is the closed set of question kinds a survey can contain
type QuestionType string

const (
	ShortText    QuestionType = "short_text"
	LongText     QuestionType = "long_text"
	SingleChoice QuestionType = "single_choice"
	MultiChoice  QuestionType = "multi_choice"
	Dropdown     QuestionType = "dropdown"
	LinearScale  QuestionType = "linear_scale"
)

func (t QuestionType) Valid() bool {
	switch t {
	case ShortText, LongText, SingleChoice, MultiChoice, Dropdown, LinearScale:
		return true
	default:
		return false
	}
}

// HasOptions reports whether answers must be chosen from Question.Options
func (t QuestionType) HasOptions() bool {
	switch t {
	case SingleChoice, MultiChoice, Dropdown:
		return true
	case ShortText, LongText, LinearScale:
		return false
	default:
		return false
	}
}

// CallStatus represents the current status of a call attempt
type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallFailed     CallStatus = "failed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no_answer"
)

// AllCallStatuses lists every status in lifecycle order
var AllCallStatuses = []CallStatus{
	CallInitiated, CallRinging, CallInProgress, CallCompleted, CallFailed, CallBusy, CallNoAnswer,
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer:
		return true
	case CallInitiated, CallRinging, CallInProgress:
		return false
	default:
		return false
	}
}

// Rank orders statuses along the lifecycle. All terminal statuses share the highest rank.
func (s CallStatus) Rank() int {
	switch s {
	case CallInitiated:
		return 0
	case CallRinging:
		return 1
	case CallInProgress:
		return 2
	case CallCompleted, CallFailed, CallBusy, CallNoAnswer:
		return 3
	default:
		return -1
	}
}

func (s CallStatus) String() string {
	return string(s)
}

// ParseCarrierStatus maps a carrier's status spelling ("in-progress", "no-answer", "queued", ...)
// onto a CallStatus.
func ParseCarrierStatus(raw string) (CallStatus, error) {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch s {
	case "queued", "initiated":
		return CallInitiated, nil
	case "ringing":
		return CallRinging, nil
	case "answered", "in_progress":
		return CallInProgress, nil
	case "completed":
		return CallCompleted, nil
	case "busy":
		return CallBusy, nil
	case "no_answer":
		return CallNoAnswer, nil
	case "failed", "canceled":
		return CallFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// ContactSource records how a contact entered the system
type ContactSource string

const (
	SourceBulk  ContactSource = "bulk"
	SourceOptIn ContactSource = "opt_in"
)

// NewID returns a new random identifier for surveys, questions and contacts
func NewID() string {
	return uuid.New().String()
}

// FailedAttemptID builds the identifier for an attempt that never reached the carrier
func FailedAttemptID(contactID string, at time.Time) string {
	return fmt.Sprintf("failed-%s-%d", contactID, at.UnixNano())
}
