// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/sprucehealth/voicesurvey/model"
)

const (
	ToolRecordConsent = "record_consent"
	ToolRecordAnswer  = "record_answer"
	ToolEndCall       = "end_call"
)

// ErrUnknownTool is returned by Invoke for a tool name it does not implement
var ErrUnknownTool = errors.New("unknown tool")

// ToolCall is a tool invocation issued by a speech pipeline that drives the conversation itself
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes a tool in the function-calling schema used by realtime pipelines
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinitions lists the tools Invoke accepts
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Type:        "function",
			Name:        ToolRecordConsent,
			Description: "Record whether the participant agreed to take the survey.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"consent": map[string]any{"type": "boolean"},
				},
				"required": []string{"consent"},
			},
		},
		{
			Type:        "function",
			Name:        ToolRecordAnswer,
			Description: "Record the participant's exact answer to one survey question.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question_id":   map[string]any{"type": "string"},
					"question_text": map[string]any{"type": "string"},
					"answer":        map[string]any{"type": "string"},
				},
				"required": []string{"question_id", "answer"},
			},
		},
		{
			Type:        "function",
			Name:        ToolEndCall,
			Description: "End the call after the closing message has been spoken.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

type consentArgs struct {
	Consent bool `mapstructure:"consent"`
}

type answerArgs struct {
	QuestionID   string `mapstructure:"question_id"`
	QuestionText string `mapstructure:"question_text"`
	Answer       string `mapstructure:"answer"`
}

func decodeArgs(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// Invoke applies a model-issued tool call to the session, moving the state machine the
// same way the scripted conversation would. The returned string is the tool output
// reported back to the model.
func (s *Session) Invoke(ctx context.Context, call ToolCall) (string, error) {
	switch call.Name {
	case ToolRecordConsent:
		var args consentArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("%s arguments: %w", call.Name, err)
		}
		s.recordConsent(ctx, args.Consent)
		if args.Consent {
			s.setState(StateQuestion)
		} else {
			s.setState(StateClosing)
		}
		return "ok", nil
	case ToolRecordAnswer:
		var args answerArgs
		if err := decodeArgs(call.Arguments, &args); err != nil {
			return "", fmt.Errorf("%s arguments: %w", call.Name, err)
		}
		idx := -1
		for i, q := range s.cfg.Survey.Questions {
			if q.ID == args.QuestionID {
				idx = i
				if args.QuestionText == "" {
					args.QuestionText = q.Text
				}
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("%s: unknown question %q", call.Name, args.QuestionID)
		}
		s.mu.Lock()
		s.question = idx
		s.mu.Unlock()
		s.setState(StateQuestion)
		s.recordAnswer(ctx, args.QuestionID, args.QuestionText, args.Answer)
		return "ok", nil
	case ToolEndCall:
		s.setState(StateClosing)
		s.endCall(ctx)
		return "ok", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

// Consent returns the recorded consent, or nil if none was recorded yet
func (s *Session) Consent() *bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consent == nil {
		return nil
	}
	v := *s.consent
	return &v
}

// AddTurn appends an utterance observed outside Say/Listen, such as transcripts
// streamed by a pipeline that drives the conversation itself.
func (s *Session) AddTurn(role string, text string) {
	switch role {
	case "agent", "assistant":
		s.addTurn(model.RoleAgent, text)
	default:
		s.addTurn(model.RoleParticipant, text)
	}
}
