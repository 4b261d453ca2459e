// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package media

// Carrier media stream events
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Custom parameters set on the <Stream> element by the answer webhook
const (
	ParamSurveyID  = "survey_id"
	ParamContactID = "contact_id"
	ParamCallID    = "call_id"
	ParamToken     = "token"
)

// Message is one frame on the carrier media websocket
type Message struct {
	Event          string       `json:"event"`
	StreamSID      string       `json:"streamSid,omitempty"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	Start          *StartData   `json:"start,omitempty"`
	Media          *MediaData   `json:"media,omitempty"`
	Stop           *StopData    `json:"stop,omitempty"`
	Mark           *MarkPayload `json:"mark,omitempty"`
}

type StartData struct {
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaData struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	// Payload is base64 encoded audio
	Payload string `json:"payload"`
}

type StopData struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type MarkPayload struct {
	Name string `json:"name"`
}
