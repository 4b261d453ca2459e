// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import "time"

// Node is the interface for all TwiML AST nodes
type Node interface {
	isNode()
}

// Response is the root TwiML element
type Response struct {
	Children []Node
}

func (Response) isNode() {}

// Say outputs text-to-speech
type Say struct {
	Text     string
	Voice    string
	Language string
}

func (Say) isNode() {}

// Pause waits for a specified duration
type Pause struct {
	Length time.Duration
}

func (Pause) isNode() {}

// Hangup ends the call
type Hangup struct{}

func (Hangup) isNode() {}

// Connect bridges the call to a media stream for as long as the stream is open
type Connect struct {
	Action   string
	Children []Node
}

func (Connect) isNode() {}

// Stream opens a bidirectional media websocket
type Stream struct {
	URL            string
	Name           string
	Track          string
	StatusCallback string
	Parameters     []Parameter
}

func (Stream) isNode() {}

// Parameter is a custom key/value pair handed to the stream's start event
type Parameter struct {
	Name  string
	Value string
}

func (Parameter) isNode() {}
