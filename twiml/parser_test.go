// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"strings"
	"testing"
	"time"
)

func TestParseConnectStream(t *testing.T) {
	xml := `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="wss://example.com/webhooks/media">
      <Parameter name="survey_id" value="s1"/>
      <Parameter name="call_id" value="CA1"/>
    </Stream>
  </Connect>
</Response>`

	resp, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(resp.Children) != 1 {
		t.Fatalf("Expected 1 child, got %d", len(resp.Children))
	}
	conn, ok := resp.Children[0].(*Connect)
	if !ok {
		t.Fatalf("Expected *Connect, got %T", resp.Children[0])
	}
	if len(conn.Children) != 1 {
		t.Fatalf("Expected 1 stream, got %d", len(conn.Children))
	}
	stream := conn.Children[0].(*Stream)
	if stream.URL != "wss://example.com/webhooks/media" {
		t.Errorf("Expected stream url, got %q", stream.URL)
	}
	if len(stream.Parameters) != 2 {
		t.Fatalf("Expected 2 parameters, got %d", len(stream.Parameters))
	}
	if stream.Parameters[1] != (Parameter{Name: "call_id", Value: "CA1"}) {
		t.Errorf("Unexpected parameter: %+v", stream.Parameters[1])
	}
}

func TestParseSayPauseHangup(t *testing.T) {
	xml := `<Response><Say voice="alice">We're sorry, goodbye.</Say><Pause length="2"/><Hangup/></Response>`

	resp, err := Parse([]byte(xml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(resp.Children) != 3 {
		t.Fatalf("Expected 3 children, got %d", len(resp.Children))
	}
	say := resp.Children[0].(*Say)
	if say.Text != "We're sorry, goodbye." || say.Voice != "alice" {
		t.Errorf("Unexpected say: %+v", say)
	}
	if p := resp.Children[1].(*Pause); p.Length != 2*time.Second {
		t.Errorf("Expected 2s pause, got %v", p.Length)
	}
	if _, ok := resp.Children[2].(*Hangup); !ok {
		t.Errorf("Expected *Hangup, got %T", resp.Children[2])
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"unknown verb":      `<Response><Dial>123</Dial></Response>`,
		"unknown attribute": `<Response><Say colour="red">hi</Say></Response>`,
		"stream no url":     `<Response><Connect><Stream/></Connect></Response>`,
		"wrong root":        `<Reply/>`,
		"say in connect":    `<Response><Connect><Say>hi</Say></Connect></Response>`,
		"empty":             ``,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMarshalRoundTripsThroughParse(t *testing.T) {
	in := &Response{Children: []Node{
		&Connect{Children: []Node{
			&Stream{
				URL: "wss://host/webhooks/media?x=1&y=2",
				Parameters: []Parameter{
					{Name: "survey_id", Value: "s<1>"},
					{Name: "contact_id", Value: "c1"},
				},
			},
		}},
	}}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "&amp;y=2") {
		t.Errorf("Expected escaped ampersand in %s", data)
	}

	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse of marshaled output failed: %v\n%s", err, data)
	}
	stream := out.Children[0].(*Connect).Children[0].(*Stream)
	if stream.URL != "wss://host/webhooks/media?x=1&y=2" {
		t.Errorf("URL not preserved: %q", stream.URL)
	}
	if stream.Parameters[0].Value != "s<1>" {
		t.Errorf("Parameter not preserved: %q", stream.Parameters[0].Value)
	}
}

func TestMarshalSayHangup(t *testing.T) {
	data, err := Marshal(&Response{Children: []Node{&Say{Text: "Goodbye"}, &Hangup{}}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `<?xml version="1.0" encoding="UTF-8"?><Response><Say>Goodbye</Say><Hangup/></Response>`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestMarshalUnknownNode(t *testing.T) {
	if _, err := Marshal(&Response{Children: []Node{Parameter{}}}); err == nil {
		t.Error("expected error for bare parameter")
	}
}
