// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// Parse parses TwiML XML and returns a Response AST
func Parse(data []byte) (*Response, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xml parse error: %w", err)
		}
		if se, ok := token.(xml.StartElement); ok {
			if se.Name.Local != "Response" {
				return nil, fmt.Errorf("unexpected root element <%s>", se.Name.Local)
			}
			if len(se.Attr) > 0 {
				return nil, fmt.Errorf("unknown attribute '%s' on <Response>", se.Attr[0].Name.Local)
			}
			children, err := parseChildren(decoder, "Response", parseVerb)
			if err != nil {
				return nil, err
			}
			return &Response{Children: children}, nil
		}
	}
	return nil, fmt.Errorf("no <Response> element found")
}

type nodeParser func(decoder *xml.Decoder, start *xml.StartElement) (Node, error)

func parseChildren(decoder *xml.Decoder, parent string, parse nodeParser) ([]Node, error) {
	var children []Node
	for {
		token, err := decoder.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("unterminated <%s>", parent)
			}
			return nil, err
		}
		switch t := token.(type) {
		case xml.StartElement:
			node, err := parse(decoder, &t)
			if err != nil {
				return nil, err
			}
			children = append(children, node)
		case xml.EndElement:
			if t.Name.Local == parent {
				return children, nil
			}
		}
	}
}

func parseVerb(decoder *xml.Decoder, start *xml.StartElement) (Node, error) {
	switch start.Name.Local {
	case "Say":
		return parseSay(decoder, start)
	case "Pause":
		return parsePause(decoder, start)
	case "Hangup":
		if err := decoder.Skip(); err != nil {
			return nil, err
		}
		return &Hangup{}, nil
	case "Connect":
		return parseConnect(decoder, start)
	default:
		return nil, fmt.Errorf("unknown TwiML element: <%s>", start.Name.Local)
	}
}

func parseSay(decoder *xml.Decoder, start *xml.StartElement) (*Say, error) {
	say := &Say{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "voice":
			say.Voice = attr.Value
		case "language":
			say.Language = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Say>", attr.Name.Local)
		}
	}
	if err := decoder.DecodeElement(&say.Text, start); err != nil {
		return nil, err
	}
	return say, nil
}

func parsePause(decoder *xml.Decoder, start *xml.StartElement) (*Pause, error) {
	pause := &Pause{Length: time.Second}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "length":
			n, err := strconv.Atoi(attr.Value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid length %q on <Pause>", attr.Value)
			}
			pause.Length = time.Duration(n) * time.Second
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Pause>", attr.Name.Local)
		}
	}
	if err := decoder.Skip(); err != nil {
		return nil, err
	}
	return pause, nil
}

func parseConnect(decoder *xml.Decoder, start *xml.StartElement) (*Connect, error) {
	conn := &Connect{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "action":
			conn.Action = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Connect>", attr.Name.Local)
		}
	}
	children, err := parseChildren(decoder, "Connect", func(d *xml.Decoder, se *xml.StartElement) (Node, error) {
		if se.Name.Local != "Stream" {
			return nil, fmt.Errorf("<%s> not allowed in <Connect>", se.Name.Local)
		}
		return parseStream(d, se)
	})
	if err != nil {
		return nil, err
	}
	conn.Children = children
	return conn, nil
}

func parseStream(decoder *xml.Decoder, start *xml.StartElement) (*Stream, error) {
	stream := &Stream{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "url":
			stream.URL = attr.Value
		case "name":
			stream.Name = attr.Value
		case "track":
			stream.Track = attr.Value
		case "statusCallback":
			stream.StatusCallback = attr.Value
		default:
			return nil, fmt.Errorf("unknown attribute '%s' on <Stream>", attr.Name.Local)
		}
	}
	if stream.URL == "" {
		return nil, fmt.Errorf("<Stream> requires a url")
	}
	children, err := parseChildren(decoder, "Stream", func(d *xml.Decoder, se *xml.StartElement) (Node, error) {
		if se.Name.Local != "Parameter" {
			return nil, fmt.Errorf("<%s> not allowed in <Stream>", se.Name.Local)
		}
		p := &Parameter{}
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "name":
				p.Name = attr.Value
			case "value":
				p.Value = attr.Value
			default:
				return nil, fmt.Errorf("unknown attribute '%s' on <Parameter>", attr.Name.Local)
			}
		}
		if err := d.Skip(); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		stream.Parameters = append(stream.Parameters, *c.(*Parameter))
	}
	return stream, nil
}
