// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package twiml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

const header = `<?xml version="1.0" encoding="UTF-8"?>`

// Marshal renders a Response as a TwiML document
func Marshal(resp *Response) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(header)
	b.WriteString("<Response>")
	for _, n := range resp.Children {
		if err := writeNode(&b, n); err != nil {
			return nil, err
		}
	}
	b.WriteString("</Response>")
	return b.Bytes(), nil
}

func writeAttr(b *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(name)
	b.WriteString(`="`)
	_ = xml.EscapeText(b, []byte(value))
	b.WriteByte('"')
}

func writeNode(b *bytes.Buffer, n Node) error {
	switch v := n.(type) {
	case *Say:
		b.WriteString("<Say")
		writeAttr(b, "voice", v.Voice)
		writeAttr(b, "language", v.Language)
		b.WriteByte('>')
		_ = xml.EscapeText(b, []byte(v.Text))
		b.WriteString("</Say>")
	case *Pause:
		b.WriteString("<Pause")
		writeAttr(b, "length", strconv.Itoa(int(v.Length.Seconds())))
		b.WriteString("/>")
	case *Hangup:
		b.WriteString("<Hangup/>")
	case *Connect:
		b.WriteString("<Connect")
		writeAttr(b, "action", v.Action)
		b.WriteByte('>')
		for _, c := range v.Children {
			if err := writeNode(b, c); err != nil {
				return err
			}
		}
		b.WriteString("</Connect>")
	case *Stream:
		b.WriteString("<Stream")
		writeAttr(b, "url", v.URL)
		writeAttr(b, "name", v.Name)
		writeAttr(b, "track", v.Track)
		writeAttr(b, "statusCallback", v.StatusCallback)
		if len(v.Parameters) == 0 {
			b.WriteString("/>")
			return nil
		}
		b.WriteByte('>')
		for _, p := range v.Parameters {
			b.WriteString("<Parameter")
			writeAttr(b, "name", p.Name)
			writeAttr(b, "value", p.Value)
			b.WriteString("/>")
		}
		b.WriteString("</Stream>")
	default:
		return fmt.Errorf("cannot marshal %T", n)
	}
	return nil
}
