// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package pipeline speaks to a realtime speech service over a websocket: audio
// in, transcripts out, and verbatim speech synthesis for the agent's lines.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sprucehealth/voicesurvey/agent"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview"
	DefaultVoice = "alloy"

	// FormatPCM16 is 16-bit little endian mono at 24kHz
	FormatPCM16 = "pcm16"
	// FormatULaw is the carrier's native 8kHz mu-law
	FormatULaw = "g711_ulaw"

	writeTimeout = 10 * time.Second
)

var ErrClosed = errors.New("pipeline closed")

// ToolHandler executes a tool call issued by the model and returns its output
type ToolHandler func(ctx context.Context, call agent.ToolCall) (string, error)

// Config describes one realtime session
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	// AudioFormat is used for both directions. Empty means FormatPCM16.
	AudioFormat string
	Tools       []agent.ToolDefinition
	ToolHandler ToolHandler
	// AutoRespond lets the model answer each participant turn on its own and opens
	// the conversation right after the session is configured.
	AutoRespond bool
	// OnTranscript receives every finished utterance, role "agent" or "participant".
	// When set, participant speech goes here instead of to Listen.
	OnTranscript func(role, text string)
	Dialer       *websocket.Dialer
}

type transcript struct {
	seq  uint64
	text string
}

// Realtime is one connected realtime session. It implements agent.Channel.
type Realtime struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	audio       chan []byte
	transcripts chan transcript
	responses   chan struct{}

	// participant items are numbered as the service commits them; Listen only
	// accepts items committed after the last spoken response finished
	seqMu   sync.Mutex
	commits uint64
	floor   uint64
	items   map[string]uint64

	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
	errMu     sync.Mutex
	err       error
}

var _ agent.Channel = (*Realtime)(nil)

// Dial connects and configures the session
func Dial(ctx context.Context, cfg Config) (*Realtime, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = FormatPCM16
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	r := &Realtime{
		cfg:         cfg,
		conn:        conn,
		audio:       make(chan []byte, 64),
		transcripts: make(chan transcript, 16),
		responses:   make(chan struct{}, 1),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
		items:       make(map[string]uint64),
	}
	if err := r.send(sessionUpdate(cfg)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure realtime session: %w", err)
	}
	go r.readLoop()
	if cfg.AutoRespond {
		if err := r.send(map[string]any{"type": "response.create"}); err != nil {
			r.Close()
			return nil, fmt.Errorf("open conversation: %w", err)
		}
	}
	return r, nil
}

func sessionUpdate(cfg Config) map[string]any {
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"instructions":        cfg.Instructions,
		"voice":               cfg.Voice,
		"input_audio_format":  cfg.AudioFormat,
		"output_audio_format": cfg.AudioFormat,
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": map[string]any{
			"type":            "server_vad",
			"create_response": cfg.AutoRespond,
		},
	}
	if len(cfg.Tools) > 0 {
		session["tools"] = cfg.Tools
		session["tool_choice"] = "auto"
	}
	return map[string]any{"type": "session.update", "session": session}
}

// AudioFormat is the format of SendAudio input and Audio output
func (r *Realtime) AudioFormat() string {
	return r.cfg.AudioFormat
}

// SendAudio appends participant audio to the input buffer
func (r *Realtime) SendAudio(data []byte) error {
	return r.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(data),
	})
}

// Audio delivers synthesized agent audio. It is closed when the session ends.
func (r *Realtime) Audio() <-chan []byte {
	return r.audio
}

// Say speaks text verbatim and returns once the response is complete
func (r *Realtime) Say(ctx context.Context, text string) error {
	// drop a completion left over from an earlier response
	select {
	case <-r.responses:
	default:
	}
	err := r.send(map[string]any{
		"type": "response.create",
		"response": map[string]any{
			"modalities":   []string{"audio", "text"},
			"instructions": fmt.Sprintf("Say exactly the following, word for word, and nothing else: %q", text),
		},
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.readDone:
		return r.closedErr()
	case <-r.responses:
		return nil
	}
}

// Listen returns the next non-empty transcript of participant speech that started
// after the last Say finished. Anything said over the agent is dropped.
func (r *Realtime) Listen(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.readDone:
			return "", r.closedErr()
		case t := <-r.transcripts:
			if t.text == "" {
				continue
			}
			if r.stale(t.seq) {
				log.Printf("realtime: dropping %q spoken before the prompt ended", t.text)
				continue
			}
			return t.text, nil
		}
	}
}

func (r *Realtime) stale(seq uint64) bool {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	return seq <= r.floor
}

// itemSeq returns the commit number of a transcribed item. Items the service
// never reported as committed count as committed now.
func (r *Realtime) itemSeq(itemID string) uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	if seq, ok := r.items[itemID]; ok && itemID != "" {
		delete(r.items, itemID)
		return seq
	}
	r.commits++
	return r.commits
}

// Hangup closes the session
func (r *Realtime) Hangup(ctx context.Context) error {
	return r.Close()
}

// Close ends the session and waits for the reader to stop
func (r *Realtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		r.writeMu.Unlock()
		err = r.conn.Close()
		<-r.readDone
	})
	return err
}

// Err returns what ended the session, nil while it is open
func (r *Realtime) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Realtime) closedErr() error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (r *Realtime) send(v any) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := r.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *Realtime) readLoop() {
	defer close(r.readDone)
	defer close(r.audio)
	for {
		_, msg, err := r.conn.ReadMessage()
		if err != nil {
			r.errMu.Lock()
			r.err = err
			r.errMu.Unlock()
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			log.Printf("realtime: invalid event: %v", err)
			continue
		}
		r.handle(ev)
	}
}

func (r *Realtime) handle(ev serverEvent) {
	switch ev.Type {
	case "response.audio.delta":
		data, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			log.Printf("realtime: bad audio delta: %v", err)
			return
		}
		select {
		case r.audio <- data:
		case <-r.closed:
		}
	case "input_audio_buffer.committed":
		r.seqMu.Lock()
		r.commits++
		if ev.ItemID != "" {
			r.items[ev.ItemID] = r.commits
		}
		r.seqMu.Unlock()
	case "conversation.item.input_audio_transcription.completed":
		t := transcript{seq: r.itemSeq(ev.ItemID), text: ev.Transcript}
		if r.cfg.OnTranscript != nil {
			if t.text != "" {
				r.cfg.OnTranscript("participant", t.text)
			}
			return
		}
		select {
		case r.transcripts <- t:
		case <-r.closed:
		}
	case "response.audio_transcript.done":
		if r.cfg.OnTranscript != nil && ev.Transcript != "" {
			r.cfg.OnTranscript("agent", ev.Transcript)
		}
	case "response.done":
		r.seqMu.Lock()
		r.floor = r.commits
		r.seqMu.Unlock()
		select {
		case r.responses <- struct{}{}:
		default:
		}
	case "response.function_call_arguments.done":
		go r.invoke(ev)
	case "error":
		if ev.Error != nil {
			log.Printf("realtime: server error %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
}

func (r *Realtime) invoke(ev serverEvent) {
	output := "error: no tool handler"
	if r.cfg.ToolHandler != nil {
		call := agent.ToolCall{ID: ev.CallID, Name: ev.Name, Arguments: map[string]any{}}
		if ev.Arguments != "" {
			if err := json.Unmarshal([]byte(ev.Arguments), &call.Arguments); err != nil {
				output = "error: arguments are not a JSON object"
				r.sendToolOutput(ev.CallID, output)
				return
			}
		}
		out, err := r.cfg.ToolHandler(context.Background(), call)
		if err != nil {
			output = "error: " + err.Error()
		} else {
			output = out
		}
	}
	r.sendToolOutput(ev.CallID, output)
}

func (r *Realtime) sendToolOutput(callID, output string) {
	err := r.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("realtime: tool output for %s: %v", callID, err)
	}
}
