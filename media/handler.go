// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package media serves the carrier's bidirectional media stream for a survey
// call: audio is bridged to the speech pipeline and the agent runs the
// conversation over it until either side goes away.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sprucehealth/voicesurvey/agent"
	"github.com/sprucehealth/voicesurvey/audio"
	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/pipeline"
	"github.com/sprucehealth/voicesurvey/relay"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/tracker"
)

var (
	errStreamStopped    = errors.New("carrier stream stopped")
	errPipelineEnded    = errors.New("pipeline audio ended")
	errConversationOver = errors.New("conversation over")
)

// Pipeline is the speech side of a call
type Pipeline interface {
	agent.Channel
	SendAudio(data []byte) error
	Audio() <-chan []byte
	AudioFormat() string
	Close() error
}

// DialOptions sets up a pipeline for the way the call is conducted
type DialOptions struct {
	Instructions string
	// Tools is set only when the model runs the conversation. A pipeline dialed
	// without it just voices the lines it is given.
	Tools        pipeline.ToolHandler
	OnTranscript func(role, text string)
}

// DialFunc opens a speech pipeline for one call
type DialFunc func(ctx context.Context, md relay.Metadata, opts DialOptions) (Pipeline, error)

// RealtimeDialer dials pipeline.Realtime sessions based on cfg
func RealtimeDialer(cfg pipeline.Config) DialFunc {
	return func(ctx context.Context, md relay.Metadata, opts DialOptions) (Pipeline, error) {
		c := cfg
		c.Instructions = opts.Instructions
		if opts.Tools != nil {
			c.Tools = agent.ToolDefinitions()
			c.ToolHandler = opts.Tools
			c.AutoRespond = true
			c.OnTranscript = opts.OnTranscript
		}
		return pipeline.Dial(ctx, c)
	}
}

// Handler accepts carrier media stream websockets
type Handler struct {
	store         store.Store
	tracker       *tracker.Tracker
	dial          DialFunc
	classifier    agent.Classifier
	mapper        agent.ResponseMapper
	tokens        *relay.TokenIssuer
	maxDuration   time.Duration
	mapperTimeout time.Duration
	modelDriven   bool
	upgrader      websocket.Upgrader

	// ctx ends every live call on Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	wg     sync.WaitGroup
}

// Option configures a Handler
type Option func(*Handler)

func WithClassifier(c agent.Classifier) Option {
	return func(h *Handler) { h.classifier = c }
}

func WithMapper(m agent.ResponseMapper) Option {
	return func(h *Handler) { h.mapper = m }
}

// WithTokenIssuer requires every stream to present a join token for its call
func WithTokenIssuer(ti *relay.TokenIssuer) Option {
	return func(h *Handler) { h.tokens = ti }
}

// WithMaxDuration bounds conversations on surveys that do not set their own limit
func WithMaxDuration(d time.Duration) Option {
	return func(h *Handler) { h.maxDuration = d }
}

// WithModelDriven hands the conversation to the speech model, which captures consent
// and answers through tool calls. Without it the session asks every line itself.
func WithModelDriven() Option {
	return func(h *Handler) { h.modelDriven = true }
}

func WithMapperTimeout(d time.Duration) Option {
	return func(h *Handler) { h.mapperTimeout = d }
}

func NewHandler(s store.Store, t *tracker.Tracker, dial DialFunc, opts ...Option) *Handler {
	h := &Handler{
		store:   s,
		tracker: t,
		dial:    dial,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("media: upgrade failed: %v", err)
		return
	}
	if err := h.Serve(h.ctx, conn); err != nil {
		log.Printf("media: %v", err)
	}
}

// Wait blocks until every stream being served has finished
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Shutdown refuses new streams and ends the live ones, each still running its exit
// logic, then waits for them until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("media streams still open: %w", ctx.Err())
	}
}

// Serve runs one call over an upgraded stream and closes it when done
func (h *Handler) Serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	streamSID, start, err := awaitStart(conn)
	if err != nil {
		return err
	}
	md := relay.Metadata{
		SurveyID:  start.CustomParameters[ParamSurveyID],
		ContactID: start.CustomParameters[ParamContactID],
		CallID:    start.CustomParameters[ParamCallID],
	}
	if md.CallID == "" {
		md.CallID = start.CallSID
	}
	if err := md.Validate(); err != nil {
		return err
	}
	if h.tokens != nil {
		claims, err := h.tokens.Parse(start.CustomParameters[ParamToken])
		if err != nil {
			return fmt.Errorf("call=%s: %w", md.CallID, err)
		}
		if claims.Metadata != md {
			return fmt.Errorf("call=%s: token issued for %s", md.CallID, relay.RoomName(claims.CallID))
		}
	}

	survey, err := h.store.GetSurvey(ctx, md.SurveyID)
	if err != nil {
		return fmt.Errorf("call=%s survey %s: %w", md.CallID, md.SurveyID, err)
	}
	contact, err := h.store.GetContact(ctx, md.ContactID)
	if err != nil {
		return fmt.Errorf("call=%s contact %s: %w", md.CallID, md.ContactID, err)
	}

	if _, err := h.tracker.ApplyStatus(ctx, tracker.StatusNotification{
		CallID:    md.CallID,
		ContactID: md.ContactID,
		SurveyID:  md.SurveyID,
		Status:    model.CallInProgress,
	}); err != nil {
		log.Printf("call=%s mark in progress: %v", md.CallID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialOpts := DialOptions{Instructions: agent.VoiceInstructions(survey)}
	// tool calls and transcripts can arrive before the session exists
	var sessionRef atomic.Pointer[agent.Session]
	if h.modelDriven {
		dialOpts = DialOptions{
			Instructions: agent.Instructions(survey, contact),
			Tools: func(ctx context.Context, call agent.ToolCall) (string, error) {
				s := sessionRef.Load()
				if s == nil {
					return "", fmt.Errorf("session not ready")
				}
				return s.Invoke(ctx, call)
			},
			OnTranscript: func(role, text string) {
				if s := sessionRef.Load(); s != nil {
					s.AddTurn(role, text)
				}
			},
		}
	}

	pipe, err := h.dial(ctx, md, dialOpts)
	if err != nil {
		h.recordFailure(ctx, md, "speech pipeline unavailable")
		return fmt.Errorf("call=%s dial pipeline: %w", md.CallID, err)
	}
	defer pipe.Close()

	maxDuration := survey.Voice.MaxDuration
	if maxDuration == 0 {
		maxDuration = h.maxDuration
	}
	ch := &callChannel{Pipeline: pipe, hangup: cancel}
	session := agent.NewSession(agent.Config{
		CallID:        md.CallID,
		Survey:        survey,
		Contact:       contact,
		MaxDuration:   maxDuration,
		MapperTimeout: h.mapperTimeout,
	}, ch, h.classifier, agent.NewStoreRecorder(h.store, h.tracker, md.CallID, md.ContactID, md.SurveyID), h.mapper)
	sessionRef.Store(session)

	log.Printf("call=%s stream %s started for survey=%s contact=%s", md.CallID, streamSID, md.SurveyID, md.ContactID)

	bridge := audio.NewBridge()
	passthrough := pipe.AudioFormat() == pipeline.FormatULaw

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return carrierToPipeline(gctx, conn, pipe, bridge, passthrough, md.CallID)
	})
	g.Go(func() error {
		return pipelineToCarrier(gctx, conn, pipe, bridge, passthrough, streamSID, md.CallID)
	})
	g.Go(func() error {
		run := session.Run
		if h.modelDriven {
			run = session.Attend
		}
		err := run(gctx)
		if err != nil && !errors.Is(err, agent.ErrDeclined) && gctx.Err() == nil {
			log.Printf("call=%s agent: %v", md.CallID, err)
		}
		return errConversationOver
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		_ = pipe.Close()
		return nil
	})

	err = g.Wait()
	log.Printf("call=%s stream %s ended: %v", md.CallID, streamSID, err)
	if errors.Is(err, errStreamStopped) || errors.Is(err, errPipelineEnded) || errors.Is(err, errConversationOver) {
		return nil
	}
	return err
}

func (h *Handler) recordFailure(ctx context.Context, md relay.Metadata, reason string) {
	_, err := h.store.UpdateCall(ctx, md.CallID, func(c *model.CallAttempt, exists bool) error {
		if !exists {
			c.ContactID = md.ContactID
			c.SurveyID = md.SurveyID
			c.Status = model.CallInProgress
		}
		c.Error = reason
		return nil
	})
	if err != nil {
		log.Printf("call=%s record failure: %v", md.CallID, err)
	}
}

// awaitStart skips frames until the start event
func awaitStart(conn *websocket.Conn) (string, *StartData, error) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return "", nil, fmt.Errorf("waiting for start: %w", err)
		}
		switch msg.Event {
		case EventStart:
			if msg.Start == nil {
				return "", nil, fmt.Errorf("start event without start data")
			}
			if msg.Start.CustomParameters == nil {
				msg.Start.CustomParameters = map[string]string{}
			}
			return msg.StreamSID, msg.Start, nil
		case EventStop:
			return "", nil, errStreamStopped
		}
	}
}

func carrierToPipeline(ctx context.Context, conn *websocket.Conn, pipe Pipeline, bridge *audio.Bridge, passthrough bool, callID string) error {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("carrier read: %w", err)
		}
		switch msg.Event {
		case EventMedia:
			if msg.Media == nil {
				continue
			}
			frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Printf("call=%s dropping undecodable media frame: %v", callID, err)
				continue
			}
			if !passthrough {
				if frame, err = bridge.ToPipeline(frame); err != nil {
					log.Printf("call=%s dropping media frame: %v", callID, err)
					continue
				}
			}
			if err := pipe.SendAudio(frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pipeline send: %w", err)
			}
		case EventStop:
			return errStreamStopped
		}
	}
}

func pipelineToCarrier(ctx context.Context, conn *websocket.Conn, pipe Pipeline, bridge *audio.Bridge, passthrough bool, streamSID, callID string) error {
	for pcm := range pipe.Audio() {
		frame := pcm
		if !passthrough {
			var err error
			if frame, err = bridge.ToCarrier(pcm); err != nil {
				log.Printf("call=%s dropping pipeline frame: %v", callID, err)
				continue
			}
			if len(frame) == 0 {
				continue
			}
		}
		err := conn.WriteJSON(Message{
			Event:     EventMedia,
			StreamSID: streamSID,
			Media:     &MediaData{Payload: base64.StdEncoding.EncodeToString(frame)},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("carrier write: %w", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return errPipelineEnded
}

// callChannel speaks through the pipeline; hanging up ends the carrier stream,
// which ends the call once the answer document is exhausted.
type callChannel struct {
	Pipeline
	hangup context.CancelFunc
}

func (c *callChannel) Hangup(ctx context.Context) error {
	c.hangup()
	return nil
}
