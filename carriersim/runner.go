// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package carriersim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sprucehealth/voicesurvey/twiml"
)

var errHungUp = errors.New("call hung up")

// notification is one pending callback post
type notification struct {
	url  string
	form url.Values
}

type callRunner struct {
	sim     *Simulator
	call    *Call
	script  Script
	timeout time.Duration

	hangupOnce sync.Once
	hangupCh   chan struct{}
	done       chan struct{}

	// held is a notification delayed to simulate out of order delivery
	held *notification
}

func newCallRunner(sim *Simulator, call *Call, script Script, timeout time.Duration) *callRunner {
	return &callRunner{
		sim:      sim,
		call:     call,
		script:   script,
		timeout:  timeout,
		hangupCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *callRunner) hangup() {
	r.hangupOnce.Do(func() { close(r.hangupCh) })
}

func (r *callRunner) run(ctx context.Context) {
	defer close(r.done)

	r.updateStatus(ctx, "initiated")
	r.updateStatus(ctx, "ringing")

	switch r.script.Outcome {
	case OutcomeBusy, OutcomeFail:
		if err := r.wait(ctx, r.script.RingFor); err != nil && !errors.Is(err, errHungUp) {
			return
		}
		if r.script.Outcome == OutcomeBusy {
			r.finish(ctx, "busy")
		} else {
			r.finish(ctx, "failed")
		}
		return
	case OutcomeNoAnswer:
		if err := r.wait(ctx, r.timeout); err != nil && !errors.Is(err, errHungUp) {
			return
		}
		r.finish(ctx, "no-answer")
		return
	}

	ringFor := r.script.RingFor
	if ringFor >= r.timeout {
		if err := r.wait(ctx, r.timeout); err != nil && !errors.Is(err, errHungUp) {
			return
		}
		r.finish(ctx, "no-answer")
		return
	}
	if err := r.wait(ctx, ringFor); err != nil {
		if errors.Is(err, errHungUp) {
			r.finish(ctx, "canceled")
		}
		return
	}
	r.answer(ctx)
}

func (r *callRunner) answer(ctx context.Context) {
	now := r.sim.clock.Now()
	r.sim.mu.Lock()
	r.call.AnsweredAt = &now
	r.sim.mu.Unlock()
	r.updateStatus(ctx, "in-progress")

	doc, err := r.fetchAnswerDocument(ctx)
	if err != nil {
		log.Printf("call=%s answer document failed: %v", r.call.SID, err)
		r.finish(ctx, "failed")
		return
	}
	for _, node := range doc.Children {
		if _, ok := node.(*twiml.Hangup); ok {
			r.finish(ctx, "completed")
			return
		}
	}

	if err := r.wait(ctx, r.script.TalkFor); err != nil && !errors.Is(err, errHungUp) {
		return
	}
	r.finish(ctx, "completed")
}

func (r *callRunner) fetchAnswerDocument(ctx context.Context) (*twiml.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, body, _, err := r.sim.webhook.POST(reqCtx, r.call.AnswerURL, r.buildCallbackForm())
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("answer url returned %d", status)
	}
	resp, err := twiml.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TwiML: %w", err)
	}
	r.sim.mu.Lock()
	r.call.Document = string(body)
	r.sim.mu.Unlock()
	return resp, nil
}

// wait blocks for d on the simulator clock, returning errHungUp if the callee
// hangs up first.
func (r *callRunner) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.hangupCh:
			return errHungUp
		default:
			return nil
		}
	}
	fired := make(chan struct{})
	t := r.sim.clock.AfterFunc(d, func() { close(fired) })
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.hangupCh:
		return errHungUp
	case <-fired:
		return nil
	}
}

// finish moves the call to a terminal status and delivers the closing notifications
func (r *callRunner) finish(ctx context.Context, status string) {
	now := r.sim.clock.Now()
	r.sim.mu.Lock()
	r.call.EndedAt = &now
	r.sim.mu.Unlock()

	final := r.statusNotification(status)
	var recording *notification
	if r.script.Recording && r.call.AnsweredAt != nil && r.call.RecordingStatusCallback != "" {
		recording = r.recordingNotification()
	}

	r.setStatus(status)
	if r.sim.reorder && recording != nil {
		r.deliver(ctx, recording)
		recording = nil
	}
	if final != nil {
		r.deliver(ctx, final)
	}
	r.flush(ctx)
	if recording != nil {
		r.deliver(ctx, recording)
	}
}

// updateStatus records a non-terminal status and notifies the status callback
func (r *callRunner) updateStatus(ctx context.Context, status string) {
	r.setStatus(status)
	n := r.statusNotification(status)
	if n == nil {
		return
	}
	if r.sim.reorder && status == "ringing" {
		r.held = n
		return
	}
	r.deliver(ctx, n)
	r.flush(ctx)
}

func (r *callRunner) setStatus(status string) {
	r.sim.mu.Lock()
	r.call.Status = status
	r.sim.mu.Unlock()
}

func (r *callRunner) flush(ctx context.Context) {
	if r.held != nil {
		n := r.held
		r.held = nil
		r.deliver(ctx, n)
	}
}

// statusNotification builds the status callback for status, or nil if the
// call did not subscribe to its event.
func (r *callRunner) statusNotification(status string) *notification {
	if r.call.StatusCallback == "" || !r.subscribed(eventFor(status)) {
		return nil
	}
	form := r.buildCallbackForm()
	form.Set("CallStatus", status)
	if r.call.EndedAt != nil {
		form.Set("CallDuration", strconv.Itoa(r.talkSeconds()))
	}
	return &notification{url: r.call.StatusCallback, form: form}
}

func (r *callRunner) recordingNotification() *notification {
	form := r.buildCallbackForm()
	form.Set("RecordingSid", "RE"+r.call.SID[2:])
	form.Set("RecordingUrl", "https://api.twilio.com/2010-04-01/Accounts/"+r.sim.accountSID+"/Recordings/RE"+r.call.SID[2:])
	form.Set("RecordingStatus", "completed")
	form.Set("RecordingDuration", strconv.Itoa(r.talkSeconds()))
	return &notification{url: r.call.RecordingStatusCallback, form: form}
}

func (r *callRunner) talkSeconds() int {
	r.sim.mu.Lock()
	defer r.sim.mu.Unlock()
	if r.call.AnsweredAt == nil || r.call.EndedAt == nil {
		return 0
	}
	return int(r.call.EndedAt.Sub(*r.call.AnsweredAt).Seconds())
}

func (r *callRunner) subscribed(event string) bool {
	if len(r.call.StatusEvents) == 0 {
		return event == "completed"
	}
	for _, e := range r.call.StatusEvents {
		if e == event {
			return true
		}
	}
	return false
}

// eventFor maps a call status to the status callback event that reports it
func eventFor(status string) string {
	switch status {
	case "initiated", "ringing":
		return status
	case "in-progress":
		return "answered"
	default:
		return "completed"
	}
}

func (r *callRunner) deliver(ctx context.Context, n *notification) {
	times := 1
	if r.sim.duplicate {
		times = 2
	}
	for i := 0; i < times; i++ {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		status, _, _, err := r.sim.webhook.POST(reqCtx, n.url, n.form)
		cancel()
		if err != nil {
			log.Printf("call=%s notification to %s failed: %v", r.call.SID, n.url, err)
			continue
		}
		if status >= 400 {
			log.Printf("call=%s notification to %s returned %d", r.call.SID, n.url, status)
		}
	}
}

// buildCallbackForm builds form data for carrier callbacks
func (r *callRunner) buildCallbackForm() url.Values {
	r.sim.mu.Lock()
	defer r.sim.mu.Unlock()
	form := url.Values{}
	form.Set("CallSid", r.call.SID)
	form.Set("AccountSid", r.sim.accountSID)
	form.Set("From", r.call.From)
	form.Set("To", r.call.To)
	form.Set("CallStatus", r.call.Status)
	form.Set("Direction", "outbound-api")
	form.Set("ApiVersion", apiVersion)
	form.Set("Timestamp", r.sim.clock.Now().Format(time.RFC3339))
	return form
}
