// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package carriersim

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/voicesurvey/clock"
	"github.com/sprucehealth/voicesurvey/httpstub"
)

const (
	voiceURL     = "http://app.test/webhooks/twilio/voice?contact_id=c1&survey_id=s1"
	statusURL    = "http://app.test/webhooks/twilio/status?contact_id=c1&survey_id=s1"
	recordingURL = "http://app.test/webhooks/twilio/recording?contact_id=c1&survey_id=s1"
	streamDoc    = `<Response><Connect><Stream url="wss://app.test/webhooks/media"/></Connect></Response>`
)

func newSim(t *testing.T, opts ...Option) (*Simulator, *clock.ManualClock, *httpstub.MockWebhookClient) {
	t.Helper()
	mc := clock.NewManualClock(time.Time{})
	mock := httpstub.NewMockWebhookClient()
	mock.ResponseFunc = func(u string, form url.Values) (int, []byte, http.Header, error) {
		if u == voiceURL {
			return http.StatusOK, []byte(streamDoc), nil, nil
		}
		return http.StatusNoContent, nil, nil, nil
	}
	opts = append([]Option{WithClock(mc), WithWebhookClient(mock)}, opts...)
	sim := New(opts...)
	t.Cleanup(func() { _ = sim.Close() })
	return sim, mc, mock
}

func callParams(to string) *twilioopenapi.CreateCallParams {
	p := &twilioopenapi.CreateCallParams{}
	p.SetTo(to).
		SetFrom("+15550000000").
		SetUrl(voiceURL).
		SetStatusCallback(statusURL).
		SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"}).
		SetRecord(true).
		SetRecordingStatusCallback(recordingURL)
	return p
}

func waitPending(t *testing.T, c *clock.ManualClock, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, sim *Simulator, sid string) {
	t.Helper()
	select {
	case <-sim.Done(sid):
	case <-time.After(time.Second):
		t.Fatalf("call %s did not finish", sid)
	}
}

// sequence returns the CallStatus or "recording:<status>" of every notification in order
func sequence(mock *httpstub.MockWebhookClient) []string {
	var out []string
	for _, c := range mock.Calls() {
		switch c.URL {
		case statusURL:
			out = append(out, c.Form.Get("CallStatus"))
		case recordingURL:
			out = append(out, "recording:"+c.Form.Get("RecordingStatus"))
		case voiceURL:
			out = append(out, "answer")
		}
	}
	return out
}

func TestAnsweredCallLifecycle(t *testing.T) {
	sim, mc, mock := newSim(t, WithDefaultScript(Script{Outcome: OutcomeAnswer, RingFor: 5 * time.Second, TalkFor: time.Minute, Recording: true}))

	resp, err := sim.CreateCall(callParams("+15551230001"))
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	sid := *resp.Sid
	if !strings.HasPrefix(sid, "CA") {
		t.Errorf("unexpected sid %q", sid)
	}

	waitPending(t, mc, 1)
	mc.Advance(5 * time.Second)
	waitPending(t, mc, 1)
	mc.Advance(time.Minute)
	waitDone(t, sim, sid)

	want := []string{"initiated", "ringing", "in-progress", "answer", "completed", "recording:completed"}
	got := sequence(mock)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}

	final := mock.GetCallsTo(statusURL)
	last := final[len(final)-1]
	if last.Form.Get("CallDuration") != "60" {
		t.Errorf("expected duration 60, got %q", last.Form.Get("CallDuration"))
	}
	if last.Form.Get("CallSid") != sid {
		t.Errorf("expected CallSid %s, got %s", sid, last.Form.Get("CallSid"))
	}

	call, ok := sim.GetCall(sid)
	if !ok {
		t.Fatal("call not found")
	}
	if call.Status != "completed" || call.Document != streamDoc {
		t.Errorf("unexpected call state: %+v", call)
	}
}

func TestHangupEndsAnsweredCall(t *testing.T) {
	sim, mc, mock := newSim(t, WithDefaultScript(Script{Outcome: OutcomeAnswer, RingFor: time.Second, TalkFor: time.Hour}))

	resp, err := sim.CreateCall(callParams("+15551230002"))
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	waitPending(t, mc, 1)
	mc.Advance(time.Second)
	waitPending(t, mc, 1)
	mc.Advance(10 * time.Second)
	if err := sim.Hangup(*resp.Sid); err != nil {
		t.Fatalf("Hangup failed: %v", err)
	}
	waitDone(t, sim, *resp.Sid)

	got := sequence(mock)
	if got[len(got)-1] != "completed" {
		t.Fatalf("expected completed last, got %v", got)
	}
	if len(mock.GetCallsTo(recordingURL)) != 0 {
		t.Error("recording was not scripted")
	}
	if mc.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", mc.Pending())
	}
}

func TestUnansweredOutcomes(t *testing.T) {
	cases := []struct {
		outcome Outcome
		advance time.Duration
		want    string
	}{
		{OutcomeBusy, 3 * time.Second, "busy"},
		{OutcomeFail, 3 * time.Second, "failed"},
		{OutcomeNoAnswer, 30 * time.Second, "no-answer"},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome), func(t *testing.T) {
			sim, mc, mock := newSim(t)
			sim.Script("+15551230003", Script{Outcome: tc.outcome, RingFor: 3 * time.Second, Recording: true})

			resp, err := sim.CreateCall(callParams("+15551230003"))
			if err != nil {
				t.Fatalf("CreateCall failed: %v", err)
			}
			waitPending(t, mc, 1)
			mc.Advance(tc.advance)
			waitDone(t, sim, *resp.Sid)

			want := []string{"initiated", "ringing", tc.want}
			got := sequence(mock)
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Fatalf("got %v, want %v", got, want)
			}
		})
	}
}

func TestRejectedNumber(t *testing.T) {
	sim, _, mock := newSim(t)
	sim.Script("+15551230004", Script{Outcome: OutcomeReject})

	_, err := sim.CreateCall(callParams("+15551230004"))
	var restErr *client.TwilioRestError
	if !errors.As(err, &restErr) {
		t.Fatalf("expected TwilioRestError, got %v", err)
	}
	if restErr.Code != ErrorCodeInvalidTo {
		t.Errorf("expected code %d, got %d", ErrorCodeInvalidTo, restErr.Code)
	}
	if len(mock.Calls()) != 0 {
		t.Error("rejected call must not notify")
	}
}

func TestMissingParameters(t *testing.T) {
	sim, _, _ := newSim(t)
	p := &twilioopenapi.CreateCallParams{}
	p.SetTo("+15551230005")
	if _, err := sim.CreateCall(p); err == nil {
		t.Fatal("expected error without From and Url")
	}
	if _, err := sim.CreateCall(nil); err == nil {
		t.Fatal("expected error for nil params")
	}
}

func TestDuplicateAndReorderedDelivery(t *testing.T) {
	sim, mc, mock := newSim(t,
		WithDuplicateDelivery(),
		WithReorderedDelivery(),
		WithDefaultScript(Script{Outcome: OutcomeAnswer, RingFor: time.Second, TalkFor: time.Second, Recording: true}),
	)

	resp, err := sim.CreateCall(callParams("+15551230006"))
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	waitPending(t, mc, 1)
	mc.Advance(time.Second)
	waitPending(t, mc, 1)
	mc.Advance(time.Second)
	waitDone(t, sim, *resp.Sid)

	want := []string{
		"initiated", "initiated",
		"in-progress", "in-progress",
		"ringing", "ringing",
		"answer",
		"recording:completed", "recording:completed",
		"completed", "completed",
	}
	got := sequence(mock)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAnswerDocumentFailure(t *testing.T) {
	sim, mc, mock := newSim(t, WithDefaultScript(Script{Outcome: OutcomeAnswer, RingFor: time.Second, TalkFor: time.Minute}))
	mock.ResponseFunc = func(u string, form url.Values) (int, []byte, http.Header, error) {
		if u == voiceURL {
			return http.StatusOK, []byte(`<Response><Dance/></Response>`), nil, nil
		}
		return http.StatusOK, nil, nil, nil
	}

	resp, err := sim.CreateCall(callParams("+15551230007"))
	if err != nil {
		t.Fatalf("CreateCall failed: %v", err)
	}
	waitPending(t, mc, 1)
	mc.Advance(time.Second)
	waitDone(t, sim, *resp.Sid)

	got := sequence(mock)
	if got[len(got)-1] != "failed" {
		t.Fatalf("expected failed last, got %v", got)
	}
}

func TestHangupUnknownCall(t *testing.T) {
	sim, _, _ := newSim(t)
	var restErr *client.TwilioRestError
	if err := sim.Hangup("CAmissing"); !errors.As(err, &restErr) || restErr.Code != ErrorCodeResourceNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}
