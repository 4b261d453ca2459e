// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package console_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/sprucehealth/voicesurvey/carriersim"
	"github.com/sprucehealth/voicesurvey/clock"
	"github.com/sprucehealth/voicesurvey/console"
	"github.com/sprucehealth/voicesurvey/httpstub"
)

func setup(t *testing.T) (*carriersim.Simulator, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sim := carriersim.New(
		carriersim.WithClock(clock.NewManualClock(time.Time{})),
		carriersim.WithWebhookClient(httpstub.NewMockWebhookClient()),
		carriersim.WithDefaultScript(carriersim.Script{Outcome: carriersim.OutcomeAnswer, RingFor: time.Hour}),
	)
	t.Cleanup(func() { _ = sim.Close() })
	r := gin.New()
	console.NewConsoleServer(sim).Register(r.Group("/simulator"))
	return sim, r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func placeCall(t *testing.T, sim *carriersim.Simulator, to string) string {
	t.Helper()
	p := &twilioopenapi.CreateCallParams{}
	p.SetTo(to).SetFrom("+15550000000").SetUrl("http://app.test/webhooks/twilio/voice")
	resp, err := sim.CreateCall(p)
	require.NoError(t, err)
	return *resp.Sid
}

func TestSnapshotAndHangup(t *testing.T) {
	sim, r := setup(t)
	sid := placeCall(t, sim, "+16502530000")

	w := serve(r, http.MethodGet, "/simulator/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap struct {
		Calls []carriersim.Call `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Calls, 1)
	assert.Equal(t, sid, snap.Calls[0].SID)
	assert.Equal(t, "+16502530000", snap.Calls[0].To)

	w = serve(r, http.MethodGet, "/simulator/calls/"+sid, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodPost, "/simulator/calls/"+sid+"/hangup", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	select {
	case <-sim.Done(sid):
	case <-time.After(time.Second):
		t.Fatal("call did not end after hangup")
	}

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/simulator/calls/CAnope", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/simulator/calls/CAnope/hangup", "").Code)
}

func TestScriptNumber(t *testing.T) {
	sim, r := setup(t)

	w := serve(r, http.MethodPut, "/simulator/scripts/+16502530001", `{"outcome":"reject"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	p := &twilioopenapi.CreateCallParams{}
	p.SetTo("+16502530001").SetFrom("+15550000000").SetUrl("http://app.test/webhooks/twilio/voice")
	_, err := sim.CreateCall(p)
	assert.Error(t, err)

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPut, "/simulator/scripts/+16502530001", `{"outcome":"explode"}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPut, "/simulator/scripts/+16502530001", `{"outcome":"busy","ring_for":"soon"}`).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodPut, "/simulator/scripts/+16502530001", `{"outcome":"busy","ring_for":"3s"}`).Code)
}
