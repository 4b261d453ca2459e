// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/voicesurvey/httpstub"
	"github.com/sprucehealth/voicesurvey/media"
	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/relay"
	"github.com/sprucehealth/voicesurvey/telephony"
	"github.com/sprucehealth/voicesurvey/tracker"
	"github.com/sprucehealth/voicesurvey/twiml"
)

const unavailableMessage = "Sorry, we are unable to take this survey call right now. Goodbye."

// voiceWebhook answers a placed call with a document connecting it to our media stream
func (s *Server) voiceWebhook(c *gin.Context) {
	md := relay.Metadata{
		SurveyID:  c.Query(telephony.ParamSurveyID),
		ContactID: c.Query(telephony.ParamContactID),
		CallID:    c.Request.FormValue("CallSid"),
	}
	if err := md.Validate(); err != nil {
		log.Printf("call=%s voice webhook: %v", md.CallID, err)
		s.writeTwiML(c, apology())
		return
	}

	stream := &twiml.Stream{
		URL: s.cfg.StreamURL + telephony.MediaPath,
		Parameters: []twiml.Parameter{
			{Name: media.ParamSurveyID, Value: md.SurveyID},
			{Name: media.ParamContactID, Value: md.ContactID},
			{Name: media.ParamCallID, Value: md.CallID},
		},
	}
	if s.tokens != nil {
		tok, err := s.tokens.Issue("carrier", md)
		if err != nil {
			log.Printf("call=%s issue stream token: %v", md.CallID, err)
			s.writeTwiML(c, apology())
			return
		}
		stream.Parameters = append(stream.Parameters, twiml.Parameter{Name: media.ParamToken, Value: tok})
	}
	s.writeTwiML(c, &twiml.Response{Children: []twiml.Node{
		&twiml.Connect{Children: []twiml.Node{stream}},
	}})
}

func apology() *twiml.Response {
	return &twiml.Response{Children: []twiml.Node{
		&twiml.Say{Text: unavailableMessage},
		&twiml.Hangup{},
	}}
}

func (s *Server) writeTwiML(c *gin.Context, doc *twiml.Response) {
	body, err := twiml.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/xml", body)
}

// statusWebhook applies a carrier status notification. It always answers 200 so
// the carrier does not retry notifications we chose to absorb.
func (s *Server) statusWebhook(c *gin.Context) {
	callID := c.PostForm("CallSid")
	status, err := model.ParseCarrierStatus(c.PostForm("CallStatus"))
	if err != nil {
		log.Printf("call=%s status webhook: %v", callID, err)
		c.Status(http.StatusOK)
		return
	}
	duration, _ := strconv.Atoi(c.PostForm("CallDuration"))
	_, err = s.tracker.ApplyStatus(c, tracker.StatusNotification{
		CallID:    callID,
		ContactID: c.Query(telephony.ParamContactID),
		SurveyID:  c.Query(telephony.ParamSurveyID),
		Status:    status,
		Duration:  duration,
	})
	if err != nil {
		log.Printf("call=%s apply status %s: %v", callID, status, err)
	}
	c.Status(http.StatusOK)
}

// recordingWebhook stores the recording location of a finished call
func (s *Server) recordingWebhook(c *gin.Context) {
	callID := c.PostForm("CallSid")
	_, err := s.tracker.ApplyRecording(c, tracker.RecordingNotification{
		CallID:          callID,
		ContactID:       c.Query(telephony.ParamContactID),
		SurveyID:        c.Query(telephony.ParamSurveyID),
		RecordingURL:    c.PostForm("RecordingUrl"),
		RecordingStatus: c.PostForm("RecordingStatus"),
	})
	if err != nil {
		log.Printf("call=%s apply recording: %v", callID, err)
	}
	c.Status(http.StatusOK)
}

// requireSignature rejects webhooks whose X-Twilio-Signature does not match
// the public URL they were sent to.
func requireSignature(authToken, publicBaseURL string) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k := range c.Request.PostForm {
			params[k] = c.Request.PostForm.Get(k)
		}
		url := publicBaseURL + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, c.GetHeader(httpstub.SignatureHeader)) {
			log.Printf("webhook %s: invalid signature", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
