// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package api exposes the survey service over HTTP: survey and contact
// management, campaign control, and the carrier's webhooks.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sprucehealth/voicesurvey/console"
	"github.com/sprucehealth/voicesurvey/dispatcher"
	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/relay"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/telephony"
	"github.com/sprucehealth/voicesurvey/tracker"
)

// Config controls how webhooks are answered and checked
type Config struct {
	// PublicBaseURL is the externally visible origin, used to rebuild signed URLs
	PublicBaseURL string
	// StreamURL is the websocket origin handed to the carrier for media streams
	StreamURL string
	// AuthToken validates X-Twilio-Signature when ValidateSignatures is set
	AuthToken          string
	ValidateSignatures bool
	DefaultRegion      string
}

// Server routes HTTP requests to the dispatcher, tracker and media handler
type Server struct {
	store      store.Store
	tracker    *tracker.Tracker
	dispatcher *dispatcher.Dispatcher
	media      http.Handler
	tokens     *relay.TokenIssuer
	console    *console.ConsoleServer
	cfg        Config
}

// Option configures a Server
type Option func(*Server)

// WithTokenIssuer makes answer documents carry a media stream join token
func WithTokenIssuer(ti *relay.TokenIssuer) Option {
	return func(s *Server) { s.tokens = ti }
}

// WithConsole mounts the simulated carrier console under /simulator
func WithConsole(cs *console.ConsoleServer) Option {
	return func(s *Server) { s.console = cs }
}

func NewServer(st store.Store, t *tracker.Tracker, d *dispatcher.Dispatcher, media http.Handler, cfg Config, opts ...Option) *Server {
	cfg.PublicBaseURL = strings.TrimSuffix(cfg.PublicBaseURL, "/")
	cfg.StreamURL = strings.TrimSuffix(cfg.StreamURL, "/")
	s := &Server{
		store:      st,
		tracker:    t,
		dispatcher: d,
		media:      media,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine serving every route
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	surveys := r.Group("/surveys")
	surveys.POST("", s.createSurvey)
	surveys.GET("/:id", s.getSurvey)
	surveys.POST("/:id/activate", s.setSurveyStatus(true))
	surveys.POST("/:id/close", s.setSurveyStatus(false))
	surveys.POST("/:id/contacts", s.addContacts)
	surveys.GET("/:id/calls", s.listCalls)

	campaigns := r.Group("/campaigns")
	campaigns.POST("/launch", s.launchCampaign)
	campaigns.GET("/:id/status", s.campaignStatus)
	campaigns.POST("/:id/cancel", s.cancelCampaign)

	r.POST("/callbacks/request", s.requestCallback)

	hooks := r.Group("")
	if s.cfg.ValidateSignatures {
		hooks.Use(requireSignature(s.cfg.AuthToken, s.cfg.PublicBaseURL))
	}
	hooks.GET(telephony.VoicePath, s.voiceWebhook)
	hooks.POST(telephony.VoicePath, s.voiceWebhook)
	hooks.POST(telephony.StatusPath, s.statusWebhook)
	hooks.POST(telephony.RecordingPath, s.recordingWebhook)

	if s.console != nil {
		s.console.Register(r.Group("/simulator"))
	}
	if s.media != nil {
		r.GET(telephony.MediaPath, gin.WrapH(s.media))
	}
	return r
}

// writeError maps domain errors onto HTTP statuses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dispatcher.ErrSurveyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatcher.ErrSurveyNotActive),
		errors.Is(err, dispatcher.ErrNoContacts),
		errors.Is(err, telephony.ErrInvalidPhone),
		errors.Is(err, model.ErrInvalidSurvey),
		errors.Is(err, model.ErrInvalidQuestion):
		status = http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrAlreadyRunning), errors.Is(err, store.ErrExists):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
