// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package console exposes the simulated carrier for inspection and control
// while running against it: list calls, script numbers, hang calls up.
package console

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"

	"github.com/sprucehealth/voicesurvey/carriersim"
)

// Simulator is the part of carriersim.Simulator the console drives
type Simulator interface {
	Snapshot() []carriersim.Call
	GetCall(callSID string) (carriersim.Call, bool)
	Hangup(callSID string) error
	Script(number string, sc carriersim.Script)
}

// ConsoleServer serves the simulator console routes
type ConsoleServer struct {
	sim Simulator
	now func() time.Time
}

// NewConsoleServer creates a console over sim
func NewConsoleServer(sim Simulator) *ConsoleServer {
	return &ConsoleServer{sim: sim, now: time.Now}
}

// Register mounts the console routes on r
func (cs *ConsoleServer) Register(r gin.IRouter) {
	r.GET("/snapshot", cs.handleSnapshot)
	r.GET("/calls/:sid", cs.handleCallDetail)
	r.POST("/calls/:sid/hangup", cs.handleHangup)
	r.PUT("/scripts/:number", cs.handleScript)
}

func (cs *ConsoleServer) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"calls":     cs.sim.Snapshot(),
		"timestamp": cs.now(),
	})
}

func (cs *ConsoleServer) handleCallDetail(c *gin.Context) {
	call, exists := cs.sim.GetCall(c.Param("sid"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, call)
}

func (cs *ConsoleServer) handleHangup(c *gin.Context) {
	if err := cs.sim.Hangup(c.Param("sid")); err != nil {
		var restErr *client.TwilioRestError
		if errors.As(err, &restErr) && restErr.Code == carriersim.ErrorCodeResourceNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type scriptInput struct {
	Outcome   carriersim.Outcome `json:"outcome" binding:"required"`
	RingFor   string             `json:"ring_for"`
	TalkFor   string             `json:"talk_for"`
	Recording bool               `json:"recording"`
}

// handleScript sets how a number behaves on its next call
func (cs *ConsoleServer) handleScript(c *gin.Context) {
	var in scriptInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch in.Outcome {
	case carriersim.OutcomeAnswer, carriersim.OutcomeBusy, carriersim.OutcomeNoAnswer,
		carriersim.OutcomeFail, carriersim.OutcomeReject:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown outcome " + string(in.Outcome)})
		return
	}
	sc := carriersim.Script{Outcome: in.Outcome, Recording: in.Recording}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{{in.RingFor, &sc.RingFor}, {in.TalkFor, &sc.TalkFor}} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		*d.dst = v
	}
	cs.sim.Script(c.Param("number"), sc)
	c.JSON(http.StatusOK, sc)
}
