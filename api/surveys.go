// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sprucehealth/voicesurvey/model"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/telephony"
)

type createSurveyInput struct {
	OwnerID   string            `json:"owner_id"`
	Title     string            `json:"title" binding:"required"`
	Questions []model.Question  `json:"questions" binding:"required,min=1"`
	Voice     model.VoiceConfig `json:"voice"`
}

func (s *Server) createSurvey(c *gin.Context) {
	var in createSurveyInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	survey := &model.Survey{
		ID:        model.NewID(),
		OwnerID:   in.OwnerID,
		Title:     in.Title,
		Questions: in.Questions,
		Status:    model.SurveyDraft,
		Voice:     in.Voice,
	}
	if err := survey.Validate(); err != nil {
		writeError(c, err)
		return
	}
	if err := s.store.CreateSurvey(c, survey); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, survey)
}

func (s *Server) getSurvey(c *gin.Context) {
	survey, err := s.store.GetSurvey(c, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, survey)
}

// setSurveyStatus activates or closes a survey. Closing also cancels its running campaign.
func (s *Server) setSurveyStatus(activate bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		survey, err := s.store.UpdateSurvey(c, id, func(sv *model.Survey) error {
			if !activate {
				sv.Status = model.SurveyClosed
				return nil
			}
			if len(sv.Questions) == 0 {
				return fmt.Errorf("%w: a survey needs questions to be activated", model.ErrInvalidSurvey)
			}
			sv.Status = model.SurveyActive
			return nil
		})
		if err != nil {
			writeError(c, err)
			return
		}
		if !activate && s.dispatcher.Cancel(id) {
			log.Printf("survey=%s campaign cancelled on close", id)
		}
		c.JSON(http.StatusOK, survey)
	}
}

type contactInput struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

type addContactsInput struct {
	Contacts []contactInput `json:"contacts" binding:"required,min=1,dive"`
}

type rejectedContact struct {
	PhoneNumber string `json:"phone_number"`
	Reason      string `json:"reason"`
}

// addContacts bulk-loads contacts. Invalid numbers are reported back and
// numbers already on the survey are skipped.
func (s *Server) addContacts(c *gin.Context) {
	surveyID := c.Param("id")
	var in addContactsInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.store.GetSurvey(c, surveyID); err != nil {
		writeError(c, err)
		return
	}

	added := []*model.Contact{}
	rejected := []rejectedContact{}
	for _, ci := range in.Contacts {
		phone, err := telephony.NormalizePhone(ci.PhoneNumber, s.cfg.DefaultRegion)
		if err != nil {
			rejected = append(rejected, rejectedContact{PhoneNumber: ci.PhoneNumber, Reason: err.Error()})
			continue
		}
		_, err = s.store.FindContactByPhone(c, surveyID, phone)
		if err == nil {
			rejected = append(rejected, rejectedContact{PhoneNumber: ci.PhoneNumber, Reason: "already on this survey"})
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(c, err)
			return
		}
		contact := &model.Contact{
			ID:          model.NewID(),
			SurveyID:    surveyID,
			PhoneNumber: phone,
			Name:        ci.Name,
			Source:      model.SourceBulk,
		}
		if err := s.store.AddContact(c, contact); err != nil {
			writeError(c, err)
			return
		}
		added = append(added, contact)
	}
	c.JSON(http.StatusCreated, gin.H{"added": added, "rejected": rejected})
}

func (s *Server) listCalls(c *gin.Context) {
	surveyID := c.Param("id")
	if _, err := s.store.GetSurvey(c, surveyID); err != nil {
		writeError(c, err)
		return
	}
	calls, err := s.store.ListCallsBySurvey(c, surveyID)
	if err != nil {
		writeError(c, err)
		return
	}
	if calls == nil {
		calls = []*model.CallAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

type launchInput struct {
	SurveyID string `json:"survey_id" binding:"required"`
	TestMode bool   `json:"test_mode"`
}

func (s *Server) launchCampaign(c *gin.Context) {
	var in launchInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.dispatcher.Launch(c, in.SurveyID, in.TestMode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) campaignStatus(c *gin.Context) {
	st, err := s.dispatcher.Stats(c, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) cancelCampaign(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": s.dispatcher.Cancel(c.Param("id"))})
}

type callbackInput struct {
	SurveyID    string `json:"survey_id" binding:"required"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

func (s *Server) requestCallback(c *gin.Context) {
	var in callbackInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact, err := s.dispatcher.RequestCallback(c, in.SurveyID, in.Name, in.PhoneNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"contact": contact})
}
