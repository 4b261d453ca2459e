// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package telephony places outbound survey calls through a carrier REST API.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioopenapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Webhook paths served by the api package
const (
	VoicePath     = "/webhooks/twilio/voice"
	StatusPath    = "/webhooks/twilio/status"
	RecordingPath = "/webhooks/twilio/recording"
	MediaPath     = "/webhooks/media"
)

// Query parameters carried on every callback URL
const (
	ParamSurveyID  = "survey_id"
	ParamContactID = "contact_id"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// CallbackMetadata identifies the survey and contact a placed call belongs to
type CallbackMetadata struct {
	SurveyID  string
	ContactID string
}

// Placer places one outbound call and returns the carrier's call id
type Placer interface {
	PlaceCall(ctx context.Context, to string, meta CallbackMetadata) (string, error)
}

// CallCreator is the slice of the carrier REST API the placer needs. It is
// satisfied by the twilio-go ApiService and by the carrier simulator.
type CallCreator interface {
	CreateCall(params *twilioopenapi.CreateCallParams) (*twilioopenapi.ApiV2010Call, error)
}

// Config describes how calls are placed
type Config struct {
	AccountSID string
	From       string
	// PublicBaseURL is where the carrier reaches our webhooks, e.g. https://surveys.example.com
	PublicBaseURL string
	// RingTimeout in seconds, 0 leaves the carrier default
	RingTimeout int
	Record      bool
}

// TwilioPlacer places calls with twilio-go CreateCallParams
type TwilioPlacer struct {
	api CallCreator
	cfg Config
}

// NewTwilioClient returns the REST call service for the given credentials
func NewTwilioClient(accountSID, authToken string) CallCreator {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	}).Api
}

func NewTwilioPlacer(api CallCreator, cfg Config) *TwilioPlacer {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &TwilioPlacer{api: api, cfg: cfg}
}

func (p *TwilioPlacer) PlaceCall(ctx context.Context, to string, meta CallbackMetadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioopenapi.CreateCallParams{}
	params.SetTo(to).
		SetFrom(p.cfg.From).
		SetUrl(p.CallbackURL(VoicePath, meta)).
		SetStatusCallback(p.CallbackURL(StatusPath, meta)).
		SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"}).
		SetStatusCallbackMethod("POST")
	if p.cfg.AccountSID != "" {
		params.SetPathAccountSid(p.cfg.AccountSID)
	}
	if p.cfg.RingTimeout > 0 {
		params.SetTimeout(p.cfg.RingTimeout)
	}
	if p.cfg.Record {
		params.SetRecord(true).
			SetRecordingStatusCallback(p.CallbackURL(RecordingPath, meta)).
			SetRecordingStatusCallbackEvent([]string{"completed"})
	}

	resp, err := p.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", to, err)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("create call to %s: response without sid", to)
	}
	return *resp.Sid, nil
}

// CallbackURL builds an absolute webhook URL carrying the call's metadata
func (p *TwilioPlacer) CallbackURL(path string, meta CallbackMetadata) string {
	q := url.Values{}
	q.Set(ParamSurveyID, meta.SurveyID)
	q.Set(ParamContactID, meta.ContactID)
	return p.cfg.PublicBaseURL + path + "?" + q.Encode()
}

// IsCarrierRejection reports whether err is the carrier refusing the request,
// as opposed to the request never reaching it.
func IsCarrierRejection(err error) bool {
	var restErr *client.TwilioRestError
	return errors.As(err, &restErr)
}

// NormalizePhone returns number in E.164. Numbers without a leading + are
// parsed in region, and rejected when region is empty.
func NormalizePhone(number, region string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}
	if !strings.HasPrefix(number, "+") && region == "" {
		return "", fmt.Errorf("%w: %q has no country code and no default region is configured", ErrInvalidPhone, number)
	}
	num, err := phonenumbers.Parse(number, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPhone, number, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, number)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
