// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package config loads service settings from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds every setting of the service
type Config struct {
	Port string `mapstructure:"port"`
	// PublicBaseURL is where the carrier reaches our webhooks, e.g. https://calls.example.com
	PublicBaseURL      string `mapstructure:"public_base_url"`
	ValidateSignatures bool   `mapstructure:"validate_signatures"`

	TwilioAccountSID string `mapstructure:"twilio_account_sid"`
	TwilioAuthToken  string `mapstructure:"twilio_auth_token"`
	TwilioFromNumber string `mapstructure:"twilio_from_number"`
	RingTimeout      int    `mapstructure:"ring_timeout"`
	RecordCalls      bool   `mapstructure:"record_calls"`
	// SimulateCarrier places calls against the in-process carrier simulator
	SimulateCarrier bool `mapstructure:"simulate_carrier"`

	// RedisURL selects the redis store. Empty keeps everything in memory.
	RedisURL string `mapstructure:"redis_url"`

	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMAPIKey  string `mapstructure:"llm_api_key"`
	LLMModel   string `mapstructure:"llm_model"`

	RealtimeURL    string `mapstructure:"realtime_url"`
	RealtimeAPIKey string `mapstructure:"realtime_api_key"`
	RealtimeModel  string `mapstructure:"realtime_model"`
	RealtimeVoice  string `mapstructure:"realtime_voice"`
	RealtimeFormat string `mapstructure:"realtime_format"`

	// ModelDriven lets the realtime model run the conversation through tool calls
	ModelDriven bool `mapstructure:"model_driven"`

	// RelaySecret signs media stream join tokens. Empty disables them.
	RelaySecret string        `mapstructure:"relay_secret"`
	RelayTTL    time.Duration `mapstructure:"relay_ttl"`

	InterCallDelay     time.Duration `mapstructure:"inter_call_delay"`
	PerCallEstimate    time.Duration `mapstructure:"per_call_estimate"`
	MapperTimeout      time.Duration `mapstructure:"mapper_timeout"`
	CampaignTimeout    time.Duration `mapstructure:"campaign_timeout"`
	MaxCallDuration    time.Duration `mapstructure:"max_call_duration"`
	MaxRetries         int           `mapstructure:"max_retries"`
	DefaultPhoneRegion string        `mapstructure:"default_phone_region"`
}

var defaults = map[string]any{
	"port":                 "8080",
	"public_base_url":      "",
	"validate_signatures":  false,
	"twilio_account_sid":   "",
	"twilio_auth_token":    "",
	"twilio_from_number":   "",
	"ring_timeout":         30,
	"record_calls":         true,
	"simulate_carrier":     false,
	"redis_url":            "",
	"llm_base_url":         "https://api.openai.com/v1",
	"llm_api_key":          "",
	"llm_model":            "gpt-4o-mini",
	"realtime_url":         "wss://api.openai.com/v1/realtime",
	"realtime_api_key":     "",
	"realtime_model":       "gpt-4o-realtime-preview",
	"realtime_voice":       "alloy",
	"realtime_format":      "g711_ulaw",
	"model_driven":         false,
	"relay_secret":         "",
	"relay_ttl":            "15m",
	"inter_call_delay":     "2s",
	"per_call_estimate":    "3m",
	"mapper_timeout":       "30s",
	"campaign_timeout":     "6h",
	"max_call_duration":    "5m",
	"max_retries":          2,
	"default_phone_region": "",
}

// Load reads .env files when present, then the environment. Keys are the upper-cased
// field names, e.g. INTER_CALL_DELAY=5s.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
		log.Println("config: no .env file found, using environment variables")
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// FromViper decodes and validates the settings held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would only fail later, mid-campaign
func (c *Config) Validate() error {
	c.PublicBaseURL = strings.TrimSuffix(c.PublicBaseURL, "/")
	if c.PublicBaseURL != "" && !strings.HasPrefix(c.PublicBaseURL, "https://") && !strings.HasPrefix(c.PublicBaseURL, "http://") {
		return fmt.Errorf("PUBLIC_BASE_URL %q must be an http(s) URL", c.PublicBaseURL)
	}
	if !c.SimulateCarrier && c.TwilioAccountSID != "" && c.TwilioFromNumber == "" {
		return fmt.Errorf("TWILIO_FROM_NUMBER is required with TWILIO_ACCOUNT_SID")
	}
	if c.ValidateSignatures && c.TwilioAuthToken == "" {
		return fmt.Errorf("VALIDATE_SIGNATURES requires TWILIO_AUTH_TOKEN")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"INTER_CALL_DELAY":  c.InterCallDelay,
		"PER_CALL_ESTIMATE": c.PerCallEstimate,
		"MAPPER_TIMEOUT":    c.MapperTimeout,
		"CAMPAIGN_TIMEOUT":  c.CampaignTimeout,
		"MAX_CALL_DURATION": c.MaxCallDuration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

// StreamURL is the websocket address the carrier streams call audio to
func (c *Config) StreamURL() string {
	switch {
	case strings.HasPrefix(c.PublicBaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.PublicBaseURL, "https://")
	case strings.HasPrefix(c.PublicBaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.PublicBaseURL, "http://")
	default:
		return c.PublicBaseURL
	}
}
