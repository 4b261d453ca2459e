// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Command surveycalld runs the outbound voice survey service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sprucehealth/voicesurvey/api"
	"github.com/sprucehealth/voicesurvey/carriersim"
	"github.com/sprucehealth/voicesurvey/config"
	"github.com/sprucehealth/voicesurvey/console"
	"github.com/sprucehealth/voicesurvey/dispatcher"
	"github.com/sprucehealth/voicesurvey/httpstub"
	"github.com/sprucehealth/voicesurvey/llm"
	"github.com/sprucehealth/voicesurvey/mapper"
	"github.com/sprucehealth/voicesurvey/media"
	"github.com/sprucehealth/voicesurvey/pipeline"
	"github.com/sprucehealth/voicesurvey/relay"
	"github.com/sprucehealth/voicesurvey/store"
	"github.com/sprucehealth/voicesurvey/telephony"
	"github.com/sprucehealth/voicesurvey/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()
	tr := tracker.New(st)

	var (
		creator telephony.CallCreator
		apiOpts []api.Option
	)
	if cfg.SimulateCarrier {
		sim := carriersim.New(
			carriersim.WithWebhookClient(httpstub.NewDefaultWebhookClient(10*time.Second, cfg.TwilioAuthToken)),
			carriersim.WithAccountSID(cfg.TwilioAccountSID),
		)
		defer sim.Close()
		creator = sim
		apiOpts = append(apiOpts, api.WithConsole(console.NewConsoleServer(sim)))
		log.Println("Placing calls against the simulated carrier")
	} else {
		creator = telephony.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	}
	placer := telephony.NewTwilioPlacer(creator, telephony.Config{
		AccountSID:    cfg.TwilioAccountSID,
		From:          cfg.TwilioFromNumber,
		PublicBaseURL: cfg.PublicBaseURL,
		RingTimeout:   cfg.RingTimeout,
		Record:        cfg.RecordCalls,
	})

	d := dispatcher.New(st, tr, placer, dispatcher.Config{
		InterCallDelay:  cfg.InterCallDelay,
		PerCallEstimate: cfg.PerCallEstimate,
		CampaignTimeout: cfg.CampaignTimeout,
		MaxRetries:      cfg.MaxRetries,
		DefaultRegion:   cfg.DefaultPhoneRegion,
	})

	var llmClient *llm.Client
	if cfg.LLMAPIKey != "" {
		llmClient = llm.NewClient(&http.Client{Timeout: cfg.MapperTimeout}, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	}
	mapperOpts := []mapper.Option{mapper.WithTimeout(cfg.MapperTimeout)}
	if llmClient != nil {
		mapperOpts = append(mapperOpts, mapper.WithModel(llm.NewMapperModel(llmClient)))
	}

	mediaOpts := []media.Option{
		media.WithClassifier(llm.NewConsentClassifier(llmClient)),
		media.WithMapper(mapper.New(mapperOpts...)),
		media.WithMaxDuration(cfg.MaxCallDuration),
		media.WithMapperTimeout(cfg.MapperTimeout),
	}
	if cfg.ModelDriven {
		mediaOpts = append(mediaOpts, media.WithModelDriven())
	}
	if cfg.RelaySecret != "" {
		ti := relay.NewTokenIssuer("surveycalld", cfg.RelaySecret, cfg.RelayTTL)
		mediaOpts = append(mediaOpts, media.WithTokenIssuer(ti))
		apiOpts = append(apiOpts, api.WithTokenIssuer(ti))
	}
	mh := media.NewHandler(st, tr, media.RealtimeDialer(pipeline.Config{
		URL:         cfg.RealtimeURL,
		APIKey:      cfg.RealtimeAPIKey,
		Model:       cfg.RealtimeModel,
		Voice:       cfg.RealtimeVoice,
		AudioFormat: cfg.RealtimeFormat,
	}), mediaOpts...)

	srv := api.NewServer(st, tr, d, mh, api.Config{
		PublicBaseURL:      cfg.PublicBaseURL,
		StreamURL:          cfg.StreamURL(),
		AuthToken:          cfg.TwilioAuthToken,
		ValidateSignatures: cfg.ValidateSignatures,
		DefaultRegion:      cfg.DefaultPhoneRegion,
	}, apiOpts...)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Listening on %s (public %s)", httpSrv.Addr, cfg.PublicBaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := d.Close(); err != nil {
		log.Printf("Dispatcher shutdown: %v", err)
	}
	if err := mh.Shutdown(ctx); err != nil {
		log.Printf("Media shutdown: %v", err)
	}
}

func openStore(cfg *config.Config) (store.Store, func(), error) {
	if cfg.RedisURL == "" {
		log.Println("Using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return store.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
}
