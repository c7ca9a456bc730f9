package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/webhook"
	"github.com/stupiduntilnot/chatrelay/internal/whatsapp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadWebhookConfig()
	if err != nil {
		log.Fatalf("[webhook] %v", err)
	}

	database, err := db.OpenDB(cfg.Relay.DBPath)
	if err != nil {
		log.Fatalf("[webhook] %v", err)
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		log.Fatalf("[webhook] failed to init schema: %v", err)
	}
	journal := db.NewJournal(database)

	var processEventID *int64
	id, err := journal.LogEvent(nil, db.EventProcessStarted, map[string]any{
		"role":      "webhook",
		"pid":       os.Getpid(),
		"provider":  cfg.LLM.Provider,
		"addr":      cfg.Addr,
		"window":    cfg.Relay.ContextWindow,
		"use_ctx":   cfg.Relay.UseContext,
		"llm_model": cfg.LLM.Model,
	})
	if err != nil {
		log.Printf("[webhook] failed to log process.started: %v", err)
	} else {
		processEventID = &id
	}

	provider, err := newModelProvider(cfg.LLM)
	if err != nil {
		log.Fatalf("[webhook] failed to init model provider: %v", err)
	}
	svc := relay.NewService(history.NewBuffer(), provider, journal, relay.Options{
		WindowSize: cfg.Relay.ContextWindow,
		UseContext: cfg.Relay.UseContext,
		ModelName:  cfg.LLM.Model,
	})
	sender := whatsapp.NewClient(cfg.GraphURL, cfg.PhoneID, cfg.WhatsAppToken, time.Duration(cfg.SendTimeoutSeconds)*time.Second)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           webhook.NewRouter(webhook.NewHandler(svc, sender, journal, processEventID)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[webhook] listening addr=%s path=%s provider=%s", cfg.Addr, webhook.Path, cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("[webhook] server error: %v", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[webhook] shutdown error: %v", err)
	}
	log.Printf("[webhook] stopped")
}

func newModelProvider(cfg config.LLMConfig) (modelpkg.Provider, error) {
	switch cfg.Provider {
	case "openai":
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		return openai.NewClient(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, timeout), nil
	case "dummy":
		return dummy.NewProvider(cfg.Model, cfg.DummyScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.Provider)
	}
}
