package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stupiduntilnot/chatrelay/internal/bot"
	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	"github.com/stupiduntilnot/chatrelay/internal/history"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

func main() {
	cfg, err := config.LoadBotConfig()
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}

	database, err := db.OpenDB(cfg.Relay.DBPath)
	if err != nil {
		log.Fatalf("[bot] %v", err)
	}
	defer database.Close()

	if err := db.InitSchema(database); err != nil {
		log.Fatalf("[bot] failed to init schema: %v", err)
	}
	journal := db.NewJournal(database)

	var processEventID *int64
	id, err := journal.LogEvent(nil, db.EventProcessStarted, map[string]any{
		"role":      "bot",
		"pid":       os.Getpid(),
		"provider":  cfg.LLM.Provider,
		"source":    cfg.Commander,
		"window":    cfg.Relay.ContextWindow,
		"use_ctx":   cfg.Relay.UseContext,
		"llm_model": cfg.LLM.Model,
	})
	if err != nil {
		log.Printf("[bot] failed to log process.started: %v", err)
	} else {
		processEventID = &id
	}

	commander, err := newCommander(&cfg)
	if err != nil {
		log.Fatalf("[bot] failed to init commander: %v", err)
	}
	provider, err := newModelProvider(cfg.LLM)
	if err != nil {
		log.Fatalf("[bot] failed to init model provider: %v", err)
	}

	svc := relay.NewService(history.NewBuffer(), provider, journal, relay.Options{
		WindowSize: cfg.Relay.ContextWindow,
		UseContext: cfg.Relay.UseContext,
		ModelName:  cfg.LLM.Model,
	})
	b := bot.New(commander, svc, journal, processEventID, bot.Options{
		PollTimeout:          cfg.Timeout,
		Sleep:                time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:          cfg.DropPending,
		PendingWindowSeconds: cfg.PendingWindowSeconds,
		PendingMaxMessages:   cfg.PendingMaxMessages,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("[bot] started pid=%d commander=%s provider=%s", os.Getpid(), cfg.Commander, cfg.LLM.Provider)
	if err := b.Run(ctx); err != nil {
		log.Fatalf("[bot] %v", err)
	}
	log.Printf("[bot] stopped offset=%d", b.Offset())
}

func newCommander(cfg *config.BotConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+20)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
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
