package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	config "github.com/austin477/whatsapp-command-center/app/configs"
	"github.com/austin477/whatsapp-command-center/app/core/aiqueue"
	"github.com/austin477/whatsapp-command-center/app/core/intent"
	"github.com/austin477/whatsapp-command-center/app/core/scheduler"
	"github.com/austin477/whatsapp-command-center/app/core/store"
	"github.com/austin477/whatsapp-command-center/app/core/tracker"
	"github.com/austin477/whatsapp-command-center/app/pkg/logger"
	"github.com/austin477/whatsapp-command-center/app/pkg/types"
)

func main() {
	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	if err := logger.Init(cfg.LogDir); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Question tracker starting...")

	database, err := store.Open(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()

	st := store.New(database)
	classifier := intent.New(intent.Config{
		TrackedName: cfg.Tracked.Name,
		MentionIDs:  cfg.Tracked.MentionIDs,
	})

	client := aiqueue.NewClient(cfg.AI.Model, time.Duration(cfg.Queue.RequestTimeoutSec)*time.Second)
	queue := aiqueue.New(client, aiqueue.Options{
		BatchSize:      cfg.Queue.BatchSize,
		BatchWindow:    time.Duration(cfg.Queue.BatchWindowMs) * time.Millisecond,
		RateLimitDelay: time.Duration(cfg.Queue.RateLimitDelayMs) * time.Millisecond,
		RetryBaseDelay: time.Duration(cfg.Queue.RetryBaseDelayMs) * time.Millisecond,
		MaxRetries:     cfg.Queue.MaxRetries,
	})

	trk := tracker.New(classifier, st, queue, tracker.Options{
		CandidateFloor:      cfg.Tracker.CandidateFloor,
		AutoAcceptThreshold: cfg.Tracker.AutoAcceptThreshold,
		OverrideThreshold:   cfg.Tracker.OverrideThreshold,
		PromoteThreshold:    cfg.Tracker.PromoteThreshold,
		AnswerWindow:        time.Duration(cfg.Tracker.AnswerWindowHours) * time.Hour,
		EchoGuard:           time.Duration(cfg.Tracker.EchoGuardSec) * time.Second,
		OpenQuestionLimit:   cfg.Tracker.OpenQuestionLimit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobScheduler := scheduler.New()
	if err := jobScheduler.Register(scheduler.JobSpec{
		Name:     "reclassify_sweep",
		Interval: time.Duration(cfg.Tracker.SweepIntervalSec) * time.Second,
		Timeout:  5 * time.Minute,
		Run:      trk.ReclassifySweep,
	}); err != nil {
		logger.Error("Failed to register sweep job: %v", err)
		os.Exit(1)
	}
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}

	// The chat transport is external; this loop accepts messages as
	// JSON lines on stdin, one types.Message per line.
	go feedFromStdin(ctx, trk)

	logger.Info("Question tracker ready (tracked user: %s)", cfg.Tracked.Name)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	cancel()
	if err := jobScheduler.Stop(5 * time.Second); err != nil {
		logger.Warn("Scheduler stop: %v", err)
	}
	queue.Close()
	trk.Close()
	logger.Info("Shutdown complete")
}

func feedFromStdin(ctx context.Context, trk *tracker.Tracker) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn("stdin: skipping malformed message: %v", err)
			continue
		}
		if err := trk.HandleInbound(ctx, msg); err != nil {
			logger.Error("stdin: handle inbound failed: %v", err)
		}
	}
}
