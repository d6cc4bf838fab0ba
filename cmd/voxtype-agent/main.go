// SPDX-License-Identifier: MIT

// Package main implements voxtype-agent, the resident voice-typing daemon.
//
// The agent loads the settings document, takes the data-directory lock,
// wires the task orchestration core and runs the background services —
// hotkey dispatcher and settings watcher — under one supervision tree
// until SIGINT/SIGTERM.
//
// Usage:
//
//	voxtype-agent [options]
//
// Options:
//
//	--data-dir=PATH   Data directory (default: $VOXTYPE_DATA_DIR or ~/.voxtype)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help            Show this help message
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxtype/voxtype/internal/app"
	"github.com/voxtype/voxtype/internal/hotkey"
	"github.com/voxtype/voxtype/internal/lock"
	"github.com/voxtype/voxtype/internal/pipeline"
	"github.com/voxtype/voxtype/internal/svc"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	dataDir  = flag.String("data-dir", "", "Data directory (default: $VOXTYPE_DATA_DIR or ~/.voxtype)")
	logLevel = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	logger.Info("voxtype-agent starting", "version", Version, "commit", Commit, "built", BuildTime)

	env := app.EnvFromOS()
	if *dataDir != "" {
		env.DataDir = *dataDir
	}

	if err := run(env, logger); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func run(env app.Env, logger *slog.Logger) error {
	instance := lock.New(env.DataDir)
	if err := instance.Acquire(); err != nil {
		return fmt.Errorf("another agent owns this data directory: %w", err)
	}
	defer func() { _ = instance.Release() }()

	// Platform collaborators are wired by the desktop shell build; the
	// bare agent runs with the inert defaults and reports degraded
	// features through their stable codes.
	a, err := app.New(app.Options{
		Env:    env,
		Logger: logger,
		Events: &logSink{logger: logger},
	})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tree := svc.NewTree("voxtype-agent", logger)
	for _, s := range a.Services(ctx) {
		tree.Add(s)
	}

	logger.Info("agent running", "data_dir", env.DataDir)
	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// logSink mirrors core events onto the structured log; the desktop shell
// replaces it with the UI bridge.
type logSink struct {
	logger *slog.Logger
}

func (s *logSink) TaskEvent(ev pipeline.Event) {
	s.logger.Info("task_event",
		"task_id", ev.TaskID, "stage", string(ev.Stage), "status", string(ev.Status),
		"error_code", ev.ErrorCode)
}

func (s *logSink) TaskDone(d pipeline.Done) {
	payload, _ := json.Marshal(d)
	s.logger.Info("task_done", "payload", string(payload))
}

func (s *logSink) HotkeyRecord(ev hotkey.RecordEvent) {
	s.logger.Info("hotkey_record",
		"kind", string(ev.Kind), "state", string(ev.State),
		"capture_status", ev.CaptureStatus, "capture_error_code", ev.CaptureErrorCode)
}

func (s *logSink) OverlayState(st hotkey.OverlayState) {
	s.logger.Debug("overlay_state", "state", string(st))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
