// SPDX-License-Identifier: MIT

// Package app wires the core together and exposes the command surface the
// outer layers (CLI, UI bridge) call: start_task, cancel_task, the backend
// recording commands, session abort, toolchain status and export_text.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxtype/voxtype/internal/asr"
	"github.com/voxtype/voxtype/internal/asset"
	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/config"
	"github.com/voxtype/voxtype/internal/export"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/history"
	"github.com/voxtype/voxtype/internal/hotkey"
	"github.com/voxtype/voxtype/internal/pipeline"
	"github.com/voxtype/voxtype/internal/record"
	"github.com/voxtype/voxtype/internal/rewrite"
	"github.com/voxtype/voxtype/internal/session"
	"github.com/voxtype/voxtype/internal/svc"
	"github.com/voxtype/voxtype/internal/templates"
	"github.com/voxtype/voxtype/internal/toolchain"
	"github.com/voxtype/voxtype/internal/trace"
)

// EventSink receives everything the core emits outward.
type EventSink interface {
	TaskEvent(pipeline.Event)
	TaskDone(pipeline.Done)
	HotkeyRecord(hotkey.RecordEvent)
	OverlayState(hotkey.OverlayState)
}

// Platform bundles the per-platform collaborators. Any of them may be nil;
// the corresponding feature degrades with its stable code instead of
// crashing.
type Platform struct {
	Hook    hotkey.Hook
	Paste   export.PasteBackend
	Focus   export.FocusProber
	Overlay export.OverlayHider
	Windows capture.WindowSource
}

// Options configures App construction.
type Options struct {
	Env      Env
	Logger   *slog.Logger
	Events   EventSink
	Platform Platform
}

// App owns the core's state and collaborators.
type App struct {
	env    Env
	logger *slog.Logger
	events EventSink

	loader    *config.Loader
	tracer    *trace.Tracer
	metrics   *trace.Metrics
	assets    *asset.Registry
	sessions  *session.Registry
	hist      *history.Store
	templates *templates.Store
	collector *capture.Collector
	exporter  *export.Performer
	orch      *pipeline.Orchestrator
	disp      *hotkey.Dispatcher

	mu           sync.Mutex
	asrSup       *asr.Supervisor
	recorder     *record.Recorder
	lastSettings *config.Settings
}

// StopRecordingResult is the reply of stop_backend_recording.
type StopRecordingResult struct {
	RecordingID      string `json:"recording_id"`
	RecordingAssetID string `json:"recording_asset_id"`
	Ext              string `json:"ext"`
}

// New builds the application rooted at the environment's data directory.
func New(opts Options) (*App, error) {
	env := opts.Env
	if err := os.MkdirAll(env.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a := &App{
		env:    env,
		logger: opts.Logger,
		events: opts.Events,
	}

	var err error
	a.loader, err = config.NewLoader(config.SettingsPath(env.DataDir))
	if err != nil {
		return nil, err
	}

	a.tracer, err = trace.New(trace.Options{
		Path:      trace.DefaultPath(env.DataDir),
		MaxBytes:  env.TraceMaxBytes,
		MaxFiles:  env.TraceMaxFiles,
		Backtrace: env.TraceBacktrace,
		Enabled:   env.TraceEnabled,
	})
	if err != nil {
		return nil, err
	}
	a.metrics, err = trace.NewMetrics(trace.DefaultMetricsPath(env.DataDir), env.TraceMaxBytes, env.TraceMaxFiles)
	if err != nil {
		return nil, err
	}

	a.hist, err = history.Open(filepath.Join(env.DataDir, "history.db"), 0, opts.Logger)
	if err != nil {
		return nil, err
	}
	a.templates, err = templates.Open(templates.Path(env.DataDir))
	if err != nil {
		return nil, err
	}

	a.assets = asset.NewRegistry(asset.DefaultLease, opts.Logger)
	a.sessions = session.NewRegistry()

	a.collector = &capture.Collector{
		Windows:   opts.Platform.Windows,
		History:   a.hist,
		Clipboard: capture.SystemClipboard{},
		Tracer:    a.tracer,
	}
	a.exporter = export.NewPerformer(opts.Platform.Paste, opts.Platform.Focus, opts.Platform.Overlay, opts.Logger)

	debug := pipeline.DebugOptions{}
	if env.DebugVerbose {
		debug = pipeline.DebugOptions{
			Dir:     filepath.Join(env.DataDir, "debug"),
			DumpASR: env.DebugDumpASR,
			DumpLLM: env.DebugDumpLLM,
		}
	}

	a.orch = pipeline.New(pipeline.Deps{
		Resolve:    a.resolve,
		Assets:     a.assets,
		Sessions:   a.sessions,
		ASR:        asrGate{a},
		Rewriter:   rewriterGate{a},
		History:    a.hist,
		Exporter:   a.exporter,
		Templates:  a.templates,
		Tracer:     a.tracer,
		Metrics:    a.metrics,
		Sink:       taskSink{a},
		Logger:     opts.Logger,
		FixtureDir: filepath.Join(env.DataDir, "fixtures"),
		WorkDir:    filepath.Join(env.DataDir, "work"),
		Debug:      debug,
		OnTerminal: a.onTerminal,
	})
	_ = os.MkdirAll(filepath.Join(env.DataDir, "work"), 0o750)

	if opts.Platform.Hook != nil {
		a.disp = hotkey.New(opts.Platform.Hook, driver{a}, hotkeySink{a}, opts.Logger)
	}

	// Apply the initial settings: ASR supervisor, recorder, hotkeys.
	settings, err := a.loader.Settings()
	if err != nil {
		return nil, err
	}
	a.ApplySettings(settings)

	return a, nil
}

// Close releases the app's resources.
func (a *App) Close() {
	a.mu.Lock()
	sup := a.asrSup
	a.mu.Unlock()
	if sup != nil {
		sup.Stop()
	}
	a.sessions.Shutdown()
	_ = a.hist.Close()
	_ = a.metrics.Close()
	_ = a.tracer.Close()
}

// resolve produces the immutable per-task snapshot.
func (a *App) resolve() (*config.StartOptions, error) {
	settings, err := a.loader.Settings()
	if err != nil {
		return nil, err
	}
	return config.ResolveStartOptions(settings)
}

// --- command surface -------------------------------------------------------

// StartTask begins a pipeline run.
func (a *App) StartTask(req pipeline.StartRequest) (string, error) {
	sp := a.tracer.Begin("CMD.start_task", trace.Ctx{"trigger": string(req.TriggerSource)})
	id, err := a.orch.Start(req)
	if err != nil {
		sp.Err(fault.CodeOf(err), err, nil)
		return "", err
	}
	sp.Ok(trace.Ctx{trace.KeyTaskID: id})
	return id, nil
}

// CancelTask trips the task's cancel token.
func (a *App) CancelTask(taskID string) error {
	return a.orch.Cancel(taskID)
}

// StartBackendRecording spawns the recorder subprocess.
func (a *App) StartBackendRecording(ctx context.Context) (string, error) {
	a.mu.Lock()
	rec := a.recorder
	a.mu.Unlock()
	if rec == nil {
		return "", fault.New(fault.CodeRecordUnsupported, "recorder is not configured")
	}
	return rec.Start(ctx)
}

// StopBackendRecording finalises the capture into a leased asset.
func (a *App) StopBackendRecording(recordingID string) (*StopRecordingResult, error) {
	a.mu.Lock()
	rec := a.recorder
	a.mu.Unlock()
	if rec == nil {
		return nil, fault.New(fault.CodeRecordUnsupported, "recorder is not configured")
	}
	assetID, ext, err := rec.Stop(recordingID)
	if err != nil {
		return nil, err
	}
	return &StopRecordingResult{RecordingID: recordingID, RecordingAssetID: assetID, Ext: ext}, nil
}

// AbortBackendRecording cancels the recorder without producing an asset.
func (a *App) AbortBackendRecording(recordingID string) error {
	a.mu.Lock()
	rec := a.recorder
	a.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Abort(recordingID)
}

// AbortRecordingSession discards an unconsumed session. Idempotent.
func (a *App) AbortRecordingSession(sessionID string) {
	a.sessions.Abort(sessionID)
}

// RuntimeToolchainStatus reports the preflight result.
func (a *App) RuntimeToolchainStatus(ctx context.Context) toolchain.Status {
	settings, err := a.loader.Settings()
	if err != nil {
		return toolchain.Status{Code: fault.CodeToolchainNotReady, Message: err.Error()}
	}
	return toolchain.Check(ctx, toolchain.Config{
		FFmpegPath: settings.FFmpegPath,
		RunnerDir:  settings.ASR.ModelDir,
		RunnerCmd:  settings.ASR.RunnerCmd,
	})
}

// ExportText copies text and optionally auto-pastes it.
func (a *App) ExportText(text string, autoPaste bool, target *export.WindowHint) export.Result {
	return a.exporter.Export(text, autoPaste, target)
}

// CheckHotkeyAvailability probes an OS-level shortcut registration.
func (a *App) CheckHotkeyAvailability(shortcut string, ignoreSelf bool) bool {
	if a.disp == nil {
		return false
	}
	return a.disp.CheckAvailability(shortcut, ignoreSelf)
}

// Services returns the long-lived background services for the supervision
// tree: the hotkey dispatcher and the settings watcher.
func (a *App) Services(ctx context.Context) []svc.Service {
	var services []svc.Service
	if a.disp != nil {
		services = append(services, svc.Func{ServiceName: "hotkey-dispatcher", Fn: a.disp.Run})
	}
	services = append(services, svc.Func{ServiceName: "settings-watcher", Fn: func(ctx context.Context) error {
		return a.loader.Watch(ctx,
			a.ApplySettings,
			func(err error) {
				if a.logger != nil {
					a.logger.Warn("settings reload failed, previous document stays active", "error", err)
				}
			})
	}})
	return services
}

// onTerminal re-arms the dispatcher once a task settles.
func (a *App) onTerminal(string) {
	if a.disp != nil {
		a.disp.TaskSettled()
	}
}

// --- sinks and gates -------------------------------------------------------

// taskSink forwards pipeline events outward.
type taskSink struct{ a *App }

func (s taskSink) TaskEvent(ev pipeline.Event) {
	if s.a.events != nil {
		s.a.events.TaskEvent(ev)
	}
}

func (s taskSink) TaskDone(d pipeline.Done) {
	if s.a.events != nil {
		s.a.events.TaskDone(d)
	}
}

// hotkeySink forwards dispatcher events outward.
type hotkeySink struct{ a *App }

func (s hotkeySink) RecordEvent(ev hotkey.RecordEvent) {
	if s.a.events != nil {
		s.a.events.HotkeyRecord(ev)
	}
}

func (s hotkeySink) OverlayState(st hotkey.OverlayState) {
	if s.a.events != nil {
		s.a.events.OverlayState(st)
	}
}

// asrGate defers to the current supervisor; an unconfigured runner is a
// typed refusal, not a nil dereference.
type asrGate struct{ a *App }

func (g asrGate) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	g.a.mu.Lock()
	sup := g.a.asrSup
	g.a.mu.Unlock()
	if sup == nil {
		return nil, fault.New(fault.CodeASRRunnerStartFailed, "asr runner is not configured")
	}
	return sup.Transcribe(ctx, req)
}

// rewriterGate builds the rewrite client from the endpoint coordinates
// frozen in the request, so endpoint changes between tasks need no
// replumbing and never redirect an in-flight call.
type rewriterGate struct{ a *App }

func (g rewriterGate) Rewrite(ctx context.Context, req rewrite.Request) (string, error) {
	return rewrite.FromRequest(req).Rewrite(ctx, req)
}
