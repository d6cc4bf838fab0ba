// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"path/filepath"

	"github.com/voxtype/voxtype/internal/asr"
	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/config"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/hotkey"
	"github.com/voxtype/voxtype/internal/pipeline"
	"github.com/voxtype/voxtype/internal/record"
)

// ApplySettings diffs the committed settings document against the previous
// one and re-applies only what changed:
//
//   - the ASR supervisor restarts only when the effective model changed;
//   - hotkey registration is re-applied, scoped to the dispatcher's own
//     list, only when the shortcuts changed;
//   - the recorder is rebuilt only while idle.
//
// Settings are never mutated from here: the document on disk is the single
// source of truth and this is a read-only consumer.
func (a *App) ApplySettings(next *config.Settings) {
	a.mu.Lock()
	prev := a.lastSettings
	a.lastSettings = next

	modelChanged := config.ModelChanged(prev, next)
	hotkeysChanged := config.HotkeysChanged(prev, next)

	switch {
	case a.asrSup == nil && len(next.ASR.RunnerCmd) > 0:
		sup, err := asr.New(asr.Config{
			RunnerCmd: next.ASR.RunnerCmd,
			ModelID:   next.ASR.ModelID,
			ModelDir:  next.ASR.ModelDir,
			Device:    next.ASR.Device,
			Resident:  a.env.ASRResident,
			Logger:    a.logger,
		})
		if err != nil {
			if a.logger != nil {
				a.logger.Error("asr supervisor not created", "error", err)
			}
		} else {
			a.asrSup = sup
		}

	case a.asrSup != nil && modelChanged:
		a.asrSup.RestartIfModelChanged(context.Background(), next.ASR.ModelID, next.ASR.ModelDir)
	}

	if a.recorder == nil || !a.recorder.Active() {
		if recorderConfigChanged(prev, next) || a.recorder == nil {
			a.recorder = record.New(record.Config{
				FFmpegPath: next.FFmpegPath,
				SampleRate: next.Preprocess.TargetSampleHz,
				TmpDir:     filepath.Join(a.env.DataDir, "work"),
				Logger:     a.logger,
			}, a.assets, a.tracer)
		}
	}
	a.mu.Unlock()

	if a.disp != nil && (prev == nil || hotkeysChanged) {
		enabled := next.Hotkeys.Enabled != nil && *next.Hotkeys.Enabled
		err := a.disp.Apply(hotkey.Settings{
			Enabled: enabled,
			PTT:     next.Hotkeys.PTT,
			Toggle:  next.Hotkeys.Toggle,
		})
		if err != nil && a.logger != nil {
			a.logger.Error("hotkey registration failed", "error", err)
		}
	}
}

func recorderConfigChanged(prev, next *config.Settings) bool {
	if prev == nil {
		return true
	}
	return prev.FFmpegPath != next.FFmpegPath ||
		prev.Preprocess.TargetSampleHz != next.Preprocess.TargetSampleHz
}

// ASRState exposes the supervisor state for diagnostics.
func (a *App) ASRState() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.asrSup == nil {
		return "unconfigured"
	}
	return a.asrSup.State().String()
}

// --- hotkey driver ---------------------------------------------------------

// driver implements hotkey.Driver against the app's collaborators: it is
// the press-to-pipeline glue.
type driver struct{ a *App }

// OpenSession snapshots context per the current policy flags and opens the
// recording session that freezes it.
func (d driver) OpenSession(ctx context.Context) (string, error) {
	opts, err := d.a.resolve()
	if err != nil {
		return "", err
	}

	policy := capture.Policy{
		IncludeHistory:    opts.Context.IncludeHistory,
		IncludeClipboard:  opts.Context.IncludeClipboard,
		IncludeWindow:     opts.Context.IncludeWindow,
		IncludeScreenshot: opts.Context.IncludeScreenshot,
		HistoryLimit:      opts.Context.HistoryLimit,
		ClipboardMaxChars: opts.Context.ClipboardMaxChars,
		ScreenshotMaxEdge: d.a.env.ScreenshotMaxEdge,
	}
	pack, err := d.a.collector.Collect(ctx, policy)
	if err != nil {
		return "", err
	}
	return d.a.sessions.Open(pack), nil
}

func (d driver) StartRecording(ctx context.Context) (string, error) {
	return d.a.StartBackendRecording(ctx)
}

// FinishAndStart stops the capture and hands the asset to the pipeline,
// bound to the press-time session.
func (d driver) FinishAndStart(_ context.Context, recordingID, sessionID string) error {
	res, err := d.a.StopBackendRecording(recordingID)
	if err != nil {
		return err
	}
	_, err = d.a.StartTask(pipeline.StartRequest{
		TriggerSource:      pipeline.TriggerHotkey,
		RecordMode:         pipeline.ModeRecordingAsset,
		RecordingAssetID:   res.RecordingAssetID,
		RecordingSessionID: sessionID,
	})
	if err != nil {
		// The asset stays leased; the janitor reclaims it if nothing else
		// consumes it.
		return err
	}
	return nil
}

func (d driver) AbortRecording(recordingID string) {
	_ = d.a.AbortBackendRecording(recordingID)
}

func (d driver) AbortSession(sessionID string) {
	d.a.AbortRecordingSession(sessionID)
}

func (d driver) CancelActiveTask() {
	if id := d.a.orch.ActiveTaskID(); id != "" {
		if err := d.a.CancelTask(id); err != nil && fault.CodeOf(err) != fault.CodeCmdCancel {
			if d.a.logger != nil {
				d.a.logger.Warn("cancel active task failed", "error", err)
			}
		}
	}
}
