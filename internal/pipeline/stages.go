// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/voxtype/voxtype/internal/asr"
	"github.com/voxtype/voxtype/internal/export"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/history"
	"github.com/voxtype/voxtype/internal/proc"
	"github.com/voxtype/voxtype/internal/rewrite"
	"github.com/voxtype/voxtype/internal/trace"
)

// runState accumulates what later stages need from earlier ones.
type runState struct {
	audioPath    string // raw audio delivered by Record
	audioExt     string
	cleanPath    string // preprocessed audio
	asrText      string
	finalText    string
	preprocessMs int64
	asrMs        int64
	rewriteMs    *int64
	asrMetrics   asr.RunMetrics
	templateID   string
}

// run executes the whole stage machine for one task. Every exit path emits
// exactly one terminal outcome; even an internal panic becomes a failed
// event rather than a silent death.
func (o *Orchestrator) run(ctx context.Context, t *task) {
	sp := o.deps.Tracer.Begin("CMD.start_task", trace.Ctx{
		trace.KeyTaskID:    t.id,
		trace.KeySessionID: t.req.RecordingSessionID,
		trace.KeyAssetID:   t.req.RecordingAssetID,
		"trigger":          string(t.req.TriggerSource),
		"mode":             string(t.req.RecordMode),
	})
	defer func() {
		if r := recover(); r != nil {
			if o.deps.Logger != nil {
				o.deps.Logger.Error("pipeline panic", "task_id", t.id, "panic", r)
			}
			err := fault.Newf(fault.CodeInternal, "internal failure: %v", r)
			sp.Err(fault.CodeInternal, err, nil)
			o.emit(Event{
				TaskID:    t.id,
				Stage:     StageRecord,
				Status:    StatusFailed,
				ErrorCode: fault.CodeInternal,
				Message:   err.Message,
			})
			o.settle(t)
		}
	}()

	// Bind the press-time context before any stage runs. A missing session
	// degrades to an empty pack: the task is still deliverable.
	if t.req.RecordingSessionID != "" {
		pack, err := o.deps.Sessions.Consume(t.req.RecordingSessionID)
		if err != nil {
			o.deps.Tracer.Event("SESSION.bind", "err", fault.CodeOf(err), err.Error(),
				trace.Ctx{trace.KeyTaskID: t.id, trace.KeySessionID: t.req.RecordingSessionID})
		} else {
			t.pack = pack
		}
	}

	state := &runState{}
	defer o.cleanupFiles(state)

	stages := []struct {
		stage    Stage
		nonFatal bool
		fn       func(context.Context, *task, *runState, *trace.Span) error
	}{
		{StageRecord, false, o.stageRecord},
		{StagePreprocess, false, o.stagePreprocess},
		{StageTranscribe, false, o.stageTranscribe},
		// Rewrite failure falls back to the ASR text; the task completes.
		{StageRewrite, true, o.stageRewrite},
		{StagePersist, false, o.stagePersist},
		{StageExport, false, o.stageExport},
	}

	for _, st := range stages {
		if st.stage == StageRewrite && !t.opts.RewriteEnabled {
			continue
		}
		outcome, code := o.runStage(ctx, t, state, st.stage, sp, st.nonFatal, st.fn)
		switch outcome {
		case stageTerminalCancelled:
			sp.Cancelled(nil)
			o.settle(t)
			return
		case stageTerminalFailed:
			sp.Err(code, nil, nil)
			o.settle(t)
			return
		}
	}

	done := Done{
		TaskID:         t.id,
		ASRText:        state.asrText,
		FinalText:      state.finalText,
		RTF:            state.asrMetrics.RTF,
		DeviceUsed:     state.asrMetrics.DeviceUsed,
		PreprocessMs:   state.preprocessMs,
		ASRMs:          state.asrMs,
		RewriteMs:      state.rewriteMs,
		RewriteEnabled: t.opts.RewriteEnabled,
		TemplateID:     state.templateID,
	}
	o.emitPerf(t, state)
	if o.deps.Sink != nil {
		o.deps.Sink.TaskDone(done)
	}
	sp.Ok(trace.Ctx{"rtf": state.asrMetrics.RTF, "device_used": state.asrMetrics.DeviceUsed})
	o.settle(t)
}

// stageOutcome is what the stage loop does next.
type stageOutcome int

const (
	stageContinue stageOutcome = iota
	stageTerminalFailed
	stageTerminalCancelled
)

// runStage wraps one stage with events, a span and cancel checks. The
// returned code accompanies terminal outcomes. A non-fatal stage reports
// its failure on the stage event and lets the loop continue; cancellation
// is terminal everywhere.
func (o *Orchestrator) runStage(ctx context.Context, t *task, state *runState, stage Stage, parent *trace.Span, nonFatal bool, fn func(context.Context, *task, *runState, *trace.Span) error) (stageOutcome, string) {
	stepID := "STAGE." + strings.ToLower(string(stage))

	if ctx.Err() != nil {
		o.emit(Event{TaskID: t.id, Stage: stage, Status: StatusCancelled, ErrorCode: fault.CodeCancelled, StepID: stepID})
		o.emitPerf(t, state)
		return stageTerminalCancelled, fault.CodeCancelled
	}

	o.emit(Event{TaskID: t.id, Stage: stage, Status: StatusStarted, StepID: stepID})
	sp := parent.Child(stepID, nil)
	start := time.Now()

	err := fn(ctx, t, state, sp)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case err == nil:
		sp.Ok(nil)
		o.emit(Event{TaskID: t.id, Stage: stage, Status: StatusCompleted, ElapsedMs: &elapsed, StepID: stepID})
		return stageContinue, ""

	case fault.CodeOf(err) == fault.CodeCancelled || errors.Is(err, context.Canceled):
		sp.Cancelled(nil)
		o.emit(Event{TaskID: t.id, Stage: stage, Status: StatusCancelled, ElapsedMs: &elapsed,
			ErrorCode: fault.CodeCancelled, StepID: stepID})
		o.emitPerf(t, state)
		return stageTerminalCancelled, fault.CodeCancelled

	default:
		code := fault.CodeOf(err)
		if code == "" {
			code = fault.CodeInternal
		}
		sp.Err(code, err, nil)
		o.emit(Event{TaskID: t.id, Stage: stage, Status: StatusFailed, ElapsedMs: &elapsed,
			ErrorCode: code, Message: err.Error(), StepID: stepID, Diagnostic: diagnosticOf(err)})
		if nonFatal {
			return stageContinue, code
		}
		o.emitPerf(t, state)
		return stageTerminalFailed, code
	}
}

// stageRecord resolves the audio input: a registered asset or a bundled
// fixture. Raw paths never enter here — Start already refused them.
func (o *Orchestrator) stageRecord(_ context.Context, t *task, state *runState, _ *trace.Span) error {
	switch t.req.RecordMode {
	case ModeRecordingAsset:
		path, ext, err := o.deps.Assets.Consume(t.req.RecordingAssetID)
		if err != nil {
			return err
		}
		state.audioPath, state.audioExt = path, ext
		return nil

	case ModeFixture:
		path := filepath.Join(o.deps.FixtureDir, filepath.Base(t.req.FixtureName))
		if _, err := os.Stat(path); err != nil {
			return fault.Wrap(fault.CodeFixtureNotFound,
				fmt.Sprintf("fixture %q not found", t.req.FixtureName), err)
		}
		state.audioPath = path
		state.audioExt = strings.TrimPrefix(filepath.Ext(path), ".")
		return nil
	}
	return fault.Newf(fault.CodeAssetRequired, "unsupported record mode %q", t.req.RecordMode)
}

// stagePreprocess normalises the audio with FFmpeg: 16 kHz mono WAV plus
// the optional silence-trim and loudness filters from the snapshot.
func (o *Orchestrator) stagePreprocess(ctx context.Context, t *task, state *runState, _ *trace.Span) error {
	start := time.Now()
	if !preprocessEnabled(t.opts) {
		state.cleanPath = state.audioPath
		state.preprocessMs = 0
		return nil
	}

	workDir := o.deps.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	outPath := filepath.Join(workDir, "voxtype-clean-"+t.id+".wav")

	args := preprocessArgs(t, state.audioPath, outPath)
	_, err := proc.RunCancellable(ctx, t.opts.FFmpegPath, args, proc.Options{Logger: o.deps.Logger})
	if err != nil {
		switch code := fault.CodeOf(err); {
		case code == fault.CodeCancelled || code == fault.CodeFFmpegNotFound:
			return err
		default:
			var exitErr *proc.ExitError
			if errors.As(err, &exitErr) {
				return fault.Wrap(fault.CodeFFmpegFailed,
					fmt.Sprintf("ffmpeg exited with status %d", exitErr.ExitCode),
					fmt.Errorf("stderr tail: %s", exitErr.StderrTail))
			}
			return fault.Wrap(fault.CodePreprocessFailed, "preprocess failed", err)
		}
	}

	state.cleanPath = outPath
	state.preprocessMs = time.Since(start).Milliseconds()
	return nil
}

// stageTranscribe calls the ASR supervisor and enforces the GPU contract:
// any device other than the required one fails the task, as does an empty
// transcription.
func (o *Orchestrator) stageTranscribe(ctx context.Context, t *task, state *runState, _ *trace.Span) error {
	start := time.Now()
	res, err := o.deps.ASR.Transcribe(ctx, asr.Request{
		TaskID:       t.id,
		AudioPath:    state.cleanPath,
		Language:     t.opts.ASR.Language,
		Device:       t.opts.ASR.Device,
		DecodeParams: t.opts.ASR.DecodeParams,
	})
	if err != nil {
		return err
	}
	state.asrMs = time.Since(start).Milliseconds()
	state.asrMetrics = res.Metrics

	if res.Metrics.DeviceUsed != t.opts.ASR.Device {
		return fault.Newf(fault.CodeASRCudaRequired,
			"runner used device %q, %q is required", res.Metrics.DeviceUsed, t.opts.ASR.Device)
	}
	if strings.TrimSpace(res.Text) == "" {
		return fault.New(fault.CodeASRFailed, "Empty ASR text")
	}

	state.asrText = res.Text
	state.finalText = res.Text
	o.dumpDebug(t, "asr_response.json", res)
	return nil
}

// stageRewrite is the one non-fatal stage: any failure is reported on the
// stage event and the task continues with the ASR text unchanged.
func (o *Orchestrator) stageRewrite(ctx context.Context, t *task, state *runState, _ *trace.Span) error {
	tmpl, glossary, err := o.deps.Templates.Get(t.opts.RewriteTemplateID)
	if err != nil {
		return err
	}
	state.templateID = tmpl.ID

	req := rewrite.Request{
		Transcript:    state.asrText,
		Pack:          t.pack,
		Template:      tmpl,
		Model:         t.opts.LLM.Model,
		VisionCapable: t.opts.LLM.VisionCapable,
		Glossary:      glossary,
		BaseURL:       t.opts.LLM.BaseURL,
		APIKey:        t.opts.LLM.APIKey,
		TimeoutMs:     t.opts.LLM.TimeoutMs,
	}
	o.dumpDebug(t, "rewrite_request.json", req)

	start := time.Now()
	out, err := o.deps.Rewriter.Rewrite(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	state.rewriteMs = &elapsed
	if err != nil {
		return err
	}

	state.finalText = out
	return nil
}

// stagePersist appends the finished row to the history store.
func (o *Orchestrator) stagePersist(ctx context.Context, t *task, state *runState, _ *trace.Span) error {
	entry := &history.Entry{
		TaskID:      t.id,
		CreatedAtMs: time.Now().UnixMilli(),
		ASRText:     state.asrText,
		FinalText:   state.finalText,
		RTF:         state.asrMetrics.RTF,
		DeviceUsed:  state.asrMetrics.DeviceUsed,
		PreprocMs:   state.preprocessMs,
		ASRMs:       state.asrMs,
	}
	if state.templateID != "" {
		id := state.templateID
		entry.TemplateID = &id
	}
	if err := o.deps.History.Append(ctx, entry); err != nil {
		return fault.Wrap(fault.CodeInternal, "persist history entry", err)
	}
	return nil
}

// stageExport copies the final text and optionally auto-pastes. The stage
// fails only when nothing was delivered at all (clipboard copy failed);
// a refused paste is recorded as an EXPORT.auto_paste trace event and the
// stage still completes, since the copy already landed.
func (o *Orchestrator) stageExport(_ context.Context, t *task, state *runState, _ *trace.Span) error {
	var hint *export.WindowHint
	if t.pack != nil && t.pack.Window != nil {
		hint = &export.WindowHint{Handle: t.pack.Window.Handle, Title: t.pack.Window.Title}
	}

	res := o.deps.Exporter.Export(state.finalText, t.opts.AutoPaste, hint)
	if !res.Copied {
		code := res.ErrorCode
		if code == "" {
			code = fault.CodeExportPasteFailed
		}
		return fault.New(code, "export delivered nothing: clipboard copy failed")
	}
	if res.AutoPasteAttempted && !res.AutoPasteOK {
		o.deps.Tracer.Event("EXPORT.auto_paste", "err", res.ErrorCode,
			"auto-paste refused, clipboard copy delivered", trace.Ctx{trace.KeyTaskID: t.id})
	}
	return nil
}

// emit forwards one event to the sink and mirrors it on the metrics
// stream for offline aggregation.
func (o *Orchestrator) emit(ev Event) {
	if o.deps.Sink != nil {
		o.deps.Sink.TaskEvent(ev)
	}
	o.deps.Metrics.Emit("task_event", map[string]any{
		"task_id":    ev.TaskID,
		"stage":      string(ev.Stage),
		"status":     string(ev.Status),
		"error_code": ev.ErrorCode,
	})
}

// emitPerf writes the task_perf record. Unmeasured fields stay nil and
// serialise as explicit nulls.
func (o *Orchestrator) emitPerf(t *task, state *runState) {
	perf := trace.TaskPerf{TaskID: t.id}
	if state.preprocessMs > 0 || state.cleanPath != "" {
		v := state.preprocessMs
		perf.PreprocessMs = &v
	}
	if state.asrMs > 0 {
		v := state.asrMs
		perf.ASRMs = &v
	}
	perf.RewriteMs = state.rewriteMs
	if state.asrMetrics.DeviceUsed != "" {
		m := state.asrMetrics
		perf.AudioSeconds = &m.AudioSeconds
		perf.RTF = &m.RTF
		perf.DeviceUsed = &m.DeviceUsed
		perf.ModelID = &m.ModelID
		perf.ModelVersion = &m.ModelVersion
	}
	o.deps.Metrics.EmitTaskPerf(perf)
}

// cleanupFiles removes the task's scratch audio. Consumed assets are owned
// by the task from consumption on, so the raw file goes too.
func (o *Orchestrator) cleanupFiles(state *runState) {
	if state.cleanPath != "" && state.cleanPath != state.audioPath {
		_ = os.Remove(state.cleanPath)
	}
	if state.audioPath != "" && o.ownsAudio(state) {
		_ = os.Remove(state.audioPath)
	}
}

// ownsAudio: fixtures are bundled test data and must survive the task.
func (o *Orchestrator) ownsAudio(state *runState) bool {
	return o.deps.FixtureDir == "" || !strings.HasPrefix(state.audioPath, o.deps.FixtureDir)
}

// dumpDebug writes a payload under debug/<task_id>/ when verbose debugging
// is on. Dumps never fail the task.
func (o *Orchestrator) dumpDebug(t *task, name string, payload any) {
	d := o.deps.Debug
	if d.Dir == "" {
		return
	}
	if name == "asr_response.json" && !d.DumpASR {
		return
	}
	if name == "rewrite_request.json" && !d.DumpLLM {
		return
	}
	dir := filepath.Join(d.Dir, t.id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, name), data, 0o600)
}

// diagnosticOf extracts a one-line diagnostic (stderr tail and the like)
// from the error chain.
func diagnosticOf(err error) string {
	var exitErr *proc.ExitError
	if errors.As(err, &exitErr) && exitErr.StderrTail != "" {
		return lastLine(exitErr.StderrTail)
	}
	msg := err.Error()
	if idx := strings.Index(msg, "runner stderr:"); idx >= 0 {
		return lastLine(msg[idx:])
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// preprocessArgs builds the FFmpeg normalisation command.
func preprocessArgs(t *task, inPath, outPath string) []string {
	p := t.opts.Preprocess
	args := []string{
		"-nostdin", "-hide_banner", "-y",
		"-i", inPath,
		"-ac", "1",
		"-ar", strconv.Itoa(p.TargetSampleHz),
	}

	var filters []string
	if p.TrimSilence {
		filters = append(filters, fmt.Sprintf(
			"silenceremove=start_periods=1:start_threshold=%gdB:start_silence=%gms",
			p.SilenceDb, float64(p.SilenceMinMs)))
	}
	if p.LoudnessEnabled {
		filters = append(filters, fmt.Sprintf("loudnorm=I=%g", p.LoudnessTarget))
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args, "-c:a", "pcm_s16le", "-f", "wav", outPath)
	return args
}
