// SPDX-License-Identifier: MIT

// Package pipeline drives one task through its stages:
//
//	Record → Preprocess → Transcribe → Rewrite → Persist → Export
//
// At most one task is non-terminal in the process at any time. Every stage
// transition is emitted as an event and recorded as a trace span; every
// accepted start eventually produces exactly one terminal outcome: a done
// event, a failed event with a stable code, or a cancelled event.
//
// Cancellation: the orchestrator owns one cancel token per task, observed
// by the child processes, the ASR read loop, the rewrite HTTP call and the
// stage loop itself. Cancel-to-observable target is 300 ms.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/google/uuid"

	"github.com/voxtype/voxtype/internal/asr"
	"github.com/voxtype/voxtype/internal/asset"
	"github.com/voxtype/voxtype/internal/capture"
	"github.com/voxtype/voxtype/internal/config"
	"github.com/voxtype/voxtype/internal/export"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/history"
	"github.com/voxtype/voxtype/internal/rewrite"
	"github.com/voxtype/voxtype/internal/session"
	"github.com/voxtype/voxtype/internal/trace"
)

// Stage names one pipeline stage.
type Stage string

const (
	StageRecord     Stage = "Record"
	StagePreprocess Stage = "Preprocess"
	StageTranscribe Stage = "Transcribe"
	StageRewrite    Stage = "Rewrite"
	StagePersist    Stage = "Persist"
	StageExport     Stage = "Export"
)

// Status is a stage event status.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TriggerSource says who started the task.
type TriggerSource string

const (
	TriggerUI      TriggerSource = "ui"
	TriggerHotkey  TriggerSource = "hotkey"
	TriggerFixture TriggerSource = "fixture"
)

// RecordMode says where the audio comes from.
type RecordMode string

const (
	ModeRecordingAsset RecordMode = "recording_asset"
	ModeFixture        RecordMode = "fixture"
)

// Event is emitted on every stage transition.
type Event struct {
	TaskID     string `json:"task_id"`
	Stage      Stage  `json:"stage"`
	Status     Status `json:"status"`
	ElapsedMs  *int64 `json:"elapsed_ms,omitempty"`
	Message    string `json:"message,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Done is the terminal event of a completed task.
type Done struct {
	TaskID         string  `json:"task_id"`
	ASRText        string  `json:"asr_text"`
	FinalText      string  `json:"final_text"`
	RTF            float64 `json:"rtf"`
	DeviceUsed     string  `json:"device_used"`
	PreprocessMs   int64   `json:"preprocess_ms"`
	ASRMs          int64   `json:"asr_ms"`
	RewriteMs      *int64  `json:"rewrite_ms,omitempty"`
	RewriteEnabled bool    `json:"rewrite_enabled"`
	TemplateID     string  `json:"template_id,omitempty"`
}

// Sink receives task events.
type Sink interface {
	TaskEvent(Event)
	TaskDone(Done)
}

// StartRequest carries only intent; all policy comes from the resolved
// settings snapshot.
type StartRequest struct {
	TriggerSource      TriggerSource `json:"trigger_source"`
	RecordMode         RecordMode    `json:"record_mode"`
	RecordingAssetID   string        `json:"recording_asset_id,omitempty"`
	FixtureName        string        `json:"fixture_name,omitempty"`
	RecordingSessionID string        `json:"recording_session_id,omitempty"`
}

// Transcriber is the ASR supervisor surface the pipeline needs.
type Transcriber interface {
	Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error)
}

// Rewriter performs the optional rewrite call.
type Rewriter interface {
	Rewrite(ctx context.Context, req rewrite.Request) (string, error)
}

// HistoryAppender persists finished tasks.
type HistoryAppender interface {
	Append(ctx context.Context, e *history.Entry) error
}

// Exporter delivers the final text.
type Exporter interface {
	Export(text string, autoPaste bool, target *export.WindowHint) export.Result
}

// TemplateSource resolves template ids.
type TemplateSource interface {
	Get(id string) (rewrite.Template, []string, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Resolve    func() (*config.StartOptions, error)
	Assets     *asset.Registry
	Sessions   *session.Registry
	ASR        Transcriber
	Rewriter   Rewriter
	History    HistoryAppender
	Exporter   Exporter
	Templates  TemplateSource
	Tracer     *trace.Tracer
	Metrics    *trace.Metrics
	Sink       Sink
	Logger     *slog.Logger
	FixtureDir string
	WorkDir    string // scratch directory for preprocessed audio
	Debug      DebugOptions
	// OnTerminal is invoked after the terminal event (any outcome).
	OnTerminal func(taskID string)
}

// DebugOptions gate payload dumps under debug/<task_id>/.
type DebugOptions struct {
	Dir     string
	DumpASR bool
	DumpLLM bool
}

// task is one run.
type task struct {
	id     string
	req    StartRequest
	opts   *config.StartOptions
	pack   *capture.ContextPack
	cancel context.CancelFunc
}

// Orchestrator enforces the at-most-one policy and runs tasks.
type Orchestrator struct {
	deps Deps

	mu       sync.Mutex
	active   *task
	terminal map[string]struct{} // task ids that already settled
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, terminal: make(map[string]struct{})}
}

// Start begins a pipeline run and returns the task id. All validation that
// can fail fast happens here: the settings snapshot, the record-mode
// arguments, and the FFmpeg preflight.
func (o *Orchestrator) Start(req StartRequest) (string, error) {
	opts, err := o.deps.Resolve()
	if err != nil {
		return "", err
	}

	switch req.RecordMode {
	case ModeRecordingAsset:
		if req.RecordingAssetID == "" {
			return "", fault.New(fault.CodeAssetRequired, "record mode recording_asset requires a registered asset id")
		}
	case ModeFixture:
		if req.FixtureName == "" {
			return "", fault.New(fault.CodeFixtureNotFound, "record mode fixture requires a fixture name")
		}
	default:
		return "", fault.Newf(fault.CodeAssetRequired, "unsupported record mode %q: raw paths are not accepted", req.RecordMode)
	}

	// FFmpeg is verified at task entry, not at stage time, to fail fast.
	if preprocessEnabled(opts) {
		if _, err := exec.LookPath(opts.FFmpegPath); err != nil {
			return "", fault.Wrap(fault.CodeFFmpegNotFound,
				fmt.Sprintf("ffmpeg not found at %q", opts.FFmpegPath), err)
		}
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return "", fault.New(fault.CodeTaskAlreadyActive, "a task is already active")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{id: uuid.NewString(), req: req, opts: opts, cancel: cancel}
	o.active = t
	o.mu.Unlock()

	go o.run(ctx, t)
	return t.id, nil
}

// Cancel trips the task's cancel token. Idempotent: cancelling a task that
// already settled succeeds; an unknown id is E_CMD_CANCEL.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil && o.active.id == taskID {
		o.active.cancel()
		return nil
	}
	if _, settled := o.terminal[taskID]; settled {
		return nil
	}
	return fault.Newf(fault.CodeCmdCancel, "task %s not found", taskID)
}

// ActiveTaskID returns the id of the non-terminal task, if any.
func (o *Orchestrator) ActiveTaskID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.id
}

// settle clears the active slot and records the id as terminal.
func (o *Orchestrator) settle(t *task) {
	o.mu.Lock()
	if o.active == t {
		o.active = nil
	}
	o.terminal[t.id] = struct{}{}
	o.mu.Unlock()

	t.cancel()
	if o.deps.OnTerminal != nil {
		o.deps.OnTerminal(t.id)
	}
}

// preprocessEnabled reads the snapshot's required flag; the resolver has
// already refused documents where it is absent.
func preprocessEnabled(opts *config.StartOptions) bool {
	return opts.Preprocess.Enabled != nil && *opts.Preprocess.Enabled
}
