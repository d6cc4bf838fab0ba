// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/voxtype/voxtype/internal/asr"
	"github.com/voxtype/voxtype/internal/asset"
	"github.com/voxtype/voxtype/internal/config"
	"github.com/voxtype/voxtype/internal/export"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/history"
	"github.com/voxtype/voxtype/internal/rewrite"
	"github.com/voxtype/voxtype/internal/session"
)

// --- fakes -----------------------------------------------------------------

type fakeASR struct {
	mu      sync.Mutex
	result  *asr.Result
	err     error
	delay   time.Duration
	calls   int
	lastReq asr.Request
}

func (f *fakeASR) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.CodeCancelled, "transcription cancelled", ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func goodASRResult() *asr.Result {
	return &asr.Result{
		Text: "hello from the fixture",
		Metrics: asr.RunMetrics{
			RTF: 0.15, AudioSeconds: 10, ElapsedMs: 1500,
			DeviceUsed: "cuda", ModelID: "m1", ModelVersion: "2024.1",
		},
	}
}

type fakeRewriter struct {
	out string
	err error
}

func (f *fakeRewriter) Rewrite(context.Context, rewrite.Request) (string, error) {
	return f.out, f.err
}

type memHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (m *memHistory) Append(_ context.Context, e *history.Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, *e)
	m.mu.Unlock()
	return nil
}

type fakeExporter struct {
	mu    sync.Mutex
	texts []string
	res   export.Result
}

func (f *fakeExporter) Export(text string, _ bool, _ *export.WindowHint) export.Result {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return f.res
}

type fakeTemplates struct{}

func (fakeTemplates) Get(id string) (rewrite.Template, []string, error) {
	return rewrite.Template{ID: id, System: "rewrite it"}, nil, nil
}

type recSink struct {
	mu     sync.Mutex
	events []Event
	dones  []Done
	done   chan struct{}
}

func newRecSink() *recSink { return &recSink{done: make(chan struct{}, 8)} }

func (s *recSink) TaskEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	if ev.Status == StatusFailed || ev.Status == StatusCancelled {
		s.done <- struct{}{}
	}
}

func (s *recSink) TaskDone(d Done) {
	s.mu.Lock()
	s.dones = append(s.dones, d)
	s.mu.Unlock()
	s.done <- struct{}{}
}

func (s *recSink) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
	}
}

func (s *recSink) snapshot() ([]Event, []Done) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), append([]Done(nil), s.dones...)
}

// --- harness ---------------------------------------------------------------

type harness struct {
	orch     *Orchestrator
	sink     *recSink
	asr      *fakeASR
	rewriter *fakeRewriter
	hist     *memHistory
	exporter *fakeExporter
	assets   *asset.Registry
	sessions *session.Registry
	opts     *config.StartOptions
	fixtures string
}

// fakeFFmpegBin writes a copy-through ffmpeg substitute.
func fakeFFmpegBin(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := `#!/bin/sh
in=""; prev=""; out=""
for a; do
  [ "$prev" = "-i" ] && in=$a
  prev=$a; out=$a
done
cp "$in" "$out"
`
	if err := os.WriteFile(path, []byte(script), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fixtures := t.TempDir()
	if err := os.WriteFile(filepath.Join(fixtures, "zh_10s.ogg"), []byte("OggS fake audio"), 0o600); err != nil {
		t.Fatal(err)
	}

	enabled := true
	h := &harness{
		sink:     newRecSink(),
		asr:      &fakeASR{result: goodASRResult()},
		rewriter: &fakeRewriter{out: "rewritten text"},
		hist:     &memHistory{},
		exporter: &fakeExporter{res: export.Result{Copied: true}},
		assets:   asset.NewRegistry(time.Minute, nil),
		sessions: session.NewRegistry(),
		fixtures: fixtures,
		opts: &config.StartOptions{
			Preprocess: config.PreprocessSettings{Enabled: &enabled, TargetSampleHz: 16000},
			ASR:        config.ASRSettings{Device: "cuda", Language: "auto"},
			FFmpegPath: fakeFFmpegBin(t),
		},
	}

	h.orch = New(Deps{
		Resolve:    func() (*config.StartOptions, error) { return h.opts, nil },
		Assets:     h.assets,
		Sessions:   h.sessions,
		ASR:        h.asr,
		Rewriter:   h.rewriter,
		History:    h.hist,
		Exporter:   h.exporter,
		Templates:  fakeTemplates{},
		Sink:       h.sink,
		FixtureDir: fixtures,
		WorkDir:    t.TempDir(),
	})
	return h
}

func fixtureRequest() StartRequest {
	return StartRequest{TriggerSource: TriggerUI, RecordMode: ModeFixture, FixtureName: "zh_10s.ogg"}
}

func stagesOf(events []Event, status Status) []Stage {
	var out []Stage
	for _, ev := range events {
		if ev.Status == status {
			out = append(out, ev.Stage)
		}
	}
	return out
}

// --- tests -----------------------------------------------------------------

// Scenario 1: fixture happy path, rewrite disabled.
func TestFixtureHappyPath(t *testing.T) {
	h := newHarness(t)

	taskID, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	events, dones := h.sink.snapshot()
	if len(dones) != 1 {
		t.Fatalf("dones = %d", len(dones))
	}
	d := dones[0]
	if d.TaskID != taskID || d.DeviceUsed != "cuda" || d.RTF <= 0 {
		t.Errorf("done = %+v", d)
	}
	if d.ASRText == "" || d.FinalText != d.ASRText || d.RewriteEnabled {
		t.Errorf("done texts = %+v", d)
	}

	want := []Stage{StageRecord, StagePreprocess, StageTranscribe, StagePersist, StageExport}
	completed := stagesOf(events, StatusCompleted)
	if len(completed) != len(want) {
		t.Fatalf("completed stages = %v", completed)
	}
	for i, st := range want {
		if completed[i] != st {
			t.Errorf("stage %d = %s, want %s", i, completed[i], st)
		}
	}

	// P2: started always precedes its completed, in stage order.
	started := stagesOf(events, StatusStarted)
	for i, st := range want {
		if started[i] != st {
			t.Errorf("started order: %v", started)
			break
		}
	}

	// Persist happened.
	if len(h.hist.entries) != 1 || h.hist.entries[0].FinalText != d.FinalText {
		t.Errorf("history = %+v", h.hist.entries)
	}
	// Export got the final text.
	if len(h.exporter.texts) != 1 || h.exporter.texts[0] != d.FinalText {
		t.Errorf("exported = %v", h.exporter.texts)
	}
}

// Scenario 2: cancel during transcription.
func TestCancelDuringTranscription(t *testing.T) {
	h := newHarness(t)
	h.asr.delay = 10 * time.Second

	taskID, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the Transcribe stage is underway.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := h.sink.snapshot()
		if len(stagesOf(events, StatusStarted)) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancelAt := time.Now()
	if err := h.orch.Cancel(taskID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.sink.waitTerminal(t)
	if elapsed := time.Since(cancelAt); elapsed > 300*time.Millisecond {
		t.Errorf("terminal event after %v, budget is 300ms", elapsed)
	}

	events, dones := h.sink.snapshot()
	if len(dones) != 0 {
		t.Error("cancelled task emitted done")
	}
	last := events[len(events)-1]
	if last.Stage != StageTranscribe || last.Status != StatusCancelled {
		t.Errorf("terminal event = %+v", last)
	}

	// Cancel on a terminal task is a no-op success.
	if err := h.orch.Cancel(taskID); err != nil {
		t.Errorf("cancel on terminal task: %v", err)
	}
}

// Scenario 4: rewrite HTTP 500 is non-fatal.
func TestRewriteFailureNonFatal(t *testing.T) {
	h := newHarness(t)
	h.opts.RewriteEnabled = true
	h.opts.RewriteTemplateID = "tmpl-polish"
	h.opts.LLM = config.LLMSettings{BaseURL: "http://localhost:9", Model: "qwen2.5"}
	h.rewriter.err = fault.New("HTTP_500", "endpoint returned 500")

	_, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// The rewrite-failed event also pings the terminal channel; drain until
	// the done event arrives.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("no done event")
		}
		h.sink.waitTerminal(t)
		_, dones := h.sink.snapshot()
		if len(dones) == 1 {
			break
		}
	}

	events, dones := h.sink.snapshot()
	d := dones[0]
	if d.FinalText != d.ASRText {
		t.Errorf("final text %q != asr text %q", d.FinalText, d.ASRText)
	}
	if !d.RewriteEnabled {
		t.Error("done lost the rewrite decision")
	}

	var sawRewriteFailed bool
	for _, ev := range events {
		if ev.Stage == StageRewrite && ev.Status == StatusFailed {
			sawRewriteFailed = true
			if ev.ErrorCode != "HTTP_500" {
				t.Errorf("rewrite error code = %q", ev.ErrorCode)
			}
		}
	}
	if !sawRewriteFailed {
		t.Error("rewrite failure not reported")
	}
	completed := stagesOf(events, StatusCompleted)
	if completed[len(completed)-1] != StageExport {
		t.Errorf("pipeline did not continue past rewrite: %v", completed)
	}
}

func TestRewriteSuccessChangesFinalText(t *testing.T) {
	h := newHarness(t)
	h.opts.RewriteEnabled = true
	h.opts.RewriteTemplateID = "tmpl-polish"
	h.rewriter.out = "polished text"

	_, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	_, dones := h.sink.snapshot()
	if len(dones) != 1 || dones[0].FinalText != "polished text" {
		t.Errorf("dones = %+v", dones)
	}
	if dones[0].TemplateID != "tmpl-polish" {
		t.Errorf("template id = %q", dones[0].TemplateID)
	}
	if dones[0].RewriteMs == nil {
		t.Error("rewrite duration not measured")
	}
}

// Scenario 5: at-most-one task.
func TestSecondStartRefused(t *testing.T) {
	h := newHarness(t)
	h.asr.delay = 2 * time.Second

	first, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = h.orch.Start(fixtureRequest())
	if got := fault.CodeOf(err); got != fault.CodeTaskAlreadyActive {
		t.Errorf("code = %q", got)
	}

	if err := h.orch.Cancel(first); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.sink.waitTerminal(t)

	// After the terminal event a new start is accepted.
	h.asr.delay = 0
	if _, err := h.orch.Start(fixtureRequest()); err != nil {
		t.Errorf("start after terminal: %v", err)
	}
	h.sink.waitTerminal(t)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t)
	err := h.orch.Cancel("never-started")
	if got := fault.CodeOf(err); got != fault.CodeCmdCancel {
		t.Errorf("code = %q", got)
	}
}

func TestRawPathsRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(StartRequest{
		TriggerSource: TriggerUI,
		RecordMode:    RecordMode("file_path"),
	})
	if got := fault.CodeOf(err); got != fault.CodeAssetRequired {
		t.Errorf("code = %q", got)
	}

	_, err = h.orch.Start(StartRequest{TriggerSource: TriggerUI, RecordMode: ModeRecordingAsset})
	if got := fault.CodeOf(err); got != fault.CodeAssetRequired {
		t.Errorf("missing asset id code = %q", got)
	}
}

func TestFixtureNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(StartRequest{
		TriggerSource: TriggerUI, RecordMode: ModeFixture, FixtureName: "missing.ogg",
	})
	if err != nil {
		t.Fatalf("start should accept and fail at the Record stage: %v", err)
	}
	h.sink.waitTerminal(t)

	events, dones := h.sink.snapshot()
	if len(dones) != 0 {
		t.Error("done emitted for missing fixture")
	}
	last := events[len(events)-1]
	if last.Stage != StageRecord || last.Status != StatusFailed || last.ErrorCode != fault.CodeFixtureNotFound {
		t.Errorf("terminal event = %+v", last)
	}
}

// P5: a non-GPU device fails the task.
func TestNonCudaDeviceRejected(t *testing.T) {
	h := newHarness(t)
	h.asr.result = goodASRResult()
	h.asr.result.Metrics.DeviceUsed = "cpu"

	_, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	events, dones := h.sink.snapshot()
	if len(dones) != 0 {
		t.Error("done emitted despite cpu device")
	}
	last := events[len(events)-1]
	if last.ErrorCode != fault.CodeASRCudaRequired {
		t.Errorf("code = %q", last.ErrorCode)
	}
}

func TestEmptyASRTextFails(t *testing.T) {
	h := newHarness(t)
	h.asr.result = goodASRResult()
	h.asr.result.Text = "   "

	_, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	events, _ := h.sink.snapshot()
	last := events[len(events)-1]
	if last.ErrorCode != fault.CodeASRFailed {
		t.Errorf("code = %q", last.ErrorCode)
	}
}

// Scenario 3's orchestrator half: the supervisor's exact code survives to
// the terminal event.
func TestColdStartCodePropagates(t *testing.T) {
	h := newHarness(t)
	h.asr.err = fault.New(fault.CodeModelLoadFailed, "model directory missing")

	_, err := h.orch.Start(fixtureRequest())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	events, _ := h.sink.snapshot()
	last := events[len(events)-1]
	if last.ErrorCode != fault.CodeModelLoadFailed {
		t.Errorf("code = %q, want %q", last.ErrorCode, fault.CodeModelLoadFailed)
	}
}

func TestAssetModeConsumesAsset(t *testing.T) {
	h := newHarness(t)

	audioPath := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(audioPath, []byte("RIFF fake"), 0o600); err != nil {
		t.Fatal(err)
	}
	assetID := h.assets.Register(audioPath, "wav")

	sessionID := h.sessions.Open(nil)

	_, err := h.orch.Start(StartRequest{
		TriggerSource:      TriggerHotkey,
		RecordMode:         ModeRecordingAsset,
		RecordingAssetID:   assetID,
		RecordingSessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	_, dones := h.sink.snapshot()
	if len(dones) != 1 {
		t.Fatal("asset task did not complete")
	}
	if h.assets.Len() != 0 {
		t.Error("asset not consumed")
	}
	if h.sessions.Len() != 0 {
		t.Error("session not consumed")
	}
	if _, err := os.Stat(audioPath); !os.IsNotExist(err) {
		t.Error("consumed asset file not cleaned up")
	}
}

func TestUnknownAssetFailsRecordStage(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Start(StartRequest{
		TriggerSource:    TriggerUI,
		RecordMode:       ModeRecordingAsset,
		RecordingAssetID: "no-such-asset",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.sink.waitTerminal(t)

	events, _ := h.sink.snapshot()
	last := events[len(events)-1]
	if last.Stage != StageRecord || last.ErrorCode != fault.CodeAssetNotFound {
		t.Errorf("terminal = %+v", last)
	}
}

func TestFFmpegMissingFailsFastAtEntry(t *testing.T) {
	h := newHarness(t)
	h.opts.FFmpegPath = "/nonexistent/ffmpeg-binary"

	_, err := h.orch.Start(fixtureRequest())
	if got := fault.CodeOf(err); got != fault.CodeFFmpegNotFound {
		t.Errorf("code = %q", got)
	}

	events, _ := h.sink.snapshot()
	if len(events) != 0 {
		t.Error("refused start emitted stage events")
	}
}
