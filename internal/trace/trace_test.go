// SPDX-License-Identifier: MIT

package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestTracer(t *testing.T) (*Tracer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr, err := New(Options{Path: path, Enabled: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr, path
}

func readRecords(t *testing.T, path string) []record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	var recs []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("malformed trace line %q: %v", sc.Text(), err)
		}
		recs = append(recs, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return recs
}

func TestSpanBeginEndPair(t *testing.T) {
	tr, path := newTestTracer(t)

	sp := tr.Begin("FFMPEG.preprocess", Ctx{KeyTaskID: "task-1", "input": "a.wav"})
	sp.Ok(Ctx{"output": "b.wav"})

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	begin, end := recs[0], recs[1]
	if begin.Op != "begin" || begin.Status != "started" {
		t.Errorf("begin record: op=%q status=%q", begin.Op, begin.Status)
	}
	if end.Op != "end" || end.Status != "ok" {
		t.Errorf("end record: op=%q status=%q", end.Op, end.Status)
	}
	if begin.TaskID != "task-1" || end.TaskID != "task-1" {
		t.Errorf("task id not carried: begin=%q end=%q", begin.TaskID, end.TaskID)
	}
	if end.DurMs == nil {
		t.Error("end record missing dur_ms")
	}
}

func TestSpanClosesExactlyOnce(t *testing.T) {
	tr, path := newTestTracer(t)

	sp := tr.Begin("CMD.start_task", nil)
	sp.Ok(nil)
	sp.Err("E_INTERNAL", fmt.Errorf("late"), nil)
	sp.Cancelled(nil)

	recs := readRecords(t, path)
	if len(recs) != 2 {
		t.Fatalf("span closed more than once: %d records", len(recs))
	}
}

func TestSpanErrCarriesCodeAndChain(t *testing.T) {
	tr, path := newTestTracer(t)

	cause := fmt.Errorf("exit status 1")
	wrapped := fmt.Errorf("ffmpeg run: %w", cause)
	sp := tr.Begin("FFMPEG.preprocess", Ctx{KeyTaskID: "task-2"})
	sp.Err("E_FFMPEG_FAILED", wrapped, nil)

	recs := readRecords(t, path)
	end := recs[len(recs)-1]
	if end.Code != "E_FFMPEG_FAILED" {
		t.Errorf("code = %q", end.Code)
	}
	if len(end.ErrChain) != 2 {
		t.Fatalf("err_chain length = %d, want 2", len(end.ErrChain))
	}
	if !strings.Contains(end.ErrChain[1], "exit status 1") {
		t.Errorf("innermost cause missing: %v", end.ErrChain)
	}
}

func TestChildInheritsIDs(t *testing.T) {
	tr, path := newTestTracer(t)

	parent := tr.Begin("CMD.start_task", Ctx{KeyTaskID: "task-3", KeySessionID: "sess-1"})
	child := parent.Child("CTX.collect", Ctx{"field": "clipboard"})
	child.Ok(nil)
	parent.Ok(nil)

	recs := readRecords(t, path)
	// parent begin, child begin, child end, parent end
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	if recs[1].TaskID != "task-3" || recs[1].SessionID != "sess-1" {
		t.Errorf("child begin did not inherit ids: %+v", recs[1])
	}
}

// Every line must be a single well-formed JSON document even when many
// goroutines trace at once.
func TestConcurrentWritesStayLineAtomic(t *testing.T) {
	tr, path := newTestTracer(t)

	const writers = 16
	const spansPerWriter = 50

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < spansPerWriter; j++ {
				sp := tr.Begin("STRESS.span", Ctx{KeyTaskID: fmt.Sprintf("task-%d", n), "iteration": j})
				sp.Ok(Ctx{"payload": strings.Repeat("x", 200)})
			}
		}(i)
	}
	wg.Wait()

	recs := readRecords(t, path) // fails the test on any malformed line
	if len(recs) != writers*spansPerWriter*2 {
		t.Errorf("expected %d records, got %d", writers*spansPerWriter*2, len(recs))
	}
}

func TestCtxScrubbing(t *testing.T) {
	tr, path := newTestTracer(t)

	sp := tr.Begin("LLM.rewrite", Ctx{
		"api_key":    "sk-secret-value",
		"screenshot": []byte{1, 2, 3, 4},
		"model":      "gpt-4o",
	})
	sp.Ok(nil)

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "sk-secret-value") {
		t.Error("api key leaked into trace file")
	}

	recs := readRecords(t, path)
	if got := recs[0].Ctx["screenshot"]; got != "bytes(4)" {
		t.Errorf("screenshot bytes not replaced: %v", got)
	}
	if got := recs[0].Ctx["model"]; got != "gpt-4o" {
		t.Errorf("benign ctx mangled: %v", got)
	}
}

func TestDisabledTracerIsInert(t *testing.T) {
	tr, err := New(Options{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sp := tr.Begin("NOOP.step", nil)
	sp.Ok(nil)

	var nilTracer *Tracer
	sp = nilTracer.Begin("NOOP.step", nil)
	sp.Err("E_INTERNAL", fmt.Errorf("x"), nil)
}

func TestRotationKeepsBoundedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	tr, err := New(Options{Path: path, Enabled: true, MaxBytes: 2048, MaxFiles: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 200; i++ {
		sp := tr.Begin("ROTATE.span", Ctx{"filler": strings.Repeat("y", 128)})
		sp.Ok(nil)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live trace file missing: %v", err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected at least one rotation: %v", err)
	}
	if _, err := os.Stat(path + ".4"); !os.IsNotExist(err) {
		t.Errorf("rotation retention exceeded max files")
	}
}

func TestTaskPerfExplicitNulls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	m, err := NewMetrics(path, 0, 0)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	defer m.Close()

	pre := int64(120)
	m.EmitTaskPerf(TaskPerf{TaskID: "task-9", PreprocessMs: &pre})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line := string(raw)
	if !strings.Contains(line, `"rewrite_ms":null`) {
		t.Errorf("missing explicit null for rewrite_ms: %s", line)
	}
	if !strings.Contains(line, `"preprocess_ms":120`) {
		t.Errorf("measured field dropped: %s", line)
	}
	if !strings.Contains(line, `"type":"task_perf"`) {
		t.Errorf("missing type discriminator: %s", line)
	}
}
