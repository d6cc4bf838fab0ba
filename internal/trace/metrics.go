// SPDX-License-Identifier: MIT

package trace

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"
)

// Metrics appends typed JSONL records to the metrics stream sitting next
// to the trace file. Records carry a `type` discriminator (task_event,
// task_perf, debug_*). Like the tracer, it is inert when nil or disabled
// and never fails the caller.
type Metrics struct {
	mu sync.Mutex
	w  *rotatingFile
}

// TaskPerf is the per-task performance record. Metric fields that were not
// measured are explicit nulls, not omitted keys, so downstream aggregation
// can distinguish "skipped" from "schema drift".
type TaskPerf struct {
	Type         string   `json:"type"`
	TsMs         int64    `json:"ts_ms"`
	TaskID       string   `json:"task_id"`
	PreprocessMs *int64   `json:"preprocess_ms"`
	ASRMs        *int64   `json:"asr_roundtrip_ms"`
	RewriteMs    *int64   `json:"rewrite_ms"`
	AudioSeconds *float64 `json:"audio_seconds"`
	RTF          *float64 `json:"rtf"`
	DeviceUsed   *string  `json:"device_used"`
	ModelID      *string  `json:"model_id"`
	ModelVersion *string  `json:"model_version"`
}

// NewMetrics opens the metrics stream at path. Empty path disables it.
func NewMetrics(path string, maxBytes int64, maxFiles int) (*Metrics, error) {
	if path == "" {
		return &Metrics{}, nil
	}
	w, err := openRotatingFile(path, maxBytes, maxFiles)
	if err != nil {
		return nil, err
	}
	return &Metrics{w: w}, nil
}

// Close closes the stream.
func (m *Metrics) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return nil
	}
	err := m.w.Close()
	m.w = nil
	return err
}

// EmitTaskPerf writes one task_perf record.
func (m *Metrics) EmitTaskPerf(p TaskPerf) {
	p.Type = "task_perf"
	p.TsMs = time.Now().UnixMilli()
	m.writeJSON(p)
}

// Emit writes a discriminated record with arbitrary payload fields.
func (m *Metrics) Emit(recType string, payload map[string]any) {
	rec := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		rec[k] = v
	}
	rec["type"] = recType
	rec["ts_ms"] = time.Now().UnixMilli()
	m.writeJSON(rec)
}

func (m *Metrics) writeJSON(v any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return
	}
	line, err := json.Marshal(v)
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = m.w.Write(line)
}

// DefaultMetricsPath returns the metrics file path under a data directory.
func DefaultMetricsPath(dataDir string) string {
	return filepath.Join(dataDir, "metrics.jsonl")
}
