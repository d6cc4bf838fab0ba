// SPDX-License-Identifier: MIT

package asr

import (
	"encoding/json"
	"fmt"
)

// Request is one transcription request, written to the runner's stdin as a
// single JSON line.
type Request struct {
	TaskID       string         `json:"task_id"`
	AudioPath    string         `json:"audio_path"`
	Language     string         `json:"language,omitempty"`
	Device       string         `json:"device"`
	DecodeParams map[string]any `json:"decode_params,omitempty"`
}

// Segment is one timed piece of the transcription.
type Segment struct {
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
	Text    string `json:"text"`
}

// RunMetrics is the runner-reported performance block.
type RunMetrics struct {
	RTF          float64 `json:"rtf"`
	AudioSeconds float64 `json:"audio_seconds"`
	ElapsedMs    int64   `json:"elapsed_ms"`
	DeviceUsed   string  `json:"device_used"`
	ModelID      string  `json:"model_id"`
	ModelVersion string  `json:"model_version"`
}

// Result is a successful transcription.
type Result struct {
	Text     string
	Segments []Segment
	Metrics  RunMetrics
}

// responseLine is the wire shape of every runner stdout line after (and
// including) the ready handshake.
type responseLine struct {
	Kind     string          `json:"kind,omitempty"` // "ready" on the handshake line
	OK       *bool           `json:"ok,omitempty"`
	Text     string          `json:"text,omitempty"`
	Segments []Segment       `json:"segments,omitempty"`
	Metrics  *RunMetrics     `json:"metrics,omitempty"`
	Error    *errorLineBlock `json:"error,omitempty"`
}

type errorLineBlock struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseLine decodes one stdout line. Non-JSON lines are a protocol error;
// the runner keeps diagnostics on stderr.
func parseLine(raw []byte) (*responseLine, error) {
	var line responseLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, fmt.Errorf("malformed runner line %.120q: %w", string(raw), err)
	}
	return &line, nil
}

// isStructuredError reports whether the line is an {"ok":false,"error":…}
// document with a usable code.
func (l *responseLine) isStructuredError() bool {
	return l.OK != nil && !*l.OK && l.Error != nil && l.Error.Code != ""
}

// shutdownLine is written to the runner before closing stdin so it can
// exit on its own instead of being signalled.
var shutdownLine = []byte(`{"kind":"shutdown"}` + "\n")
