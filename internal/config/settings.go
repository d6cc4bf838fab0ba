// SPDX-License-Identifier: MIT

// Package config loads the on-disk settings document and resolves it into
// the immutable typed snapshot a task runs with.
//
// Two deliberate rules shape this package:
//
//  1. Required flags have no hidden defaults. A missing required boolean is
//     a refusal with a stable E_SETTINGS_* code, never a silent false.
//  2. A task never reads live settings. ResolveStartOptions produces a
//     frozen StartOptions at task start; downstream stages only see that.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFileName is the settings document name under the data directory.
const SettingsFileName = "settings.json"

// Settings mirrors settings.json. Required booleans are pointers so that a
// key that is absent (or JSON null) is distinguishable from false — no
// boolean widening from null.
type Settings struct {
	RewriteEnabled    *bool  `json:"rewrite_enabled" koanf:"rewrite_enabled"`
	RewriteTemplateID string `json:"rewrite_template_id" koanf:"rewrite_template_id"`

	Hotkeys    HotkeySettings     `json:"hotkeys" koanf:"hotkeys"`
	Preprocess PreprocessSettings `json:"preprocess" koanf:"preprocess"`
	LLM        LLMSettings        `json:"llm" koanf:"llm"`
	ASR        ASRSettings        `json:"asr" koanf:"asr"`
	Context    ContextSettings    `json:"context" koanf:"context"`
	Export     ExportSettings     `json:"export" koanf:"export"`

	FFmpegPath string `json:"ffmpeg_path" koanf:"ffmpeg_path"`
}

// HotkeySettings configures the global shortcut dispatcher.
type HotkeySettings struct {
	Enabled     *bool  `json:"enabled" koanf:"enabled"`
	ShowOverlay *bool  `json:"show_overlay" koanf:"show_overlay"`
	PTT         string `json:"ptt" koanf:"ptt"`
	Toggle      string `json:"toggle" koanf:"toggle"`
}

// PreprocessSettings carries the FFmpeg normalisation parameters verbatim.
// The enabled flag is required; of the numeric parameters only
// TargetSampleHz falls back to a structural default (16000) when absent,
// the others are used as given.
type PreprocessSettings struct {
	Enabled         *bool   `json:"enabled" koanf:"enabled"`
	TrimSilence     bool    `json:"trim_silence" koanf:"trim_silence"`
	SilenceDb       float64 `json:"silence_db" koanf:"silence_db"`
	SilenceMinMs    int     `json:"silence_min_ms" koanf:"silence_min_ms"`
	TargetSampleHz  int     `json:"target_sample_hz" koanf:"target_sample_hz"`
	LoudnessTarget  float64 `json:"loudness_target" koanf:"loudness_target"`
	LoudnessEnabled bool    `json:"loudness_enabled" koanf:"loudness_enabled"`
}

// LLMSettings configures the rewrite endpoint.
type LLMSettings struct {
	BaseURL       string `json:"base_url" koanf:"base_url"`
	Model         string `json:"model" koanf:"model"`
	APIKey        string `json:"api_key" koanf:"api_key"`
	VisionCapable bool   `json:"vision_capable" koanf:"vision_capable"`
	TimeoutMs     int    `json:"timeout_ms" koanf:"timeout_ms"`
}

// ASRSettings configures the local runner.
type ASRSettings struct {
	ModelID      string         `json:"model_id" koanf:"model_id"`
	ModelDir     string         `json:"model_dir" koanf:"model_dir"`
	Device       string         `json:"device" koanf:"device"`
	Language     string         `json:"language" koanf:"language"`
	RunnerCmd    []string       `json:"runner_cmd" koanf:"runner_cmd"`
	DecodeParams map[string]any `json:"decode_params" koanf:"decode_params"`
}

// ContextSettings are the capture policy flags sampled at press time.
type ContextSettings struct {
	IncludeHistory    bool `json:"include_history" koanf:"include_history"`
	IncludeClipboard  bool `json:"include_clipboard" koanf:"include_clipboard"`
	IncludeWindow     bool `json:"include_window" koanf:"include_window"`
	IncludeScreenshot bool `json:"include_screenshot" koanf:"include_screenshot"`
	HistoryLimit      int  `json:"history_limit" koanf:"history_limit"`
	ClipboardMaxChars int  `json:"clipboard_max_chars" koanf:"clipboard_max_chars"`
}

// ExportSettings configure the export performer.
type ExportSettings struct {
	AutoPaste bool `json:"auto_paste" koanf:"auto_paste"`
}

// SettingsPath returns the settings document path under a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, SettingsFileName)
}

// Save writes the settings document atomically: temp file in the same
// directory, fsync, rename over the target. A backup of the previous
// document is kept next to it as settings.json.bak.
func (s *Settings) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append(data, '\n')

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prev, 0o600); err != nil {
			return fmt.Errorf("write settings backup: %w", err)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp settings file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

// DefaultSettings returns the document written on first run. Required
// booleans are present (the resolver refuses absent ones); feature flags
// start conservative.
func DefaultSettings() *Settings {
	f := false
	tr := true
	return &Settings{
		RewriteEnabled: &f,
		Hotkeys: HotkeySettings{
			Enabled:     &f,
			ShowOverlay: &tr,
			PTT:         "ctrl+alt+space",
			Toggle:      "ctrl+alt+t",
		},
		Preprocess: PreprocessSettings{
			Enabled:        &tr,
			TrimSilence:    false,
			SilenceDb:      -35,
			SilenceMinMs:   300,
			TargetSampleHz: 16000,
		},
		ASR: ASRSettings{
			Device:   "cuda",
			Language: "auto",
		},
		Context: ContextSettings{
			IncludeHistory:    true,
			IncludeClipboard:  true,
			IncludeWindow:     true,
			IncludeScreenshot: false,
			HistoryLimit:      5,
			ClipboardMaxChars: 4000,
		},
		FFmpegPath: "ffmpeg",
	}
}
