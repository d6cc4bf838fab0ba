// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/voxtype/voxtype/internal/fault"
)

func boolPtr(b bool) *bool { return &b }

func validSettings() *Settings {
	s := DefaultSettings()
	s.ASR.ModelID = "whisper-large-v3"
	s.ASR.ModelDir = "/opt/models/whisper-large-v3"
	return s
}

func TestResolveRequiredFlags(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Settings)
		wantCode string
	}{
		{
			name:     "rewrite_enabled missing",
			mutate:   func(s *Settings) { s.RewriteEnabled = nil },
			wantCode: fault.CodeSettingsRewriteEnabledMissing,
		},
		{
			name:     "hotkeys.enabled missing",
			mutate:   func(s *Settings) { s.Hotkeys.Enabled = nil },
			wantCode: fault.CodeSettingsHotkeysEnabledMissing,
		},
		{
			name:     "hotkeys.show_overlay missing",
			mutate:   func(s *Settings) { s.Hotkeys.ShowOverlay = nil },
			wantCode: fault.CodeSettingsShowOverlayMissing,
		},
		{
			name:     "preprocess.enabled missing",
			mutate:   func(s *Settings) { s.Preprocess.Enabled = nil },
			wantCode: fault.CodeSettingsPreprocessMissing,
		},
		{
			name: "rewrite enabled without template",
			mutate: func(s *Settings) {
				s.RewriteEnabled = boolPtr(true)
				s.RewriteTemplateID = ""
				s.LLM.BaseURL = "http://localhost:1234/v1"
				s.LLM.Model = "qwen2.5"
			},
			wantCode: fault.CodeSettingsTemplateRequired,
		},
		{
			name: "rewrite enabled without base url",
			mutate: func(s *Settings) {
				s.RewriteEnabled = boolPtr(true)
				s.RewriteTemplateID = "tmpl-default"
				s.LLM.BaseURL = ""
				s.LLM.Model = "qwen2.5"
			},
			wantCode: fault.CodeLLMConfigBaseURL,
		},
		{
			name: "rewrite enabled without model",
			mutate: func(s *Settings) {
				s.RewriteEnabled = boolPtr(true)
				s.RewriteTemplateID = "tmpl-default"
				s.LLM.BaseURL = "http://localhost:1234/v1"
				s.LLM.Model = ""
			},
			wantCode: fault.CodeLLMConfigModel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			_, err := ResolveStartOptions(s)
			if err == nil {
				t.Fatal("expected refusal, got nil error")
			}
			if got := fault.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestResolveSnapshotValues(t *testing.T) {
	s := validSettings()
	s.RewriteEnabled = boolPtr(true)
	s.RewriteTemplateID = "tmpl-polish"
	s.LLM.BaseURL = "http://localhost:1234/v1"
	s.LLM.Model = "qwen2.5"
	s.Preprocess.TargetSampleHz = 0 // structural default applies
	s.FFmpegPath = ""

	opts, err := ResolveStartOptions(s)
	if err != nil {
		t.Fatalf("ResolveStartOptions: %v", err)
	}
	if !opts.RewriteEnabled || opts.RewriteTemplateID != "tmpl-polish" {
		t.Errorf("rewrite decision not frozen: %+v", opts)
	}
	if opts.Preprocess.TargetSampleHz != 16000 {
		t.Errorf("target sample rate default = %d", opts.Preprocess.TargetSampleHz)
	}
	if opts.FFmpegPath != "ffmpeg" {
		t.Errorf("ffmpeg path default = %q", opts.FFmpegPath)
	}
	if opts.ASR.Device != "cuda" {
		t.Errorf("device default = %q", opts.ASR.Device)
	}
}

func TestLoaderMissingRequiredKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SettingsFileName)
	// Document without rewrite_enabled at all.
	doc := `{"hotkeys":{"enabled":false,"show_overlay":true},"preprocess":{"enabled":true}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	s, err := l.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	_, err = ResolveStartOptions(s)
	if got := fault.CodeOf(err); got != fault.CodeSettingsRewriteEnabledMissing {
		t.Errorf("code = %q, want %q", got, fault.CodeSettingsRewriteEnabledMissing)
	}
}

func TestLoaderEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SettingsFileName)
	doc := `{"rewrite_enabled":false,"hotkeys":{"enabled":false,"show_overlay":true},` +
		`"preprocess":{"enabled":true},"llm":{"model":"from-file"}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOXTYPE_LLM_MODEL", "from-env")

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	s, err := l.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.LLM.Model != "from-env" {
		t.Errorf("llm.model = %q, want env override", s.LLM.Model)
	}
}

func TestSaveIsAtomicAndKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SettingsFileName)

	first := DefaultSettings()
	if err := first.Save(path); err != nil {
		t.Fatalf("first save: %v", err)
	}

	second := DefaultSettings()
	second.LLM.Model = "changed"
	if err := second.Save(path); err != nil {
		t.Fatalf("second save: %v", err)
	}

	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("no backup written: %v", err)
	}

	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	s, err := l.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	if s.LLM.Model != "changed" {
		t.Errorf("saved document not readable: %+v", s.LLM)
	}
}

func TestModelChanged(t *testing.T) {
	a := validSettings()
	b := validSettings()
	if ModelChanged(a, b) {
		t.Error("identical settings reported a model change")
	}
	b.ASR.ModelID = "whisper-small"
	if !ModelChanged(a, b) {
		t.Error("model id change not detected")
	}
	c := validSettings()
	c.LLM.Model = "different-llm"
	if ModelChanged(a, c) {
		t.Error("llm change must not restart the ASR runner")
	}
}
