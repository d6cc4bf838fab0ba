// SPDX-License-Identifier: MIT

package config

import (
	"github.com/voxtype/voxtype/internal/fault"
)

// StartOptions is the immutable policy snapshot a task is started with.
// Everything the pipeline decides downstream — whether to rewrite, which
// template, which preprocess parameters — comes from here, never from live
// settings, so the press moment and the task moment cannot disagree.
type StartOptions struct {
	RewriteEnabled    bool
	RewriteTemplateID string

	HotkeysEnabled bool
	ShowOverlay    bool

	Preprocess PreprocessSettings
	LLM        LLMSettings
	ASR        ASRSettings
	Context    ContextSettings

	AutoPaste  bool
	FFmpegPath string
}

// ResolveStartOptions validates the settings document into a StartOptions
// snapshot. Required flags that are absent refuse the task with a stable
// code; nothing is silently defaulted.
func ResolveStartOptions(s *Settings) (*StartOptions, error) {
	if s.RewriteEnabled == nil {
		return nil, fault.New(fault.CodeSettingsRewriteEnabledMissing, "settings key rewrite_enabled is required")
	}
	if s.Hotkeys.Enabled == nil {
		return nil, fault.New(fault.CodeSettingsHotkeysEnabledMissing, "settings key hotkeys.enabled is required")
	}
	if s.Hotkeys.ShowOverlay == nil {
		return nil, fault.New(fault.CodeSettingsShowOverlayMissing, "settings key hotkeys.show_overlay is required")
	}
	if s.Preprocess.Enabled == nil {
		return nil, fault.New(fault.CodeSettingsPreprocessMissing, "settings key preprocess.enabled is required")
	}

	opts := &StartOptions{
		RewriteEnabled:    *s.RewriteEnabled,
		RewriteTemplateID: s.RewriteTemplateID,
		HotkeysEnabled:    *s.Hotkeys.Enabled,
		ShowOverlay:       *s.Hotkeys.ShowOverlay,
		Preprocess:        s.Preprocess,
		LLM:               s.LLM,
		ASR:               s.ASR,
		Context:           s.Context,
		AutoPaste:         s.Export.AutoPaste,
		FFmpegPath:        s.FFmpegPath,
	}

	if opts.RewriteEnabled {
		if opts.RewriteTemplateID == "" {
			return nil, fault.New(fault.CodeSettingsTemplateRequired, "rewrite is enabled but no template is configured")
		}
		if opts.LLM.BaseURL == "" {
			return nil, fault.New(fault.CodeLLMConfigBaseURL, "rewrite is enabled but llm.base_url is not configured")
		}
		if opts.LLM.Model == "" {
			return nil, fault.New(fault.CodeLLMConfigModel, "rewrite is enabled but llm.model is not configured")
		}
	}

	// Structural defaults for non-required parameters only.
	if opts.Preprocess.TargetSampleHz == 0 {
		opts.Preprocess.TargetSampleHz = 16000
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.ASR.Device == "" {
		opts.ASR.Device = "cuda"
	}
	if opts.Context.HistoryLimit <= 0 {
		opts.Context.HistoryLimit = 5
	}
	if opts.Context.ClipboardMaxChars <= 0 {
		opts.Context.ClipboardMaxChars = 4000
	}

	return opts, nil
}

// ModelChanged reports whether the effective ASR model differs between two
// settings documents. The settings applier restarts the runner supervisor
// only when this is true.
func ModelChanged(old, next *Settings) bool {
	if old == nil || next == nil {
		return old != next
	}
	return old.ASR.ModelID != next.ASR.ModelID || old.ASR.ModelDir != next.ASR.ModelDir
}

// HotkeysChanged reports whether shortcut registration needs re-applying.
func HotkeysChanged(old, next *Settings) bool {
	if old == nil || next == nil {
		return old != next
	}
	if (old.Hotkeys.Enabled == nil) != (next.Hotkeys.Enabled == nil) {
		return true
	}
	if old.Hotkeys.Enabled != nil && *old.Hotkeys.Enabled != *next.Hotkeys.Enabled {
		return true
	}
	return old.Hotkeys.PTT != next.Hotkeys.PTT || old.Hotkeys.Toggle != next.Hotkeys.Toggle
}
