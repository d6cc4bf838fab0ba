// SPDX-License-Identifier: MIT

// Package menu is the interactive first-run settings editor: huh forms
// over the settings document, written back atomically on confirm.
package menu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/voxtype/voxtype/internal/config"
)

// Editor edits one settings document interactively.
type Editor struct {
	path       string
	accessible bool
}

// Option configures the editor.
type Option func(*Editor)

// WithAccessible enables accessible mode for screen readers.
func WithAccessible(on bool) Option {
	return func(e *Editor) { e.accessible = on }
}

// New creates an editor bound to the settings document at path.
func New(path string, opts ...Option) *Editor {
	e := &Editor{path: path}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run loads (or defaults) the document, walks the forms and saves on
// confirm. Aborting with escape leaves the document untouched.
func (e *Editor) Run() error {
	loader, err := config.NewLoader(e.path)
	if err != nil {
		return err
	}
	s, err := loader.Settings()
	if err != nil {
		return err
	}
	if s.RewriteEnabled == nil {
		s = config.DefaultSettings()
	}

	rewriteEnabled := *s.RewriteEnabled
	hotkeysEnabled := s.Hotkeys.Enabled != nil && *s.Hotkeys.Enabled
	showOverlay := s.Hotkeys.ShowOverlay == nil || *s.Hotkeys.ShowOverlay
	sampleRate := strconv.Itoa(s.Preprocess.TargetSampleHz)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable global hotkeys?").
				Value(&hotkeysEnabled),
			huh.NewInput().
				Title("Push-to-talk shortcut").
				Value(&s.Hotkeys.PTT),
			huh.NewInput().
				Title("Toggle shortcut").
				Value(&s.Hotkeys.Toggle),
			huh.NewConfirm().
				Title("Show the recording overlay?").
				Value(&showOverlay),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("ASR model id").
				Value(&s.ASR.ModelID),
			huh.NewInput().
				Title("ASR model directory").
				Value(&s.ASR.ModelDir),
			huh.NewInput().
				Title("FFmpeg path").
				Value(&s.FFmpegPath),
			huh.NewInput().
				Title("Capture sample rate (Hz)").
				Validate(validateInt).
				Value(&sampleRate),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Rewrite transcriptions with an LLM?").
				Value(&rewriteEnabled),
			huh.NewInput().
				Title("LLM base URL").
				Placeholder("http://localhost:1234/v1").
				Value(&s.LLM.BaseURL),
			huh.NewInput().
				Title("LLM model").
				Value(&s.LLM.Model),
			huh.NewInput().
				Title("Rewrite template id").
				Value(&s.RewriteTemplateID),
		),
	)

	if err := form.WithAccessible(e.accessible).Run(); err != nil {
		if err == huh.ErrUserAborted {
			return nil
		}
		return fmt.Errorf("settings form: %w", err)
	}

	if rewriteEnabled && (s.RewriteTemplateID == "" || s.LLM.BaseURL == "" || s.LLM.Model == "") {
		return fmt.Errorf("rewrite needs a template id, base URL and model; leave rewrite off or fill them in")
	}

	s.RewriteEnabled = &rewriteEnabled
	s.Hotkeys.Enabled = &hotkeysEnabled
	s.Hotkeys.ShowOverlay = &showOverlay
	if hz, err := strconv.Atoi(strings.TrimSpace(sampleRate)); err == nil {
		s.Preprocess.TargetSampleHz = hz
	}

	return s.Save(e.path)
}

func validateInt(v string) error {
	if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
		return fmt.Errorf("enter a whole number")
	}
	return nil
}
