// SPDX-License-Identifier: MIT

// Package export delivers the final text: clipboard copy always, and —
// when enabled — an automatic paste into the previously active foreign
// window through the platform's accessibility surface.
//
// Clipboard success is reported independently of paste. Auto-paste writes
// through UI automation, never by synthesising keyboard shortcuts, and is
// refused outright when the focused target belongs to this process.
package export

import (
	"errors"
	"log/slog"

	"github.com/atotto/clipboard"

	"github.com/voxtype/voxtype/internal/fault"
)

// WindowHint identifies the intended paste target, captured at press time.
type WindowHint struct {
	Handle uintptr
	Title  string
}

// PasteBackend is the per-platform auto-paste collaborator. Errors must
// carry one of the E_EXPORT_* codes via fault so the caller can report the
// exact refusal reason.
type PasteBackend interface {
	// Paste writes text into the target via the platform accessibility /
	// UI-automation surface.
	Paste(text string, target *WindowHint) error
}

// FocusProber answers whether the current focus belongs to this process.
type FocusProber interface {
	FocusIsSelf(target *WindowHint) bool
}

// OverlayHider hides the recording overlay before paste so it cannot
// steal focus from the target.
type OverlayHider interface {
	HideOverlay()
}

// ClipboardWriter writes text to the system clipboard.
type ClipboardWriter func(text string) error

// Result reports what the export actually did.
type Result struct {
	Copied             bool   `json:"copied"`
	AutoPasteAttempted bool   `json:"auto_paste_attempted"`
	AutoPasteOK        bool   `json:"auto_paste_ok"`
	ErrorCode          string `json:"error_code,omitempty"`
}

// Performer executes exports.
type Performer struct {
	Clipboard ClipboardWriter
	Backend   PasteBackend
	Focus     FocusProber
	Overlay   OverlayHider
	Logger    *slog.Logger
}

// NewPerformer wires the system clipboard with the given paste backend.
func NewPerformer(backend PasteBackend, focus FocusProber, overlay OverlayHider, logger *slog.Logger) *Performer {
	return &Performer{
		Clipboard: clipboard.WriteAll,
		Backend:   backend,
		Focus:     focus,
		Overlay:   overlay,
		Logger:    logger,
	}
}

// Export copies text to the clipboard and, when autoPaste is set, attempts
// the paste. The result never claims auto_paste_ok when the focus belongs
// to this process: that case returns E_EXPORT_TARGET_SELF_APP.
func (p *Performer) Export(text string, autoPaste bool, target *WindowHint) Result {
	res := Result{}

	if p.Clipboard != nil {
		if err := p.Clipboard(text); err != nil {
			if p.Logger != nil {
				p.Logger.Warn("clipboard copy failed", "error", err)
			}
		} else {
			res.Copied = true
		}
	}

	if !autoPaste {
		return res
	}
	res.AutoPasteAttempted = true

	if p.Focus != nil && p.Focus.FocusIsSelf(target) {
		res.ErrorCode = fault.CodeExportTargetSelfApp
		return res
	}

	if p.Backend == nil {
		res.ErrorCode = fault.CodeExportAutomationUnavail
		return res
	}

	if p.Overlay != nil {
		p.Overlay.HideOverlay()
	}

	if err := p.Backend.Paste(text, target); err != nil {
		code := fault.CodeOf(err)
		if code == "" {
			code = fault.CodeExportPasteFailed
		}
		res.ErrorCode = code
		if p.Logger != nil {
			p.Logger.Warn("auto-paste failed", "code", code, "error", err)
		}
		return res
	}

	res.AutoPasteOK = true
	return res
}

// Unavailable is a PasteBackend for platforms without an automation
// surface; every paste fails with a stable code.
type Unavailable struct{}

func (Unavailable) Paste(string, *WindowHint) error {
	return fault.New(fault.CodeExportAutomationUnavail, "no auto-paste backend on this platform")
}

var _ PasteBackend = Unavailable{}

// IsExportCode reports whether err carries one of the export codes.
func IsExportCode(err error) bool {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case fault.CodeExportTargetSelfApp,
		fault.CodeExportPermissionDenied,
		fault.CodeExportTargetReadonly,
		fault.CodeExportTargetNotEditable,
		fault.CodeExportSelectionUnavailable,
		fault.CodeExportAutomationUnavail,
		fault.CodeExportPasteFailed:
		return true
	}
	return false
}
