// SPDX-License-Identifier: MIT

// Package capture snapshots the user's surroundings at hotkey-press time:
// the previous foreground window, the clipboard, and the most recent
// history entries. The snapshot — a ContextPack — is immutable after the
// press moment; nothing downstream re-samples.
//
// Collection is best-effort per field: one field failing to capture never
// fails the whole collection, and each field-level failure is recorded as
// its own trace record with the concrete platform cause.
package capture

import (
	"context"
	"fmt"

	"github.com/atotto/clipboard"

	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/trace"
)

// WindowSnapshot describes the previous foreground window at press time.
// Pixel data is opaque RGBA bytes; the pack never interprets it beyond the
// looks-black validation and downscaling done at capture time.
type WindowSnapshot struct {
	Title            string
	ProcessImagePath string
	Rect             Rect
	Screenshot       []byte // RGBA, ScreenshotW*ScreenshotH*4 bytes; nil if not captured
	ScreenshotW      int
	ScreenshotH      int
	Handle           uintptr
}

// Rect is a window rectangle in screen coordinates.
type Rect struct {
	X, Y, W, H int
}

// ContextPack is the frozen press-time snapshot handed to Rewrite.
type ContextPack struct {
	History   []string // most recent first, capped
	Clipboard string   // capped
	Window    *WindowSnapshot
}

// Policy selects which fields to gather, straight from settings.
type Policy struct {
	IncludeHistory    bool
	IncludeClipboard  bool
	IncludeWindow     bool
	IncludeScreenshot bool
	HistoryLimit      int
	ClipboardMaxChars int
	ScreenshotMaxEdge int
}

// WindowSource samples the foreground window, excluding windows owned by
// this process. Platform back-ends implement it; tests fake it.
type WindowSource interface {
	// Foreground returns the current foreground foreign window. A nil
	// snapshot with nil error means no eligible window exists.
	Foreground(ctx context.Context) (*WindowSnapshot, error)
}

// HistorySource provides the most recent persisted texts.
type HistorySource interface {
	RecentTexts(ctx context.Context, limit int) ([]string, error)
}

// ClipboardSource reads the current clipboard text.
type ClipboardSource interface {
	Text() (string, error)
}

// SystemClipboard reads through the desktop clipboard.
type SystemClipboard struct{}

func (SystemClipboard) Text() (string, error) { return clipboard.ReadAll() }

// Collector gathers ContextPacks.
type Collector struct {
	Windows   WindowSource
	History   HistorySource
	Clipboard ClipboardSource
	Tracer    *trace.Tracer
}

// Collect samples every field the policy asks for. The returned pack is
// complete for whatever could be captured; the error is non-nil only when
// the policy demanded a window capture and none could be taken at all.
func (c *Collector) Collect(ctx context.Context, policy Policy) (*ContextPack, error) {
	sp := c.Tracer.Begin("CTX.collect", nil)
	pack := &ContextPack{}

	if policy.IncludeHistory && c.History != nil {
		limit := policy.HistoryLimit
		if limit <= 0 {
			limit = 5
		}
		child := sp.Child("CTX.history", trace.Ctx{"limit": limit})
		texts, err := c.History.RecentTexts(ctx, limit)
		if err != nil {
			child.Err(fault.CodeContextCaptureRequired, err, nil)
		} else {
			pack.History = texts
			child.Ok(trace.Ctx{"entries": len(texts)})
		}
	}

	if policy.IncludeClipboard && c.Clipboard != nil {
		child := sp.Child("CTX.clipboard", nil)
		text, err := c.Clipboard.Text()
		if err != nil {
			child.Err(fault.CodeContextCaptureRequired, err, nil)
		} else {
			if limit := policy.ClipboardMaxChars; limit > 0 && len(text) > limit {
				text = text[:limit]
			}
			pack.Clipboard = text
			child.Ok(trace.Ctx{"chars": len(text)})
		}
	}

	var windowErr error
	if policy.IncludeWindow && c.Windows != nil {
		child := sp.Child("CTX.window", nil)
		win, err := c.Windows.Foreground(ctx)
		switch {
		case err != nil:
			windowErr = fault.Wrap(fault.CodeHotkeyCapture, "foreground window capture failed", err)
			child.Err(fault.CodeHotkeyCapture, err, nil)
		case win == nil:
			child.Ok(trace.Ctx{"window": "none"})
		default:
			if policy.IncludeScreenshot && win.Screenshot != nil {
				if err := c.validateAndScale(win, policy); err != nil {
					// The frame is dropped; metadata is still usable.
					win.Screenshot = nil
					win.ScreenshotW, win.ScreenshotH = 0, 0
				}
			} else {
				win.Screenshot = nil
				win.ScreenshotW, win.ScreenshotH = 0, 0
			}
			pack.Window = win
			child.Ok(trace.Ctx{
				"title":      win.Title,
				"has_pixels": win.Screenshot != nil,
			})
		}
	}

	sp.Ok(trace.Ctx{
		"history_entries": len(pack.History),
		"clipboard_chars": len(pack.Clipboard),
		"window":          pack.Window != nil,
	})
	return pack, windowErr
}

// validateAndScale rejects all-black frames and downscales oversized ones.
func (c *Collector) validateAndScale(win *WindowSnapshot, policy Policy) error {
	if LooksBlack(win.Screenshot) {
		err := fault.Newf(fault.CodeHotkeyCapture,
			"captured frame looks black (handle=%#x %dx%d)", win.Handle, win.ScreenshotW, win.ScreenshotH)
		c.Tracer.Event("CTX.screenshot", "err", fault.CodeHotkeyCapture, err.Message, trace.Ctx{
			"handle": fmt.Sprintf("%#x", win.Handle),
			"width":  win.ScreenshotW,
			"height": win.ScreenshotH,
		})
		return err
	}

	maxEdge := policy.ScreenshotMaxEdge
	if maxEdge <= 0 {
		maxEdge = DefaultScreenshotMaxEdge
	}
	scaled, w, h := ScaleToMaxEdge(win.Screenshot, win.ScreenshotW, win.ScreenshotH, maxEdge)
	win.Screenshot, win.ScreenshotW, win.ScreenshotH = scaled, w, h
	return nil
}
