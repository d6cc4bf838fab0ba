// SPDX-License-Identifier: MIT

// Package hotkey turns global shortcut events into recording sessions and
// pipeline runs.
//
// Registration is scoped: applying new settings touches only the
// shortcuts this dispatcher itself registered, never "unregister all".
// Capture failures at press time travel on the emitted record event as
// capture_status="err" plus the stable code; the consumer must not start
// recording in that case — and this dispatcher doesn't.
package hotkey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtype/voxtype/internal/fault"
)

// Kind discriminates the two shortcut behaviours.
type Kind string

const (
	KindPTT    Kind = "ptt"
	KindToggle Kind = "toggle"
)

// KeyState is the raw key transition.
type KeyState string

const (
	Pressed  KeyState = "Pressed"
	Released KeyState = "Released"
)

// KeyEvent is what the OS-level hook delivers.
type KeyEvent struct {
	Shortcut string
	State    KeyState
}

// Hook is the OS-level registration surface (external collaborator).
type Hook interface {
	Register(shortcut string) error
	Unregister(shortcut string) error
	Events() <-chan KeyEvent
	// Available probes whether an OS-level registration would succeed,
	// optionally ignoring this process's own registration.
	Available(shortcut string, ignoreSelf bool) bool
}

// RecordEvent is emitted to the UI consumer on every press/release.
type RecordEvent struct {
	Kind               Kind     `json:"kind"`
	State              KeyState `json:"state"`
	Shortcut           string   `json:"shortcut"`
	TsMs               int64    `json:"ts_ms"`
	RecordingSessionID string   `json:"recording_session_id,omitempty"`
	CaptureStatus      string   `json:"capture_status"` // "ok" or "err"
	CaptureErrorCode   string   `json:"capture_error_code,omitempty"`
}

// OverlayState mirrors the dispatcher phase for the overlay window.
type OverlayState string

const (
	OverlayIdle       OverlayState = "idle"
	OverlayRecording  OverlayState = "recording"
	OverlayProcessing OverlayState = "processing"
)

// Sink receives dispatcher events.
type Sink interface {
	RecordEvent(RecordEvent)
	OverlayState(OverlayState)
}

// Driver is the slice of the application the dispatcher drives.
type Driver interface {
	// OpenSession snapshots context and opens a recording session. The
	// error carries the capture code when the press-time capture failed.
	OpenSession(ctx context.Context) (sessionID string, err error)
	StartRecording(ctx context.Context) (recordingID string, err error)
	// FinishAndStart stops the recording, registers the asset and starts
	// the pipeline bound to the session.
	FinishAndStart(ctx context.Context, recordingID, sessionID string) error
	AbortRecording(recordingID string)
	AbortSession(sessionID string)
	CancelActiveTask()
}

// phase is the dispatcher's internal state.
type phase int

const (
	phaseIdle phase = iota
	phaseRecording
	phaseProcessing
)

// Settings is the subset of hotkey settings the dispatcher applies.
type Settings struct {
	Enabled bool
	PTT     string
	Toggle  string
}

// Dispatcher listens for shortcut events and drives the application.
type Dispatcher struct {
	hook   Hook
	driver Driver
	sink   Sink
	logger *slog.Logger

	mu          sync.Mutex
	registered  []string // scoped list: only these are ever unregistered
	ptt, toggle string
	phase       phase
	recordingID string
	sessionID   string
}

// New creates a dispatcher. Nothing is registered until Apply.
func New(hook Hook, driver Driver, sink Sink, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{hook: hook, driver: driver, sink: sink, logger: logger}
}

// Apply re-registers shortcuts to match settings. Only shortcuts from the
// dispatcher's own scoped list are unregistered first.
func (d *Dispatcher) Apply(s Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sc := range d.registered {
		if err := d.hook.Unregister(sc); err != nil && d.logger != nil {
			d.logger.Warn("unregister shortcut failed", "shortcut", sc, "error", err)
		}
	}
	d.registered = nil
	d.ptt, d.toggle = "", ""

	if !s.Enabled {
		return nil
	}

	for _, sc := range []struct {
		kind     Kind
		shortcut string
	}{{KindPTT, s.PTT}, {KindToggle, s.Toggle}} {
		if sc.shortcut == "" {
			continue
		}
		if err := d.hook.Register(sc.shortcut); err != nil {
			return fmt.Errorf("register shortcut %q: %w", sc.shortcut, err)
		}
		d.registered = append(d.registered, sc.shortcut)
		if sc.kind == KindPTT {
			d.ptt = sc.shortcut
		} else {
			d.toggle = sc.shortcut
		}
	}
	return nil
}

// CheckAvailability probes whether shortcut could be registered.
func (d *Dispatcher) CheckAvailability(shortcut string, ignoreSelf bool) bool {
	return d.hook.Available(shortcut, ignoreSelf)
}

// TaskSettled resets the dispatcher after the pipeline reached a terminal
// event, re-arming the toggle cycle.
func (d *Dispatcher) TaskSettled() {
	d.mu.Lock()
	d.phase = phaseIdle
	d.recordingID, d.sessionID = "", ""
	d.mu.Unlock()
	d.emitOverlay(OverlayIdle)
}

// Run consumes hook events until ctx is cancelled. It implements the
// service interface of the supervision tree.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.abortInFlight()
			return ctx.Err()
		case ev, ok := <-d.hook.Events():
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev KeyEvent) {
	d.mu.Lock()
	kind := Kind("")
	switch ev.Shortcut {
	case d.ptt:
		kind = KindPTT
	case d.toggle:
		kind = KindToggle
	}
	current := d.phase
	d.mu.Unlock()

	if kind == "" {
		return
	}

	switch {
	case kind == KindPTT && ev.State == Pressed && current == phaseIdle:
		d.beginRecording(ctx, kind, ev.Shortcut)
	case kind == KindPTT && ev.State == Released && current == phaseRecording:
		d.finishRecording(ctx, kind, ev.Shortcut)
	case kind == KindToggle && ev.State == Pressed:
		switch current {
		case phaseIdle:
			d.beginRecording(ctx, kind, ev.Shortcut)
		case phaseRecording:
			d.finishRecording(ctx, kind, ev.Shortcut)
		case phaseProcessing:
			d.driver.CancelActiveTask()
		}
	}
}

// beginRecording snapshots context, opens the session, starts the capture.
func (d *Dispatcher) beginRecording(ctx context.Context, kind Kind, shortcut string) {
	sessionID, err := d.driver.OpenSession(ctx)
	if err != nil {
		d.emitRecord(RecordEvent{
			Kind: kind, State: Pressed, Shortcut: shortcut,
			CaptureStatus:    "err",
			CaptureErrorCode: codeOrInternal(err),
		})
		return
	}

	recordingID, err := d.driver.StartRecording(ctx)
	if err != nil {
		d.driver.AbortSession(sessionID)
		d.emitRecord(RecordEvent{
			Kind: kind, State: Pressed, Shortcut: shortcut,
			RecordingSessionID: sessionID,
			CaptureStatus:      "err",
			CaptureErrorCode:   codeOrInternal(err),
		})
		return
	}

	d.mu.Lock()
	d.phase = phaseRecording
	d.recordingID = recordingID
	d.sessionID = sessionID
	d.mu.Unlock()

	d.emitRecord(RecordEvent{
		Kind: kind, State: Pressed, Shortcut: shortcut,
		RecordingSessionID: sessionID,
		CaptureStatus:      "ok",
	})
	d.emitOverlay(OverlayRecording)
}

// finishRecording stops the capture and hands off to the pipeline.
func (d *Dispatcher) finishRecording(ctx context.Context, kind Kind, shortcut string) {
	d.mu.Lock()
	recordingID, sessionID := d.recordingID, d.sessionID
	d.phase = phaseProcessing
	d.mu.Unlock()

	d.emitOverlay(OverlayProcessing)
	event := RecordEvent{
		Kind: kind, State: Released, Shortcut: shortcut,
		RecordingSessionID: sessionID,
		CaptureStatus:      "ok",
	}

	if err := d.driver.FinishAndStart(ctx, recordingID, sessionID); err != nil {
		d.driver.AbortSession(sessionID)
		event.CaptureStatus = "err"
		event.CaptureErrorCode = codeOrInternal(err)
		d.emitRecord(event)
		d.TaskSettled()
		return
	}
	d.emitRecord(event)
}

func (d *Dispatcher) abortInFlight() {
	d.mu.Lock()
	recordingID, sessionID := d.recordingID, d.sessionID
	inRecording := d.phase == phaseRecording
	d.phase = phaseIdle
	d.recordingID, d.sessionID = "", ""
	d.mu.Unlock()

	if inRecording {
		d.driver.AbortRecording(recordingID)
		d.driver.AbortSession(sessionID)
	}
}

func (d *Dispatcher) emitRecord(ev RecordEvent) {
	ev.TsMs = time.Now().UnixMilli()
	if d.sink != nil {
		d.sink.RecordEvent(ev)
	}
}

func (d *Dispatcher) emitOverlay(state OverlayState) {
	if d.sink != nil {
		d.sink.OverlayState(state)
	}
}

func codeOrInternal(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return code
	}
	return fault.CodeInternal
}
