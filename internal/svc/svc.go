// SPDX-License-Identifier: MIT

// Package svc runs the daemon's long-lived background services — hotkey
// dispatcher and settings watcher — under one supervision tree with
// restart-on-failure semantics.
package svc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is a long-running unit: Run blocks until ctx is cancelled or an
// unrecoverable error occurs.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a bare function into a Service.
type Func struct {
	ServiceName string
	Fn          func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.ServiceName }
func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Tree supervises services, restarting failed ones with backoff.
type Tree struct {
	sup    *suture.Supervisor
	logger *slog.Logger
}

// NewTree builds an empty tree.
func NewTree(name string, logger *slog.Logger) *Tree {
	spec := suture.Spec{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	}
	if logger != nil {
		spec.EventHook = func(ev suture.Event) {
			logger.Warn("service event", "event", ev.String())
		}
	}
	return &Tree{sup: suture.New(name, spec), logger: logger}
}

// wrapped adapts Service to suture.Service. A service that returns after a
// clean context cancellation must not be restarted.
type wrapped struct {
	svc Service
}

func (w wrapped) Serve(ctx context.Context) error {
	err := w.svc.Run(ctx)
	if ctx.Err() != nil {
		return fmt.Errorf("%s stopped: %w", w.svc.Name(), suture.ErrDoNotRestart)
	}
	return err
}

func (w wrapped) String() string { return w.svc.Name() }

// Add registers a service; if the tree is already serving, the service
// starts immediately.
func (t *Tree) Add(svc Service) {
	t.sup.Add(wrapped{svc: svc})
}

// Serve blocks running the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.sup.Serve(ctx)
}

// ServeBackground starts the tree and returns the channel that yields its
// final error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.sup.ServeBackground(ctx)
}
