// SPDX-License-Identifier: MIT

// Package toolchain verifies the runtime prerequisites before any task is
// accepted: the FFmpeg binary, the ASR runner bundle and its interpreter.
// Verification never downloads anything; a missing piece is reported with
// its stable code and a next-action hint, and the operator fixes it.
package toolchain

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/proc"
)

// Status is the preflight report, serialised for the command surface.
type Status struct {
	Ready           bool   `json:"ready"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Platform        string `json:"platform"`
	ExpectedVersion string `json:"expected_version"`
}

// Config locates the pieces to verify.
type Config struct {
	FFmpegPath string
	RunnerDir  string   // directory holding the ASR runner bundle
	RunnerCmd  []string // argv used to launch the runner
	// ExpectedVersion must match the bundle's VERSION file when both are
	// present.
	ExpectedVersion string
	// ManifestPath points at an optional sha256 manifest
	// ("<hex>  <relative path>" per line) covering the bundle.
	ManifestPath string
}

// Check runs the full preflight and reports the first failure.
func Check(ctx context.Context, cfg Config) Status {
	st := Status{Platform: runtime.GOOS, ExpectedVersion: cfg.ExpectedVersion}

	if err := checkFFmpeg(ctx, cfg.FFmpegPath); err != nil {
		st.Code = fault.CodeOf(err)
		st.Message = err.Error()
		return st
	}
	if err := checkRunner(cfg); err != nil {
		st.Code = fault.CodeOf(err)
		st.Message = err.Error()
		return st
	}
	if err := checkInterpreter(cfg.RunnerCmd); err != nil {
		st.Code = fault.CodeOf(err)
		st.Message = err.Error()
		return st
	}
	if cfg.ManifestPath != "" {
		if err := VerifyManifest(cfg.ManifestPath, cfg.RunnerDir); err != nil {
			st.Code = fault.CodeOf(err)
			st.Message = err.Error()
			return st
		}
	}

	st.Ready = true
	return st
}

// checkFFmpeg resolves the binary and reads its version banner.
func checkFFmpeg(ctx context.Context, path string) error {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return fault.Wrap(fault.CodeFFmpegNotFound, fmt.Sprintf("ffmpeg not found at %q", path), err)
	}
	res, err := proc.RunCancellable(ctx, resolved, []string{"-version"}, proc.Options{})
	if err != nil || res.ExitCode != 0 {
		return fault.Wrap(fault.CodeToolchainNotReady, "ffmpeg does not execute", err)
	}
	if !strings.Contains(string(res.Stdout), "ffmpeg version") {
		return fault.New(fault.CodeToolchainNotReady, "ffmpeg version banner not recognised")
	}
	return nil
}

// checkRunner validates the bundle layout and its VERSION pin.
func checkRunner(cfg Config) error {
	if cfg.RunnerDir == "" {
		return fault.New(fault.CodeToolchainNotReady, "asr runner directory not configured")
	}
	info, err := os.Stat(cfg.RunnerDir)
	if err != nil || !info.IsDir() {
		return fault.Wrap(fault.CodeToolchainNotReady,
			fmt.Sprintf("asr runner directory %q missing", cfg.RunnerDir), err)
	}

	if cfg.ExpectedVersion == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(cfg.RunnerDir, "VERSION"))
	if err != nil {
		return fault.Wrap(fault.CodeToolchainVersionMismatch, "runner VERSION file missing", err)
	}
	got := strings.TrimSpace(string(raw))
	if got != cfg.ExpectedVersion {
		return fault.Newf(fault.CodeToolchainVersionMismatch,
			"runner version %q, expected %q", got, cfg.ExpectedVersion)
	}
	return nil
}

// checkInterpreter confirms the runner's interpreter resolves.
func checkInterpreter(runnerCmd []string) error {
	if len(runnerCmd) == 0 {
		return fault.New(fault.CodePythonNotReady, "asr runner command not configured")
	}
	if _, err := exec.LookPath(runnerCmd[0]); err != nil {
		return fault.Wrap(fault.CodePythonNotReady,
			fmt.Sprintf("runner interpreter %q not found", runnerCmd[0]), err)
	}
	return nil
}

// VerifyManifest checks every file listed in a sha256 manifest against the
// bundle on disk. The first mismatch or missing file fails verification.
func VerifyManifest(manifestPath, rootDir string) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return fault.Wrap(fault.CodeToolchainChecksumMismatch, "checksum manifest unreadable", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fault.Newf(fault.CodeToolchainChecksumMismatch, "malformed manifest line %q", line)
		}
		want, rel := fields[0], fields[1]

		got, err := fileSHA256(filepath.Join(rootDir, rel))
		if err != nil {
			return fault.Wrap(fault.CodeToolchainChecksumMismatch,
				fmt.Sprintf("manifest entry %q unreadable", rel), err)
		}
		if !strings.EqualFold(got, want) {
			return fault.Newf(fault.CodeToolchainChecksumMismatch,
				"checksum mismatch for %q", rel)
		}
	}
	if err := sc.Err(); err != nil {
		return fault.Wrap(fault.CodeToolchainChecksumMismatch, "manifest read failed", err)
	}
	return nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
