// SPDX-License-Identifier: MIT

// Package main implements the voxtype operator CLI.
//
// Usage:
//
//	voxtype <command> [options]
//
// Commands:
//
//	verify    Run the toolchain verification gate (exit 0 pass, 1 fail, 2 bad usage)
//	status    Show settings, toolchain and store status
//	diagnose  Run the full diagnostic check list
//	fixture   Run one pipeline task against a bundled fixture
//	menu      Edit settings interactively
//	version   Print version information
//	help      Show this help
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/voxtype/voxtype/internal/app"
	"github.com/voxtype/voxtype/internal/config"
	"github.com/voxtype/voxtype/internal/hotkey"
	"github.com/voxtype/voxtype/internal/menu"
	"github.com/voxtype/voxtype/internal/pipeline"
	"github.com/voxtype/voxtype/internal/toolchain"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitPass     = 0
	exitFail     = 1
	exitBadUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return exitBadUsage
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage()
		return exitPass
	case "version", "--version", "-v":
		fmt.Printf("voxtype %s (%s) built %s\n", Version, Commit, BuildTime)
		return exitPass
	case "verify":
		return runVerify(args[1:])
	case "status":
		return runStatus(args[1:])
	case "diagnose":
		return runDiagnose(args[1:])
	case "fixture":
		return runFixture(args[1:])
	case "menu":
		return runMenu(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		return exitBadUsage
	}
}

func printUsage() {
	fmt.Print(`voxtype - voice typing assistant CLI

Usage:
  voxtype <command> [options]

Commands:
  verify    Run the toolchain verification gate
  status    Show settings, toolchain and store status
  diagnose  Run the full diagnostic check list
  fixture   Run one pipeline task against a bundled fixture
  menu      Edit settings interactively
  version   Print version information
  help      Show this help
`)
}

// runVerify is the verification gate: one line of diagnostics on failure,
// exit code contract 0/1/2. Nothing is downloaded here.
func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	manifest := fs.String("manifest", "", "Path to a sha256 manifest covering the runner bundle")
	expected := fs.String("expected-version", "", "Expected runner bundle version")
	if err := fs.Parse(args); err != nil {
		return exitBadUsage
	}

	env := app.EnvFromOS()
	loader, err := config.NewLoader(config.SettingsPath(env.DataDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL E_SETTINGS: %v\n", err)
		return exitFail
	}
	settings, err := loader.Settings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL E_SETTINGS: %v\n", err)
		return exitFail
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st := toolchain.Check(ctx, toolchain.Config{
		FFmpegPath:      settings.FFmpegPath,
		RunnerDir:       settings.ASR.ModelDir,
		RunnerCmd:       settings.ASR.RunnerCmd,
		ExpectedVersion: *expected,
		ManifestPath:    *manifest,
	})
	if !st.Ready {
		fmt.Fprintf(os.Stderr, "FAIL %s: %s\n", st.Code, st.Message)
		return exitFail
	}
	fmt.Println("PASS")
	return exitPass
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "Emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return exitBadUsage
	}

	env := app.EnvFromOS()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := app.New(app.Options{Env: env})
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return exitFail
	}
	defer a.Close()

	st := a.RuntimeToolchainStatus(ctx)
	if *asJSON {
		out, _ := json.MarshalIndent(map[string]any{
			"data_dir":  env.DataDir,
			"toolchain": st,
			"asr_state": a.ASRState(),
		}, "", "  ")
		fmt.Println(string(out))
	} else {
		fmt.Printf("Data directory: %s\n", env.DataDir)
		fmt.Printf("ASR supervisor: %s\n", a.ASRState())
		if st.Ready {
			fmt.Println("Toolchain:      ready")
		} else {
			fmt.Printf("Toolchain:      %s (%s)\n", st.Code, st.Message)
		}
	}
	if !st.Ready {
		return exitFail
	}
	return exitPass
}

// checkResult is one diagnostic row.
type checkResult struct {
	Name    string
	OK      bool
	Message string
}

func runDiagnose(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "diagnose takes no arguments")
		return exitBadUsage
	}

	env := app.EnvFromOS()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var results []checkResult
	add := func(name string, err error) {
		r := checkResult{Name: name, OK: err == nil}
		if err != nil {
			r.Message = err.Error()
		}
		results = append(results, r)
	}

	// Data directory writable.
	probe := filepath.Join(env.DataDir, ".diag-probe")
	err := os.MkdirAll(env.DataDir, 0o750)
	if err == nil {
		err = os.WriteFile(probe, []byte("ok"), 0o600)
		_ = os.Remove(probe)
	}
	add("data directory writable", err)

	// Settings parse + resolve.
	loader, err := config.NewLoader(config.SettingsPath(env.DataDir))
	add("settings document parses", err)
	if err == nil {
		s, serr := loader.Settings()
		if serr == nil {
			_, serr = config.ResolveStartOptions(s)
		}
		add("settings resolve into start options", serr)

		if s != nil {
			st := toolchain.Check(ctx, toolchain.Config{
				FFmpegPath: s.FFmpegPath,
				RunnerDir:  s.ASR.ModelDir,
				RunnerCmd:  s.ASR.RunnerCmd,
			})
			var terr error
			if !st.Ready {
				terr = fmt.Errorf("%s: %s", st.Code, st.Message)
			}
			add("toolchain ready", terr)
		}
	}

	failed := 0
	for _, r := range results {
		mark := "PASS"
		if !r.OK {
			mark = "FAIL"
			failed++
		}
		fmt.Printf("[%s] %s", mark, r.Name)
		if r.Message != "" {
			fmt.Printf(" — %s", r.Message)
		}
		fmt.Println()
	}
	if failed > 0 {
		fmt.Printf("\n%d of %d checks failed\n", failed, len(results))
		return exitFail
	}
	fmt.Printf("\nAll %d checks passed\n", len(results))
	return exitPass
}

// printSink renders pipeline events for the one-shot fixture run.
type printSink struct {
	done     chan struct{}
	settle   sync.Once
	exitFail bool
}

func (s *printSink) TaskEvent(ev pipeline.Event) {
	if ev.ErrorCode != "" {
		fmt.Printf("  %-11s %-10s %s\n", ev.Stage, ev.Status, ev.ErrorCode)
	} else {
		fmt.Printf("  %-11s %s\n", ev.Stage, ev.Status)
	}
	// A failed Rewrite is non-fatal; everything else failing is terminal.
	terminal := ev.Status == pipeline.StatusCancelled ||
		(ev.Status == pipeline.StatusFailed && ev.Stage != pipeline.StageRewrite)
	if terminal {
		s.settle.Do(func() {
			s.exitFail = true
			close(s.done)
		})
	}
}

func (s *printSink) TaskDone(d pipeline.Done) {
	fmt.Printf("\ndone: device=%s rtf=%.3f asr_ms=%d\n", d.DeviceUsed, d.RTF, d.ASRMs)
	fmt.Printf("text: %s\n", d.FinalText)
	s.settle.Do(func() { close(s.done) })
}

func (s *printSink) HotkeyRecord(hotkey.RecordEvent)  {}
func (s *printSink) OverlayState(hotkey.OverlayState) {}

func runFixture(args []string) int {
	fs := flag.NewFlagSet("fixture", flag.ContinueOnError)
	name := fs.String("name", "zh_10s.ogg", "Fixture file name under <data-dir>/fixtures")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall run timeout")
	if err := fs.Parse(args); err != nil {
		return exitBadUsage
	}

	sink := &printSink{done: make(chan struct{})}
	a, err := app.New(app.Options{Env: app.EnvFromOS(), Events: sink})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixture: %v\n", err)
		return exitFail
	}
	defer a.Close()

	taskID, err := a.StartTask(pipeline.StartRequest{
		TriggerSource: pipeline.TriggerFixture,
		RecordMode:    pipeline.ModeFixture,
		FixtureName:   *name,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixture: %v\n", err)
		return exitFail
	}
	fmt.Printf("task %s\n", taskID)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sink.done:
		if sink.exitFail {
			return exitFail
		}
		return exitPass
	case <-sigCtx.Done():
		_ = a.CancelTask(taskID)
		<-sink.done
		return exitFail
	case <-time.After(*timeout):
		_ = a.CancelTask(taskID)
		fmt.Fprintln(os.Stderr, "fixture: timed out")
		return exitFail
	}
}

func runMenu(args []string) int {
	fs := flag.NewFlagSet("menu", flag.ContinueOnError)
	accessible := fs.Bool("accessible", false, "Accessible mode for screen readers")
	if err := fs.Parse(args); err != nil {
		return exitBadUsage
	}

	env := app.EnvFromOS()
	if err := os.MkdirAll(env.DataDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "menu: %v\n", err)
		return exitFail
	}
	e := menu.New(config.SettingsPath(env.DataDir), menu.WithAccessible(*accessible))
	if err := e.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "menu: %v\n", err)
		return exitFail
	}
	return exitPass
}
