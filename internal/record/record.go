// SPDX-License-Identifier: MIT

// Package record controls the backend recorder subprocess: FFmpeg capturing
// the microphone into a WAV file from hotkey press to release.
//
// One recording at a time. Stop finalises the file and registers it as a
// leased asset — the only currency the pipeline accepts; Abort discards it.
package record

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxtype/voxtype/internal/asset"
	"github.com/voxtype/voxtype/internal/fault"
	"github.com/voxtype/voxtype/internal/proc"
	"github.com/voxtype/voxtype/internal/trace"
)

// wavHeaderBytes is the size of a WAV header; a finished capture smaller
// than this carries no audio at all.
const wavHeaderBytes = 44

// Config configures the recorder.
type Config struct {
	FFmpegPath string
	Device     string // capture source, e.g. "default" for PulseAudio
	SampleRate int
	TmpDir     string
	Logger     *slog.Logger
}

// Recorder owns the single active capture process.
type Recorder struct {
	cfg    Config
	assets *asset.Registry
	tracer *trace.Tracer

	mu     sync.Mutex
	active *recording
}

type recording struct {
	id     string
	path   string
	cancel context.CancelFunc
	done   chan runResult
}

type runResult struct {
	res *proc.Result
	err error
}

// New creates a recorder registering finished captures with assets.
func New(cfg Config, assets *asset.Registry, tracer *trace.Tracer) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Device == "" {
		cfg.Device = "default"
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	return &Recorder{cfg: cfg, assets: assets, tracer: tracer}
}

// Start spawns the recorder subprocess and returns the recording id.
// A second start while one is active fails with E_RECORD_ALREADY_ACTIVE;
// an immediately-dying child is surfaced here, not at stop time.
func (r *Recorder) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return "", fault.New(fault.CodeRecordAlreadyActive, "a recording is already active")
	}

	id := uuid.NewString()
	path := filepath.Join(r.cfg.TmpDir, "voxtype-rec-"+id+".wav")

	sp := r.tracer.Begin("RECORD.start", trace.Ctx{"recording_id": id})

	runCtx, cancel := context.WithCancel(context.Background())
	rec := &recording{id: id, path: path, cancel: cancel, done: make(chan runResult, 1)}

	args := captureArgs(r.cfg, path)
	go func() {
		res, err := proc.RunCancellable(runCtx, r.cfg.FFmpegPath, args, proc.Options{Logger: r.cfg.Logger})
		rec.done <- runResult{res: res, err: err}
	}()

	// Early-exit detection: a recorder that dies right away (bad device,
	// missing binary) fails the start, instead of a confusing stop error.
	select {
	case out := <-rec.done:
		cancel()
		_ = os.Remove(path)
		err := classifyStartFailure(out)
		sp.Err(fault.CodeOf(err), err, nil)
		return "", err
	case <-time.After(300 * time.Millisecond):
	case <-ctx.Done():
		cancel()
		<-rec.done
		_ = os.Remove(path)
		sp.Cancelled(nil)
		return "", fault.Wrap(fault.CodeCancelled, "recording start cancelled", ctx.Err())
	}

	r.active = rec
	sp.Ok(trace.Ctx{"output": path})
	return id, nil
}

// Stop finalises the capture and registers it as an asset. The returned
// extension is always "wav".
func (r *Recorder) Stop(recordingID string) (assetID, ext string, err error) {
	rec, err := r.take(recordingID)
	if err != nil {
		return "", "", err
	}

	sp := r.tracer.Begin("RECORD.stop", trace.Ctx{"recording_id": recordingID})

	// Interrupt FFmpeg so it flushes and closes the container cleanly.
	rec.cancel()
	out := <-rec.done

	info, statErr := os.Stat(rec.path)
	if statErr != nil || info.Size() <= wavHeaderBytes {
		_ = os.Remove(rec.path)
		err := fault.New(fault.CodeRecordDeviceNotFound, "capture produced no audio")
		if out.res != nil && out.res.StderrTail != "" {
			err = fault.Wrap(fault.CodeRecordDeviceNotFound, "capture produced no audio", fmt.Errorf("recorder stderr: %s", out.res.StderrTail))
		}
		sp.Err(fault.CodeRecordDeviceNotFound, err, nil)
		return "", "", err
	}

	id := r.assets.Register(rec.path, "wav")
	sp.Ok(trace.Ctx{trace.KeyAssetID: id, "bytes": info.Size()})
	return id, "wav", nil
}

// Abort cancels the capture without producing an asset.
func (r *Recorder) Abort(recordingID string) error {
	rec, err := r.take(recordingID)
	if err != nil {
		return err
	}
	rec.cancel()
	<-rec.done
	_ = os.Remove(rec.path)
	r.tracer.Event("RECORD.abort", "ok", "", "", trace.Ctx{"recording_id": recordingID})
	return nil
}

// take detaches the active recording if the id matches.
func (r *Recorder) take(recordingID string) (*recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil || r.active.id != recordingID {
		return nil, fault.Newf(fault.CodeRecordUnsupported, "recording %s is not active", recordingID)
	}
	rec := r.active
	r.active = nil
	return rec, nil
}

// Active reports whether a capture is in flight.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func classifyStartFailure(out runResult) error {
	if out.err != nil {
		if code := fault.CodeOf(out.err); code == fault.CodeFFmpegNotFound {
			return out.err
		}
	}
	tail := ""
	if out.res != nil {
		tail = out.res.StderrTail
	}
	return fault.Wrap(fault.CodeRecordDeviceNotFound, "recorder exited immediately",
		fmt.Errorf("recorder stderr: %s", tail))
}

// captureArgs builds the FFmpeg capture command line: low-latency
// microphone input, 16-bit mono WAV at the configured rate.
func captureArgs(cfg Config, outPath string) []string {
	inputFormat := "pulse"
	if runtime.GOOS == "darwin" {
		inputFormat = "avfoundation"
	} else if runtime.GOOS == "windows" {
		inputFormat = "dshow"
	}

	return []string{
		"-nostdin",
		"-hide_banner",
		"-y",
		"-fflags", "+nobuffer+flush_packets",
		"-analyzeduration", "0",
		"-probesize", "32k",
		"-thread_queue_size", "256",
		"-f", inputFormat,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-i", cfg.Device,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-vn", "-sn",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath,
	}
}
