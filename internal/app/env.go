// SPDX-License-Identifier: MIT

package app

import (
	"os"
	"path/filepath"
	"strconv"
)

// Env is the process environment the core recognises. Settings-document
// keys (including the LLM override triplet VOXTYPE_LLM_BASE_URL / _MODEL /
// _API_KEY) are handled by the config loader's env provider; the knobs
// here sit outside the settings document.
type Env struct {
	DataDir           string
	TraceEnabled      bool
	TraceBacktrace    bool
	TraceMaxBytes     int64
	TraceMaxFiles     int
	DebugVerbose      bool
	DebugDumpLLM      bool
	DebugDumpASR      bool
	ASRResident       bool
	ScreenshotMaxEdge int
}

// EnvFromOS reads the environment with its defaults applied.
func EnvFromOS() Env {
	e := Env{
		DataDir:        os.Getenv("VOXTYPE_DATA_DIR"),
		TraceEnabled:   envBool("VOXTYPE_TRACE_ENABLED", true),
		TraceBacktrace: envBool("VOXTYPE_TRACE_BACKTRACE", true),
		TraceMaxBytes:  envInt64("VOXTYPE_TRACE_MAX_BYTES", 0),
		TraceMaxFiles:  int(envInt64("VOXTYPE_TRACE_MAX_FILES", 0)),
		DebugVerbose:   envBool("VOXTYPE_DEBUG_VERBOSE", false),
		ASRResident:    envBool("VOXTYPE_ASR_RESIDENT", true),
	}
	if e.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			e.DataDir = filepath.Join(home, ".voxtype")
		} else {
			e.DataDir = ".voxtype"
		}
	}
	// The sub-flags only matter when verbose debugging is on; they default
	// to on so VOXTYPE_DEBUG_VERBOSE=1 alone dumps everything.
	e.DebugDumpLLM = e.DebugVerbose && envBool("VOXTYPE_DEBUG_DUMP_LLM", true)
	e.DebugDumpASR = e.DebugVerbose && envBool("VOXTYPE_DEBUG_DUMP_ASR", true)
	e.ScreenshotMaxEdge = int(envInt64("VOXTYPE_SCREENSHOT_MAX_EDGE", 0))
	return e
}

func envBool(key string, def bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envInt64(key string, def int64) int64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
