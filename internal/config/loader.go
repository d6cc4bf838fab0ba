// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides (VOXTYPE_LLM_MODEL,
// VOXTYPE_ASR_MODEL_ID, ...).
const EnvPrefix = "VOXTYPE"

// Loader reads settings from the JSON document plus environment overrides.
//
// Precedence, highest first:
//  1. VOXTYPE_* environment variables
//  2. settings.json
//
// Reload swaps the whole koanf instance atomically so readers always see a
// consistent document.
type Loader struct {
	mu       sync.RWMutex
	k        *koanf.Koanf
	filePath string
}

// NewLoader creates a loader bound to the settings document at path and
// performs the initial load. A missing file is not an error: the document
// is treated as empty and required keys surface later through the
// resolver's E_SETTINGS_* refusals.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{filePath: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads all sources and swaps them in atomically.
func (l *Loader) Reload() error {
	k := koanf.New(".")

	if l.filePath != "" {
		if _, err := os.Stat(l.filePath); err == nil {
			if err := k.Load(file.Provider(l.filePath), kjson.Parser()); err != nil {
				return fmt.Errorf("load settings file: %w", err)
			}
		}
	}

	// Environment overrides. The provider strips the VOXTYPE_ prefix; the
	// transform maps the known group prefixes onto dotted paths so
	// VOXTYPE_LLM_BASE_URL becomes llm.base_url.
	groups := []string{"hotkeys_", "preprocess_", "llm_", "asr_", "context_", "export_"}
	envProvider := env.Provider(".", env.Opt{
		Prefix: EnvPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix+"_"))
			for _, g := range groups {
				if strings.HasPrefix(key, g) {
					return strings.TrimSuffix(g, "_") + "." + strings.TrimPrefix(key, g), value
				}
			}
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("load environment overrides: %w", err)
	}

	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return nil
}

// Settings unmarshals the current document into a Settings value.
func (l *Loader) Settings() (*Settings, error) {
	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return &s, nil
}

// Exists reports whether a dotted key is present in any source.
func (l *Loader) Exists(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k.Exists(key)
}

// Watch blocks watching the settings file and invokes onChange after each
// successful reload (with the fresh Settings) until ctx is cancelled.
// Reload or parse failures are reported through onError and the previous
// document stays in effect.
func (l *Loader) Watch(ctx context.Context, onChange func(*Settings), onError func(error)) error {
	if l.filePath == "" {
		return fmt.Errorf("cannot watch: no settings path")
	}

	fp := file.Provider(l.filePath)
	err := fp.Watch(func(_ interface{}, err error) {
		if err != nil {
			onError(fmt.Errorf("settings watch: %w", err))
			return
		}
		if err := l.Reload(); err != nil {
			onError(err)
			return
		}
		s, err := l.Settings()
		if err != nil {
			onError(err)
			return
		}
		onChange(s)
	})
	if err != nil {
		return fmt.Errorf("start settings watch: %w", err)
	}

	<-ctx.Done()
	return ctx.Err()
}
