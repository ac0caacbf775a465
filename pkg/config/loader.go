// Copyright 2026 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/anchora/pkg/config/provider"
	"github.com/kadirpekel/anchora/pkg/session"
)

// Loader turns a provider's raw bytes into a validated Config. The same
// pipeline runs on initial load and on every watched reload: parse, expand
// environment references, decode, default, validate.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked with each successfully reloaded
// config.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader over the given provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOnChange replaces the reload callback. Call before Watch.
func (l *Loader) SetOnChange(fn func(*Config)) {
	l.onChange = fn
}

// Load runs the full pipeline once and returns the effective config.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	data, err := l.provider.Load(ctx)
	if err != nil {
		return nil, session.WrapError(session.KindConfig, "reading config source", err)
	}

	raw, err := parseRaw(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := decode(expandTree(raw), cfg); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch blocks until ctx is cancelled, re-running Load whenever the
// provider signals a change. A reload that fails to parse or validate is
// logged and skipped; the previous config stays in effect.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return session.WrapError(session.KindConfig, "starting config watch", err)
	}
	if changes == nil {
		slog.Info("config source does not support watching", "type", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("watching config source", "type", l.provider.Type())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			cfg, err := l.Load(ctx)
			if err != nil {
				slog.Error("config reload rejected, keeping previous", "error", err)
				continue
			}
			slog.Info("config reloaded", "type", l.provider.Type())
			if l.onChange != nil {
				l.onChange(cfg)
			}
		}
	}
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// Provider exposes the underlying source.
func (l *Loader) Provider() provider.Provider {
	return l.provider
}

// parseRaw reads the source bytes as YAML, falling back to JSON. YAML is a
// superset of JSON in principle but not in every corner of the parser, so
// the fallback is genuine.
func parseRaw(data []byte) (map[string]any, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err == nil {
		return tree, nil
	}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, session.WrapError(session.KindConfig, "config is neither valid YAML nor JSON", err)
	}
	return tree, nil
}

// decode maps the parsed tree onto the Config struct. WeaklyTypedInput
// keeps env-expanded strings usable for numeric fields.
func decode(tree map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return session.WrapError(session.KindInternalInvariant, "building config decoder", err)
	}
	if err := dec.Decode(tree); err != nil {
		return session.WrapError(session.KindConfig, "decoding config", err)
	}
	return nil
}

// expandTree rewrites every string in the tree through expandEnv.
func expandTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		out[k] = expandNode(v)
	}
	return out
}

func expandNode(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnv(val)
	case map[string]any:
		return expandTree(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandNode(item)
		}
		return out
	default:
		return v
	}
}

// envRefPattern matches ${VAR}, ${VAR:-default}, and bare $VAR.
var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv substitutes environment references in s. An unset variable
// expands to its ${VAR:-default} fallback when present, otherwise to the
// empty string.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if !strings.HasPrefix(ref, "${") {
			return os.Getenv(ref[1:])
		}
		inner := ref[2 : len(ref)-1]
		name, fallback, hasFallback := strings.Cut(inner, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// LoadConfig builds a provider from opts, loads through it once, and hands
// back both the config and the loader so the caller can keep watching.
func LoadConfig(ctx context.Context, opts provider.ProviderConfig) (*Config, *Loader, error) {
	p, err := provider.New(opts)
	if err != nil {
		return nil, nil, session.WrapError(session.KindConfig, "creating config provider", err)
	}

	loader := NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// LoadConfigFile loads from a file path.
func LoadConfigFile(ctx context.Context, path string) (*Config, *Loader, error) {
	return LoadConfig(ctx, provider.ProviderConfig{
		Type: provider.TypeFile,
		Path: path,
	})
}
