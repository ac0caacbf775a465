package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/anchora/pkg/config/provider"
)

const minimalConfigYAML = `
name: test-service
llms:
  main:
    provider: openai
    api_key: sk-test
search:
  endpoint: https://acme.search.example.net
  index: handbook
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func loadFromFile(t *testing.T, path string) (*Config, *Loader) {
	t.Helper()
	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return cfg, loader
}

func TestLoader_Load(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)
	cfg, loader := loadFromFile(t, path)
	defer loader.Close()

	if cfg.Name != "test-service" {
		t.Errorf("Name = %q, want test-service", cfg.Name)
	}
	if cfg.Synthesizer != "main" {
		t.Errorf("Synthesizer = %q, want main", cfg.Synthesizer)
	}
	if cfg.Search.Index != "handbook" {
		t.Errorf("Search.Index = %q, want handbook", cfg.Search.Index)
	}
	// Defaults fill in everything the file omits.
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Features.RRFK != 60 {
		t.Errorf("Features.RRFK = %d, want 60", cfg.Features.RRFK)
	}
}

func TestLoader_Load_FeaturesBlock(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML+`
features:
  enable_crag: true
  top_k: 16
  llm_timeout: 90s
`)
	cfg, loader := loadFromFile(t, path)
	defer loader.Close()

	if !cfg.Features.EnableCRAG {
		t.Error("enable_crag should be true")
	}
	if cfg.Features.TopK != 16 {
		t.Errorf("top_k = %d, want 16", cfg.Features.TopK)
	}
	if cfg.Features.LLMTimeout.Duration() != 90*time.Second {
		t.Errorf("llm_timeout = %v, want 90s", cfg.Features.LLMTimeout)
	}
	// Unset knobs inherit defaults.
	if cfg.Features.MinDocs != DefaultFeatures().MinDocs {
		t.Errorf("min_docs = %d, want default %d", cfg.Features.MinDocs, DefaultFeatures().MinDocs)
	}
}

func TestLoader_Load_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_SEARCH_KEY", "secret-key-123")
	defer os.Unsetenv("TEST_SEARCH_KEY")

	path := writeConfigFile(t, `
llms:
  main:
    provider: openai
    api_key: sk-test
search:
  endpoint: https://acme.search.example.net
  index: ${TEST_INDEX:-handbook}
  api_key: ${TEST_SEARCH_KEY}
`)
	cfg, loader := loadFromFile(t, path)
	defer loader.Close()

	if cfg.Search.APIKey != "secret-key-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Search.APIKey)
	}
	if cfg.Search.Index != "handbook" {
		t.Errorf("Index = %q, want default from ${VAR:-default}", cfg.Search.Index)
	}
}

func TestLoader_Load_FileNotFound(t *testing.T) {
	p, err := provider.NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestLoader_Load_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "this is: [not: valid: yaml")
	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	if _, err := loader.Load(context.Background()); err == nil {
		t.Fatal("Load should fail on invalid YAML")
	}
}

func TestLoader_Load_ValidationFailure(t *testing.T) {
	path := writeConfigFile(t, `
llms:
  main:
    provider: frontier-9000
    api_key: sk-test
search:
  endpoint: https://acme.search.example.net
  index: handbook
`)
	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	_, err = loader.Load(context.Background())
	if err == nil {
		t.Fatal("Load should fail validation")
	}
	if !strings.Contains(err.Error(), "invalid provider") {
		t.Errorf("error %q should mention the invalid provider", err)
	}
}

func TestLoader_Load_JSONFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"llms":{"main":{"provider":"openai","api_key":"sk-test"}},` +
		`"search":{"endpoint":"https://acme.search.example.net","index":"handbook"}}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, loader := loadFromFile(t, path)
	defer loader.Close()

	if cfg.Search.Index != "handbook" {
		t.Errorf("Index = %q, want handbook", cfg.Search.Index)
	}
}

func TestLoader_Watch(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	var reloads int32
	loader := NewLoader(p, WithOnChange(func(cfg *Config) {
		atomic.AddInt32(&reloads, 1)
	}))
	defer loader.Close()

	if _, err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Initial load failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = loader.Watch(ctx)
	}()

	// Give the watcher time to arm before touching the file.
	time.Sleep(200 * time.Millisecond)

	updated := strings.Replace(minimalConfigYAML, "test-service", "renamed-service", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to rewrite config file: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if atomic.LoadInt32(&reloads) == 0 {
		t.Error("onChange should fire after the file changes")
	}
}

func TestParseRaw(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantKey string
		wantErr bool
	}{
		{name: "yaml", input: "name: svc\nport: 1", wantKey: "name"},
		{name: "json", input: `{"name":"svc"}`, wantKey: "name"},
		{name: "garbage", input: "::::{{{", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseRaw([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("parseRaw should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRaw failed: %v", err)
			}
			if _, ok := m[tt.wantKey]; !ok {
				t.Errorf("parsed map missing key %q: %v", tt.wantKey, m)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	os.Setenv("ANCHORA_TEST_VAR", "value-1")
	defer os.Unsetenv("ANCHORA_TEST_VAR")
	os.Unsetenv("ANCHORA_TEST_UNSET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "braced", input: "${ANCHORA_TEST_VAR}", want: "value-1"},
		{name: "bare", input: "$ANCHORA_TEST_VAR", want: "value-1"},
		{name: "embedded", input: "key=${ANCHORA_TEST_VAR}!", want: "key=value-1!"},
		{name: "default_used", input: "${ANCHORA_TEST_UNSET:-fallback}", want: "fallback"},
		{name: "default_ignored", input: "${ANCHORA_TEST_VAR:-fallback}", want: "value-1"},
		{name: "unset_empty", input: "${ANCHORA_TEST_UNSET}", want: ""},
		{name: "no_vars", input: "plain text", want: "plain text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnv(tt.input); got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, minimalConfigYAML)
	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer loader.Close()

	if cfg.Name != "test-service" {
		t.Errorf("Name = %q, want test-service", cfg.Name)
	}
	if loader.Provider().Type() != provider.TypeFile {
		t.Errorf("provider type = %v, want file", loader.Provider().Type())
	}
}
