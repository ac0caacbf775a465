package llm

import (
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/session"
)

func geminiTestConfig() *config.LLMConfig {
	return &config.LLMConfig{
		Provider:       config.LLMProviderGemini,
		Model:          "gemini-2.0-flash",
		EmbeddingModel: "text-embedding-004",
		APIKey:         "test-key",
		MaxTokens:      256,
		Timeout:        config.Duration(5 * time.Second),
	}
}

func TestNewGeminiProvider_RejectsTokenAuth(t *testing.T) {
	cfg := geminiTestConfig()
	cfg.APIKey = ""
	cfg.Token = &config.TokenAuthConfig{URL: "http://localhost/token"}

	_, err := NewGeminiProvider(cfg)
	if err == nil {
		t.Fatal("NewGeminiProvider() expected error for token auth")
	}
	se, ok := session.AsError(err)
	if !ok || se.Kind != session.KindConfig {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestGeminiProvider_BuildContents(t *testing.T) {
	p := &GeminiProvider{config: geminiTestConfig()}

	contents, system := p.buildContents([]session.Message{
		{Role: session.RoleSystem, Content: "You answer from the handbook."},
		{Role: session.RoleUser, Content: "What is the travel policy?"},
		{Role: session.RoleAssistant, Content: "Economy only."},
		{Role: session.RoleUser, Content: "Any exceptions?"},
	})

	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "You answer from the handbook." {
		t.Errorf("system = %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" || contents[2].Role != "user" {
		t.Errorf("roles = %q %q %q", contents[0].Role, contents[1].Role, contents[2].Role)
	}
}

func TestGeminiProvider_BuildConfig(t *testing.T) {
	p := &GeminiProvider{config: geminiTestConfig()}

	cfg := p.buildConfig(nil, Options{MaxTokens: 64}, nil)
	if cfg.MaxOutputTokens != 64 {
		t.Errorf("MaxOutputTokens = %d, want 64", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != float32(defaultTemperature) {
		t.Errorf("Temperature = %v, want %v", cfg.Temperature, defaultTemperature)
	}
	if cfg.ResponseMIMEType != "" {
		t.Errorf("ResponseMIMEType = %q, want empty", cfg.ResponseMIMEType)
	}

	schema := MustSchemaFor[verdictFixture]("verdict")
	cfg = p.buildConfig(nil, Options{}, schema)
	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q", cfg.ResponseMIMEType)
	}
	if cfg.ResponseSchema == nil || cfg.ResponseSchema.Type != genai.TypeObject {
		t.Errorf("ResponseSchema = %+v", cfg.ResponseSchema)
	}
	if cfg.MaxOutputTokens != 256 {
		t.Errorf("MaxOutputTokens = %d, want config 256", cfg.MaxOutputTokens)
	}
}

func TestToGenaiSchema(t *testing.T) {
	schema := toGenaiSchema(map[string]any{
		"type":        "object",
		"description": "a verdict",
		"properties": map[string]any{
			"grounded": map[string]any{"type": "boolean"},
			"action":   map[string]any{"type": "string", "enum": []any{"use", "refine"}},
			"facets": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"grounded", "action"},
	})

	if schema.Type != genai.TypeObject {
		t.Errorf("Type = %v", schema.Type)
	}
	if schema.Description != "a verdict" {
		t.Errorf("Description = %q", schema.Description)
	}
	if len(schema.Properties) != 3 {
		t.Fatalf("Properties = %d, want 3", len(schema.Properties))
	}
	if schema.Properties["grounded"].Type != genai.TypeBoolean {
		t.Errorf("grounded type = %v", schema.Properties["grounded"].Type)
	}
	if got := schema.Properties["action"].Enum; len(got) != 2 || got[0] != "use" {
		t.Errorf("action enum = %v", got)
	}
	if schema.Properties["facets"].Items == nil || schema.Properties["facets"].Items.Type != genai.TypeString {
		t.Errorf("facets items = %+v", schema.Properties["facets"].Items)
	}
	if len(schema.Required) != 2 {
		t.Errorf("Required = %v", schema.Required)
	}

	if toGenaiSchema(nil) != nil {
		t.Error("nil schema should convert to nil")
	}
}

func TestParseGenaiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Parts: []*genai.Part{
						{Text: "internal reasoning", Thought: true},
						{Text: "Employees "},
						{Text: "may book economy."},
					},
				},
				FinishReason: genai.FinishReasonStop,
			},
		},
	}

	completion, err := parseGenaiResponse(resp)
	if err != nil {
		t.Fatalf("parseGenaiResponse() error = %v", err)
	}
	if completion.Text != "Employees may book economy." {
		t.Errorf("Text = %q (thought parts must be dropped)", completion.Text)
	}
	if completion.FinishReason != "stop" {
		t.Errorf("FinishReason = %q", completion.FinishReason)
	}
}

func TestParseGenaiResponse_NoCandidates(t *testing.T) {
	_, err := parseGenaiResponse(&genai.GenerateContentResponse{})
	if err == nil {
		t.Fatal("parseGenaiResponse() expected error")
	}
	se, ok := session.AsError(err)
	if !ok || se.Kind != session.KindUpstreamTransient {
		t.Errorf("error = %v, want UpstreamTransient", err)
	}
}

func TestMapGenaiFinishReason(t *testing.T) {
	tests := []struct {
		reason genai.FinishReason
		want   string
	}{
		{genai.FinishReasonStop, "stop"},
		{genai.FinishReasonMaxTokens, "length"},
		{genai.FinishReasonSafety, "content_filter"},
		{genai.FinishReasonRecitation, "stop"},
	}
	for _, tt := range tests {
		if got := mapGenaiFinishReason(tt.reason); got != tt.want {
			t.Errorf("mapGenaiFinishReason(%v) = %q, want %q", tt.reason, got, tt.want)
		}
	}
}
