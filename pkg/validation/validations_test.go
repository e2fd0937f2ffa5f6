package validation

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"golang.org/x/oauth2"
)

func validConfig() model.Config {
	return model.Config{
		Primary: model.Connection{
			APIBase:    "https://ptu.openai.azure.com",
			APIKey:     "ptu-key",
			APIVersion: "2023-05-15",
		},
		Secondary: model.Connection{
			APIBase:    "https://paygo.openai.azure.com",
			APIKey:     "paygo-key",
			APIVersion: "2023-05-15",
		},
		PTUMaxWait: model.DefaultPTUMaxWait,
		Timeout:    model.DefaultTimeout,
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(c *model.Config)
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid config",
			modify: func(c *model.Config) {},
		},
		{
			name: "valid config with token source",
			modify: func(c *model.Config) {
				c.Primary.APIKey = ""
				c.Primary.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "t"})
			},
		},
		{
			name:        "missing primary api base",
			modify:      func(c *model.Config) { c.Primary.APIBase = "" },
			wantErr:     true,
			errContains: "Primary.APIBase is required",
		},
		{
			name:        "invalid secondary url",
			modify:      func(c *model.Config) { c.Secondary.APIBase = "not a url" },
			wantErr:     true,
			errContains: "Secondary.APIBase must be a valid URL",
		},
		{
			name:        "missing api version",
			modify:      func(c *model.Config) { c.Secondary.APIVersion = "" },
			wantErr:     true,
			errContains: "Secondary.APIVersion is required",
		},
		{
			name:        "missing credentials",
			modify:      func(c *model.Config) { c.Secondary.APIKey = "" },
			wantErr:     true,
			errContains: "Secondary needs an api key",
		},
		{
			name:   "explicit zero budget",
			modify: func(c *model.Config) { c.PTUMaxWait = model.NoPTUWait },
		},
		{
			name:        "negative budget",
			modify:      func(c *model.Config) { c.PTUMaxWait = -time.Second },
			wantErr:     true,
			errContains: "PTUMaxWait must be greater than or equal to -1",
		},
		{
			name:        "negative retries",
			modify:      func(c *model.Config) { c.MaxOpenAIRetries = -1 },
			wantErr:     true,
			errContains: "MaxOpenAIRetries",
		},
		{
			name:        "unknown log level",
			modify:      func(c *model.Config) { c.LogLevel = "trace" },
			wantErr:     true,
			errContains: "LogLevel must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			err := ValidateConfig(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if !IsValidationError(err) {
					t.Errorf("Expected *ValidationError, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ValidateConfig() error = %v, want error containing %q", err, tt.errContains)
				}
			}
		})
	}
}

func validRequest() *model.CompletionRequest {
	return &model.CompletionRequest{
		Model: "gpt-4",
		Messages: []model.Message{
			{Role: "system", Content: "Extract the invoice number."},
			{Role: "user", Content: "Invoice INV-42 is attached."},
		},
		MaxTokens:    256,
		Temperature:  0.2,
		FunctionCall: &model.FunctionCallDirective{Name: "extract"},
		Functions:    []model.Function{{Name: "extract"}},
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(r *model.CompletionRequest)
		wantErr     bool
		errContains string
	}{
		{
			name:   "valid request",
			modify: func(r *model.CompletionRequest) {},
		},
		{
			name:   "auto directive without functions",
			modify: func(r *model.CompletionRequest) { r.FunctionCall = &model.FunctionCallDirective{Mode: "auto"}; r.Functions = nil },
		},
		{
			name:        "missing deployment",
			modify:      func(r *model.CompletionRequest) { r.Model = "" },
			wantErr:     true,
			errContains: "Model is required",
		},
		{
			name:        "no messages",
			modify:      func(r *model.CompletionRequest) { r.Messages = nil },
			wantErr:     true,
			errContains: "Messages is required",
		},
		{
			name:        "unknown role",
			modify:      func(r *model.CompletionRequest) { r.Messages[1].Role = "robot" },
			wantErr:     true,
			errContains: "Messages[1].Role must be one of",
		},
		{
			name:        "negative max tokens",
			modify:      func(r *model.CompletionRequest) { r.MaxTokens = -1 },
			wantErr:     true,
			errContains: "MaxTokens",
		},
		{
			name:        "temperature too high",
			modify:      func(r *model.CompletionRequest) { r.Temperature = 2.5 },
			wantErr:     true,
			errContains: "Temperature must be less than or equal to 2",
		},
		{
			name:        "function without a name",
			modify:      func(r *model.CompletionRequest) { r.Functions = append(r.Functions, model.Function{}) },
			wantErr:     true,
			errContains: "Functions[1].Name is required",
		},
		{
			name:        "undeclared function",
			modify:      func(r *model.CompletionRequest) { r.FunctionCall = &model.FunctionCallDirective{Name: "missing"} },
			wantErr:     true,
			errContains: `function "missing" is not declared`,
		},
		{
			name:        "assistant first",
			modify:      func(r *model.CompletionRequest) { r.Messages[0].Role = "assistant" },
			wantErr:     true,
			errContains: "first message must be from system or user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(req)

			err := ValidateRequest(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("ValidateRequest() error = %v, want error containing %q", err, tt.errContains)
			}
		})
	}
}

func TestValidateRequestNil(t *testing.T) {
	if err := ValidateRequest(nil); err == nil {
		t.Error("Expected error for nil request")
	}
}

func TestValidateMessageSequence(t *testing.T) {
	tests := []struct {
		name     string
		messages []model.Message
		wantErr  bool
	}{
		{name: "system first", messages: []model.Message{{Role: "system"}, {Role: "user"}}},
		{name: "user first", messages: []model.Message{{Role: "user"}}},
		{name: "empty", wantErr: true},
		{name: "function first", messages: []model.Message{{Role: "function"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSequence(tt.messages)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessageSequence() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsValidationError(t *testing.T) {
	if IsValidationError(errors.New("plain")) {
		t.Error("plain error reported as validation error")
	}
	if !IsValidationError(&ValidationError{Message: "invalid"}) {
		t.Error("ValidationError not recognised")
	}
}
