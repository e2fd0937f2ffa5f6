package request

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
)

func TestExtractDeploymentFromRequest(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
		wantErr  bool
	}{
		{
			name:     "Azure URL",
			url:      "https://myresource.openai.azure.com/openai/deployments/gpt-4/chat/completions?api-version=2023-05-15",
			expected: "gpt-4",
		},
		{
			name:     "Azure URL behind a path prefix",
			url:      "https://gateway.example.com/ptu/openai/deployments/extraction-gpt4/chat/completions",
			expected: "extraction-gpt4",
		},
		{
			name:    "OpenAI URL",
			url:     "https://api.openai.com/v1/chat/completions",
			wantErr: true,
		},
		{
			name:    "embeddings",
			url:     "https://myresource.openai.azure.com/openai/deployments/ada/embeddings",
			wantErr: true,
		},
		{
			name:    "empty deployment",
			url:     "https://myresource.openai.azure.com/openai/deployments//chat/completions",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest("POST", tt.url, nil)
			if err != nil {
				t.Fatalf("Failed to create request: %v", err)
			}

			got, err := ExtractDeploymentFromRequest(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExtractDeploymentFromRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ExtractDeploymentFromRequest() = %v, want %v", got, tt.expected)
			}
		})
	}

	if _, err := ExtractDeploymentFromRequest(nil); err == nil {
		t.Error("Expected error for nil request")
	}
}

func TestExtractCompletionRequest(t *testing.T) {
	payload := `{
		"model": "ignored-when-url-has-deployment",
		"messages": [{"role": "system", "content": "Extract."}, {"role": "user", "content": "Order 42"}],
		"max_tokens": 128,
		"temperature": 0.3,
		"function_call": {"name": "extract"},
		"functions": [{"name": "extract", "parameters": {"type": "object"}}]
	}`

	t.Run("deployment from url", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "https://ptu.openai.azure.com/openai/deployments/gpt-4/chat/completions", strings.NewReader(payload))

		got, err := ExtractCompletionRequest(req)
		if err != nil {
			t.Fatalf("ExtractCompletionRequest() error = %v", err)
		}
		if got.Model != "gpt-4" {
			t.Errorf("Model = %q, want gpt-4", got.Model)
		}
		if len(got.Messages) != 2 || got.MaxTokens != 128 || got.Temperature != 0.3 {
			t.Errorf("Unexpected request %+v", got)
		}
		if got.FunctionCall == nil || got.FunctionCall.Name != "extract" {
			t.Errorf("FunctionCall = %+v, want extract", got.FunctionCall)
		}
	})

	t.Run("model from body", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "http://localhost/v1/chat/completions", strings.NewReader(payload))

		got, err := ExtractCompletionRequest(req)
		if err != nil {
			t.Fatalf("ExtractCompletionRequest() error = %v", err)
		}
		if got.Model != "ignored-when-url-has-deployment" {
			t.Errorf("Model = %q", got.Model)
		}
	})

	t.Run("no deployment at all", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "http://localhost/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
		if _, err := ExtractCompletionRequest(req); err == nil {
			t.Error("Expected error without deployment")
		}
	})

	t.Run("nil body", func(t *testing.T) {
		req, _ := http.NewRequest("POST", "http://localhost/v1/chat/completions", nil)
		if _, err := ExtractCompletionRequest(req); err == nil {
			t.Error("Expected error for nil body")
		}
	})
}

func TestTransformToOpenAIResponse(t *testing.T) {
	result := &model.CompletionResult{
		Message:      model.Message{Role: "assistant", Content: "42"},
		FinishReason: "stop",
		Model:        "gpt-4",
		Usage:        model.Usage{TotalTokens: 7},
		Backend:      model.BackendPaygo,
	}

	body, err := TransformToOpenAIResponse(result)
	if err != nil {
		t.Fatalf("TransformToOpenAIResponse() error = %v", err)
	}

	var decoded struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message      model.Message `json:"message"`
			FinishReason string        `json:"finish_reason"`
		} `json:"choices"`
		Usage model.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !strings.HasPrefix(decoded.ID, "chatcmpl-") || decoded.Object != "chat.completion" {
		t.Errorf("Unexpected envelope: %s", body)
	}
	if len(decoded.Choices) != 1 || decoded.Choices[0].Message.Content != "42" || decoded.Choices[0].FinishReason != "stop" {
		t.Errorf("Unexpected choices: %s", body)
	}
	if decoded.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", decoded.Usage)
	}

	if _, err := TransformToOpenAIResponse(nil); err == nil {
		t.Error("Expected error for nil result")
	}
}

func TestTransformToOpenAIError(t *testing.T) {
	body, err := TransformToOpenAIError("Rate limit is exceeded", "rate_limit", "429")
	if err != nil {
		t.Fatalf("TransformToOpenAIError() error = %v", err)
	}
	want := `{"error":{"code":"429","message":"Rate limit is exceeded","type":"rate_limit"}}`
	if string(body) != want {
		t.Errorf("TransformToOpenAIError() = %s, want %s", body, want)
	}
}
