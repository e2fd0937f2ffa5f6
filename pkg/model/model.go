package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/redis"
	"golang.org/x/oauth2"
)

const (
	// DefaultPTUMaxWait is the retry budget used when none is configured.
	DefaultPTUMaxWait = 4000 * time.Millisecond
	// NoPTUWait is an explicit zero budget: the first rate limit with a
	// positive hint falls back. The zero value of PTUMaxWait means default.
	NoPTUWait = time.Duration(-1)
	// DefaultTimeout bounds a single HTTP call to one endpoint.
	DefaultTimeout = 100 * time.Second
)

// Backend names used in logs and metrics.
const (
	BackendPTU   = "ptu"
	BackendPaygo = "paygo"
)

// Connection describes how to reach one Azure OpenAI resource.
type Connection struct {
	APIBase    string `yaml:"api_base" json:"api_base" validate:"required,url"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	APIVersion string `yaml:"api_version" json:"api_version" validate:"required"`

	// TokenSource, when set, is used instead of APIKey (Azure AD auth).
	TokenSource oauth2.TokenSource `yaml:"-" json:"-" validate:"-"`
}

// FunctionCall is a function invocation requested by the model.
type FunctionCall struct {
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
}

// Message is a single chat message.
type Message struct {
	Role         string        `json:"role" yaml:"role" validate:"required,oneof=system user assistant function"`
	Content      string        `json:"content" yaml:"content"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty" yaml:"function_call,omitempty"`
}

// ToMap returns the message as a plain mapping. Content is nil when the
// model answered with a function call and no text.
func (m Message) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"role":    m.Role,
		"content": m.Content,
	}
	if m.Content == "" && m.FunctionCall != nil {
		out["content"] = nil
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.FunctionCall != nil {
		out["function_call"] = map[string]interface{}{
			"name":      m.FunctionCall.Name,
			"arguments": m.FunctionCall.Arguments,
		}
	} else {
		out["function_call"] = nil
	}
	return out
}

// Function is a function schema the model may call.
type Function struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// FunctionCallDirective controls function calling: "auto", "none" or a
// specific function by name.
type FunctionCallDirective struct {
	Mode string
	Name string
}

// ParseFunctionCall turns the tool's string parameter into a directive.
// "auto" and "none" are modes; anything else names a function.
func ParseFunctionCall(s string) *FunctionCallDirective {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return nil
	case "auto", "none":
		return &FunctionCallDirective{Mode: s}
	default:
		return &FunctionCallDirective{Name: s}
	}
}

func (d FunctionCallDirective) MarshalJSON() ([]byte, error) {
	if d.Name != "" {
		return json.Marshal(map[string]string{"name": d.Name})
	}
	return json.Marshal(d.Mode)
}

func (d *FunctionCallDirective) UnmarshalJSON(data []byte) error {
	var mode string
	if err := json.Unmarshal(data, &mode); err == nil {
		if parsed := ParseFunctionCall(mode); parsed != nil {
			*d = *parsed
		} else {
			*d = FunctionCallDirective{}
		}
		return nil
	}
	var named struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &named); err != nil {
		return fmt.Errorf("function_call must be a string or an object with a name: %w", err)
	}
	*d = FunctionCallDirective{Name: named.Name}
	return nil
}

// CompletionRequest holds the parameters of a chat completion call.
// Model is the Azure deployment name.
type CompletionRequest struct {
	Model        string                 `json:"model" validate:"required"`
	Messages     []Message              `json:"messages" validate:"required,min=1,dive"`
	MaxTokens    int                    `json:"max_tokens,omitempty" validate:"gte=0"`
	Temperature  float64                `json:"temperature" validate:"gte=0,lte=2"`
	FunctionCall *FunctionCallDirective `json:"function_call,omitempty" validate:"-"`
	Functions    []Function             `json:"functions,omitempty" validate:"dive"`
}

// Usage is the token accounting returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the first choice of a completion, plus the name of the
// backend that served it.
type CompletionResult struct {
	Message      Message
	FinishReason string
	Model        string
	Usage        Usage
	Backend      string
}

// Config is the configuration for the fallback client.
type Config struct {
	Primary   Connection
	Secondary Connection

	// PTUMaxWait is the extra latency accepted from the PTU deployment
	// before switching to pay-as-you-go for the request.
	// Zero selects DefaultPTUMaxWait; NoPTUWait disables waiting.
	PTUMaxWait time.Duration `validate:"gte=-1"`
	// MaxOpenAIRetries is the number of endpoint-internal retries.
	MaxOpenAIRetries int `validate:"gte=0"`

	Timeout           time.Duration `validate:"gte=0"`
	RequestsPerMinute int           `validate:"gte=0"`
	RedisConfig       *redis.Config
	LogLevel          string `validate:"omitempty,oneof=debug info warn error"`
}

// RetryBudget resolves PTUMaxWait to the budget the dispatcher enforces.
func (c Config) RetryBudget() time.Duration {
	switch {
	case c.PTUMaxWait == 0:
		return DefaultPTUMaxWait
	case c.PTUMaxWait < 0:
		return 0
	default:
		return c.PTUMaxWait
	}
}
