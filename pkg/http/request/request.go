package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/google/uuid"
)

const deploymentsSegment = "/openai/deployments/"

// readBody reads the request body and always restores it for future reads.
func readBody(req *http.Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	if req.Body == nil {
		return nil, fmt.Errorf("request body is nil")
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewBuffer(body))
	return body, nil
}

// ExtractDeploymentFromRequest returns the deployment named in an Azure chat
// completions URL, e.g. /openai/deployments/{deployment}/chat/completions.
func ExtractDeploymentFromRequest(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", fmt.Errorf("request is nil")
	}

	path := req.URL.Path
	i := strings.Index(path, deploymentsSegment)
	if i < 0 {
		return "", fmt.Errorf("no deployment in path %q", path)
	}
	rest := path[i+len(deploymentsSegment):]
	deployment, tail, _ := strings.Cut(rest, "/")
	if deployment == "" || tail != "chat/completions" {
		return "", fmt.Errorf("not a chat completions path: %q", path)
	}
	return deployment, nil
}

// ExtractCompletionRequest decodes a chat completions call. The deployment
// comes from the URL when present, otherwise from the body's model field.
func ExtractCompletionRequest(req *http.Request) (*model.CompletionRequest, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}

	var completion model.CompletionRequest
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal body: %w", err)
	}

	if deployment, err := ExtractDeploymentFromRequest(req); err == nil {
		completion.Model = deployment
	}
	if completion.Model == "" {
		return nil, fmt.Errorf("no deployment in URL or model in body")
	}
	return &completion, nil
}

type choice struct {
	Index        int           `json:"index"`
	Message      model.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type completionResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []choice    `json:"choices"`
	Usage   model.Usage `json:"usage"`
}

// TransformToOpenAIResponse renders a result as an OpenAI chat completion body.
func TransformToOpenAIResponse(result *model.CompletionResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("result is nil")
	}

	resp := completionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.Model,
		Choices: []choice{{Index: 0, Message: result.Message, FinishReason: result.FinishReason}},
		Usage:   result.Usage,
	}
	return json.Marshal(resp)
}

// TransformToOpenAIError renders an error body in the OpenAI error format.
func TransformToOpenAIError(message, errType, code string) ([]byte, error) {
	payload := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}
	return json.Marshal(payload)
}
