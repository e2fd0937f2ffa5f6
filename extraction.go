package ptufallback

import (
	"context"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
)

// ExtractionInput is the input of the extraction tool. Messages are the
// already rendered and parsed chat messages.
type ExtractionInput struct {
	Messages       []model.Message  `json:"messages" yaml:"messages"`
	DeploymentName string           `json:"deployment_name" yaml:"deployment_name"`
	MaxTokens      int              `json:"max_tokens" yaml:"max_tokens"`
	Temperature    float64          `json:"temperature" yaml:"temperature"`
	FunctionCall   string           `json:"function_call" yaml:"function_call"`
	Functions      []model.Function `json:"functions" yaml:"functions"`
}

// Request builds the completion request for the input.
func (in ExtractionInput) Request() *model.CompletionRequest {
	return &model.CompletionRequest{
		Model:        in.DeploymentName,
		Messages:     in.Messages,
		MaxTokens:    in.MaxTokens,
		Temperature:  in.Temperature,
		FunctionCall: model.ParseFunctionCall(in.FunctionCall),
		Functions:    in.Functions,
	}
}

// Extract runs the extraction tool and returns the winning completion's
// first message as a plain mapping.
func (c *Client) Extract(ctx context.Context, in ExtractionInput) (map[string]interface{}, error) {
	result, err := c.Send(ctx, in.Request())
	if err != nil {
		return nil, err
	}
	return result.Message.ToMap(), nil
}
