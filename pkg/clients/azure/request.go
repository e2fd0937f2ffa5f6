package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
)

// ChatCompletionsURL returns the chat completions URL of a deployment.
func ChatCompletionsURL(conn model.Connection, deployment string) (string, error) {
	if conn.APIBase == "" {
		return "", errors.New("api base cannot be empty")
	}
	if deployment == "" {
		return "", errors.New("deployment cannot be empty")
	}

	base, err := url.Parse(strings.TrimRight(conn.APIBase, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid api base: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid api base %q: scheme and host are required", conn.APIBase)
	}

	base.Path += "/openai/deployments/" + url.PathEscape(deployment) + "/chat/completions"
	q := base.Query()
	q.Set("api-version", conn.APIVersion)
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// NewRequest creates a chat completion request for the Azure API.
func NewRequest(ctx context.Context, conn model.Connection, deployment string, body []byte) (*http.Request, error) {
	target, err := ChatCompletionsURL(conn, deployment)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if conn.TokenSource != nil {
		tok, err := conn.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain Azure AD token: %w", err)
		}
		tok.SetAuthHeader(req)
	} else {
		req.Header.Set("api-key", conn.APIKey)
	}

	return req, nil
}
