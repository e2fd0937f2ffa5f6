package ptufallback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/http/request"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
)

// Transport is an http.RoundTripper that answers Azure chat completion
// calls through a Client, so existing OpenAI SDK clients get the PTU
// fallback by swapping their transport.
type Transport struct {
	client *Client
}

// NewTransport creates a Transport backed by a new Client.
func NewTransport(config model.Config, opts ...Option) (*Transport, error) {
	logger.Info("🏁 Initializing Transport")
	client, err := Init(config, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Transport{client: client}, nil
}

// Client returns the client serving the transport.
func (t *Transport) Client() *Client {
	return t.client
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	completion, err := request.ExtractCompletionRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to extract completion request: %w", err)
	}

	result, err := t.client.Send(req.Context(), completion)
	if err != nil {
		var apiErr *azure.APIError
		if errors.As(err, &apiErr) {
			return errorResponse(req, apiErr)
		}
		return nil, err
	}

	body, err := request.TransformToOpenAIResponse(result)
	if err != nil {
		return nil, err
	}
	resp := newResponse(req, http.StatusOK, http.Header{}, body)
	resp.Header.Set("X-Served-By", result.Backend)
	return resp, nil
}

// errorResponse replays an endpoint error so the caller's SDK sees the
// status and headers it would have seen from Azure.
func errorResponse(req *http.Request, apiErr *azure.APIError) (*http.Response, error) {
	code := apiErr.Code
	if code == "" {
		code = strconv.Itoa(apiErr.StatusCode)
	}
	body, err := request.TransformToOpenAIError(apiErr.Message, apiErr.Type, code)
	if err != nil {
		return nil, err
	}
	header := apiErr.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")

	status := apiErr.StatusCode
	// A 2xx that could not be decoded is the upstream's fault.
	if status < http.StatusBadRequest {
		status = http.StatusBadGateway
	}
	return newResponse(req, status, header, body), nil
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	header.Set("Content-Type", "application/json")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
