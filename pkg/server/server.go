package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	ptufallback "github.com/Not-Diamond/go-ptufallback"
	"github.com/Not-Diamond/go-ptufallback/pkg/clients/azure"
	"github.com/Not-Diamond/go-ptufallback/pkg/http/request"
	"github.com/Not-Diamond/go-ptufallback/pkg/logger"
	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/Not-Diamond/go-ptufallback/pkg/validation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestIDHeader carries the id assigned to every request.
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 4 << 20

// Dispatcher is the part of *ptufallback.Client the server needs.
type Dispatcher interface {
	Send(ctx context.Context, req *model.CompletionRequest) (*model.CompletionResult, error)
	Extract(ctx context.Context, in ptufallback.ExtractionInput) (map[string]interface{}, error)
}

// ErrorResponse is the body of every non-2xx answer of the extraction API.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// NewRouter returns the HTTP handler serving d.
func NewRouter(d Dispatcher, timeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/extraction", extractionHandler(d))
	r.Post("/openai/deployments/{deployment}/chat/completions", chatCompletionsHandler(d))

	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.WithFields(logger.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request served")
	})
}

func extractionHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in ptufallback.ExtractionInput
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err := dec.Decode(&in); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error())
			return
		}

		out, err := d.Extract(r.Context(), in)
		if err != nil {
			respondDispatchError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// chatCompletionsHandler serves the Azure chat completions shape so OpenAI
// SDKs can point at the server directly.
func chatCompletionsHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		completion, err := request.ExtractCompletionRequest(r)
		if err != nil {
			respondOpenAIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "400")
			return
		}

		result, err := d.Send(r.Context(), completion)
		if err != nil {
			status, errType := classify(err)
			code := strconv.Itoa(status)
			var apiErr *azure.APIError
			if errors.As(err, &apiErr) {
				copyRetryHeaders(w.Header(), apiErr.Header)
				if apiErr.Code != "" {
					code = apiErr.Code
				}
			}
			respondOpenAIError(w, status, err.Error(), errType, code)
			return
		}

		body, err := request.TransformToOpenAIResponse(result)
		if err != nil {
			respondOpenAIError(w, http.StatusInternalServerError, err.Error(), "server_error", "500")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Served-By", result.Backend)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

// classify maps a dispatch error to an HTTP status and error kind.
func classify(err error) (int, string) {
	var (
		apiErr  *azure.APIError
		connErr *azure.ConnectionError
	)
	switch {
	case validation.IsValidationError(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.As(err, &apiErr):
		if apiErr.StatusCode >= http.StatusBadRequest {
			return apiErr.StatusCode, "upstream_error"
		}
		return http.StatusBadGateway, "upstream_error"
	case errors.As(err, &connErr):
		return http.StatusBadGateway, "upstream_unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func copyRetryHeaders(dst, src http.Header) {
	for _, key := range []string{azure.RetryAfterMsHeader, "Retry-After"} {
		if v := src.Get(key); v != "" {
			dst.Set(key, v)
		}
	}
}

func respondDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	var apiErr *azure.APIError
	if errors.As(err, &apiErr) {
		copyRetryHeaders(w.Header(), apiErr.Header)
	}
	logger.WithFields(logger.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"status":     status,
		"error":      err.Error(),
	}).Warn("extraction failed")
	respondError(w, r, status, kind, err.Error())
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, r *http.Request, statusCode int, kind, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:     kind,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func respondOpenAIError(w http.ResponseWriter, statusCode int, message, errType, code string) {
	body, err := request.TransformToOpenAIError(message, errType, code)
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
