// Package analyzer adapts the external generative collaborator to the
// summarization pipeline.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/errors"
	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/types"
)

const (
	providerName   = "analyzer"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 4 << 10
)

// Request is one generative analysis request
type Request struct {
	CardVersion string        `json:"card_version"`
	ContextHash string        `json:"context_hash"`
	Context     string        `json:"context"`
	Profile     string        `json:"profile,omitempty"`
	Events      []types.Event `json:"events,omitempty"`
}

// Result is the collaborator's answer plus its consumption
type Result struct {
	Analysis types.Analysis `json:"analysis"`
	Usage    types.Usage    `json:"usage"`
}

// Config configures an HTTPAnalyzer
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPAnalyzer posts requests as JSON to a configured endpoint
type HTTPAnalyzer struct {
	config     Config
	httpClient *http.Client
}

// NewHTTPAnalyzer creates an analyzer. A nil client gets one with config.Timeout.
func NewHTTPAnalyzer(config Config, client *http.Client) *HTTPAnalyzer {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPAnalyzer{config: config, httpClient: client}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Analyze sends the request. HTTP 429 and 402 and an insufficient_quota
// error code are reported as QuotaExhausted; other failures as External.
func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) (Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal analyzer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, appErrors.NewExternalError(providerName, "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, classify(resp)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, appErrors.NewExternalError(providerName, "invalid response body").WithCause(err)
	}
	return result, nil
}

func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorBody
	_ = json.Unmarshal(raw, &body)
	message := body.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPaymentRequired,
		body.Error.Code == "insufficient_quota",
		body.Error.Type == "insufficient_quota":
		return appErrors.NewQuotaExhaustedError(providerName, message).
			WithDetail("status", fmt.Sprintf("%d", resp.StatusCode))
	default:
		return appErrors.NewExternalError(providerName, fmt.Sprintf("status %d: %s", resp.StatusCode, message))
	}
}

// Unavailable is used when no analyzer endpoint is configured. Every call
// fails, so the pipeline answers with the fallback summarizer.
type Unavailable struct{}

// Analyze always fails
func (Unavailable) Analyze(ctx context.Context, req Request) (Result, error) {
	return Result{}, appErrors.NewExternalError(providerName, "no analyzer endpoint configured")
}
