package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/types"
)

const (
	// DefaultTimeout bounds requests when no custom HTTP client is supplied
	DefaultTimeout = 2 * time.Minute

	defaultUserAgent = "switchyard/1.0"
)

// Client implements the Backend interface for the newer Responses surface.
// The pinned SDK release predates this surface, so the client speaks HTTP
// directly.
type Client struct {
	config     *Config
	httpClient *http.Client
	userAgent  string
	logger     *logrus.Logger
}

// Config holds connection parameters for the primary surface.
type Config struct {
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	APIVersion string        `yaml:"api_version"`
	Deployment string        `yaml:"deployment"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Option is a function that configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithUserAgent sets a custom user agent for requests
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// NewClient creates a client for the Responses surface.
func NewClient(config *Config, logger *logrus.Logger, opts ...Option) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		config:    config,
		userAgent: defaultUserAgent,
		logger:    logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Type returns the backend identifier.
func (c *Client) Type() types.BackendType {
	return types.BackendPrimary
}

// Complete performs a completion request against the Responses surface.
func (c *Client) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	wireReq := c.convertRequest(req)

	envelope, err := c.doRequest(ctx, wireReq)
	if err != nil {
		classified := c.classify(ctx, err)
		c.logger.WithError(classified).WithFields(logrus.Fields{
			"backend":        types.BackendPrimary,
			"correlation_id": classified.CorrelationID,
		}).Error("Responses call failed")
		return nil, classified
	}

	return c.convertResponse(envelope), nil
}

// Probe issues a deliberately minimal request to test whether the surface
// exists. A generic bad-request answer still proves the endpoint is there;
// the detector interprets the classified error.
func (c *Client) Probe(ctx context.Context) error {
	one := 1
	wireReq := &responseRequest{
		Model:           c.config.Deployment,
		Input:           []inputItem{{Role: "user", Content: "ping"}},
		MaxOutputTokens: &one,
	}

	if _, err := c.doRequest(ctx, wireReq); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

func (c *Client) classify(ctx context.Context, err error) *backends.Error {
	return backends.Classify(err, types.BackendPrimary, c.config.Endpoint, c.config.Deployment, backends.CorrelationIDFrom(ctx))
}

// requestURL builds the surface URL. Azure-style endpoints version the
// path via query parameter; plain endpoints use the /v1 prefix.
func (c *Client) requestURL() string {
	base := strings.TrimRight(c.config.Endpoint, "/")
	if c.config.APIVersion != "" {
		return fmt.Sprintf("%s/openai/responses?api-version=%s", base, c.config.APIVersion)
	}
	return base + "/v1/responses"
}

// doRequest performs the HTTP exchange and decodes the response envelope.
func (c *Client) doRequest(ctx context.Context, body *responseRequest) (*responseEnvelope, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL(), bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.config.APIVersion != "" {
		req.Header.Set("api-key", c.config.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.parseError(ctx, resp)
	}

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &envelope, nil
}

// parseError turns a non-2xx answer into a classified error.
func (c *Client) parseError(ctx context.Context, resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if err != nil {
		return backends.FromStatus(resp.StatusCode, "unreadable error body", types.BackendPrimary,
			c.config.Endpoint, c.config.Deployment, backends.CorrelationIDFrom(ctx))
	}

	message := strings.TrimSpace(string(body))
	var wireErr struct {
		Error *wireError `json:"error"`
	}
	if err := json.Unmarshal(body, &wireErr); err == nil && wireErr.Error != nil && wireErr.Error.Message != "" {
		message = wireErr.Error.Message
	}

	return backends.FromStatus(resp.StatusCode, message, types.BackendPrimary,
		c.config.Endpoint, c.config.Deployment, backends.CorrelationIDFrom(ctx))
}

func (c *Client) convertRequest(req *types.CompletionRequest) *responseRequest {
	input := make([]inputItem, 0, len(req.Messages))
	for _, msg := range req.Messages {
		input = append(input, inputItem{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	model := req.Model
	if model == "" {
		model = c.config.Deployment
	}

	return &responseRequest{
		Model:           model,
		Input:           input,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		User:            req.User,
	}
}

// convertResponse flattens the output items into chat-shaped choices so
// callers see one response format regardless of backend.
func (c *Client) convertResponse(envelope *responseEnvelope) *types.CompletionResponse {
	var text strings.Builder
	for _, item := range envelope.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				text.WriteString(part.Text)
			}
		}
	}

	finishReason := "stop"
	switch envelope.Status {
	case "incomplete":
		finishReason = "length"
	case "completed", "":
	default:
		finishReason = envelope.Status
	}

	var usage *types.Usage
	if envelope.Usage != nil {
		usage = &types.Usage{
			PromptTokens:     envelope.Usage.InputTokens,
			CompletionTokens: envelope.Usage.OutputTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		}
	}

	return &types.CompletionResponse{
		ID:      envelope.ID,
		Object:  "chat.completion",
		Created: envelope.CreatedAt,
		Model:   envelope.Model,
		Choices: []types.Choice{
			{
				Index: 0,
				Message: types.Message{
					Role:    "assistant",
					Content: text.String(),
				},
				FinishReason: finishReason,
			},
		},
		Usage: usage,
	}
}

// Wire types, kept to the minimum the router needs

type responseRequest struct {
	Model           string      `json:"model"`
	Input           []inputItem `json:"input"`
	MaxOutputTokens *int        `json:"max_output_tokens,omitempty"`
	Temperature     *float32    `json:"temperature,omitempty"`
	TopP            *float32    `json:"top_p,omitempty"`
	User            string      `json:"user,omitempty"`
}

type inputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseEnvelope struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Model     string         `json:"model"`
	Status    string         `json:"status"`
	Output    []outputItem   `json:"output"`
	Usage     *responseUsage `json:"usage"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Ensure Client implements the Backend interface
var _ backends.Backend = (*Client)(nil)
