package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/types"
)

// Client implements the Backend interface for the legacy Chat Completions surface.
type Client struct {
	client *openai.Client
	config *Config
	logger *logrus.Logger
}

// Config holds connection parameters for the legacy surface.
type Config struct {
	Endpoint   string        `yaml:"endpoint"`
	APIKey     string        `yaml:"api_key"`
	APIVersion string        `yaml:"api_version"`
	Deployment string        `yaml:"deployment"` // doubles as the model name on non-Azure endpoints
	Timeout    time.Duration `yaml:"timeout"`
}

// NewClient creates a client for the legacy Chat Completions surface.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	var clientConfig openai.ClientConfig
	if config.Endpoint != "" {
		clientConfig = openai.DefaultAzureConfig(config.APIKey, config.Endpoint)
		if config.APIVersion != "" {
			clientConfig.APIVersion = config.APIVersion
		}
		deployment := config.Deployment
		clientConfig.AzureModelMapperFunc = func(model string) string {
			return deployment
		}
	} else {
		clientConfig = openai.DefaultConfig(config.APIKey)
	}

	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// Type returns the backend identifier.
func (c *Client) Type() types.BackendType {
	return types.BackendLegacy
}

// Complete performs a completion request against the legacy surface.
func (c *Client) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.convertRequest(req))
	if err != nil {
		classified := c.classify(ctx, err)
		c.logger.WithError(classified).WithFields(logrus.Fields{
			"backend":        types.BackendLegacy,
			"correlation_id": classified.CorrelationID,
		}).Error("Chat completion call failed")
		return nil, classified
	}

	return c.convertResponse(&resp), nil
}

// Probe issues a minimal one-token completion to test whether the surface
// is reachable. The result is returned as a classified error; interpreting
// expected negatives is the detector's job.
func (c *Client) Probe(ctx context.Context) error {
	req := openai.ChatCompletionRequest{
		Model: c.config.Deployment,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens: 1,
	}

	if _, err := c.client.CreateChatCompletion(ctx, req); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

func (c *Client) classify(ctx context.Context, err error) *backends.Error {
	return backends.Classify(err, types.BackendLegacy, c.config.Endpoint, c.config.Deployment, backends.CorrelationIDFrom(ctx))
}

// convertRequest converts our unified request to the Chat Completions format
func (c *Client) convertRequest(req *types.CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	model := req.Model
	if model == "" {
		model = c.config.Deployment
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stop:     req.Stop,
		User:     req.User,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}

	return openaiReq
}

// convertResponse converts the Chat Completions response to our format
func (c *Client) convertResponse(resp *openai.ChatCompletionResponse) *types.CompletionResponse {
	choices := make([]types.Choice, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		choices = append(choices, types.Choice{
			Index: choice.Index,
			Message: types.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
			FinishReason: string(choice.FinishReason),
		})
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.CompletionResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage:   usage,
	}
}

// Ensure Client implements the Backend interface
var _ backends.Backend = (*Client)(nil)
