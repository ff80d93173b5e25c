// Package assistant generates and rewrites editor code through an
// OpenAI-compatible chat completion endpoint.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/utils"
)

var ErrEmptyPrompt = errors.New("prompt is required")

const (
	errNoResponse  = "No response from AI"
	errUnavailable = "AI service unavailable"
)

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type Client struct {
	client  *openai.Client
	model   string
	prompts *promptSet
	log     *utils.Logger
}

func New(cfg Config, log *utils.Logger) (*Client, error) {
	prompts, err := loadPrompts()
	if err != nil {
		return nil, err
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	oc.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Model
	if model == "" {
		model = "openai"
	}
	return &Client{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		prompts: prompts,
		log:     log,
	}, nil
}

// Generate asks the model to create or update code. Upstream failures are
// reported in the response's Error field.
func (c *Client) Generate(ctx context.Context, req models.GenerateRequest) (models.GenerateResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return models.GenerateResponse{}, ErrEmptyPrompt
	}
	language := req.Language
	if language == "" {
		language = models.DefaultLanguage
	}
	system, user := c.prompts.build(req.Prompt, req.Code, language)

	c.log.Info("requesting code generation", "language", language, "model", c.model)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return models.GenerateResponse{Error: c.describe(err)}, nil
	}
	if len(resp.Choices) == 0 {
		return models.GenerateResponse{Error: errNoResponse}, nil
	}
	return models.GenerateResponse{Code: CleanCodeResponse(resp.Choices[0].Message.Content, language)}, nil
}

func (c *Client) describe(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		c.log.Error("assistant api error", "status", apiErr.HTTPStatusCode, "error", apiErr.Message)
		return fmt.Sprintf("AI service error: %d", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		c.log.Error("assistant request error", "status", reqErr.HTTPStatusCode, "error", reqErr.Err)
		return fmt.Sprintf("AI service error: %d", reqErr.HTTPStatusCode)
	}
	c.log.Error("assistant unreachable", "error", err)
	return errUnavailable
}

// CleanCodeResponse strips a surrounding markdown code fence.
func CleanCodeResponse(content, language string) string {
	content = strings.TrimSpace(content)

	if fence := "```" + language; language != "" && strings.HasPrefix(content, fence) {
		content = strings.TrimSpace(content[len(fence):])
	} else if strings.HasPrefix(content, "```") {
		if i := strings.Index(content, "\n"); i != -1 {
			content = strings.TrimSpace(content[i+1:])
		}
	}
	if strings.HasSuffix(content, "```") {
		content = strings.TrimSpace(strings.TrimSuffix(content, "```"))
	}
	return content
}
