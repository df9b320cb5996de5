// Package model's anthropic.go provides a Client implementation backed by the
// Anthropic Claude Messages API, adapted from the pack's anthropic model
// adapter but collapsed to the flat Message/Request shape this runtime uses.
package model

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by
	// AnthropicClient. It is satisfied by *sdk.MessageService so tests can
	// substitute a fake.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// AnthropicOptions configures default model selection and sampling
	// parameters for AnthropicClient.
	AnthropicOptions struct {
		DefaultModel string
		HighModel    string
		SmallModel   string
		MaxTokens    int
		Temperature  float64
	}

	// AnthropicClient implements Client on top of Anthropic's Messages API.
	AnthropicClient struct {
		msg          MessagesClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTokens    int
		temperature  float64
	}
)

// NewAnthropicClient builds an Anthropic-backed Client from an Anthropic
// Messages client and configuration options.
func NewAnthropicClient(msg MessagesClient, opts AnthropicOptions) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &AnthropicClient{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewAnthropicClientFromAPIKey constructs a client using the default
// Anthropic HTTP transport, authenticating with apiKey directly rather than
// via the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClientFromAPIKey(apiKey, defaultModel string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&ac.Messages, AnthropicOptions{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into a flat Response.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

func (c *AnthropicClient) prepareRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}

	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Text})
		case RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Text)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		}
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = sdk.Float(float64(t))
	} else if c.temperature > 0 {
		params.Temperature = sdk.Float(c.temperature)
	}
	return &params, nil
}

func (c *AnthropicClient) resolveModelID(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func translateResponse(msg *sdk.Message) (*Response, error) {
	var text string
	for _, block := range msg.Content {
		if tb := block.AsAny(); tb != nil {
			if t, ok := tb.(sdk.TextBlock); ok {
				text += t.Text
			}
		}
	}
	return &Response{
		Text: text,
		Usage: TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}
