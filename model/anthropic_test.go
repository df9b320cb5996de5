package model

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

type fakeMessagesClient struct {
	lastParams sdk.MessageNewParams
	response   *sdk.Message
	err        error
}

func (f *fakeMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.lastParams = body
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestResolveModelIDPrefersExplicitModel(t *testing.T) {
	c, err := NewAnthropicClient(&fakeMessagesClient{}, AnthropicOptions{DefaultModel: "claude-default"})
	require.NoError(t, err)

	got := c.resolveModelID(&Request{Model: "claude-explicit", ModelClass: ModelClassHighReasoning})
	require.Equal(t, "claude-explicit", got)
}

func TestResolveModelIDFallsBackToClassThenDefault(t *testing.T) {
	c, err := NewAnthropicClient(&fakeMessagesClient{}, AnthropicOptions{
		DefaultModel: "claude-default",
		HighModel:    "claude-high",
	})
	require.NoError(t, err)

	require.Equal(t, "claude-high", c.resolveModelID(&Request{ModelClass: ModelClassHighReasoning}))
	require.Equal(t, "claude-default", c.resolveModelID(&Request{ModelClass: ModelClassSmall}))
}

func TestCompleteRequiresMessages(t *testing.T) {
	c, err := NewAnthropicClient(&fakeMessagesClient{}, AnthropicOptions{DefaultModel: "claude-default", MaxTokens: 256})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), &Request{})
	require.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 1, EstimateTokens("hi"))
	require.Equal(t, 0, EstimateTokens(""))
	require.Greater(t, EstimateTokens("this is a longer sentence used for estimation"), 5)
}
