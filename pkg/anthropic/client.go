// Package anthropic is a narrow client for the Anthropic messages API, sized
// to what the LLM matching layer needs.
package anthropic

import (
	"context"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client sends a single message exchange.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one messages API call. CacheSystem marks the system
// prompt as an ephemeral cache breakpoint, which pays off when the same
// prompt is sent for every requirement of a design.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	CacheSystem bool
	Messages    []Message
	Temperature *float64
}

// Message is a single conversational turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is the decoded reply.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// ContentBlock is one block of reply content.
type ContentBlock struct {
	Type string
	Text string
}

// Text concatenates every text block of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Truncated reports whether the model stopped on the token limit.
func (r *MessageResponse) Truncated() bool {
	return r != nil && r.StopReason == "max_tokens"
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}

// modelPricing is {input, output} USD per million tokens.
var modelPricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

const (
	cacheWriteMul = 1.25
	cacheReadMul  = 0.1
)

// EstimateCost returns the USD cost of u on model, or 0 for unknown models.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) + float64(u.CacheCreationInputTokens)*cacheWriteMul + float64(u.CacheReadInputTokens)*cacheReadMul
	return (in*p[0] + float64(u.OutputTokens)*p[1]) / 1e6
}

// LogCost logs token usage and estimated cost for one call.
func (u TokenUsage) LogCost(model, phase string) {
	zap.L().Debug("anthropic: usage",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

// Meter accumulates usage across concurrent calls.
type Meter struct {
	mu    sync.Mutex
	total TokenUsage
	calls int
}

// Record adds one call's usage.
func (m *Meter) Record(u TokenUsage) {
	m.mu.Lock()
	m.total = m.total.Add(u)
	m.calls++
	m.mu.Unlock()
}

// Total returns the accumulated usage and the number of calls recorded.
func (m *Meter) Total() (TokenUsage, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, m.calls
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a client backed by the official SDK. Extra request
// options (base URL, retries) are passed through.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &sdkClient{client: sdk.NewClient(opts...)}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = toSDKSystem(req.System, req.CacheSystem)
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return fromSDKMessage(msg), nil
}

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out[i] = sdk.NewAssistantMessage(block)
		} else {
			out[i] = sdk.NewUserMessage(block)
		}
	}
	return out
}

func toSDKSystem(text string, cache bool) []sdk.TextBlockParam {
	block := sdk.TextBlockParam{Text: text}
	if cache {
		block.CacheControl = sdk.NewCacheControlEphemeralParam()
	}
	return []sdk.TextBlockParam{block}
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Content:    make([]ContentBlock, 0, len(msg.Content)),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
	for _, b := range msg.Content {
		resp.Content = append(resp.Content, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return resp
}
