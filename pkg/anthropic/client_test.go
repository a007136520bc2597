package anthropic

import (
	"sync"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageResponseText(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "first "},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first second", resp.Text())

	var nilResp *MessageResponse
	assert.Equal(t, "", nilResp.Text())
	assert.False(t, nilResp.Truncated())
	assert.True(t, (&MessageResponse{StopReason: "max_tokens"}).Truncated())
	assert.False(t, (&MessageResponse{StopReason: "end_turn"}).Truncated())
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage TokenUsage
		want  float64
	}{
		{
			name:  "haiku plain",
			model: "claude-haiku-4-5-20251001",
			usage: TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
			want:  4.80,
		},
		{
			// 0.40 input + 0.40 output + 0.20 cache write + 0.024 cache read
			name:  "haiku with cache",
			model: "claude-haiku-4-5-20251001",
			usage: TokenUsage{InputTokens: 500_000, OutputTokens: 100_000, CacheCreationInputTokens: 200_000, CacheReadInputTokens: 300_000},
			want:  1.024,
		},
		{
			name:  "sonnet output only",
			model: "claude-sonnet-4-5-20250929",
			usage: TokenUsage{OutputTokens: 2_000_000},
			want:  30.0,
		},
		{
			name:  "unknown model",
			model: "unknown-model",
			usage: TokenUsage{InputTokens: 1_000_000},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 100, OutputTokens: 50}.LogCost("claude-haiku-4-5-20251001", "match")
	})
}

func TestMeter_ConcurrentRecord(t *testing.T) {
	var m Meter
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(TokenUsage{InputTokens: 10, OutputTokens: 2, CacheReadInputTokens: 1})
		}()
	}
	wg.Wait()

	total, calls := m.Total()
	assert.Equal(t, 20, calls)
	assert.Equal(t, TokenUsage{InputTokens: 200, OutputTokens: 40, CacheReadInputTokens: 20}, total)
}

func TestFromSDKMessage(t *testing.T) {
	resp := fromSDKMessage(&sdk.Message{
		ID:         "msg_test_123",
		Model:      "claude-sonnet-4-5-20250929",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "[{\"facility_id\":\"mill\""},
			{Type: "text", Text: ",\"confidence\":0.7}]"},
		},
		Usage: sdk.Usage{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 2000, CacheReadInputTokens: 3000},
	})
	require.NotNil(t, resp)
	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, `[{"facility_id":"mill","confidence":0.7}]`, resp.Text())
	assert.Equal(t, TokenUsage{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 2000, CacheReadInputTokens: 3000}, resp.Usage)

	empty := fromSDKMessage(&sdk.Message{StopReason: "max_tokens"})
	assert.Empty(t, empty.Content)
	assert.True(t, empty.Truncated())
}

func TestToSDKSystem(t *testing.T) {
	plain := toSDKSystem("You match manufacturing processes.", false)
	require.Len(t, plain, 1)
	assert.Equal(t, "You match manufacturing processes.", plain[0].Text)

	cached := toSDKSystem("cached", true)
	require.Len(t, cached, 1)
	assert.NotNil(t, cached[0].CacheControl)

	assert.Len(t, toSDKMessages([]Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}), 2)
	assert.Empty(t, toSDKMessages(nil))
}
