package shared

import (
	"time"
)

// TokenUsage tracks the tokens consumed by a request.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Model            string
}

// Add accumulates another request's usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	if u.Model == "" {
		u.Model = other.Model
	}
}

// AgentMeta holds operational metadata for one generator execution.
type AgentMeta struct {
	AgentName string
	Tier      string
	Usage     TokenUsage
	Latency   time.Duration
}
