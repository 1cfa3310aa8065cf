// Package llm is the gated escape hatch to external text-generation
// providers: every request passes cache, then budget, then a circuit-broken
// provider call.
package llm

import "context"

// ProviderResult is a provider's answer plus its token cost.
type ProviderResult struct {
	Content    string
	TokensUsed int
}

// Provider is a text-generation backend. Implementations must be safe for
// concurrent use; the gateway treats them as interchangeable.
type Provider interface {
	Name() string
	Call(ctx context.Context, prompt string, maxTokens int, image []byte) (*ProviderResult, error)
}
