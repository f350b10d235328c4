package kinko

import "context"

// Generator produces recommendation text from a system prompt and a user
// prompt. When provided via WithGenerator, it replaces the Anthropic client
// (or the offline noop generator when no API key is configured).
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// MarketProvider supplies current market rates to the workflow strategy.
// When provided via WithMarketProvider, it replaces the HTTP market feed and
// the static fallback snapshot.
type MarketProvider interface {
	Snapshot(ctx context.Context) (MarketSnapshot, error)
}

// RecommendationHook receives a notification for every terminal scenario run.
// Multiple hooks may be registered via multiple WithRecommendationHook calls.
// Hooks run on the batch goroutine after the run is persisted, so they must
// not block indefinitely. Failures are logged and never change the run.
type RecommendationHook interface {
	OnRecommendation(ctx context.Context, e RecommendationEvent) error
}
