// Package responder produces automated replies to customer messages.
package responder

import (
	"context"
)

// Intents reported with automated replies.
const (
	IntentGeneral        = "general_inquiry"
	IntentRecommendation = "product_recommendation"
	IntentPricing        = "pricing_inquiry"
	IntentShipping       = "shipping_inquiry"
	IntentReturn         = "return_inquiry"
	IntentAgentRequest   = "agent_request"
)

// Turn is one prior transcript entry passed to the producer as context.
type Turn struct {
	Sender string `json:"sender"`
	Text   string `json:"message"`
}

// Request asks a producer for a reply to one customer turn.
type Request struct {
	SessionID string
	StoreID   string
	StoreName string
	Text      string
	History   []Turn
	Products  []Product
}

// Reply is what a producer returns. NeedsAgent asks the router to hand off.
type Reply struct {
	Text       string
	Intent     string
	Confidence *float64
	Products   []Product
	NeedsAgent bool
}

// Product is a catalog entry suggested alongside a reply.
type Product struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Price     string `json:"price,omitempty"`
	URL       string `json:"url,omitempty"`
	Available bool   `json:"available"`
}

// Producer generates automated replies.
type Producer interface {
	Generate(ctx context.Context, req Request) (*Reply, error)
}

// Catalog finds products relevant to a customer's text.
type Catalog interface {
	Search(ctx context.Context, storeID, query string) ([]Product, error)
}

func confidence(v float64) *float64 {
	return &v
}
