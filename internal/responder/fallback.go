package responder

import (
	"context"
	"fmt"
)

const (
	handoffReply = "I'd be happy to connect you with one of our team members! " +
		"Let me get that set up for you right away."
	apologyReply = "I apologize, but I'm having trouble processing that right now. " +
		"Would you like to speak with a team member instead?"
)

var cannedReplies = map[string]string{
	IntentRecommendation: "Here are a few products I think you'll like. Let me know if you'd like more details on any of them.",
	IntentPricing:        "Prices are listed on each product page and include any active promotions. Is there a product you're looking at?",
	IntentShipping:       "We ship to most countries. Delivery times and costs are shown at checkout once you enter your address.",
	IntentReturn:         "You can return most items within 30 days of delivery. Would you like me to connect you with our team to start a return?",
	IntentGeneral:        "Thanks for reaching out! How can I help you today?",
}

// KeywordProducer answers from canned replies when no generative backend is configured.
type KeywordProducer struct {
	catalog Catalog
}

// NewKeywordProducer creates a KeywordProducer. catalog may be nil.
func NewKeywordProducer(catalog Catalog) *KeywordProducer {
	return &KeywordProducer{catalog: catalog}
}

// Generate implements Producer.
func (p *KeywordProducer) Generate(ctx context.Context, req Request) (*Reply, error) {
	if WantsAgent(req.Text) {
		return HandoffReply(), nil
	}

	intent := ClassifyIntent(req.Text)
	text := cannedReplies[intent]
	products := req.Products
	if len(products) == 0 && p.catalog != nil && intent == IntentRecommendation {
		found, err := p.catalog.Search(ctx, req.StoreID, req.Text)
		if err != nil {
			return nil, fmt.Errorf("catalog search: %w", err)
		}
		products = found
	}
	if intent == IntentRecommendation && len(products) == 0 {
		text = "I couldn't find a match in our catalog. Could you tell me a bit more about what you're looking for?"
	}

	return &Reply{
		Text:       text,
		Intent:     intent,
		Confidence: confidence(Confidence(text)),
		Products:   products,
	}, nil
}

// HandoffReply acknowledges a request for a human.
func HandoffReply() *Reply {
	return &Reply{
		Text:       handoffReply,
		Intent:     IntentAgentRequest,
		Confidence: confidence(1),
		NeedsAgent: true,
	}
}

// ApologyReply is sent when the producer fails. It hands the session to a human.
func ApologyReply() *Reply {
	return &Reply{
		Text:       apologyReply,
		Intent:     IntentAgentRequest,
		Confidence: confidence(0),
		NeedsAgent: true,
	}
}
