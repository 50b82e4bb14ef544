package responder

import (
	"strings"
)

var agentPhrases = []string{
	"speak to human",
	"talk to agent",
	"live agent",
	"customer service",
	"real person",
	"representative",
	"human help",
	"speak to someone",
	"talk to someone",
	"customer support",
	"talk to a human",
	"speak to a human",
}

// WantsAgent reports whether a customer message asks for a human.
func WantsAgent(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range agentPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ClassifyIntent guesses the intent of a customer message.
func ClassifyIntent(text string) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, "recommend", "suggest"):
		return IntentRecommendation
	case containsAny(lower, "price", "cost"):
		return IntentPricing
	case containsAny(lower, "shipping", "delivery"):
		return IntentShipping
	case containsAny(lower, "return", "refund"):
		return IntentReturn
	default:
		return IntentGeneral
	}
}

// Confidence scores a reply: short replies are less trustworthy.
func Confidence(reply string) float64 {
	if len(reply) > 20 {
		return 0.85
	}
	return 0.5
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
