package domain

import (
	"strings"
	"time"
)

// Store is a tenant: one shop whose visitors open chat sessions.
type Store struct {
	ID             string    `json:"id"`
	ShopDomain     string    `json:"shopDomain"`
	ShopName       string    `json:"shopName"`
	WelcomeMessage string    `json:"welcomeMessage,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ShopNameFromDomain derives a display name from a shop domain.
func ShopNameFromDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".myshopify.com")
}
