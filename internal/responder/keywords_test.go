package responder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWantsAgent(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Can I talk to a human please", true},
		{"I want a REAL PERSON", true},
		{"connect me with customer support", true},
		{"who is your representative?", true},
		{"do you have this in blue?", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, WantsAgent(tt.text))
		})
	}
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Can you recommend a jacket?", IntentRecommendation},
		{"What does this cost", IntentPricing},
		{"How long is delivery to Canada", IntentShipping},
		{"I want a refund", IntentReturn},
		{"hello", IntentGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyIntent(tt.text))
		})
	}
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, Confidence("Sure!"), 1e-9)
	assert.InDelta(t, 0.85, Confidence("Our jackets ship within two business days."), 1e-9)
}

func TestKeywordProducer(t *testing.T) {
	catalog := NewMemoryCatalog()
	catalog.Add("store-1", Product{ID: "p1", Title: "Rain Jacket", Price: "89.00", Available: true})
	p := NewKeywordProducer(catalog)
	ctx := context.Background()

	t.Run("handoff", func(t *testing.T) {
		r, err := p.Generate(ctx, Request{StoreID: "store-1", Text: "let me speak to someone"})
		require.NoError(t, err)
		assert.True(t, r.NeedsAgent)
		assert.Equal(t, IntentAgentRequest, r.Intent)
	})

	t.Run("recommendation with catalog match", func(t *testing.T) {
		r, err := p.Generate(ctx, Request{StoreID: "store-1", Text: "recommend a jacket"})
		require.NoError(t, err)
		assert.Equal(t, IntentRecommendation, r.Intent)
		require.Len(t, r.Products, 1)
		assert.Equal(t, "p1", r.Products[0].ID)
		assert.InDelta(t, 0.85, *r.Confidence, 1e-9)
	})

	t.Run("recommendation without match", func(t *testing.T) {
		r, err := p.Generate(ctx, Request{StoreID: "store-1", Text: "suggest some boots"})
		require.NoError(t, err)
		assert.Empty(t, r.Products)
		assert.Contains(t, r.Text, "couldn't find")
	})

	t.Run("general", func(t *testing.T) {
		r, err := p.Generate(ctx, Request{StoreID: "store-1", Text: "hi there"})
		require.NoError(t, err)
		assert.Equal(t, IntentGeneral, r.Intent)
		assert.False(t, r.NeedsAgent)
	})
}
