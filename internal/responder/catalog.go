package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

const maxSuggestions = 3

// MemoryCatalog is a per-store product list searched by title words.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string][]Product
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{products: make(map[string][]Product)}
}

// LoadCatalog reads a JSON object mapping store IDs to product lists.
func LoadCatalog(path string) (*MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var byStore map[string][]Product
	if err := json.Unmarshal(data, &byStore); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	c := NewMemoryCatalog()
	for storeID, products := range byStore {
		c.Add(storeID, products...)
	}
	return c, nil
}

// Add appends products to a store's catalog.
func (c *MemoryCatalog) Add(storeID string, products ...Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[storeID] = append(c.products[storeID], products...)
}

// Search returns up to three available products whose titles share words with query,
// best match first.
func (c *MemoryCatalog) Search(_ context.Context, storeID, query string) ([]Product, error) {
	words := searchWords(query)
	if len(words) == 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	type scored struct {
		p     Product
		score int
	}
	var hits []scored
	for _, p := range c.products[storeID] {
		if !p.Available {
			continue
		}
		title := strings.ToLower(p.Title)
		score := 0
		for _, w := range words {
			if strings.Contains(title, w) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{p, score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > maxSuggestions {
		hits = hits[:maxSuggestions]
	}
	out := make([]Product, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out, nil
}

func searchWords(query string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 3 && !stopWords[w] {
			words = append(words, w)
		}
	}
	return words
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "can": true, "any": true,
	"recommend": true, "suggest": true, "some": true, "what": true, "have": true, "with": true,
}
