package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PriceItem represents one entry in the priced construction catalog.
type PriceItem struct {
	ID           uuid.UUID `json:"id"`
	Code         *string   `json:"code,omitempty"`
	Description  string    `json:"description"`
	Category     *string   `json:"category,omitempty"`
	Subcategory  *string   `json:"subcategory,omitempty"`
	Unit         string    `json:"unit"`
	Rate         float64   `json:"rate"`
	Keywords     []string  `json:"keywords,omitempty"`
	MaterialType *string   `json:"material_type,omitempty"`
	Brand        *string   `json:"brand,omitempty"`
	Supplier     *string   `json:"supplier,omitempty"`
	IsActive     bool      `json:"is_active"`
	// Embedding is only comparable with query vectors produced by EmbeddingProvider.
	Embedding         []float32  `json:"-"`
	EmbeddingProvider *string    `json:"embedding_provider,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	EmbeddedAt        *time.Time `json:"embedded_at,omitempty"`
}

// HasEmbeddingFor reports whether the item carries a vector produced by provider.
func (p *PriceItem) HasEmbeddingFor(provider string) bool {
	return len(p.Embedding) > 0 && p.EmbeddingProvider != nil && *p.EmbeddingProvider == provider
}

// EmbeddingText builds the enriched text sent to an embedding provider for this item.
// Format: "desc | Category: x | Subcategory: y | Unit: u | Keywords: a, b | Code: c".
func (p *PriceItem) EmbeddingText() string {
	parts := []string{strings.TrimSpace(p.Description)}

	if v := deref(p.Category); v != "" {
		parts = append(parts, "Category: "+v)
	}

	if v := deref(p.Subcategory); v != "" {
		parts = append(parts, "Subcategory: "+v)
	}

	if p.Unit != "" {
		parts = append(parts, "Unit: "+p.Unit)
	}

	if len(p.Keywords) > 0 {
		parts = append(parts, "Keywords: "+strings.Join(p.Keywords, ", "))
	}

	if v := deref(p.Code); v != "" {
		parts = append(parts, "Code: "+v)
	}

	return strings.Join(parts, " | ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return strings.TrimSpace(*s)
}
