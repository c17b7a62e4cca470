package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MatchResult is the persisted outcome for one BOQ row of a job.
type MatchResult struct {
	ID                  uuid.UUID       `json:"id"`
	JobID               uuid.UUID       `json:"job_id"`
	RowNumber           int             `json:"row_number"`
	OriginalDescription string          `json:"original_description"`
	OriginalQuantity    *float64        `json:"original_quantity,omitempty"`
	OriginalUnit        *string         `json:"original_unit,omitempty"`
	OriginalRowData     json.RawMessage `json:"original_row_data,omitempty"`
	ContextHeaders      []string        `json:"context_headers,omitempty"`
	MatchedItemID       *uuid.UUID      `json:"matched_item_id,omitempty"`
	MatchedDescription  *string         `json:"matched_description,omitempty"`
	MatchedCode         *string         `json:"matched_code,omitempty"`
	MatchedUnit         *string         `json:"matched_unit,omitempty"`
	MatchedRate         *float64        `json:"matched_rate,omitempty"`
	Confidence          float64         `json:"confidence"`
	MatchMethod         MatchingMethod  `json:"match_method"`
	IsManuallyEdited    bool            `json:"is_manually_edited"`
	TotalPrice          *float64        `json:"total_price,omitempty"`
	Notes               *string         `json:"notes,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// HasMatch reports whether a catalog item or a manual price is attached.
func (r *MatchResult) HasMatch() bool {
	return r.MatchedItemID != nil || r.MatchedRate != nil
}

// RecomputeTotal sets TotalPrice to quantity*rate, or clears it when either is missing.
func (r *MatchResult) RecomputeTotal() {
	r.TotalPrice = TotalPrice(r.OriginalQuantity, r.MatchedRate)
}

// ManualMatch is a user-supplied correction for one result.
type ManualMatch struct {
	ItemID      *uuid.UUID `json:"item_id,omitempty"`
	Description string     `json:"description" validate:"required_without=ItemID,max=2000"`
	Code        *string    `json:"code,omitempty" validate:"omitempty,max=255"`
	Unit        *string    `json:"unit,omitempty" validate:"omitempty,max=50"`
	Rate        *float64   `json:"rate,omitempty" validate:"omitempty,gte=0"`
	Notes       *string    `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// ApplyManualMatch returns a copy of r carrying the manual match. A nil m.Rate clears the
// rate and with it the total.
func (r MatchResult) ApplyManualMatch(m ManualMatch, now time.Time) MatchResult {
	desc := m.Description

	r.MatchedItemID = m.ItemID
	r.MatchedDescription = &desc
	r.MatchedCode = m.Code
	r.MatchedUnit = m.Unit
	r.MatchedRate = nil
	if m.Rate != nil {
		rate := *m.Rate
		r.MatchedRate = &rate
	}

	r.Confidence = 1
	r.MatchMethod = MethodManual
	r.IsManuallyEdited = true

	if m.Notes != nil {
		r.Notes = m.Notes
	}

	r.RecomputeTotal()
	r.UpdatedAt = now

	return r
}

// ApplyRematch returns a copy of r replaced by a freshly resolved draft.
func (r MatchResult) ApplyRematch(d MatchResult, now time.Time) MatchResult {
	r.MatchedItemID = d.MatchedItemID
	r.MatchedDescription = d.MatchedDescription
	r.MatchedCode = d.MatchedCode
	r.MatchedUnit = d.MatchedUnit
	r.MatchedRate = d.MatchedRate
	r.Confidence = d.Confidence
	r.MatchMethod = d.MatchMethod
	r.Notes = d.Notes
	r.IsManuallyEdited = false
	r.RecomputeTotal()
	r.UpdatedAt = now

	return r
}

// TotalPrice multiplies quantity by rate. Nil when either is absent. The product is kept
// exact; rounding to currency happens only when rendering.
func TotalPrice(quantity, rate *float64) *float64 {
	if quantity == nil || rate == nil {
		return nil
	}

	total := *quantity * *rate

	return &total
}

// ListResultsFilters narrows GetResults output.
type ListResultsFilters struct {
	Method        *string  `form:"method" validate:"omitempty,max=20"`
	MinConfidence *float64 `form:"min_confidence" validate:"omitempty,gte=0,lte=1"`
	OnlyUnmatched bool     `form:"only_unmatched"`
	OnlyEdited    bool     `form:"only_edited"`
}

// Matches reports whether r passes the filters.
func (f ListResultsFilters) Matches(r *MatchResult) bool {
	if f.Method != nil && *f.Method != "" && string(r.MatchMethod) != *f.Method {
		return false
	}

	if f.MinConfidence != nil && r.Confidence < *f.MinConfidence {
		return false
	}

	if f.OnlyUnmatched && r.HasMatch() {
		return false
	}

	if f.OnlyEdited && !r.IsManuallyEdited {
		return false
	}

	return true
}
