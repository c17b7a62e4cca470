package models

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// MaxContextHeaders bounds how many enclosing section headers a row carries.
const MaxContextHeaders = 10

// BOQRow is one line of a bill of quantities, already tokenized into columns.
type BOQRow struct {
	JobID               uuid.UUID       `json:"job_id"`
	RowNumber           int             `json:"row_number"`
	OriginalDescription string          `json:"original_description"`
	OriginalQuantity    *float64        `json:"original_quantity,omitempty"`
	OriginalUnit        *string         `json:"original_unit,omitempty"`
	OriginalRowData     json.RawMessage `json:"original_row_data,omitempty"`
	// ContextHeaders lists the enclosing section headers, most recent first.
	ContextHeaders []string `json:"context_headers,omitempty"`
}

// IsHeader reports whether the row is a section header (no positive quantity).
func (r *BOQRow) IsHeader() bool {
	return r.OriginalQuantity == nil || *r.OriginalQuantity == 0
}

// HasDescription reports whether the row has any non-whitespace description.
func (r *BOQRow) HasDescription() bool {
	return strings.TrimSpace(r.OriginalDescription) != ""
}

// Unit returns the row's unit or "" when absent.
func (r *BOQRow) Unit() string {
	if r.OriginalUnit == nil {
		return ""
	}

	return strings.TrimSpace(*r.OriginalUnit)
}

// EnrichedQuery returns the description with the nearest section header appended,
// used as the query text for embedding and rerank providers.
func (r *BOQRow) EnrichedQuery() string {
	desc := strings.TrimSpace(r.OriginalDescription)
	if len(r.ContextHeaders) == 0 {
		return desc
	}

	return desc + " [Category: " + r.ContextHeaders[0] + "]"
}

// AssignContextHeaders walks rows in order and records, for every item row, the
// section headers that precede it. rows must already be sorted by RowNumber.
func AssignContextHeaders(rows []BOQRow) {
	var headers []string

	for i := range rows {
		row := &rows[i]
		if row.IsHeader() {
			if row.HasDescription() {
				headers = append([]string{strings.TrimSpace(row.OriginalDescription)}, headers...)
				if len(headers) > MaxContextHeaders {
					headers = headers[:MaxContextHeaders]
				}
			}

			row.ContextHeaders = nil

			continue
		}

		if len(headers) > 0 {
			row.ContextHeaders = append([]string(nil), headers...)
		}
	}
}
