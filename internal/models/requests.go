package models

import "encoding/json"

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	MatchingMethod string         `json:"matching_method" validate:"required,matching_method"`
	Rows           []CreateJobRow `json:"rows" validate:"required,min=1,max=20000,dive"`
}

// CreateJobRow is one already tokenized BOQ line.
type CreateJobRow struct {
	RowNumber   int             `json:"row_number" validate:"gt=0"`
	Description string          `json:"description" validate:"max=4000,no_null_bytes"`
	Quantity    *float64        `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	Unit        *string         `json:"unit,omitempty" validate:"omitempty,max=50,no_null_bytes"`
	RowData     json.RawMessage `json:"row_data,omitempty"`
}

// BOQRows converts the request rows.
func (r *CreateJobRequest) BOQRows() []BOQRow {
	rows := make([]BOQRow, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = BOQRow{
			RowNumber:           row.RowNumber,
			OriginalDescription: row.Description,
			OriginalQuantity:    row.Quantity,
			OriginalUnit:        row.Unit,
			OriginalRowData:     row.RowData,
		}
	}

	return rows
}

// MethodRequest is the body of job start and row rematch requests.
type MethodRequest struct {
	MatchingMethod string `json:"matching_method" validate:"required,matching_method"`
}

// TestMatchRequest is the body of POST /v1/match/test.
type TestMatchRequest struct {
	Description    string  `json:"description" validate:"required,max=4000,no_null_bytes"`
	Unit           *string `json:"unit,omitempty" validate:"omitempty,max=50"`
	MatchingMethod string  `json:"matching_method" validate:"required,matching_method"`
}

// CatalogSearchParams are the query parameters of GET /v1/catalog/search.
type CatalogSearchParams struct {
	Query string `form:"q" validate:"required,max=500"`
	Limit int    `form:"limit" validate:"omitempty,gte=1,lte=50"`
}

// StopAllResponse reports how many jobs were flagged by a stop-all request.
type StopAllResponse struct {
	Stopped int `json:"stopped"`
}
