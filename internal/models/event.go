package models

import (
	"encoding/json"
	"time"
)

// Mutation types accepted by the API.
const (
	TypeInsert = "insert"
	TypeUpdate = "update"
	TypeDelete = "delete"
)

// FieldChange holds the before and after value of a single field.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff maps field names to their change.
type Diff map[string]FieldChange

// Event is an immutable record of one accepted mutation.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"` // insert, update, delete
	Table     string    `json:"table"`
	RowID     int64     `json:"row_id"`
	Diff      Diff      `json:"diff"`
	Actor     *string   `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

// MutationRequest is the untrusted body of POST /events.
type MutationRequest struct {
	Table   string          `json:"table"`
	Type    string          `json:"type"`
	RowID   json.RawMessage `json:"row_id"`
	Actor   *string         `json:"actor,omitempty"`
	Changes json.RawMessage `json:"changes"`
}
