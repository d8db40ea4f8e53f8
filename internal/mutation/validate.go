package mutation

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"echodb/internal/models"
)

// MaxActorLength is the longest actor kept, in characters.
const MaxActorLength = 120

// Sanitized is a validated mutation ready to be applied.
type Sanitized struct {
	Table   *Table
	Type    string
	RowID   int64
	Actor   *string
	Changes map[string]interface{}
}

// Validator checks untrusted mutation requests against the table whitelist.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator for the given whitelist.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Sanitize validates req and coerces its changes. It has no side effects;
// every failure is a *ValidationError.
func (v *Validator) Sanitize(req models.MutationRequest) (Sanitized, error) {
	table, ok := v.registry.Lookup(req.Table)
	if !ok {
		return Sanitized{}, invalidf("Unsupported table.")
	}

	switch req.Type {
	case models.TypeInsert, models.TypeUpdate, models.TypeDelete:
	default:
		return Sanitized{}, invalidf("Unsupported event type.")
	}

	rawRowID, err := decodeRaw(req.RowID)
	if err != nil {
		return Sanitized{}, invalidf("Row ID must be a positive integer.")
	}
	rowID, ok := toPositiveInt(rawRowID)
	if !ok {
		return Sanitized{}, invalidf("Row ID must be a positive integer.")
	}

	rawChanges, err := decodeRaw(req.Changes)
	if err != nil {
		return Sanitized{}, invalidf("Changes payload must be an object.")
	}
	changes := map[string]interface{}{}
	if rawChanges != nil {
		m, ok := rawChanges.(map[string]interface{})
		if !ok {
			return Sanitized{}, invalidf("Changes payload must be an object.")
		}
		changes = m
	}

	if req.Type == models.TypeDelete {
		if len(changes) > 0 {
			return Sanitized{}, invalidf("Delete mutations must not carry changes.")
		}
	} else if len(changes) == 0 {
		return Sanitized{}, invalidf("Changes payload must be a non-empty object.")
	}

	sanitized, err := sanitizeChanges(table, changes)
	if err != nil {
		return Sanitized{}, err
	}

	if req.Type == models.TypeInsert {
		for _, f := range table.Fields {
			if _, ok := sanitized[f.Name]; f.Required && !ok {
				return Sanitized{}, invalidf("Insert requires %s.", f.Name)
			}
		}
	}
	if req.Type != models.TypeDelete && len(sanitized) == 0 {
		return Sanitized{}, invalidf("No valid changes provided.")
	}

	return Sanitized{
		Table:   table,
		Type:    req.Type,
		RowID:   rowID,
		Actor:   sanitizeActor(req.Actor),
		Changes: sanitized,
	}, nil
}

func sanitizeChanges(table *Table, changes map[string]interface{}) (map[string]interface{}, error) {
	sanitized := make(map[string]interface{}, len(changes))
	for name, value := range changes {
		field, ok := table.Field(name)
		if !ok {
			// Unknown fields are dropped, not rejected.
			continue
		}
		switch field.Kind {
		case KindEnum:
			s, ok := value.(string)
			if !ok || !contains(field.Values, s) {
				return nil, invalidf("Invalid %s: must be one of %s.", name, strings.Join(field.Values, ", "))
			}
			sanitized[name] = s
		case KindDecimal:
			f, ok := toFloat(value)
			if !ok {
				return nil, invalidf("Invalid %s: expected a number.", name)
			}
			rounded := roundCents(f)
			if math.IsInf(rounded, 0) || math.IsNaN(rounded) {
				return nil, invalidf("Invalid %s: expected a number.", name)
			}
			sanitized[name] = rounded
		case KindReference:
			id, ok := toPositiveInt(value)
			if !ok {
				return nil, invalidf("Invalid %s: expected a positive integer reference.", name)
			}
			sanitized[name] = id
		}
	}
	return sanitized, nil
}

func sanitizeActor(actor *string) *string {
	if actor == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*actor)
	if trimmed == "" {
		return nil
	}
	if utf8.RuneCountInString(trimmed) > MaxActorLength {
		trimmed = string([]rune(trimmed)[:MaxActorLength])
	}
	return &trimmed
}

// decodeRaw decodes an optional JSON value keeping numbers as json.Number.
// An absent value or null decodes to nil.
func decodeRaw(raw json.RawMessage) (interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// SortedFields returns the change keys in a stable order.
func (s Sanitized) SortedFields() []string {
	fields := make([]string, 0, len(s.Changes))
	for f := range s.Changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
