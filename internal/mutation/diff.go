package mutation

import "echodb/internal/models"

// Row is a persisted row keyed by column name, with values normalized
// through NormalizeColumn.
type Row map[string]interface{}

// ComputeDiff builds the field level diff of a mutation. existing is nil
// for inserts.
func ComputeDiff(existing Row, changes map[string]interface{}, mutationType string) models.Diff {
	diff := models.Diff{}
	switch mutationType {
	case models.TypeInsert:
		for field, value := range changes {
			diff[field] = models.FieldChange{Old: nil, New: value}
		}
	case models.TypeDelete:
		for column, value := range existing {
			diff[column] = models.FieldChange{Old: value, New: nil}
		}
	default:
		for field, value := range changes {
			old := existing[field]
			if looseEqual(old, value) {
				continue
			}
			diff[field] = models.FieldChange{Old: old, New: value}
		}
	}
	return diff
}
