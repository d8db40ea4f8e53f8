package mutation

import (
	"fmt"
	"regexp"
)

// FieldKind selects how a raw change value is checked and coerced.
type FieldKind string

const (
	KindEnum      FieldKind = "enum"      // string, must be one of Values
	KindDecimal   FieldKind = "decimal"   // number or numeric string, rounded to 2 decimals
	KindReference FieldKind = "reference" // positive integer foreign key
)

// Field is one client-mutable column of a table.
type Field struct {
	Name     string    `yaml:"name"`
	Kind     FieldKind `yaml:"kind"`
	Values   []string  `yaml:"values,omitempty"`
	Required bool      `yaml:"required,omitempty"`
}

// Table describes a whitelisted table and the fields clients may change.
// Rows are keyed by an integer "id" column.
type Table struct {
	Name       string  `yaml:"name"`
	Fields     []Field `yaml:"fields"`
	Timestamps bool    `yaml:"timestamps"`
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

var reservedColumns = map[string]bool{"id": true, "created_at": true, "updated_at": true}

// OrdersTable is the built-in orders schema.
func OrdersTable() Table {
	return Table{
		Name: "orders",
		Fields: []Field{
			{Name: "status", Kind: KindEnum, Values: []string{"pending", "processing", "shipped", "cancelled"}},
			{Name: "amount", Kind: KindDecimal},
			{Name: "user_id", Kind: KindReference, Required: true},
		},
		Timestamps: true,
	}
}

// DefaultTables returns the whitelist used when the configuration names none.
func DefaultTables() []Table {
	return []Table{OrdersTable()}
}

// Field looks up a mutable field by name.
func (t *Table) Field(name string) (Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Columns returns every persisted column in table order.
func (t *Table) Columns() []string {
	cols := make([]string, 0, len(t.Fields)+3)
	cols = append(cols, "id")
	for _, f := range t.Fields {
		cols = append(cols, f.Name)
	}
	if t.Timestamps {
		cols = append(cols, "created_at", "updated_at")
	}
	return cols
}

func (t *Table) validate() error {
	if !identifierRe.MatchString(t.Name) {
		return fmt.Errorf("table %q: invalid name", t.Name)
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("table %q: no fields", t.Name)
	}
	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if !identifierRe.MatchString(f.Name) || reservedColumns[f.Name] {
			return fmt.Errorf("table %q: invalid field name %q", t.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("table %q: duplicate field %q", t.Name, f.Name)
		}
		seen[f.Name] = true
		switch f.Kind {
		case KindEnum:
			if len(f.Values) == 0 {
				return fmt.Errorf("table %q: enum field %q has no values", t.Name, f.Name)
			}
		case KindDecimal, KindReference:
		default:
			return fmt.Errorf("table %q: field %q has unknown kind %q", t.Name, f.Name, f.Kind)
		}
	}
	return nil
}

// Registry is the fixed set of tables mutations may target.
type Registry struct {
	tables map[string]*Table
	names  []string
}

// NewRegistry validates the given schemas and builds a whitelist from them.
// Table and field names end up in SQL text, so they are restricted to
// lower-case identifiers.
func NewRegistry(tables []Table) (*Registry, error) {
	if len(tables) == 0 {
		tables = DefaultTables()
	}
	r := &Registry{tables: make(map[string]*Table, len(tables))}
	for i := range tables {
		t := tables[i]
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, ok := r.tables[t.Name]; ok {
			return nil, fmt.Errorf("table %q declared twice", t.Name)
		}
		r.tables[t.Name] = &t
		r.names = append(r.names, t.Name)
	}
	return r, nil
}

// Lookup returns the schema for a whitelisted table.
func (r *Registry) Lookup(name string) (*Table, bool) {
	t, ok := r.tables[name]
	return t, ok
}

// Tables returns the schemas in declaration order.
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tables[n])
	}
	return out
}
