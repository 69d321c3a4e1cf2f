// Package schema describes OVSDB database schemas: tables, columns, column
// types and indexes. Schemas are read from the JSON document an ovsdb-server
// returns for get_schema; YAML renderings of the same document are accepted too.
package schema

import (
	"encoding/json"
	"io/ioutil"
	"sort"

	"github.com/coreos/go-semver/semver"
	"github.com/ghodss/yaml"
	"github.com/pingcap/errors"
)

// AtomicType is one of the RFC 7047 atomic types.
type AtomicType string

const (
	TypeInteger AtomicType = "integer"
	TypeReal    AtomicType = "real"
	TypeBoolean AtomicType = "boolean"
	TypeString  AtomicType = "string"
	TypeUUID    AtomicType = "uuid"
)

// Unlimited is the Max of a column type declared with "max": "unlimited".
const Unlimited = -1

func (t AtomicType) valid() bool {
	switch t {
	case TypeInteger, TypeReal, TypeBoolean, TypeString, TypeUUID:
		return true
	}
	return false
}

// BaseType is the type of a column key or value.
type BaseType struct {
	Type     AtomicType
	RefTable string
	// RefType is "strong" or "weak", only meaningful with RefTable.
	RefType string
}

// UnmarshalJSON accepts either an atomic type name or a base type object.
func (b *BaseType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		b.Type = AtomicType(name)
		return b.check()
	}
	var obj struct {
		Type     AtomicType `json:"type"`
		RefTable string     `json:"refTable"`
		RefType  string     `json:"refType"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Annotate(err, "parse base type")
	}
	b.Type, b.RefTable, b.RefType = obj.Type, obj.RefTable, obj.RefType
	if b.RefTable != "" && b.RefType == "" {
		b.RefType = "strong"
	}
	return b.check()
}

func (b *BaseType) check() error {
	if !b.Type.valid() {
		return errors.Errorf("unknown atomic type %q", b.Type)
	}
	return nil
}

// ColumnType is the full type of a column: a key type, an optional value type
// for maps and the allowed number of elements.
type ColumnType struct {
	Key   BaseType
	Value *BaseType
	Min   int
	// Max is the maximum number of elements, or Unlimited.
	Max int
}

// UnmarshalJSON accepts either an atomic type name or a column type object.
func (t *ColumnType) UnmarshalJSON(data []byte) error {
	t.Min, t.Max = 1, 1
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Key = BaseType{Type: AtomicType(name)}
		return t.Key.check()
	}
	var obj struct {
		Key   BaseType        `json:"key"`
		Value *BaseType       `json:"value"`
		Min   *int            `json:"min"`
		Max   json.RawMessage `json:"max"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Annotate(err, "parse column type")
	}
	t.Key, t.Value = obj.Key, obj.Value
	if err := t.Key.check(); err != nil {
		return err
	}
	if obj.Min != nil {
		t.Min = *obj.Min
	}
	if len(obj.Max) > 0 {
		var max interface{}
		if err := json.Unmarshal(obj.Max, &max); err != nil {
			return errors.Annotate(err, "parse column max")
		}
		switch m := max.(type) {
		case string:
			if m != "unlimited" {
				return errors.Errorf("invalid column max %q", m)
			}
			t.Max = Unlimited
		case float64:
			t.Max = int(m)
		default:
			return errors.Errorf("invalid column max %v", max)
		}
	}
	if t.Min < 0 || t.Min > 1 {
		return errors.Errorf("column min must be 0 or 1, got %d", t.Min)
	}
	if t.Max != Unlimited && t.Max < t.Min {
		return errors.Errorf("column max %d is less than min %d", t.Max, t.Min)
	}
	return nil
}

// IsMap reports whether the column holds key/value pairs.
func (t ColumnType) IsMap() bool { return t.Value != nil }

// IsOptional reports whether the column holds zero or one value.
func (t ColumnType) IsOptional() bool { return t.Min == 0 && t.Max == 1 }

// IsScalar reports whether the column holds exactly one atom.
func (t ColumnType) IsScalar() bool { return t.Value == nil && t.Min == 1 && t.Max == 1 }

// IsSet reports whether the column is a set (optional columns included).
func (t ColumnType) IsSet() bool { return t.Value == nil && !t.IsScalar() }

// IsRef reports whether the column keys reference rows of another table.
func (t ColumnType) IsRef() bool { return t.Key.Type == TypeUUID && t.Key.RefTable != "" }

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name      string     `json:"-"`
	Type      ColumnType `json:"type"`
	Ephemeral bool       `json:"ephemeral"`
	Mutable   *bool      `json:"mutable"`
}

// IsMutable reports whether the column may be modified after insertion.
func (c *ColumnSchema) IsMutable() bool { return c.Mutable == nil || *c.Mutable }

// TableSchema describes one table.
type TableSchema struct {
	Name    string                   `json:"-"`
	Columns map[string]*ColumnSchema `json:"columns"`
	// MaxRows is 0 when the table is unbounded.
	MaxRows int        `json:"maxRows"`
	IsRoot  bool       `json:"isRoot"`
	Indexes [][]string `json:"indexes"`
}

// Column returns the named column, or nil.
func (t *TableSchema) Column(name string) *ColumnSchema {
	return t.Columns[name]
}

// ColumnNames returns the table's column names in sorted order.
func (t *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for name := range t.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IndexColumn returns the column of the table's index when the table declares
// exactly one index made of exactly one column. Otherwise it returns "".
func (t *TableSchema) IndexColumn() string {
	if len(t.Indexes) == 1 && len(t.Indexes[0]) == 1 {
		return t.Indexes[0][0]
	}
	return ""
}

// DatabaseSchema describes a database.
type DatabaseSchema struct {
	Name    string                  `json:"name"`
	Version *semver.Version         `json:"-"`
	Tables  map[string]*TableSchema `json:"tables"`
}

// Table returns the named table, or nil.
func (s *DatabaseSchema) Table(name string) *TableSchema {
	return s.Tables[name]
}

// TableNames returns the table names in sorted order.
func (s *DatabaseSchema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UnmarshalJSON parses a schema document and validates cross references.
func (s *DatabaseSchema) UnmarshalJSON(data []byte) error {
	var doc struct {
		Name    string                  `json:"name"`
		Version string                  `json:"version"`
		Tables  map[string]*TableSchema `json:"tables"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Trace(err)
	}
	if doc.Name == "" {
		return errors.New("schema has no name")
	}
	s.Name, s.Tables = doc.Name, doc.Tables
	if doc.Version != "" {
		v, err := semver.NewVersion(doc.Version)
		if err != nil {
			return errors.Annotatef(err, "schema %s version", doc.Name)
		}
		s.Version = v
	}
	if s.Tables == nil {
		s.Tables = make(map[string]*TableSchema)
	}
	return s.link()
}

func (s *DatabaseSchema) link() error {
	for name, t := range s.Tables {
		t.Name = name
		if t.Columns == nil {
			t.Columns = make(map[string]*ColumnSchema)
		}
		for colName, c := range t.Columns {
			c.Name = colName
			for _, bt := range []*BaseType{&c.Type.Key, c.Type.Value} {
				if bt != nil && bt.RefTable != "" && s.Tables[bt.RefTable] == nil {
					return errors.Errorf("column %s.%s refers to unknown table %s", name, colName, bt.RefTable)
				}
			}
		}
		for _, idx := range t.Indexes {
			if len(idx) == 0 {
				return errors.Errorf("table %s has an empty index", name)
			}
			for _, col := range idx {
				if t.Columns[col] == nil && col != "_uuid" {
					return errors.Errorf("index of table %s names unknown column %s", name, col)
				}
			}
		}
	}
	return nil
}

// Parse parses a schema document given as JSON or YAML.
func Parse(data []byte) (*DatabaseSchema, error) {
	js, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, errors.Annotate(err, "convert schema document")
	}
	s := new(DatabaseSchema)
	if err := json.Unmarshal(js, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads and parses a schema file.
func Load(path string) (*DatabaseSchema, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "load schema %s", path)
	}
	return s, nil
}
