// Package schema models a table's user-defined column structure.
//
// A table's columns form a forest of typed, possibly-nested definitions.
// Composite types (geopoint, mimeUri, and user-defined objects) appear as
// grouping nodes whose children are individually stored; only "units of
// retention" are materialized as physical columns in the data table.
package schema

import (
	"encoding/json"
	"fmt"
)

// ElementDataType is the semantic data type of a column value, derived
// from the declared element type. Named structured subtypes collapse to
// one of these buckets.
type ElementDataType string

const (
	DataTypeString  ElementDataType = "string"
	DataTypeInteger ElementDataType = "integer"
	DataTypeNumber  ElementDataType = "number"
	DataTypeBool    ElementDataType = "bool"
	DataTypeArray   ElementDataType = "array"
	DataTypeObject  ElementDataType = "object"
	DataTypeRowPath ElementDataType = "rowpath"
)

// Well-known element type names. User-defined object types may use any
// other name; they are treated as objects.
const (
	ElementTypeString   = "string"
	ElementTypeInteger  = "integer"
	ElementTypeNumber   = "number"
	ElementTypeBool     = "bool"
	ElementTypeArray    = "array"
	ElementTypeObject   = "object"
	ElementTypeGeopoint = "geopoint"
	ElementTypeMimeURI  = "mimeUri"
	ElementTypeRowPath  = "rowpath"
	ElementTypeDate     = "date"
	ElementTypeDateTime = "dateTime"
	ElementTypeTime     = "time"
)

// DataTypeOf maps a declared element type to its semantic data type.
func DataTypeOf(elementType string) ElementDataType {
	switch elementType {
	case ElementTypeString, ElementTypeDate, ElementTypeDateTime, ElementTypeTime:
		return DataTypeString
	case ElementTypeInteger:
		return DataTypeInteger
	case ElementTypeNumber:
		return DataTypeNumber
	case ElementTypeBool:
		return DataTypeBool
	case ElementTypeArray:
		return DataTypeArray
	case ElementTypeRowPath:
		return DataTypeRowPath
	default:
		// geopoint, mimeUri, and any user-defined composite type.
		return DataTypeObject
	}
}

// IsNumeric reports whether values of this data type compare numerically.
func (d ElementDataType) IsNumeric() bool {
	return d == DataTypeInteger || d == DataTypeNumber
}

// SchemaError reports malformed or inconsistent column definitions.
// It is fatal to opening the table and is never retried.
type SchemaError struct {
	TableID string
	Reason  string
	Cause   error
}

func (e *SchemaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("schema error in table %s: %s: %v", e.TableID, e.Reason, e.Cause)
	}
	return fmt.Sprintf("schema error in table %s: %s", e.TableID, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Cause }

// NotFoundError reports a lookup of an unknown element key.
type NotFoundError struct {
	TableID    string
	ElementKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("element key %q not found in table %s", e.ElementKey, e.TableID)
}

// RawColumn is the flat persisted form of one column definition, as
// stored in the column_definitions table and in definition.csv.
type RawColumn struct {
	ElementKey           string `json:"element_key"`
	ElementName          string `json:"element_name"`
	ElementType          string `json:"element_type"`
	ListChildElementKeys string `json:"list_child_element_keys"` // JSON array of child element keys, "[]" for leaves
}

// ColumnDefinition is one node in a table's column forest.
//
// The parent is stored as an element key into the owning OrderedColumns
// arena rather than a live reference, so definitions carry no ownership
// cycles. Definitions are immutable once the table is opened.
type ColumnDefinition struct {
	ElementKey           string
	ElementName          string
	ElementType          string
	ListChildElementKeys []string

	parentKey       string
	unitOfRetention bool
}

// DataType returns the semantic data type of this column.
func (c *ColumnDefinition) DataType() ElementDataType {
	return DataTypeOf(c.ElementType)
}

// ParentKey returns the element key of this column's parent, or the
// empty string for a root.
func (c *ColumnDefinition) ParentKey() string { return c.parentKey }

// IsRoot reports whether this column has no parent.
func (c *ColumnDefinition) IsRoot() bool { return c.parentKey == "" }

// IsUnitOfRetention reports whether this column's value is physically
// stored as its own column in the data table.
//
// Array containers are retained as a single JSON-encoded cell, so
// their descendants are not. Leaves outside arrays are retained.
// Non-array composite nodes are purely structural: their children are
// retained individually. Computed once during BuildColumnDefinitions.
func (c *ColumnDefinition) IsUnitOfRetention() bool {
	return c.unitOfRetention
}

// Raw converts the definition back to its flat persisted form.
func (c *ColumnDefinition) Raw() RawColumn {
	children := c.ListChildElementKeys
	if children == nil {
		children = []string{}
	}
	encoded, _ := json.Marshal(children)
	return RawColumn{
		ElementKey:           c.ElementKey,
		ElementName:          c.ElementName,
		ElementType:          c.ElementType,
		ListChildElementKeys: string(encoded),
	}
}
