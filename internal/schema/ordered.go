package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OrderedColumns is the immutable, deterministically ordered set of
// column definitions for one table.
//
// Construction order is sorted by element key so that the retention
// column layout, and any schema hash derived from it, is stable across
// repeated loads of the same logical schema.
type OrderedColumns struct {
	AppName string
	TableID string

	ordered []*ColumnDefinition
	byKey   map[string]*ColumnDefinition
}

// BuildColumnDefinitions parses flat column rows into the parent/child
// forest for a table.
//
// It fails with a SchemaError if an element key is duplicated, if a
// listed child key is missing from the input set, if a child is claimed
// by more than one parent, or if the parent chain of any node does not
// terminate at a root.
func BuildColumnDefinitions(appName, tableID string, raw []RawColumn) (*OrderedColumns, error) {
	if len(raw) == 0 {
		return nil, &SchemaError{TableID: tableID, Reason: "no column definitions"}
	}

	byKey := make(map[string]*ColumnDefinition, len(raw))
	ordered := make([]*ColumnDefinition, 0, len(raw))

	for _, rc := range raw {
		if rc.ElementKey == "" {
			return nil, &SchemaError{TableID: tableID, Reason: "column with empty element key"}
		}
		if _, dup := byKey[rc.ElementKey]; dup {
			return nil, &SchemaError{TableID: tableID,
				Reason: fmt.Sprintf("duplicate element key %q", rc.ElementKey)}
		}

		var children []string
		list := strings.TrimSpace(rc.ListChildElementKeys)
		if list != "" && list != "[]" {
			if err := json.Unmarshal([]byte(list), &children); err != nil {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("malformed child key list for %q", rc.ElementKey), Cause: err}
			}
		}

		col := &ColumnDefinition{
			ElementKey:           rc.ElementKey,
			ElementName:          rc.ElementName,
			ElementType:          rc.ElementType,
			ListChildElementKeys: children,
		}
		byKey[rc.ElementKey] = col
		ordered = append(ordered, col)
	}

	// Wire parents. Every listed child must exist and belong to exactly
	// one parent.
	for _, col := range ordered {
		for _, childKey := range col.ListChildElementKeys {
			child, ok := byKey[childKey]
			if !ok {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("column %q lists missing child %q", col.ElementKey, childKey)}
			}
			if child.parentKey != "" {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("column %q claimed by parents %q and %q",
						childKey, child.parentKey, col.ElementKey)}
			}
			if childKey == col.ElementKey {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("column %q lists itself as a child", col.ElementKey)}
			}
			child.parentKey = col.ElementKey
		}
	}

	// Verify every parent chain terminates at a root. A chain longer
	// than the column count means a cycle.
	for _, col := range ordered {
		steps := 0
		for cur := col; !cur.IsRoot(); {
			next, ok := byKey[cur.parentKey]
			if !ok {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("column %q has unknown parent %q", cur.ElementKey, cur.parentKey)}
			}
			cur = next
			steps++
			if steps > len(ordered) {
				return nil, &SchemaError{TableID: tableID,
					Reason: fmt.Sprintf("cycle in parent chain of column %q", col.ElementKey)}
			}
		}
	}

	// Mark units of retention now that the forest is wired. An array
	// container is retained as one JSON cell; anything beneath one is
	// folded into it.
	for _, col := range ordered {
		switch {
		case col.DataType() == DataTypeArray:
			col.unitOfRetention = !underArray(col, byKey)
		case len(col.ListChildElementKeys) == 0:
			col.unitOfRetention = !underArray(col, byKey)
		}
	}

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ElementKey < ordered[j].ElementKey
	})

	return &OrderedColumns{
		AppName: appName,
		TableID: tableID,
		ordered: ordered,
		byKey:   byKey,
	}, nil
}

// underArray reports whether any proper ancestor of col is an array
// container. Parent chains are already verified acyclic.
func underArray(col *ColumnDefinition, byKey map[string]*ColumnDefinition) bool {
	for cur := col; !cur.IsRoot(); {
		cur = byKey[cur.parentKey]
		if cur.DataType() == DataTypeArray {
			return true
		}
	}
	return false
}

// Find returns the definition for the given element key.
func (oc *OrderedColumns) Find(elementKey string) (*ColumnDefinition, error) {
	col, ok := oc.byKey[elementKey]
	if !ok {
		return nil, &NotFoundError{TableID: oc.TableID, ElementKey: elementKey}
	}
	return col, nil
}

// Columns returns the definitions in canonical (element key) order.
// The returned slice must not be modified.
func (oc *OrderedColumns) Columns() []*ColumnDefinition { return oc.ordered }

// Len returns the number of column definitions.
func (oc *OrderedColumns) Len() int { return len(oc.ordered) }

// RetentionColumnNames returns the element keys of all units of
// retention, in canonical order. This exact list and order defines the
// positional layout used by row views and by the CSV exporter.
func (oc *OrderedColumns) RetentionColumnNames() []string {
	names := make([]string, 0, len(oc.ordered))
	for _, col := range oc.ordered {
		if col.IsUnitOfRetention() {
			names = append(names, col.ElementKey)
		}
	}
	return names
}

// ChildrenOf returns the child definitions of the given column, in the
// order the parent declares them.
func (oc *OrderedColumns) ChildrenOf(elementKey string) ([]*ColumnDefinition, error) {
	col, err := oc.Find(elementKey)
	if err != nil {
		return nil, err
	}
	children := make([]*ColumnDefinition, 0, len(col.ListChildElementKeys))
	for _, key := range col.ListChildElementKeys {
		child, err := oc.Find(key)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// GraphViewIsPossible reports whether the table has at least one
// retained numeric column to plot.
func (oc *OrderedColumns) GraphViewIsPossible() bool {
	for _, col := range oc.ordered {
		if col.IsUnitOfRetention() && col.DataType().IsNumeric() {
			return true
		}
	}
	return false
}

// MapViewIsPossible reports whether the table carries location data:
// either a geopoint-typed column, or a pair of columns whose names
// identify latitude and longitude.
func (oc *OrderedColumns) MapViewIsPossible() bool {
	var hasLat, hasLon bool
	for _, col := range oc.ordered {
		if col.ElementType == ElementTypeGeopoint {
			return true
		}
		name := strings.ToLower(col.ElementName)
		switch {
		case strings.Contains(name, "latitude"):
			hasLat = true
		case strings.Contains(name, "longitude"):
			hasLon = true
		}
	}
	return hasLat && hasLon
}

// Raw converts the set back to its flat persisted form, in canonical
// order. This is the exact row set written to definition.csv.
func (oc *OrderedColumns) Raw() []RawColumn {
	raw := make([]RawColumn, len(oc.ordered))
	for i, col := range oc.ordered {
		raw[i] = col.Raw()
	}
	return raw
}
