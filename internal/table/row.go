// Package table provides immutable, columnar-indexed views over query
// results: a UserTable is an ordered sequence of Rows sharing one
// elementKey-to-position index, built against the table's schema.
package table

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/types"
)

// TypeConversionError reports a stored cell value that does not parse
// as the requested semantic type. It carries the offending value so
// callers can distinguish conversion failure from I/O or schema
// failure.
type TypeConversionError struct {
	ElementKey string
	Value      string
	Target     schema.ElementDataType
	Cause      error
}

func (e *TypeConversionError) Error() string {
	return fmt.Sprintf("cannot convert column %q value %q to %s: %v",
		e.ElementKey, e.Value, e.Target, e.Cause)
}

func (e *TypeConversionError) Unwrap() error { return e.Cause }

// Row is one immutable row of a UserTable: a positional array of
// string-or-null cells plus a row identifier. Structured values
// (array/object) are stored as canonical JSON strings; booleans are
// stored as "1"/"0".
type Row struct {
	id    string
	cells []*string
	owner *UserTable
}

// ID returns the row identifier.
func (r *Row) ID() string { return r.id }

// DataByKey returns the raw stored cell for the given element key, or
// nil when the cell is null or the key is not part of this result
// set. It never fails for a key present in the table's index.
func (r *Row) DataByKey(elementKey string) *string {
	pos, ok := r.owner.index[elementKey]
	if !ok {
		return nil
	}
	return r.cells[pos]
}

// Value converts the raw cell for elementKey to the requested semantic
// type. Supported targets: string, integer, number, bool (stored as
// "1"/"0"), and array/object (JSON-decoded). A nil cell yields nil.
func (r *Row) Value(elementKey string, target schema.ElementDataType) (any, error) {
	raw := r.DataByKey(elementKey)
	if raw == nil {
		return nil, nil
	}

	switch target {
	case schema.DataTypeString, schema.DataTypeRowPath:
		return *raw, nil
	case schema.DataTypeInteger:
		v, err := strconv.ParseInt(*raw, 10, 64)
		if err != nil {
			return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target, Cause: err}
		}
		return v, nil
	case schema.DataTypeNumber:
		v, err := strconv.ParseFloat(*raw, 64)
		if err != nil {
			return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target, Cause: err}
		}
		return v, nil
	case schema.DataTypeBool:
		switch *raw {
		case "1":
			return true, nil
		case "0":
			return false, nil
		default:
			return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target,
				Cause: fmt.Errorf("boolean cells are stored as \"1\" or \"0\"")}
		}
	case schema.DataTypeArray:
		var v []any
		if err := json.Unmarshal([]byte(*raw), &v); err != nil {
			return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target, Cause: err}
		}
		return v, nil
	case schema.DataTypeObject:
		var v map[string]any
		if err := json.Unmarshal([]byte(*raw), &v); err != nil {
			return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target, Cause: err}
		}
		return v, nil
	default:
		return nil, &TypeConversionError{ElementKey: elementKey, Value: *raw, Target: target,
			Cause: fmt.Errorf("unsupported target type")}
	}
}

// SavepointType returns the row's savepoint type cell.
func (r *Row) SavepointType() *string {
	return r.DataByKey(types.ColSavepointType)
}

// IsCheckpoint reports whether this row is an incomplete edit.
func (r *Row) IsCheckpoint() bool {
	return types.IsCheckpoint(r.SavepointType())
}

// ConflictType returns the row's conflict type cell, nil when the row
// is not half of a conflict pair.
func (r *Row) ConflictType() *string {
	v := r.DataByKey(types.ColConflictType)
	if v == nil || *v == "" {
		return nil
	}
	return v
}

// SyncState parses the row's sync state cell. Rows in a result set
// that lacks the _sync_state column report an error.
func (r *Row) SyncState() (types.SyncState, error) {
	v := r.DataByKey(types.ColSyncState)
	if v == nil {
		return "", fmt.Errorf("row %s has no %s cell", r.id, types.ColSyncState)
	}
	return types.ParseSyncState(*v)
}
