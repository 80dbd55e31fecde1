package table

import (
	"fmt"

	"github.com/tablekit/tablesync/internal/schema"
)

// Query records the shape of the query a UserTable was built from, for
// provenance. It does not affect the view itself.
type Query struct {
	Where         string
	SelectionArgs []string
	GroupBy       []string
	Having        string
	OrderByKey    string
	OrderByDir    string
}

// RowData is the raw material for one row: an identifier and its cells
// in header order.
type RowData struct {
	ID    string
	Cells []*string
}

// UserTable is an immutable ordered sequence of rows, the column
// definitions it was built against, and the originating query shape.
// All rows share one elementKey-to-position index.
type UserTable struct {
	columns *schema.OrderedColumns
	query   Query

	header []string
	index  map[string]int
	rows   []*Row
}

// New builds a UserTable from a result header and row data.
//
// The header lists element keys in cell position order and must be
// duplicate-free; every row must have exactly len(header) cells.
func New(columns *schema.OrderedColumns, query Query, header []string, data []RowData) (*UserTable, error) {
	index := make(map[string]int, len(header))
	for pos, key := range header {
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("duplicate element key %q in result header", key)
		}
		index[key] = pos
	}

	ut := &UserTable{
		columns: columns,
		query:   query,
		header:  append([]string(nil), header...),
		index:   index,
		rows:    make([]*Row, len(data)),
	}

	for i, rd := range data {
		if len(rd.Cells) != len(header) {
			return nil, fmt.Errorf("row %s has %d cells, want %d", rd.ID, len(rd.Cells), len(header))
		}
		ut.rows[i] = &Row{id: rd.ID, cells: rd.Cells, owner: ut}
	}

	return ut, nil
}

// Columns returns the column definitions this view was built against.
func (ut *UserTable) Columns() *schema.OrderedColumns { return ut.columns }

// Query returns the originating query shape.
func (ut *UserTable) Query() Query { return ut.query }

// Width returns the number of cells in every row.
func (ut *UserTable) Width() int { return len(ut.header) }

// NumRows returns the number of rows in the view.
func (ut *UserTable) NumRows() int { return len(ut.rows) }

// RowAt returns the row at the given index.
func (ut *UserTable) RowAt(i int) *Row { return ut.rows[i] }

// Header returns the element keys in cell position order. The returned
// slice must not be modified.
func (ut *UserTable) Header() []string { return ut.header }

// IndexOf returns the cell position of the given element key, or -1.
func (ut *UserTable) IndexOf(elementKey string) int {
	pos, ok := ut.index[elementKey]
	if !ok {
		return -1
	}
	return pos
}

// RowNumFromID returns the index of the row with the given id, or -1.
// Row ids are unordered, so this is a linear scan; it is intended for
// infrequent lookups, not hot loops.
func (ut *UserTable) RowNumFromID(rowID string) int {
	for i, r := range ut.rows {
		if r.id == rowID {
			return i
		}
	}
	return -1
}

// HasCheckpointRows reports whether any row is an incomplete edit.
func (ut *UserTable) HasCheckpointRows() bool {
	for _, r := range ut.rows {
		if r.IsCheckpoint() {
			return true
		}
	}
	return false
}

// HasConflictRows reports whether any row is half of a conflict pair.
func (ut *UserTable) HasConflictRows() bool {
	for _, r := range ut.rows {
		if r.ConflictType() != nil {
			return true
		}
	}
	return false
}
