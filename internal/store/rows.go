package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/table"
	"github.com/tablekit/tablesync/internal/types"
)

// ErrRowNotFound reports an operation against a missing row id.
var ErrRowNotFound = errors.New("row not found")

// ErrRowInConflict reports a local edit or delete attempted on a row
// that is half of an unresolved conflict pair.
var ErrRowInConflict = errors.New("row is in conflict; resolve before editing")

// RowValues carries the writable fields of one row revision. Values is
// keyed by retained element key; keys absent from the map are written
// as null on insert and left untouched on update.
type RowValues struct {
	FormID             *string
	Locale             *string
	SavepointType      *string // nil or empty marks a checkpoint
	SavepointTimestamp string
	SavepointCreator   *string
	Values             map[string]*string
}

// ServerRow is a row version received from the server, as handed to
// the store by the synchronizer.
type ServerRow struct {
	RowID              string
	RowETag            string
	Deleted            bool
	FormID             *string
	Locale             *string
	SavepointType      *string
	SavepointTimestamp string
	SavepointCreator   *string
	Values             map[string]*string
}

// rowHeader returns the element keys of a full row result, admin
// columns first, then retained user columns in canonical order.
func rowHeader(oc *schema.OrderedColumns) []string {
	return append(types.AdminColumns(), oc.RetentionColumnNames()...)
}

// transitionOnLocalUpdate is the legal state transition for a local
// value edit. new_row and changed absorb further edits; synced states
// become changed.
func transitionOnLocalUpdate(s types.SyncState) types.SyncState {
	switch s {
	case types.SyncStateSynced, types.SyncStateSyncedPendingFiles:
		return types.SyncStateChanged
	default:
		return s
	}
}

// InsertRow creates a finalized local row in state new_row. An empty
// rowID generates one. Returns the row id.
func (db *DB) InsertRow(ctx context.Context, oc *schema.OrderedColumns, rowID string, rv RowValues) (string, error) {
	if rowID == "" {
		rowID = uuid.NewString()
	}
	if !validIdent(oc.TableID) {
		return "", &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE _id = ?`, oc.TableID), rowID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check for existing row: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("row %s already exists in %s", rowID, oc.TableID)
		}
		return insertRevision(ctx, tx, oc, rowID, nil, types.SyncStateNewRow, nil, rv)
	})
	if err != nil {
		return "", err
	}
	return rowID, nil
}

// insertRevision writes one physical row revision. etag and conflict
// may be nil.
func insertRevision(ctx context.Context, ex Execer, oc *schema.OrderedColumns,
	rowID string, etag *string, state types.SyncState, conflict *types.ConflictType, rv RowValues) error {

	cols := []string{
		types.ColID, types.ColRowETag, types.ColSyncState, types.ColConflictType,
		types.ColFormID, types.ColLocale, types.ColSavepointType,
		types.ColSavepointTimestamp, types.ColSavepointCreator,
	}
	args := []any{rowID, etag, state.String(), conflictArg(conflict),
		rv.FormID, rv.Locale, savepointArg(rv.SavepointType), rv.SavepointTimestamp, rv.SavepointCreator}

	for _, name := range oc.RetentionColumnNames() {
		cols = append(cols, name)
		args = append(args, rv.Values[name])
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		marks[i] = "?"
	}

	query := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
		oc.TableID, strings.Join(quoted, ", "), strings.Join(marks, ", "))
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert row %s into %s: %w", rowID, oc.TableID, err)
	}
	return nil
}

func conflictArg(c *types.ConflictType) any {
	if c == nil {
		return nil
	}
	return int(*c)
}

func savepointArg(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// UpdateRow applies a local value edit to a finalized row and advances
// its sync state in the same statement, so the row is never observable
// with new values and a stale state.
func (db *DB) UpdateRow(ctx context.Context, oc *schema.OrderedColumns, rowID string, rv RowValues) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		state, conflict, err := rowState(ctx, tx, oc.TableID, rowID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("update row %s in %s: %w", rowID, oc.TableID, ErrRowInConflict)
		}
		if state == types.SyncStateDeleted {
			return fmt.Errorf("update row %s in %s: row is deleted", rowID, oc.TableID)
		}

		next := transitionOnLocalUpdate(state)
		return updateRevision(ctx, tx, oc, rowID, next, rv)
	})
}

// updateRevision rewrites the finalized revision of a row: values,
// savepoint fields, and sync state together. Checkpoint revisions
// sharing the row id are left untouched; they stay pending until
// explicitly completed or discarded.
func updateRevision(ctx context.Context, ex Execer, oc *schema.OrderedColumns,
	rowID string, state types.SyncState, rv RowValues) error {

	sets := []string{
		"_sync_state = ?", "_form_id = ?", "_locale = ?",
		"_savepoint_type = ?", "_savepoint_timestamp = ?", "_savepoint_creator = ?",
	}
	args := []any{state.String(), rv.FormID, rv.Locale,
		savepointArg(rv.SavepointType), rv.SavepointTimestamp, rv.SavepointCreator}

	for _, name := range oc.RetentionColumnNames() {
		if v, ok := rv.Values[name]; ok {
			sets = append(sets, fmt.Sprintf("%q = ?", name))
			args = append(args, v)
		}
	}
	args = append(args, rowID)

	query := fmt.Sprintf(`UPDATE %q SET %s
		WHERE _id = ? AND _conflict_type IS NULL
		  AND _savepoint_type IS NOT NULL AND _savepoint_type != ''`,
		oc.TableID, strings.Join(sets, ", "))
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update row %s in %s: %w", rowID, oc.TableID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update row %s in %s: %w", rowID, oc.TableID, ErrRowNotFound)
	}
	return nil
}

// rowState reads the sync state and conflict type of a row's
// non-server revision.
func rowState(ctx context.Context, ex Execer, tableID, rowID string) (types.SyncState, *types.ConflictType, error) {
	var state string
	var conflict sql.NullInt64
	err := ex.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT _sync_state, _conflict_type FROM %q
		 WHERE _id = ? AND (_conflict_type IS NULL OR _conflict_type IN (?, ?))
		 ORDER BY _savepoint_timestamp DESC LIMIT 1`, tableID),
		rowID,
		int(types.ConflictLocalDeletedOldValues),
		int(types.ConflictLocalUpdatedUpdatedValues)).Scan(&state, &conflict)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("row %s in %s: %w", rowID, tableID, ErrRowNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read state of row %s in %s: %w", rowID, tableID, err)
	}

	parsed, err := types.ParseSyncState(state)
	if err != nil {
		return "", nil, fmt.Errorf("row %s in %s: %w", rowID, tableID, err)
	}

	if !conflict.Valid {
		return parsed, nil, nil
	}
	ct, err := types.ParseConflictType(int(conflict.Int64))
	if err != nil {
		return "", nil, fmt.Errorf("row %s in %s: %w", rowID, tableID, err)
	}
	return parsed, &ct, nil
}

// MarkRowDeleted turns a finalized row into a local tombstone pending
// push. Conflict rows must be resolved first. Outstanding checkpoint
// revisions are discarded as part of the delete; the tombstone is the
// finalized revision alone. The row is physically removed only when
// the server acknowledges the delete, or immediately by the
// synchronizer when it was never pushed.
func (db *DB) MarkRowDeleted(ctx context.Context, tableID, rowID string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		_, conflict, err := rowState(ctx, tx, tableID, rowID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return fmt.Errorf("delete row %s in %s: %w", rowID, tableID, ErrRowInConflict)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND (_savepoint_type IS NULL OR _savepoint_type = '')`,
			tableID), rowID)
		if err != nil {
			return fmt.Errorf("failed to drop checkpoints of row %s in %s: %w", rowID, tableID, err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET _sync_state = ? WHERE _id = ?`, tableID),
			types.SyncStateDeleted.String(), rowID)
		if err != nil {
			return fmt.Errorf("failed to mark row %s deleted in %s: %w", rowID, tableID, err)
		}
		return nil
	})
}

// DeleteRowPhysical removes every revision of a row. Used when the
// server acknowledges a delete and when discarding never-pushed rows.
func (db *DB) DeleteRowPhysical(ctx context.Context, tableID, rowID string) error {
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}
	_, err := db.conn.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE _id = ?`, tableID), rowID)
	if err != nil {
		return fmt.Errorf("failed to delete row %s from %s: %w", rowID, tableID, err)
	}
	return nil
}

// GetRows runs a query over a table's data and returns an immutable
// view. The header is always the admin columns followed by the
// retained user columns in canonical order.
func (db *DB) GetRows(ctx context.Context, oc *schema.OrderedColumns, q table.Query) (*table.UserTable, error) {
	if !validIdent(oc.TableID) {
		return nil, &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	header := rowHeader(oc)
	quoted := make([]string, len(header))
	for i, c := range header {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %q", strings.Join(quoted, ", "), oc.TableID)
	var args []any
	if q.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(q.Where)
		for _, a := range q.SelectionArgs {
			args = append(args, a)
		}
	}
	if len(q.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(q.GroupBy, ", "))
		if q.Having != "" {
			b.WriteString(" HAVING ")
			b.WriteString(q.Having)
		}
	}
	if q.OrderByKey != "" {
		dir := q.OrderByDir
		if dir == "" {
			dir = "ASC"
		}
		fmt.Fprintf(&b, " ORDER BY %q %s", q.OrderByKey, dir)
	} else {
		b.WriteString(" ORDER BY _id ASC, _savepoint_timestamp ASC")
	}

	rows, err := db.conn.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows of %s: %w", oc.TableID, err)
	}
	defer rows.Close()

	var data []table.RowData
	for rows.Next() {
		scan := make([]sql.NullString, len(header))
		dest := make([]any, len(header))
		for i := range scan {
			dest[i] = &scan[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", oc.TableID, err)
		}

		cells := make([]*string, len(header))
		for i, ns := range scan {
			if ns.Valid {
				v := ns.String
				cells[i] = &v
			}
		}
		var id string
		if cells[0] != nil {
			id = *cells[0]
		}
		data = append(data, table.RowData{ID: id, Cells: cells})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows of %s: %w", oc.TableID, err)
	}

	return table.New(oc, q, header, data)
}

// GetRowByID returns a view holding every revision of one row:
// the finalized row, plus checkpoint revisions and the conflict
// sibling when present.
func (db *DB) GetRowByID(ctx context.Context, oc *schema.OrderedColumns, rowID string) (*table.UserTable, error) {
	return db.GetRows(ctx, oc, table.Query{
		Where:         "_id = ?",
		SelectionArgs: []string{rowID},
	})
}
