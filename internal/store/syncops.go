package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/table"
	"github.com/tablekit/tablesync/internal/types"
)

// ApplyServerInsert writes a server-originated row the local store has
// never seen. The row lands directly in the given synced state
// (synced, or synced_pending_files when attachments are still owed).
func (db *DB) ApplyServerInsert(ctx context.Context, oc *schema.OrderedColumns, sr ServerRow, state types.SyncState) error {
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}
	etag := sr.RowETag
	return insertRevision(ctx, db.conn, oc, sr.RowID, &etag, state, nil, RowValues{
		FormID:             sr.FormID,
		Locale:             sr.Locale,
		SavepointType:      sr.SavepointType,
		SavepointTimestamp: sr.SavepointTimestamp,
		SavepointCreator:   sr.SavepointCreator,
		Values:             sr.Values,
	})
}

// ApplyServerUpdate overwrites a locally clean row with the server's
// version: values, savepoint fields, ETag, and state move together in
// one statement. Callers must have established that the local row has
// no unpushed edits.
func (db *DB) ApplyServerUpdate(ctx context.Context, oc *schema.OrderedColumns, sr ServerRow, state types.SyncState) error {
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	sets := []string{
		"_row_etag = ?", "_sync_state = ?", "_form_id = ?", "_locale = ?",
		"_savepoint_type = ?", "_savepoint_timestamp = ?", "_savepoint_creator = ?",
	}
	args := []any{sr.RowETag, state.String(), sr.FormID, sr.Locale,
		savepointArg(sr.SavepointType), sr.SavepointTimestamp, sr.SavepointCreator}

	for _, name := range oc.RetentionColumnNames() {
		sets = append(sets, fmt.Sprintf("%q = ?", name))
		args = append(args, sr.Values[name])
	}
	args = append(args, sr.RowID)

	res, err := db.conn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %q SET %s WHERE _id = ? AND _conflict_type IS NULL`,
		oc.TableID, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to apply server update to %s in %s: %w", sr.RowID, oc.TableID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("apply server update to %s in %s: %w", sr.RowID, oc.TableID, ErrRowNotFound)
	}
	return nil
}

// MarkRowPushed records a successful push of one local row: the server
// assigned a fresh ETag and the row's local edit or insert is now the
// server's current version.
func (db *DB) MarkRowPushed(ctx context.Context, tableID, rowID, etag string, state types.SyncState) error {
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}
	res, err := db.conn.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %q SET _row_etag = ?, _sync_state = ? WHERE _id = ? AND _conflict_type IS NULL`,
		tableID), etag, state.String(), rowID)
	if err != nil {
		return fmt.Errorf("failed to record push of %s in %s: %w", rowID, tableID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record push of %s in %s: %w", rowID, tableID, ErrRowNotFound)
	}
	return nil
}

// GetDirtyRows returns the finalized rows with local changes awaiting
// push: every row whose state is not a synced state, excluding
// conflict pairs and checkpoint revisions.
func (db *DB) GetDirtyRows(ctx context.Context, oc *schema.OrderedColumns) (*table.UserTable, error) {
	return db.GetRows(ctx, oc, table.Query{
		Where: `_sync_state NOT IN (?, ?) AND _conflict_type IS NULL
		        AND _savepoint_type IS NOT NULL AND _savepoint_type != ''`,
		SelectionArgs: []string{
			types.SyncStateSynced.String(),
			types.SyncStateSyncedPendingFiles.String(),
		},
	})
}

// GetRowsPendingFiles returns rows whose values are synced but whose
// attachments have not all transferred.
func (db *DB) GetRowsPendingFiles(ctx context.Context, oc *schema.OrderedColumns) (*table.UserTable, error) {
	return db.GetRows(ctx, oc, table.Query{
		Where:         `_sync_state = ? AND _conflict_type IS NULL`,
		SelectionArgs: []string{types.SyncStateSyncedPendingFiles.String()},
	})
}

// ImportRow brings an externally sourced row (CSV import) into the
// table. A missing row is inserted in state new_row. A row still in
// state new_row is overwritten in place and stays new_row, so repeated
// imports of the same file are idempotent. Rows in any other state are
// left untouched and the import reports false.
func (db *DB) ImportRow(ctx context.Context, oc *schema.OrderedColumns, rowID string, rv RowValues) (bool, error) {
	if rowID == "" {
		_, err := db.InsertRow(ctx, oc, "", rv)
		return err == nil, err
	}
	if !validIdent(oc.TableID) {
		return false, &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	imported := false
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		state, conflict, err := rowState(ctx, tx, oc.TableID, rowID)
		if errors.Is(err, ErrRowNotFound) {
			imported = true
			return insertRevision(ctx, tx, oc, rowID, nil, types.SyncStateNewRow, nil, rv)
		}
		if err != nil {
			return err
		}
		if conflict != nil || state != types.SyncStateNewRow {
			return nil
		}
		imported = true
		return updateRevision(ctx, tx, oc, rowID, types.SyncStateNewRow, rv)
	})
	return imported, err
}
