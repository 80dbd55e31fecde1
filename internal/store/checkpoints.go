package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/types"
)

// ErrNoCheckpoints reports a checkpoint resolution on a row with no
// checkpoint revisions.
var ErrNoCheckpoints = errors.New("row has no checkpoints")

// InsertCheckpoint appends a partial-save revision for a row. The
// checkpoint carries the row's current sync state so that promoting it
// later knows where the row stood; the savepoint type is stored null
// to mark it as unfinished. For a row id never seen before the
// checkpoint starts the row in state new_row.
//
// Checkpoint rows never participate in synchronization and block their
// table's row sync until resolved.
func (db *DB) InsertCheckpoint(ctx context.Context, oc *schema.OrderedColumns, rowID string, rv RowValues) error {
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}
	rv.SavepointType = nil

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		state, conflict, err := rowState(ctx, tx, oc.TableID, rowID)
		if errors.Is(err, ErrRowNotFound) {
			state = types.SyncStateNewRow
		} else if err != nil {
			return err
		} else if conflict != nil {
			return fmt.Errorf("checkpoint row %s in %s: %w", rowID, oc.TableID, ErrRowInConflict)
		}

		var etag *string
		var e sql.NullString
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT _row_etag FROM %q WHERE _id = ? AND _savepoint_type IS NOT NULL AND _savepoint_type != ''`,
			oc.TableID), rowID).Scan(&e)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read etag for checkpoint of %s: %w", rowID, err)
		}
		if e.Valid {
			etag = &e.String
		}

		return insertRevision(ctx, tx, oc, rowID, etag, state, nil, rv)
	})
}

// lastCheckpoint returns the savepoint timestamp of the newest
// checkpoint revision for a row.
func lastCheckpoint(ctx context.Context, ex Execer, tableID, rowID string) (string, error) {
	var ts sql.NullString
	err := ex.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT MAX(_savepoint_timestamp) FROM %q
		 WHERE _id = ? AND (_savepoint_type IS NULL OR _savepoint_type = '')`, tableID),
		rowID).Scan(&ts)
	if err != nil {
		return "", fmt.Errorf("failed to find checkpoints for %s: %w", rowID, err)
	}
	if !ts.Valid {
		return "", fmt.Errorf("row %s in %s: %w", rowID, tableID, ErrNoCheckpoints)
	}
	return ts.String, nil
}

// SaveLastCheckpointAs promotes the newest checkpoint of a row to a
// finalized revision with the given savepoint type (COMPLETE or
// INCOMPLETE) and drops all other revisions of the row. The promoted
// revision's sync state advances as a local edit would: a previously
// synced row becomes changed.
func (db *DB) SaveLastCheckpointAs(ctx context.Context, oc *schema.OrderedColumns, rowID, savepointType string) error {
	if savepointType != types.SavepointTypeComplete && savepointType != types.SavepointTypeIncomplete {
		return fmt.Errorf("invalid savepoint type %q", savepointType)
	}
	if !validIdent(oc.TableID) {
		return &schema.SchemaError{TableID: oc.TableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		ts, err := lastCheckpoint(ctx, tx, oc.TableID, rowID)
		if err != nil {
			return err
		}

		var state string
		if err := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT _sync_state FROM %q
			 WHERE _id = ? AND _savepoint_timestamp = ?
			   AND (_savepoint_type IS NULL OR _savepoint_type = '')`, oc.TableID),
			rowID, ts).Scan(&state); err != nil {
			return fmt.Errorf("failed to read checkpoint state for %s: %w", rowID, err)
		}
		parsed, err := types.ParseSyncState(state)
		if err != nil {
			return fmt.Errorf("checkpoint of %s: %w", rowID, err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND NOT (_savepoint_timestamp = ?
			   AND (_savepoint_type IS NULL OR _savepoint_type = ''))`, oc.TableID),
			rowID, ts); err != nil {
			return fmt.Errorf("failed to drop superseded revisions of %s: %w", rowID, err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %q SET _savepoint_type = ?, _sync_state = ? WHERE _id = ?`, oc.TableID),
			savepointType, transitionOnLocalUpdate(parsed).String(), rowID)
		if err != nil {
			return fmt.Errorf("failed to finalize checkpoint of %s: %w", rowID, err)
		}
		return nil
	})
}

// DeleteAllCheckpoints discards every checkpoint revision of a row,
// restoring the last finalized revision as the row's only state. A row
// that existed only as checkpoints disappears entirely.
func (db *DB) DeleteAllCheckpoints(ctx context.Context, tableID, rowID string) error {
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %q WHERE _id = ? AND (_savepoint_type IS NULL OR _savepoint_type = '')`,
		tableID), rowID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints of %s in %s: %w", rowID, tableID, err)
	}
	return nil
}

// DeleteLastCheckpoint discards only the newest checkpoint revision of
// a row, keeping any earlier checkpoints.
func (db *DB) DeleteLastCheckpoint(ctx context.Context, tableID, rowID string) error {
	if !validIdent(tableID) {
		return &schema.SchemaError{TableID: tableID, Reason: "table id is not a valid identifier"}
	}

	return db.WithTx(ctx, func(tx *sql.Tx) error {
		ts, err := lastCheckpoint(ctx, tx, tableID, rowID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE _id = ? AND _savepoint_timestamp = ?
			   AND (_savepoint_type IS NULL OR _savepoint_type = '')`, tableID),
			rowID, ts)
		if err != nil {
			return fmt.Errorf("failed to delete last checkpoint of %s: %w", rowID, err)
		}
		return nil
	})
}
