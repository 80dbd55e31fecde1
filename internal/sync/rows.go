package sync

import (
	"context"
	"fmt"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/store"
	"github.com/tablekit/tablesync/internal/table"
	"github.com/tablekit/tablesync/internal/types"
)

// syncTableRows runs phase 2 for one table: purge never-pushed
// tombstones, pull the server's delta, push local changes, then settle
// attachments. Results accumulate into tr.
func (s *Synchronizer) syncTableRows(ctx context.Context, oc *schema.OrderedColumns, server *TableResource, opts Options, tr *TableResult) {
	tableID := oc.TableID

	health, err := s.db.GetTableHealth(ctx, tableID)
	if err != nil {
		s.logger.Printf("Failed to read health of %s: %v", tableID, err)
		tr.RowOutcome = OutcomeLocalDatabaseException
		return
	}
	if health.HasCheckpoints {
		tr.RowOutcome = OutcomeTableContainsCheckpoints
		return
	}
	if health.HasConflicts {
		tr.RowOutcome = OutcomeTableContainsConflicts
		return
	}

	if err := s.purgeUnpushedTombstones(ctx, oc); err != nil {
		s.logger.Printf("Failed to purge local-only deletes in %s: %v", tableID, err)
		tr.RowOutcome = OutcomeLocalDatabaseException
		return
	}

	lastETag, err := s.db.GetLastDataETag(ctx, tableID)
	if err != nil {
		tr.RowOutcome = OutcomeLocalDatabaseException
		return
	}

	dataETag := lastETag
	if server.DataETag != lastETag {
		changes, err := s.transport.GetRowsSince(ctx, tableID, lastETag)
		if err != nil {
			s.logger.Printf("Failed to pull rows of %s: %v", tableID, err)
			tr.RowOutcome = classifyTransportError(err)
			return
		}
		for _, sr := range changes.Rows {
			conflicted, pending, err := s.applyServerRow(ctx, oc, sr, opts)
			if err != nil {
				s.logger.Printf("Failed to apply server row %s in %s: %v", sr.RowID, tableID, err)
				tr.RowOutcome = OutcomeLocalDatabaseException
				return
			}
			tr.PulledRows++
			if conflicted {
				tr.Conflicts++
			}
			if pending {
				tr.PendingRows++
			}
		}
		if err := s.db.SetLastDataETag(ctx, tableID, changes.DataETag); err != nil {
			tr.RowOutcome = OutcomeLocalDatabaseException
			return
		}
		dataETag = changes.DataETag
	}

	failed, outcome := s.pushLocalRows(ctx, oc, dataETag, opts, tr)
	if outcome != OutcomeSuccess {
		tr.RowOutcome = outcome
		return
	}

	if err := s.settleAttachments(ctx, oc, opts, tr); err != nil {
		s.logger.Printf("Attachment pass failed for %s: %v", tableID, err)
		tr.RowOutcome = classifyTransportError(err)
		return
	}

	switch {
	case failed > 0:
		tr.RowOutcome = OutcomeFailure
	case tr.Conflicts > 0:
		tr.RowOutcome = OutcomeTableContainsConflicts
	case tr.PendingRows > 0:
		tr.RowOutcome = OutcomeTablePendingAttachments
	default:
		tr.RowOutcome = OutcomeSuccess
	}
}

// purgeUnpushedTombstones physically removes deleted rows the server
// never saw. A tombstone without a row ETag was created and deleted
// between syncs; there is nothing to tell the server.
func (s *Synchronizer) purgeUnpushedTombstones(ctx context.Context, oc *schema.OrderedColumns) error {
	ut, err := s.db.GetRows(ctx, oc, table.Query{
		Where:         "_sync_state = ? AND _row_etag IS NULL",
		SelectionArgs: []string{types.SyncStateDeleted.String()},
	})
	if err != nil {
		return err
	}
	for i := 0; i < ut.NumRows(); i++ {
		if err := s.db.DeleteRowPhysical(ctx, oc.TableID, ut.RowAt(i).ID()); err != nil {
			return err
		}
	}
	return nil
}

// applyServerRow reconciles one pulled server row version against the
// local row with the same id, creating a conflict pair when both sides
// changed since their common base version.
func (s *Synchronizer) applyServerRow(ctx context.Context, oc *schema.OrderedColumns, sr RowResource, opts Options) (conflicted, pending bool, err error) {
	local, err := s.db.GetRowByID(ctx, oc, sr.RowID)
	if err != nil {
		return false, false, err
	}

	if local.NumRows() == 0 {
		if sr.Deleted {
			return false, false, nil
		}
		state, pending := s.incomingRowState(sr, opts)
		if err := s.db.ApplyServerInsert(ctx, oc, toServerRow(sr), state); err != nil {
			return false, false, err
		}
		return false, s.resolveIncomingAttachments(ctx, oc.TableID, sr, pending, opts), nil
	}

	row := local.RowAt(0)
	state, err := row.SyncState()
	if err != nil {
		return false, false, err
	}
	localETag := row.DataByKey(types.ColRowETag)

	switch state {
	case types.SyncStateSynced, types.SyncStateSyncedPendingFiles:
		if sr.Deleted {
			return false, false, s.db.DeleteRowPhysical(ctx, oc.TableID, sr.RowID)
		}
		st, pending := s.incomingRowState(sr, opts)
		if err := s.db.ApplyServerUpdate(ctx, oc, toServerRow(sr), st); err != nil {
			return false, false, err
		}
		return false, s.resolveIncomingAttachments(ctx, oc.TableID, sr, pending, opts), nil

	case types.SyncStateNewRow, types.SyncStateChanged:
		if localETag != nil && *localETag == sr.RowETag {
			// Local edit is based on this very version; the push will
			// carry it.
			return false, false, nil
		}
		serverType := types.ConflictServerUpdatedUpdatedValues
		if sr.Deleted {
			serverType = types.ConflictServerDeletedOldValues
		}
		err := s.db.PlaceRowIntoConflict(ctx, oc, sr.RowID,
			types.ConflictLocalUpdatedUpdatedValues, serverType, toServerRow(sr))
		return err == nil, false, err

	case types.SyncStateDeleted:
		if sr.Deleted {
			// Both sides deleted; nothing to argue about.
			return false, false, s.db.DeleteRowPhysical(ctx, oc.TableID, sr.RowID)
		}
		if localETag != nil && *localETag == sr.RowETag {
			return false, false, nil
		}
		err := s.db.PlaceRowIntoConflict(ctx, oc, sr.RowID,
			types.ConflictLocalDeletedOldValues,
			types.ConflictServerUpdatedUpdatedValues, toServerRow(sr))
		return err == nil, false, err

	default:
		return false, false, fmt.Errorf("row %s in unexpected state %s during pull", sr.RowID, state)
	}
}

// incomingRowState picks the landing state for a server row version:
// synced_pending_files when attachments are owed, synced otherwise.
func (s *Synchronizer) incomingRowState(sr RowResource, opts Options) (types.SyncState, bool) {
	if sr.HasAttachments {
		return types.SyncStateSyncedPendingFiles, true
	}
	return types.SyncStateSynced, false
}

// resolveIncomingAttachments transfers a freshly applied row's
// attachments unless deferred, promoting the row to synced when every
// file made it across. Returns whether the row is still pending.
func (s *Synchronizer) resolveIncomingAttachments(ctx context.Context, tableID string, sr RowResource, pending bool, opts Options) bool {
	if !pending || opts.DeferAttachments {
		return pending
	}
	resolved, err := s.transport.SyncRowAttachments(ctx, tableID, sr.RowID)
	if err != nil {
		s.logger.Printf("WARNING: Attachment sync failed for %s/%s: %v", tableID, sr.RowID, err)
		return true
	}
	if !resolved {
		return true
	}
	if err := s.db.MarkRowPushed(ctx, tableID, sr.RowID, sr.RowETag, types.SyncStateSynced); err != nil {
		s.logger.Printf("WARNING: Failed to settle attachments for %s/%s: %v", tableID, sr.RowID, err)
		return true
	}
	return false
}

// pushLocalRows sends every dirty row to the server and applies the
// per-row verdicts. Returns the number of rows the server rejected and
// an outcome for hard failures.
func (s *Synchronizer) pushLocalRows(ctx context.Context, oc *schema.OrderedColumns, dataETag string, opts Options, tr *TableResult) (failed int, outcome Outcome) {
	dirty, err := s.db.GetDirtyRows(ctx, oc)
	if err != nil {
		return 0, OutcomeLocalDatabaseException
	}
	if dirty.NumRows() == 0 {
		return 0, OutcomeSuccess
	}

	resources := make([]RowResource, 0, dirty.NumRows())
	for i := 0; i < dirty.NumRows(); i++ {
		res, err := rowToResource(oc, dirty.RowAt(i))
		if err != nil {
			s.logger.Printf("Failed to encode row %s for push: %v", dirty.RowAt(i).ID(), err)
			return 0, OutcomeLocalDatabaseException
		}
		resources = append(resources, res)
	}

	verdicts, err := s.transport.PushRows(ctx, oc.TableID, dataETag, resources)
	if err != nil {
		s.logger.Printf("Failed to push rows of %s: %v", oc.TableID, err)
		return 0, classifyTransportError(err)
	}

	sent := make(map[string]RowResource, len(resources))
	for _, r := range resources {
		sent[r.RowID] = r
	}

	for _, v := range verdicts.Outcomes {
		switch v.Outcome {
		case RowOutcomeSuccess:
			if err := s.applyPushSuccess(ctx, oc, v.Row, opts, tr); err != nil {
				s.logger.Printf("Failed to record push of %s: %v", v.Row.RowID, err)
				return failed, OutcomeLocalDatabaseException
			}
			tr.PushedRows++

		case RowOutcomeInConflict:
			local, ok := sent[v.Row.RowID]
			if !ok {
				s.logger.Printf("WARNING: Conflict verdict for row %s we never pushed", v.Row.RowID)
				failed++
				continue
			}
			if local.Deleted && v.Row.Deleted {
				if err := s.db.DeleteRowPhysical(ctx, oc.TableID, v.Row.RowID); err != nil {
					return failed, OutcomeLocalDatabaseException
				}
				continue
			}
			localType := types.ConflictLocalUpdatedUpdatedValues
			if local.Deleted {
				localType = types.ConflictLocalDeletedOldValues
			}
			serverType := types.ConflictServerUpdatedUpdatedValues
			if v.Row.Deleted {
				serverType = types.ConflictServerDeletedOldValues
			}
			if err := s.db.PlaceRowIntoConflict(ctx, oc, v.Row.RowID, localType, serverType, toServerRow(v.Row)); err != nil {
				return failed, OutcomeLocalDatabaseException
			}
			tr.Conflicts++

		default:
			s.logger.Printf("WARNING: Server rejected row %s in %s", v.Row.RowID, oc.TableID)
			failed++
		}
	}

	if err := s.db.SetLastDataETag(ctx, oc.TableID, verdicts.DataETag); err != nil {
		return failed, OutcomeLocalDatabaseException
	}
	return failed, OutcomeSuccess
}

// applyPushSuccess finalizes one accepted push: tombstones vanish,
// live rows adopt the server's fresh ETag and settle in synced or
// synced_pending_files.
func (s *Synchronizer) applyPushSuccess(ctx context.Context, oc *schema.OrderedColumns, accepted RowResource, opts Options, tr *TableResult) error {
	if accepted.Deleted {
		return s.db.DeleteRowPhysical(ctx, oc.TableID, accepted.RowID)
	}
	state, pending := s.incomingRowState(accepted, opts)
	if err := s.db.MarkRowPushed(ctx, oc.TableID, accepted.RowID, accepted.RowETag, state); err != nil {
		return err
	}
	if s.resolveIncomingAttachments(ctx, oc.TableID, accepted, pending, opts) {
		tr.PendingRows++
	}
	return nil
}

// settleAttachments retries attachment transfer for rows left in
// synced_pending_files by earlier runs.
func (s *Synchronizer) settleAttachments(ctx context.Context, oc *schema.OrderedColumns, opts Options, tr *TableResult) error {
	if opts.DeferAttachments {
		return nil
	}
	pending, err := s.db.GetRowsPendingFiles(ctx, oc)
	if err != nil {
		return err
	}
	for i := 0; i < pending.NumRows(); i++ {
		row := pending.RowAt(i)
		resolved, err := s.transport.SyncRowAttachments(ctx, oc.TableID, row.ID())
		if err != nil {
			return err
		}
		if !resolved {
			tr.PendingRows++
			continue
		}
		etag := ""
		if v := row.DataByKey(types.ColRowETag); v != nil {
			etag = *v
		}
		if err := s.db.MarkRowPushed(ctx, oc.TableID, row.ID(), etag, types.SyncStateSynced); err != nil {
			return err
		}
	}
	return nil
}

// rowToResource encodes a local row for the wire: identity and
// savepoint admin cells plus the retained user columns.
func rowToResource(oc *schema.OrderedColumns, row *table.Row) (RowResource, error) {
	state, err := row.SyncState()
	if err != nil {
		return RowResource{}, err
	}

	res := RowResource{
		RowID:            row.ID(),
		Deleted:          state == types.SyncStateDeleted,
		FormID:           row.DataByKey(types.ColFormID),
		Locale:           row.DataByKey(types.ColLocale),
		SavepointType:    row.SavepointType(),
		SavepointCreator: row.DataByKey(types.ColSavepointCreator),
		Values:           make(map[string]*string),
	}
	if v := row.DataByKey(types.ColRowETag); v != nil {
		res.RowETag = *v
	}
	if v := row.DataByKey(types.ColSavepointTimestamp); v != nil {
		res.SavepointTimestamp = *v
	}
	for _, name := range oc.RetentionColumnNames() {
		res.Values[name] = row.DataByKey(name)
	}
	return res, nil
}

// toServerRow converts a wire row to the store's input shape.
func toServerRow(sr RowResource) store.ServerRow {
	return store.ServerRow{
		RowID:              sr.RowID,
		RowETag:            sr.RowETag,
		Deleted:            sr.Deleted,
		FormID:             sr.FormID,
		Locale:             sr.Locale,
		SavepointType:      sr.SavepointType,
		SavepointTimestamp: sr.SavepointTimestamp,
		SavepointCreator:   sr.SavepointCreator,
		Values:             sr.Values,
	}
}
