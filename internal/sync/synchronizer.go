package sync

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/tablekit/tablesync/internal/etag"
	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/store"
)

// Options configures one synchronization run.
type Options struct {
	// ServerURL is the configured server base URL, used to key
	// manifest entries in the ETag cache.
	ServerURL string

	// DeferAttachments leaves attachment transfer for a later run:
	// rows with attachments settle in synced_pending_files instead of
	// blocking on file traffic.
	DeferAttachments bool

	// PushLocalTables creates tables on the server when they exist
	// only locally. When false such tables report
	// table_does_not_exist_on_server and are skipped.
	PushLocalTables bool
}

// TableResult is the outcome of one table's two sync phases.
type TableResult struct {
	TableID       string
	SchemaOutcome Outcome
	RowOutcome    Outcome

	PulledRows  int
	PushedRows  int
	Conflicts   int
	PendingRows int
}

// RunResult is the aggregate of one synchronization run.
type RunResult struct {
	// Started is false when a run was already active; nothing was
	// attempted and the other fields are zero.
	Started bool

	Status     OverallStatus
	AppOutcome Outcome
	Tables     []TableResult
}

// Notifier receives progress events during a run. Implementations
// must not block; events are delivered from the sync worker.
type Notifier interface {
	TableStarted(tableID string)
	TableFinished(result TableResult)
	RunFinished(result *RunResult)
}

// Synchronizer drives the two-phase sync of every local table against
// one server. At most one run is active at a time; starting a second
// concurrently is a rejected no-op.
type Synchronizer struct {
	db        *store.DB
	transport Transport
	etags     *etag.Cache
	logger    *log.Logger
	notifier  Notifier

	running atomic.Bool
}

// New creates a Synchronizer over an initialized database and a
// transport. If logger is nil, a default logger writing to stderr is
// used.
func New(db *store.DB, transport Transport, logger *log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Synchronizer{
		db:        db,
		transport: transport,
		etags:     etag.New(db),
		logger:    logger,
	}
}

// SetNotifier installs a progress listener. Must be called before Run.
func (s *Synchronizer) SetNotifier(n Notifier) { s.notifier = n }

func (s *Synchronizer) notifyTableStarted(tableID string) {
	if s.notifier != nil {
		s.notifier.TableStarted(tableID)
	}
}

func (s *Synchronizer) notifyTableFinished(tr TableResult) {
	if s.notifier != nil {
		s.notifier.TableFinished(tr)
	}
}

func (s *Synchronizer) notifyRunFinished(rr *RunResult) {
	if s.notifier != nil {
		s.notifier.RunFinished(rr)
	}
}

// Run executes one synchronization pass over every local table.
//
// Failures are classified into outcome codes on the result; the
// returned error is reserved for the caller misusing the API and is
// currently always nil.
func (s *Synchronizer) Run(ctx context.Context, opts Options) (*RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Printf("Sync already in progress; not starting another")
		return &RunResult{Started: false, Status: StatusNotStarted}, nil
	}
	defer s.running.Store(false)

	result := &RunResult{Started: true, AppOutcome: OutcomeSuccess}
	s.logger.Printf("Starting sync for app %s", s.db.AppName())

	if err := s.transport.VerifyServer(ctx, s.db.AppName()); err != nil {
		result.AppOutcome = classifyTransportError(err)
		result.Status = aggregate([]Outcome{result.AppOutcome})
		s.logger.Printf("Server verification failed: %v (%s)", err, result.AppOutcome)
		s.notifyRunFinished(result)
		return result, nil
	}

	appFilesOK := true
	if err := s.syncManifestFiles(ctx, nil, opts); err != nil {
		result.AppOutcome = classifyTransportError(err)
		appFilesOK = false
		s.logger.Printf("WARNING: App-level file sync failed: %v (%s)", err, result.AppOutcome)
	}

	serverTables, err := s.transport.ListTables(ctx)
	if err != nil {
		result.AppOutcome = classifyTransportError(err)
		result.Status = aggregate([]Outcome{result.AppOutcome})
		s.logger.Printf("Failed to list server tables: %v (%s)", err, result.AppOutcome)
		s.notifyRunFinished(result)
		return result, nil
	}
	byID := make(map[string]*TableResource, len(serverTables))
	for i := range serverTables {
		byID[serverTables[i].TableID] = &serverTables[i]
	}

	tableIDs, err := s.db.ListTableIDs(ctx)
	if err != nil {
		result.AppOutcome = OutcomeLocalDatabaseException
		result.Status = aggregate([]Outcome{result.AppOutcome})
		s.logger.Printf("Failed to list local tables: %v", err)
		s.notifyRunFinished(result)
		return result, nil
	}

	outcomes := []Outcome{result.AppOutcome}
	for _, tableID := range tableIDs {
		s.notifyTableStarted(tableID)
		tr := s.syncTable(ctx, tableID, byID[tableID], appFilesOK, opts)
		result.Tables = append(result.Tables, tr)
		outcomes = append(outcomes, tr.SchemaOutcome, tr.RowOutcome)
		s.notifyTableFinished(tr)
		s.logger.Printf("Table %s: schema=%s rows=%s pulled=%d pushed=%d conflicts=%d pending=%d",
			tableID, tr.SchemaOutcome, tr.RowOutcome,
			tr.PulledRows, tr.PushedRows, tr.Conflicts, tr.PendingRows)
	}

	result.Status = aggregate(outcomes)
	s.logger.Printf("Sync complete: %s (%d tables)", result.Status, len(result.Tables))
	s.notifyRunFinished(result)
	return result, nil
}

// syncTable runs both phases for one table. Phase 2 runs only when
// phase 1 succeeded: rows are never reconciled against a schema that
// might be stale.
func (s *Synchronizer) syncTable(ctx context.Context, tableID string, server *TableResource, appFilesOK bool, opts Options) TableResult {
	tr := TableResult{TableID: tableID, SchemaOutcome: OutcomeSuccess, RowOutcome: OutcomeSuccess}

	if !appFilesOK {
		tr.SchemaOutcome = OutcomeTableRequiresAppLevelSync
		tr.RowOutcome = OutcomeTableRequiresAppLevelSync
		return tr
	}

	oc, outcome, server := s.syncTableSchema(ctx, tableID, server, opts)
	tr.SchemaOutcome = outcome
	if outcome != OutcomeSuccess {
		tr.RowOutcome = outcome
		return tr
	}

	s.syncTableRows(ctx, oc, server, opts, &tr)
	if tr.RowOutcome == OutcomeSuccess || tr.RowOutcome == OutcomeTablePendingAttachments {
		when := time.Now().UTC().Format(time.RFC3339)
		if err := s.db.SetLastSyncTime(ctx, tableID, when); err != nil {
			s.logger.Printf("WARNING: Failed to record sync time for %s: %v", tableID, err)
		}
	}
	return tr
}

// syncTableSchema reconciles one table's schema ETag with the server
// and refreshes the table's manifest files. The returned resource
// reflects any table created on the server during this phase.
func (s *Synchronizer) syncTableSchema(ctx context.Context, tableID string, server *TableResource, opts Options) (*schema.OrderedColumns, Outcome, *TableResource) {
	oc, err := s.db.GetColumnDefinitions(ctx, tableID)
	if err != nil {
		s.logger.Printf("Failed to load column definitions for %s: %v", tableID, err)
		return nil, OutcomeLocalDatabaseException, server
	}

	if server == nil {
		if !opts.PushLocalTables {
			return oc, OutcomeTableDoesNotExistOnServer, nil
		}
		created, err := s.transport.CreateTable(ctx, tableID, oc.Raw())
		if err != nil {
			s.logger.Printf("Failed to create table %s on server: %v", tableID, err)
			return oc, classifyTransportError(err), nil
		}
		if err := s.db.SetSchemaETag(ctx, tableID, created.SchemaETag); err != nil {
			return oc, OutcomeLocalDatabaseException, created
		}
		server = created
	} else {
		stored, err := s.db.GetSchemaETag(ctx, tableID)
		if err != nil {
			return oc, OutcomeLocalDatabaseException, server
		}
		if stored != server.SchemaETag {
			// The ETag moved. If the server's definition is the same
			// logical schema, adopt its ETag; a genuine divergence is a
			// schema migration, which row sync must not paper over.
			raw, _, err := s.transport.GetTableDefinition(ctx, tableID)
			if err != nil {
				s.logger.Printf("Failed to fetch definition of %s: %v", tableID, err)
				return oc, classifyTransportError(err), server
			}
			serverOC, err := schema.BuildColumnDefinitions(s.db.AppName(), tableID, raw)
			if err != nil {
				s.logger.Printf("Server definition of %s is malformed: %v", tableID, err)
				return oc, OutcomeTableSchemaMismatch, server
			}
			if serverOC.SchemaETag() != oc.SchemaETag() {
				s.logger.Printf("Schema mismatch for %s: local and server definitions differ", tableID)
				return oc, OutcomeTableSchemaMismatch, server
			}
			if err := s.db.SetSchemaETag(ctx, tableID, server.SchemaETag); err != nil {
				return oc, OutcomeLocalDatabaseException, server
			}
		}
	}

	if err := s.syncManifestFiles(ctx, &tableID, opts); err != nil {
		s.logger.Printf("Table file sync failed for %s: %v", tableID, err)
		return oc, classifyTransportError(err), server
	}
	return oc, OutcomeSuccess, server
}

// syncManifestFiles fetches the manifest for a table (or the app when
// tableID is nil) and downloads the files whose cached hash no longer
// matches. The manifest itself is ETag-gated, so an unchanged manifest
// costs one round trip and zero file transfers.
func (s *Synchronizer) syncManifestFiles(ctx context.Context, tableID *string, opts Options) error {
	manifestURL := opts.ServerURL + "/manifest"
	if tableID != nil {
		manifestURL += "/" + *tableID
	}

	cached, err := s.etags.GetManifestETag(ctx, tableID, manifestURL)
	if err != nil {
		return err
	}

	manifest, err := s.transport.GetManifest(ctx, tableID)
	if err != nil {
		return err
	}
	if manifest.ETag != "" && manifest.ETag == cached {
		return nil
	}

	for _, f := range manifest.Files {
		have, err := s.etags.GetFileETag(ctx, tableID, f.URL, 0)
		if err != nil {
			return err
		}
		if have == f.MD5Hash {
			continue
		}
		if err := s.transport.FetchFile(ctx, f); err != nil {
			return err
		}
		if err := s.etags.UpdateFileETag(ctx, tableID, f.URL, 0, &f.MD5Hash); err != nil {
			return err
		}
	}

	return s.etags.UpdateManifestETag(ctx, tableID, manifestURL, manifest.ETag)
}
