package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/store"
	tsync "github.com/tablekit/tablesync/internal/sync"
	"github.com/tablekit/tablesync/internal/table"
)

// nullTransport satisfies the Transport interface for tests that never
// reach the network.
type nullTransport struct{}

func (nullTransport) VerifyServer(ctx context.Context, appName string) error { return nil }
func (nullTransport) ListTables(ctx context.Context) ([]tsync.TableResource, error) {
	return nil, nil
}
func (nullTransport) GetTableDefinition(ctx context.Context, tableID string) ([]schema.RawColumn, string, error) {
	return nil, "", tsync.ErrNotFound
}
func (nullTransport) CreateTable(ctx context.Context, tableID string, columns []schema.RawColumn) (*tsync.TableResource, error) {
	return &tsync.TableResource{TableID: tableID}, nil
}
func (nullTransport) GetRowsSince(ctx context.Context, tableID, dataETag string) (*tsync.RowChangeSet, error) {
	return &tsync.RowChangeSet{}, nil
}
func (nullTransport) PushRows(ctx context.Context, tableID, dataETag string, rows []tsync.RowResource) (*tsync.RowOutcomeSet, error) {
	return &tsync.RowOutcomeSet{DataETag: dataETag}, nil
}
func (nullTransport) GetManifest(ctx context.Context, tableID *string) (*tsync.Manifest, error) {
	return &tsync.Manifest{}, nil
}
func (nullTransport) FetchFile(ctx context.Context, file tsync.ManifestFile) error { return nil }
func (nullTransport) SyncRowAttachments(ctx context.Context, tableID, rowID string) (bool, error) {
	return true, nil
}

const censusDefinition = "element_key,element_name,element_type,list_child_element_keys\n" +
	"age,age,integer,[]\n" +
	"name,name,string,[]\n"

const censusData = "_id,_savepoint_type,_savepoint_timestamp,age,name\n" +
	"r1,COMPLETE,2026-08-29T10:00:00.000Z,36,ada\n"

func writeBundle(t *testing.T, dropDir, tableID string) {
	t.Helper()
	dir := filepath.Join(dropDir, tableID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "definition.csv"), []byte(censusDefinition), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tableID+".csv"), []byte(censusData), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func testDaemon(t *testing.T) (*Daemon, *store.DB, string) {
	t.Helper()
	db, err := store.Open("default", filepath.Join(t.TempDir(), "tables.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	dropDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DebounceInterval = 10 * time.Millisecond
	cfg.SyncInterval = time.Hour

	d, err := New(db, tsync.New(db, nullTransport{}, nil), dropDir, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.cancel() })
	return d, db, dropDir
}

func TestImportAllBootstrapsTables(t *testing.T) {
	d, db, dropDir := testDaemon(t)
	ctx := context.Background()
	writeBundle(t, dropDir, "census")

	if err := d.ImportAll(); err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}

	oc, err := db.GetColumnDefinitions(ctx, "census")
	if err != nil {
		t.Fatalf("GetColumnDefinitions() error = %v", err)
	}
	ut, err := db.GetRows(ctx, oc, table.Query{})
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if ut.NumRows() != 1 || ut.RowAt(0).ID() != "r1" {
		t.Errorf("imported %d rows, want r1 only", ut.NumRows())
	}
}

func TestImportAllSkipsIncompleteBundles(t *testing.T) {
	d, db, dropDir := testDaemon(t)

	// A directory without definition.csv is not a bundle yet.
	if err := os.MkdirAll(filepath.Join(dropDir, "halfway"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := d.ImportAll(); err != nil {
		t.Fatalf("ImportAll() error = %v", err)
	}
	if _, err := db.GetColumnDefinitions(context.Background(), "halfway"); err == nil {
		t.Error("incomplete bundle was imported")
	}
}

func TestDebouncedChangeProcessing(t *testing.T) {
	d, db, dropDir := testDaemon(t)
	writeBundle(t, dropDir, "census")

	d.queueChange("census")

	// Within the debounce window nothing happens.
	d.processPendingChanges()
	if _, err := db.GetColumnDefinitions(context.Background(), "census"); err == nil {
		t.Fatal("import ran before the debounce window elapsed")
	}

	time.Sleep(2 * d.config.DebounceInterval)
	d.processPendingChanges()
	if _, err := db.GetColumnDefinitions(context.Background(), "census"); err != nil {
		t.Errorf("import did not run after debounce: %v", err)
	}

	d.changeQueueMu.Lock()
	if len(d.changeQueue) != 0 {
		t.Error("processed change left in queue")
	}
	d.changeQueueMu.Unlock()
}
