package csvutil

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/store"
	"github.com/tablekit/tablesync/internal/table"
	"github.com/tablekit/tablesync/internal/types"
)

func strPtr(s string) *string { return &s }

func testColumns(t *testing.T) *schema.OrderedColumns {
	t.Helper()
	oc, err := schema.BuildColumnDefinitions("default", "census", []schema.RawColumn{
		{ElementKey: "age", ElementName: "age", ElementType: "integer", ListChildElementKeys: "[]"},
		{ElementKey: "name", ElementName: "name", ElementType: "string", ListChildElementKeys: "[]"},
	})
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() error = %v", err)
	}
	return oc
}

func testDB(t *testing.T, oc *schema.OrderedColumns) *store.DB {
	t.Helper()
	db, err := store.Open("default", filepath.Join(t.TempDir(), "tables.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	if err := db.CreateTable(ctx, oc); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	return db
}

func TestDefinitionRoundTrip(t *testing.T) {
	oc := testColumns(t)

	var buf bytes.Buffer
	if err := WriteDefinitions(&buf, oc); err != nil {
		t.Fatalf("WriteDefinitions() error = %v", err)
	}

	raw, err := ReadDefinitions(&buf)
	if err != nil {
		t.Fatalf("ReadDefinitions() error = %v", err)
	}
	rebuilt, err := schema.BuildColumnDefinitions("default", "census", raw)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() error = %v", err)
	}
	if rebuilt.SchemaETag() != oc.SchemaETag() {
		t.Errorf("schema etag changed across csv round-trip: %s != %s",
			rebuilt.SchemaETag(), oc.SchemaETag())
	}
}

func TestDefinitionHeaderValidation(t *testing.T) {
	_, err := ReadDefinitions(strings.NewReader("wrong,header,entirely,here\n"))
	if err == nil {
		t.Error("expected error for wrong definition header")
	}
	_, err = ReadDefinitions(strings.NewReader(""))
	if err == nil {
		t.Error("expected error for empty definition csv")
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	entries := []store.KVSEntry{
		{Partition: "Column", Aspect: "age", Key: "displayName", ValueType: "string", Value: strPtr("Age")},
		{Partition: "Table", Aspect: "default", Key: "displayName", ValueType: "string", Value: strPtr("Census")},
		{Partition: "Table", Aspect: "default", Key: "unsetThing", ValueType: "string", Value: nil},
	}

	var buf bytes.Buffer
	if err := WriteProperties(&buf, entries); err != nil {
		t.Fatalf("WriteProperties() error = %v", err)
	}
	got, err := ReadProperties(&buf)
	if err != nil {
		t.Fatalf("ReadProperties() error = %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Partition != e.Partition || got[i].Aspect != e.Aspect || got[i].Key != e.Key {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
		if (got[i].Value == nil) != (e.Value == nil) {
			t.Errorf("entry %d null-ness changed: %v vs %v", i, got[i].Value, e.Value)
		}
	}
}

func TestDataRoundTrip(t *testing.T) {
	oc := testColumns(t)
	db := testDB(t, oc)
	ctx := context.Background()

	st := types.SavepointTypeComplete
	if _, err := db.InsertRow(ctx, oc, "r1", store.RowValues{
		SavepointType:      &st,
		SavepointTimestamp: "2026-08-29T10:00:00.000Z",
		Values:             map[string]*string{"name": strPtr("ada"), "age": strPtr("36")},
	}); err != nil {
		t.Fatalf("InsertRow() error = %v", err)
	}
	if _, err := db.InsertRow(ctx, oc, "r2", store.RowValues{
		SavepointType:      &st,
		SavepointTimestamp: "2026-08-29T10:01:00.000Z",
		Values:             map[string]*string{"name": strPtr("grace")},
	}); err != nil {
		t.Fatalf("InsertRow() error = %v", err)
	}

	ut, err := db.GetRows(ctx, oc, table.Query{})
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteData(&buf, ut); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	rows, err := ReadData(&buf, oc)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].RowID != "r1" || rows[1].RowID != "r2" {
		t.Errorf("row ids = %s, %s; want r1, r2", rows[0].RowID, rows[1].RowID)
	}
	if v := rows[0].Values.Values["age"]; v == nil || *v != "36" {
		t.Errorf("r1 age = %v, want 36", v)
	}
	if v := rows[1].Values.Values["age"]; v != nil {
		t.Errorf("r2 age = %v, want null after round-trip", *v)
	}
}

func TestReadDataRejectsUnknownColumn(t *testing.T) {
	oc := testColumns(t)
	_, err := ReadData(strings.NewReader("_id,nonexistent\nr1,x\n"), oc)
	if err == nil {
		t.Error("expected error for a column not in the schema")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	oc := testColumns(t)
	db := testDB(t, oc)
	ctx := context.Background()
	dir := t.TempDir()

	st := types.SavepointTypeComplete
	if _, err := db.InsertRow(ctx, oc, "r1", store.RowValues{
		SavepointType:      &st,
		SavepointTimestamp: "2026-08-29T10:00:00.000Z",
		Values:             map[string]*string{"name": strPtr("ada"), "age": strPtr("36")},
	}); err != nil {
		t.Fatalf("InsertRow() error = %v", err)
	}
	if err := db.PutKVSEntry(ctx, store.KVSEntry{
		TableID: "census", Partition: "Table", Aspect: "default",
		Key: "displayName", ValueType: "string", Value: strPtr("Census"),
	}); err != nil {
		t.Fatalf("PutKVSEntry() error = %v", err)
	}

	if err := ExportTable(ctx, db, oc, dir, ""); err != nil {
		t.Fatalf("ExportTable() error = %v", err)
	}

	// Import into a fresh database bootstraps the table.
	db2 := testDBEmpty(t)
	n, err := ImportTable(ctx, db2, "census", dir, "")
	if err != nil {
		t.Fatalf("ImportTable() error = %v", err)
	}
	if n != 1 {
		t.Errorf("imported %d rows, want 1", n)
	}

	oc2, err := db2.GetColumnDefinitions(ctx, "census")
	if err != nil {
		t.Fatalf("GetColumnDefinitions() error = %v", err)
	}
	if oc2.SchemaETag() != oc.SchemaETag() {
		t.Errorf("imported schema etag differs: %s != %s", oc2.SchemaETag(), oc.SchemaETag())
	}

	ut, err := db2.GetRows(ctx, oc2, table.Query{})
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if ut.NumRows() != 1 {
		t.Fatalf("imported table has %d rows, want 1", ut.NumRows())
	}
	row := ut.RowAt(0)
	if state, _ := row.SyncState(); state != types.SyncStateNewRow {
		t.Errorf("imported row state = %s, want %s", state, types.SyncStateNewRow)
	}
	if v := row.DataByKey("name"); v == nil || *v != "ada" {
		t.Errorf("imported name = %v, want ada", v)
	}

	t.Run("second import is a no-op", func(t *testing.T) {
		// The re-imported row is still new_row, so values are updated
		// in place without duplicating rows or properties.
		n, err := ImportTable(ctx, db2, "census", dir, "")
		if err != nil {
			t.Fatalf("ImportTable() error = %v", err)
		}
		if n != 1 {
			t.Errorf("second import reported %d rows, want 1 (in-place)", n)
		}
		ut, _ := db2.GetRows(ctx, oc2, table.Query{})
		if ut.NumRows() != 1 {
			t.Errorf("second import duplicated rows: %d", ut.NumRows())
		}
		entries, err := db2.GetKVSEntries(ctx, "census", "", "")
		if err != nil {
			t.Fatalf("GetKVSEntries() error = %v", err)
		}
		if len(entries) != 1 {
			t.Errorf("second import duplicated kvs entries: %d", len(entries))
		}
	})
}

func TestImportGeneratesMissingRowIDs(t *testing.T) {
	oc := testColumns(t)
	db := testDB(t, oc)
	ctx := context.Background()

	csv := "_id,_savepoint_type,_savepoint_timestamp,age,name\n" +
		",COMPLETE,2026-08-29T10:00:00.000Z,12,anon\n"
	rows, err := ReadData(strings.NewReader(csv), oc)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if rows[0].RowID != "" {
		t.Fatalf("RowID = %q, want empty", rows[0].RowID)
	}

	ok, err := db.ImportRow(ctx, oc, rows[0].RowID, rows[0].Values)
	if err != nil {
		t.Fatalf("ImportRow() error = %v", err)
	}
	if !ok {
		t.Fatal("ImportRow() = false for a fresh row")
	}
	ut, err := db.GetRows(ctx, oc, table.Query{})
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if ut.NumRows() != 1 || ut.RowAt(0).ID() == "" {
		t.Error("imported row did not receive a generated id")
	}
}

func testDBEmpty(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("default", filepath.Join(t.TempDir(), "tables.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return db
}
