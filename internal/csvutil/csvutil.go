// Package csvutil reads and writes the CSV interchange format for
// table schemas, table properties, and row data. The format serves
// backup, restore, and table bootstrapping; export-then-import
// reproduces an equivalent table.
package csvutil

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/store"
	"github.com/tablekit/tablesync/internal/table"
	"github.com/tablekit/tablesync/internal/types"
)

// definitionHeader is the fixed header of definition.csv. Rows follow
// in element key order, which keeps the file content-stable for the
// same logical schema.
var definitionHeader = []string{"element_key", "element_name", "element_type", "list_child_element_keys"}

// propertiesHeader is the fixed header of properties.csv.
var propertiesHeader = []string{"partition", "aspect", "key", "value_type", "value"}

// WriteDefinitions writes a table's column definitions as
// definition.csv content.
func WriteDefinitions(w io.Writer, oc *schema.OrderedColumns) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(definitionHeader); err != nil {
		return fmt.Errorf("failed to write definition header: %w", err)
	}
	for _, rc := range oc.Raw() {
		if err := cw.Write([]string{rc.ElementKey, rc.ElementName, rc.ElementType, rc.ListChildElementKeys}); err != nil {
			return fmt.Errorf("failed to write definition row %s: %w", rc.ElementKey, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadDefinitions parses definition.csv content into raw columns,
// ready for BuildColumnDefinitions.
func ReadDefinitions(r io.Reader) ([]schema.RawColumn, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read definition csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("definition csv is empty")
	}
	if err := checkHeader(records[0], definitionHeader); err != nil {
		return nil, err
	}

	var raw []schema.RawColumn
	for i, rec := range records[1:] {
		if len(rec) != len(definitionHeader) {
			return nil, fmt.Errorf("definition row %d has %d fields, want %d", i+1, len(rec), len(definitionHeader))
		}
		raw = append(raw, schema.RawColumn{
			ElementKey:           rec[0],
			ElementName:          rec[1],
			ElementType:          rec[2],
			ListChildElementKeys: rec[3],
		})
	}
	return raw, nil
}

// WriteProperties writes table metadata entries as properties.csv
// content. Entries are expected already sorted by (partition, aspect,
// key), as the store returns them. A nil value is written as an empty
// cell.
func WriteProperties(w io.Writer, entries []store.KVSEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(propertiesHeader); err != nil {
		return fmt.Errorf("failed to write properties header: %w", err)
	}
	for _, e := range entries {
		value := ""
		if e.Value != nil {
			value = *e.Value
		}
		if err := cw.Write([]string{e.Partition, e.Aspect, e.Key, e.ValueType, value}); err != nil {
			return fmt.Errorf("failed to write property %s/%s/%s: %w", e.Partition, e.Aspect, e.Key, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadProperties parses properties.csv content. Empty value cells come
// back as nil.
func ReadProperties(r io.Reader) ([]store.KVSEntry, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read properties csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("properties csv is empty")
	}
	if err := checkHeader(records[0], propertiesHeader); err != nil {
		return nil, err
	}

	var entries []store.KVSEntry
	for i, rec := range records[1:] {
		if len(rec) != len(propertiesHeader) {
			return nil, fmt.Errorf("properties row %d has %d fields, want %d", i+1, len(rec), len(propertiesHeader))
		}
		e := store.KVSEntry{Partition: rec[0], Aspect: rec[1], Key: rec[2], ValueType: rec[3]}
		if rec[4] != "" {
			v := rec[4]
			e.Value = &v
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WriteData writes a row set as data csv content: the admin columns
// followed by the retained user columns, matching the view's header.
// Null cells are written as empty; a round trip maps them back to
// null.
func WriteData(w io.Writer, ut *table.UserTable) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ut.Header()); err != nil {
		return fmt.Errorf("failed to write data header: %w", err)
	}

	record := make([]string, ut.Width())
	for i := 0; i < ut.NumRows(); i++ {
		row := ut.RowAt(i)
		for pos, key := range ut.Header() {
			record[pos] = ""
			if v := row.DataByKey(key); v != nil {
				record[pos] = *v
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write data row %s: %w", row.ID(), err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// DataRow is one parsed data csv row: the declared row id (possibly
// empty) and its writable fields.
type DataRow struct {
	RowID  string
	Values store.RowValues
}

// ReadData parses data csv content against a table's schema. Unknown
// header columns are an error; absent retained columns import as null.
func ReadData(r io.Reader, oc *schema.OrderedColumns) ([]DataRow, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read data csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("data csv is empty")
	}

	header := records[0]
	retained := make(map[string]bool, len(oc.RetentionColumnNames()))
	for _, name := range oc.RetentionColumnNames() {
		retained[name] = true
	}
	for _, key := range header {
		if !types.IsAdminColumn(key) && !retained[key] {
			return nil, fmt.Errorf("data csv column %q is not part of table %s", key, oc.TableID)
		}
	}

	var rows []DataRow
	for i, rec := range records[1:] {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("data row %d has %d fields, want %d", i+1, len(rec), len(header))
		}
		dr := DataRow{Values: store.RowValues{Values: make(map[string]*string)}}
		for pos, key := range header {
			cell := rec[pos]
			var cellPtr *string
			if cell != "" {
				c := cell
				cellPtr = &c
			}
			switch key {
			case types.ColID:
				dr.RowID = cell
			case types.ColFormID:
				dr.Values.FormID = cellPtr
			case types.ColLocale:
				dr.Values.Locale = cellPtr
			case types.ColSavepointType:
				dr.Values.SavepointType = cellPtr
			case types.ColSavepointTimestamp:
				dr.Values.SavepointTimestamp = cell
			case types.ColSavepointCreator:
				dr.Values.SavepointCreator = cellPtr
			case types.ColRowETag, types.ColSyncState, types.ColConflictType:
				// Sync bookkeeping never round-trips: imported rows
				// start their own sync lifecycle.
			default:
				dr.Values.Values[key] = cellPtr
			}
		}
		if dr.Values.SavepointType == nil {
			st := types.SavepointTypeComplete
			dr.Values.SavepointType = &st
		}
		rows = append(rows, dr)
	}
	return rows, nil
}

func checkHeader(got, want []string) error {
	if len(got) != len(want) {
		return fmt.Errorf("csv header %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("csv header %v, want %v", got, want)
		}
	}
	return nil
}

// ExportTable writes definition.csv, properties.csv, and the data file
// for one table into dir. An empty qualifier names the data file
// "<tableID>.csv", otherwise "<tableID>.<qualifier>.csv".
func ExportTable(ctx context.Context, db *store.DB, oc *schema.OrderedColumns, dir, qualifier string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	if err := writeFile(filepath.Join(dir, "definition.csv"), func(w io.Writer) error {
		return WriteDefinitions(w, oc)
	}); err != nil {
		return err
	}

	entries, err := db.GetKVSEntries(ctx, oc.TableID, "", "")
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, "properties.csv"), func(w io.Writer) error {
		return WriteProperties(w, entries)
	}); err != nil {
		return err
	}

	ut, err := db.GetRows(ctx, oc, table.Query{})
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, dataFileName(oc.TableID, qualifier)), func(w io.Writer) error {
		return WriteData(w, ut)
	})
}

// ImportTable reads the interchange files for tableID from dir,
// creating the table when it does not exist locally. Row collisions
// follow the store's import policy: rows that have synced at least
// once are never overwritten, so re-importing the same files is a
// no-op. Returns the number of rows actually imported.
func ImportTable(ctx context.Context, db *store.DB, tableID, dir, qualifier string) (int, error) {
	defFile, err := os.Open(filepath.Join(dir, "definition.csv"))
	if err != nil {
		return 0, fmt.Errorf("failed to open definition csv: %w", err)
	}
	defer defFile.Close()
	raw, err := ReadDefinitions(defFile)
	if err != nil {
		return 0, err
	}

	oc, err := db.GetColumnDefinitions(ctx, tableID)
	if err != nil {
		imported, buildErr := schema.BuildColumnDefinitions(db.AppName(), tableID, raw)
		if buildErr != nil {
			return 0, buildErr
		}
		if err := db.CreateTable(ctx, imported); err != nil {
			return 0, err
		}
		oc = imported
	}

	propPath := filepath.Join(dir, "properties.csv")
	if propFile, err := os.Open(propPath); err == nil {
		entries, err := ReadProperties(propFile)
		propFile.Close()
		if err != nil {
			return 0, err
		}
		for i := range entries {
			entries[i].TableID = tableID
		}
		if err := db.ReplaceKVSEntries(ctx, tableID, entries); err != nil {
			return 0, err
		}
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to open properties csv: %w", err)
	}

	dataFile, err := os.Open(filepath.Join(dir, dataFileName(tableID, qualifier)))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open data csv: %w", err)
	}
	defer dataFile.Close()

	rows, err := ReadData(dataFile, oc)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, dr := range rows {
		ok, err := db.ImportRow(ctx, oc, dr.RowID, dr.Values)
		if err != nil {
			return imported, fmt.Errorf("failed to import row %q: %w", dr.RowID, err)
		}
		if ok {
			imported++
		}
	}
	return imported, nil
}

func dataFileName(tableID, qualifier string) string {
	if qualifier == "" {
		return tableID + ".csv"
	}
	return tableID + "." + qualifier + ".csv"
}

func writeFile(path string, fn func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
