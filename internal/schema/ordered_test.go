package schema

import (
	"errors"
	"reflect"
	"testing"
)

// surveyColumns returns a representative schema: two scalar leaves, a
// geopoint composite with four retained children, and an array column.
func surveyColumns() []RawColumn {
	return []RawColumn{
		{ElementKey: "name", ElementName: "name", ElementType: "string", ListChildElementKeys: "[]"},
		{ElementKey: "age", ElementName: "age", ElementType: "integer", ListChildElementKeys: "[]"},
		{ElementKey: "location", ElementName: "location", ElementType: "geopoint",
			ListChildElementKeys: `["location_latitude","location_longitude","location_altitude","location_accuracy"]`},
		{ElementKey: "location_latitude", ElementName: "latitude", ElementType: "number", ListChildElementKeys: "[]"},
		{ElementKey: "location_longitude", ElementName: "longitude", ElementType: "number", ListChildElementKeys: "[]"},
		{ElementKey: "location_altitude", ElementName: "altitude", ElementType: "number", ListChildElementKeys: "[]"},
		{ElementKey: "location_accuracy", ElementName: "accuracy", ElementType: "number", ListChildElementKeys: "[]"},
		{ElementKey: "photos", ElementName: "photos", ElementType: "array", ListChildElementKeys: `["photos_items"]`},
		{ElementKey: "photos_items", ElementName: "items", ElementType: "mimeUri", ListChildElementKeys: "[]"},
	}
}

func TestBuildColumnDefinitions_Forest(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "survey", surveyColumns())
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}

	if oc.Len() != 9 {
		t.Errorf("Len() = %d, want 9", oc.Len())
	}

	lat, err := oc.Find("location_latitude")
	if err != nil {
		t.Fatalf("Find(location_latitude) failed: %v", err)
	}
	if lat.ParentKey() != "location" {
		t.Errorf("ParentKey() = %q, want 'location'", lat.ParentKey())
	}

	loc, err := oc.Find("location")
	if err != nil {
		t.Fatalf("Find(location) failed: %v", err)
	}
	if !loc.IsRoot() {
		t.Error("location should be a root")
	}
	if loc.IsUnitOfRetention() {
		t.Error("geopoint grouping node should not be a unit of retention")
	}

	photos, err := oc.Find("photos")
	if err != nil {
		t.Fatalf("Find(photos) failed: %v", err)
	}
	if !photos.IsUnitOfRetention() {
		t.Error("array container should be a unit of retention")
	}

	items, err := oc.Find("photos_items")
	if err != nil {
		t.Fatalf("Find(photos_items) failed: %v", err)
	}
	if items.IsUnitOfRetention() {
		t.Error("array item column should fold into its container, not be retained")
	}
}

func TestBuildColumnDefinitions_MissingChild(t *testing.T) {
	raw := []RawColumn{
		{ElementKey: "location", ElementName: "location", ElementType: "geopoint",
			ListChildElementKeys: `["location_latitude"]`},
	}

	_, err := BuildColumnDefinitions("default", "survey", raw)
	if err == nil {
		t.Fatal("expected SchemaError for missing child key, got nil")
	}
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("error type = %T, want *SchemaError", err)
	}
}

func TestBuildColumnDefinitions_Cycle(t *testing.T) {
	raw := []RawColumn{
		{ElementKey: "a", ElementName: "a", ElementType: "object", ListChildElementKeys: `["b"]`},
		{ElementKey: "b", ElementName: "b", ElementType: "object", ListChildElementKeys: `["a"]`},
	}

	_, err := BuildColumnDefinitions("default", "survey", raw)
	if err == nil {
		t.Fatal("expected SchemaError for cycle, got nil")
	}
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("error type = %T, want *SchemaError", err)
	}
}

func TestBuildColumnDefinitions_DuplicateKey(t *testing.T) {
	raw := []RawColumn{
		{ElementKey: "name", ElementName: "name", ElementType: "string"},
		{ElementKey: "name", ElementName: "name2", ElementType: "string"},
	}

	if _, err := BuildColumnDefinitions("default", "survey", raw); err == nil {
		t.Fatal("expected SchemaError for duplicate key, got nil")
	}
}

func TestFind_NotFound(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "survey", surveyColumns())
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}

	_, err = oc.Find("nope")
	if err == nil {
		t.Fatal("expected NotFoundError, got nil")
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error type = %T, want *NotFoundError", err)
	}
}

func TestRetentionColumnNames_Deterministic(t *testing.T) {
	// Build twice from shuffled input; the retained layout must match.
	raw := surveyColumns()
	shuffled := []RawColumn{raw[8], raw[3], raw[0], raw[7], raw[5], raw[1], raw[6], raw[2], raw[4]}

	oc1, err := BuildColumnDefinitions("default", "survey", raw)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions(raw) failed: %v", err)
	}
	oc2, err := BuildColumnDefinitions("default", "survey", shuffled)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions(shuffled) failed: %v", err)
	}

	want := []string{
		"age", "location_accuracy", "location_altitude", "location_latitude",
		"location_longitude", "name", "photos",
	}
	if got := oc1.RetentionColumnNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("RetentionColumnNames() = %v, want %v", got, want)
	}
	if got := oc2.RetentionColumnNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("shuffled RetentionColumnNames() = %v, want %v", got, want)
	}

	// Repeated calls on the same set are identical.
	if !reflect.DeepEqual(oc1.RetentionColumnNames(), oc1.RetentionColumnNames()) {
		t.Error("RetentionColumnNames() not stable across calls")
	}
}

func TestViewPredicates(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "survey", surveyColumns())
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}

	if !oc.GraphViewIsPossible() {
		t.Error("GraphViewIsPossible() = false, want true (has numeric columns)")
	}
	if !oc.MapViewIsPossible() {
		t.Error("MapViewIsPossible() = false, want true (has geopoint)")
	}

	textOnly := []RawColumn{
		{ElementKey: "note", ElementName: "note", ElementType: "string"},
	}
	ocText, err := BuildColumnDefinitions("default", "notes", textOnly)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions(textOnly) failed: %v", err)
	}
	if ocText.GraphViewIsPossible() {
		t.Error("GraphViewIsPossible() = true for text-only table")
	}
	if ocText.MapViewIsPossible() {
		t.Error("MapViewIsPossible() = true for text-only table")
	}
}

func TestMapViewIsPossible_LatLonNames(t *testing.T) {
	raw := []RawColumn{
		{ElementKey: "site_latitude", ElementName: "site_latitude", ElementType: "number"},
		{ElementKey: "site_longitude", ElementName: "site_longitude", ElementType: "number"},
	}
	oc, err := BuildColumnDefinitions("default", "sites", raw)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}
	if !oc.MapViewIsPossible() {
		t.Error("MapViewIsPossible() = false, want true (paired lat/lon names)")
	}
}

func TestRaw_RoundTrip(t *testing.T) {
	oc, err := BuildColumnDefinitions("default", "survey", surveyColumns())
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}

	rebuilt, err := BuildColumnDefinitions("default", "survey", oc.Raw())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if !reflect.DeepEqual(oc.RetentionColumnNames(), rebuilt.RetentionColumnNames()) {
		t.Error("retention layout changed across Raw() round trip")
	}
	for _, col := range oc.Columns() {
		again, err := rebuilt.Find(col.ElementKey)
		if err != nil {
			t.Fatalf("Find(%s) after round trip failed: %v", col.ElementKey, err)
		}
		if again.ElementType != col.ElementType || again.ParentKey() != col.ParentKey() {
			t.Errorf("column %s changed across round trip", col.ElementKey)
		}
	}
}

func TestDataTypeOf(t *testing.T) {
	cases := []struct {
		elementType string
		want        ElementDataType
	}{
		{"string", DataTypeString},
		{"integer", DataTypeInteger},
		{"number", DataTypeNumber},
		{"bool", DataTypeBool},
		{"array", DataTypeArray},
		{"geopoint", DataTypeObject},
		{"mimeUri", DataTypeObject},
		{"rowpath", DataTypeRowPath},
		{"date", DataTypeString},
		{"customThing", DataTypeObject},
	}

	for _, tc := range cases {
		if got := DataTypeOf(tc.elementType); got != tc.want {
			t.Errorf("DataTypeOf(%q) = %v, want %v", tc.elementType, got, tc.want)
		}
	}
}
