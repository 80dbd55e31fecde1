package colorrule

import (
	"errors"
	"testing"

	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/table"
)

func str(s string) *string { return &s }

func ruleColumns(t *testing.T) *schema.OrderedColumns {
	t.Helper()
	raw := []schema.RawColumn{
		{ElementKey: "count", ElementName: "count", ElementType: "integer"},
		{ElementKey: "ratio", ElementName: "ratio", ElementType: "number"},
		{ElementKey: "label", ElementName: "label", ElementType: "string"},
	}
	oc, err := schema.BuildColumnDefinitions("default", "metrics", raw)
	if err != nil {
		t.Fatalf("BuildColumnDefinitions() failed: %v", err)
	}
	return oc
}

func oneRow(t *testing.T, count, ratio, label *string) *table.Row {
	t.Helper()
	ut, err := table.New(ruleColumns(t), table.Query{},
		[]string{"count", "ratio", "label"},
		[]table.RowData{{ID: "r1", Cells: []*string{count, ratio, label}}})
	if err != nil {
		t.Fatalf("table.New() failed: %v", err)
	}
	return ut.RowAt(0)
}

func TestParseOperator(t *testing.T) {
	cases := []struct {
		in      string
		want    Operator
		wantErr bool
	}{
		{"<", OpLessThan, false},
		{"<=", OpLessThanOrEqual, false},
		{"=", OpEqual, false},
		{">=", OpGreaterThanOrEqual, false},
		{">", OpGreaterThan, false},
		{"", OpNoOp, false},
		{"   ", OpNoOp, false},
		{"!=", "", true},
		{"equals", "", true},
	}

	for _, tc := range cases {
		got, err := ParseOperator(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseOperator(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseOperator(%q) failed: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseOperator(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCheckMatch_NumericLessThan(t *testing.T) {
	row := oneRow(t, str("5"), nil, nil)
	rule := New("count", OpLessThan, "10", 0, 0)

	ok, err := rule.CheckMatch(schema.DataTypeInteger, row)
	if err != nil {
		t.Fatalf("CheckMatch() failed: %v", err)
	}
	if !ok {
		t.Error("CheckMatch(5 < 10) = false, want true")
	}
}

func TestCheckMatch_NumericEqualityNotStringEquality(t *testing.T) {
	// "5.0" equals "5" numerically even though the strings differ.
	row := oneRow(t, nil, str("5.0"), nil)
	rule := New("ratio", OpEqual, "5", 0, 0)

	ok, err := rule.CheckMatch(schema.DataTypeNumber, row)
	if err != nil {
		t.Fatalf("CheckMatch() failed: %v", err)
	}
	if !ok {
		t.Error("CheckMatch(5.0 = 5) = false, want true (numeric equality)")
	}
}

func TestCheckMatch_NullNeverMatches(t *testing.T) {
	row := oneRow(t, nil, nil, nil)

	for _, op := range []Operator{OpLessThan, OpLessThanOrEqual, OpEqual, OpGreaterThanOrEqual, OpGreaterThan} {
		rule := New("count", op, "10", 0, 0)
		ok, err := rule.CheckMatch(schema.DataTypeInteger, row)
		if err != nil {
			t.Fatalf("CheckMatch(%s) failed: %v", op, err)
		}
		if ok {
			t.Errorf("CheckMatch(%s) on null cell = true, want false", op)
		}
	}
}

func TestCheckMatch_Lexicographic(t *testing.T) {
	row := oneRow(t, nil, nil, str("banana"))

	lt := New("label", OpLessThan, "cherry", 0, 0)
	ok, err := lt.CheckMatch(schema.DataTypeString, row)
	if err != nil {
		t.Fatalf("CheckMatch() failed: %v", err)
	}
	if !ok {
		t.Error("CheckMatch(banana < cherry) = false, want true")
	}

	gt := New("label", OpGreaterThan, "apple", 0, 0)
	ok, err = gt.CheckMatch(schema.DataTypeString, row)
	if err != nil {
		t.Fatalf("CheckMatch() failed: %v", err)
	}
	if !ok {
		t.Error("CheckMatch(banana > apple) = false, want true")
	}
}

func TestCheckMatch_NonNumericValueFails(t *testing.T) {
	row := oneRow(t, str("lots"), nil, nil)
	rule := New("count", OpLessThan, "10", 0, 0)

	_, err := rule.CheckMatch(schema.DataTypeInteger, row)
	if err == nil {
		t.Fatal("expected EvaluationError for non-numeric cell, got nil")
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("error type = %T, want *EvaluationError", err)
	}
}

func TestCheckMatch_NoOpNeverMatches(t *testing.T) {
	row := oneRow(t, str("5"), nil, nil)
	rule := New("count", OpNoOp, "5", 0, 0)

	ok, err := rule.CheckMatch(schema.DataTypeInteger, row)
	if err != nil {
		t.Fatalf("CheckMatch() failed: %v", err)
	}
	if ok {
		t.Error("no-op rule matched")
	}
}

func TestEqualsWithoutID(t *testing.T) {
	a := New("count", OpLessThan, "10", 1, 2)
	b := New("count", OpLessThan, "10", 1, 2)

	if a.ID == b.ID {
		t.Error("generated rule IDs should differ")
	}
	if !a.EqualsWithoutID(b) {
		t.Error("EqualsWithoutID() = false for identical content")
	}

	c := New("count", OpLessThan, "11", 1, 2)
	if a.EqualsWithoutID(c) {
		t.Error("EqualsWithoutID() = true for different operand")
	}
}

func TestApplyAll_IsolatedFailures(t *testing.T) {
	oc := ruleColumns(t)
	ut, err := table.New(oc, table.Query{},
		[]string{"count", "ratio", "label"},
		[]table.RowData{
			{ID: "r1", Cells: []*string{str("bad"), nil, str("x")}},
			{ID: "r2", Cells: []*string{str("3"), nil, str("x")}},
		})
	if err != nil {
		t.Fatalf("table.New() failed: %v", err)
	}

	rules := []*Rule{New("count", OpLessThan, "10", 0, 0)}
	matches, errs := ApplyAll(rules, oc, ut)

	// Row r1's unparseable cell is an isolated failure; r2 still matches.
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	if matches[0] != nil {
		t.Error("r1 should have no match")
	}
	if matches[1] == nil {
		t.Error("r2 should match despite r1's failure")
	}
}

func TestApplyAll_UnknownColumnReported(t *testing.T) {
	oc := ruleColumns(t)
	ut, err := table.New(oc, table.Query{},
		[]string{"count", "ratio", "label"},
		[]table.RowData{
			{ID: "r1", Cells: []*string{str("3"), nil, str("x")}},
		})
	if err != nil {
		t.Fatalf("table.New() failed: %v", err)
	}

	rules := []*Rule{
		New("no_such_column", OpEqual, "x", 0, 0),
		New("count", OpLessThan, "10", 0, 0),
	}
	matches, errs := ApplyAll(rules, oc, ut)

	// The dangling rule is reported once and excluded; it must not fall
	// back to a string comparison against a column the table lacks.
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	var nf *schema.NotFoundError
	if !errors.As(errs[0], &nf) {
		t.Fatalf("error type = %T, want wrapped *schema.NotFoundError", errs[0])
	}
	if nf.ElementKey != "no_such_column" {
		t.Errorf("reported element key = %q, want no_such_column", nf.ElementKey)
	}
	if matches[0] == nil || matches[0].ElementKey != "count" {
		t.Error("remaining rule should still match r1")
	}
}
