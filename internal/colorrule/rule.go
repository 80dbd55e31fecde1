// Package colorrule implements declarative per-column comparison rules
// used for conditional row formatting. Each rule binds one column to an
// operator and operand; evaluation is a read-only analysis over a row.
package colorrule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tablekit/tablesync/internal/schema"
	"github.com/tablekit/tablesync/internal/table"
)

// Operator is the comparison a rule applies between the stored cell
// value and the rule's operand.
type Operator string

const (
	OpLessThan           Operator = "<"
	OpLessThanOrEqual    Operator = "<="
	OpEqual              Operator = "="
	OpGreaterThanOrEqual Operator = ">="
	OpGreaterThan        Operator = ">"

	// OpNoOp is the explicit parse of a blank operator. Legacy rule
	// files carry blank operators for disabled rules; they evaluate to
	// no-match rather than being rejected at load time.
	OpNoOp Operator = "no-op"
)

// ParseOperator converts a stored operator symbol. Blank or whitespace
// input parses as OpNoOp; anything else unrecognized is an error,
// never a silent no-op.
func ParseOperator(s string) (Operator, error) {
	switch Operator(strings.TrimSpace(s)) {
	case OpLessThan, OpLessThanOrEqual, OpEqual, OpGreaterThanOrEqual, OpGreaterThan:
		return Operator(strings.TrimSpace(s)), nil
	case "":
		return OpNoOp, nil
	case OpNoOp:
		return OpNoOp, nil
	}
	return "", fmt.Errorf("unrecognized color rule operator %q", s)
}

// EvaluationError reports a rule whose numeric comparison could not be
// performed because the operand or the stored value is not a number.
// It is surfaced per rule; other rules and rows continue evaluating.
type EvaluationError struct {
	RuleID     string
	ElementKey string
	Value      string
	Cause      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("color rule %s on column %q: value %q is not comparable: %v",
		e.RuleID, e.ElementKey, e.Value, e.Cause)
}

func (e *EvaluationError) Unwrap() error { return e.Cause }

// Rule is a single declarative comparison rule. IDs are randomly
// generated at creation and excluded from content equality.
type Rule struct {
	ID              string   `json:"id"`
	ElementKey      string   `json:"element_key"`
	Operator        Operator `json:"operator"`
	Operand         string   `json:"operand"`
	ForegroundColor int      `json:"foreground_color"`
	BackgroundColor int      `json:"background_color"`
}

// New creates a rule with a fresh random identifier.
func New(elementKey string, op Operator, operand string, fg, bg int) *Rule {
	return &Rule{
		ID:              uuid.NewString(),
		ElementKey:      elementKey,
		Operator:        op,
		Operand:         operand,
		ForegroundColor: fg,
		BackgroundColor: bg,
	}
}

// EqualsWithoutID reports content equality ignoring the generated
// identifier. Used to deduplicate logically identical rules on import.
func (r *Rule) EqualsWithoutID(other *Rule) bool {
	return r.ElementKey == other.ElementKey &&
		r.Operator == other.Operator &&
		r.Operand == other.Operand &&
		r.ForegroundColor == other.ForegroundColor &&
		r.BackgroundColor == other.BackgroundColor
}

// CheckMatch evaluates the rule against one row.
//
// A null cell never matches. For numeric data types both operand and
// stored value are parsed as 64-bit floats and compared numerically;
// an unparseable side is an EvaluationError. All other data types
// compare lexicographically. A no-op rule never matches.
func (r *Rule) CheckMatch(dataType schema.ElementDataType, row *table.Row) (bool, error) {
	if r.Operator == OpNoOp {
		return false, nil
	}

	raw := row.DataByKey(r.ElementKey)
	if raw == nil {
		return false, nil
	}

	var cmp int
	if dataType.IsNumeric() {
		stored, err := strconv.ParseFloat(*raw, 64)
		if err != nil {
			return false, &EvaluationError{RuleID: r.ID, ElementKey: r.ElementKey, Value: *raw, Cause: err}
		}
		operand, err := strconv.ParseFloat(r.Operand, 64)
		if err != nil {
			return false, &EvaluationError{RuleID: r.ID, ElementKey: r.ElementKey, Value: r.Operand, Cause: err}
		}
		switch {
		case stored < operand:
			cmp = -1
		case stored > operand:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(*raw, r.Operand)
	}

	switch r.Operator {
	case OpLessThan:
		return cmp < 0, nil
	case OpLessThanOrEqual:
		return cmp <= 0, nil
	case OpEqual:
		return cmp == 0, nil
	case OpGreaterThanOrEqual:
		return cmp >= 0, nil
	case OpGreaterThan:
		return cmp > 0, nil
	default:
		return false, fmt.Errorf("unrecognized color rule operator %q", r.Operator)
	}
}

// boundRule is a rule whose element key has been resolved against the
// table's columns, fixing the data type for every row.
type boundRule struct {
	rule     *Rule
	dataType schema.ElementDataType
}

// ApplyAll evaluates rules in order against every row of a view and
// returns, per row, the first matching rule (later rules do not
// override earlier ones). Errors are isolated: a rule naming a column
// the table does not have is reported once in errs and excluded from
// evaluation, and a per-row evaluation failure skips that rule for
// that row only.
func ApplyAll(rules []*Rule, columns *schema.OrderedColumns, ut *table.UserTable) (matches []*Rule, errs []error) {
	bound := make([]boundRule, 0, len(rules))
	for _, rule := range rules {
		col, err := columns.Find(rule.ElementKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("color rule %s: %w", rule.ID, err))
			continue
		}
		bound = append(bound, boundRule{rule: rule, dataType: col.DataType()})
	}

	matches = make([]*Rule, ut.NumRows())
	for i := 0; i < ut.NumRows(); i++ {
		row := ut.RowAt(i)
		for _, b := range bound {
			ok, err := b.rule.CheckMatch(b.dataType, row)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				matches[i] = b.rule
				break
			}
		}
	}
	return matches, errs
}
