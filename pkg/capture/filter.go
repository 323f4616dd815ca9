package capture

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter indicates an operator/field combination or value set
// that the filter language does not define.
var ErrInvalidFilter = errors.New("invalid filter")

// Field names the record attributes a filter can target.
type Field string

// Filterable fields. Client, method, session and server are string typed;
// duration and tokens are numeric.
const (
	FieldClient   Field = "client"
	FieldMethod   Field = "method"
	FieldSession  Field = "session"
	FieldServer   Field = "server"
	FieldDuration Field = "duration"
	FieldTokens   Field = "tokens"
)

// StringOp is an operator over string fields.
type StringOp string

// String operators: exact match, case-sensitive substring.
const (
	StringIs       StringOp = "is"
	StringContains StringOp = "contains"
)

// NumericOp is an operator over numeric fields.
type NumericOp string

// Numeric comparison operators.
const (
	NumericEq  NumericOp = "eq"
	NumericGt  NumericOp = "gt"
	NumericLt  NumericOp = "lt"
	NumericGte NumericOp = "gte"
	NumericLte NumericOp = "lte"
)

// NumericField reports whether a field carries numeric values.
func NumericField(f Field) bool {
	return f == FieldDuration || f == FieldTokens
}

// KnownField reports whether f is part of the filter language.
func KnownField(f Field) bool {
	switch f {
	case FieldClient, FieldMethod, FieldSession, FieldServer, FieldDuration, FieldTokens:
		return true
	}
	return false
}

// Filter is a closed, tagged filter over one field. Only the constructors
// can produce one, so an invalid operator/field combination is
// unrepresentable. Multiple values OR together; distinct filters AND.
type Filter struct {
	field     Field
	strOp     StringOp
	numOp     NumericOp
	strValues []string
	numValues []int64
}

// NewStringFilter builds a filter over a string-typed field.
func NewStringFilter(field Field, op StringOp, values ...string) (Filter, error) {
	if !KnownField(field) {
		return Filter{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, field)
	}
	if NumericField(field) {
		return Filter{}, fmt.Errorf("%w: field %q takes numeric operators", ErrInvalidFilter, field)
	}
	switch op {
	case StringIs, StringContains:
	default:
		return Filter{}, fmt.Errorf("%w: unknown string operator %q", ErrInvalidFilter, op)
	}
	if len(values) == 0 {
		return Filter{}, fmt.Errorf("%w: at least one value required", ErrInvalidFilter)
	}
	return Filter{field: field, strOp: op, strValues: values}, nil
}

// NewNumericFilter builds a filter over a numeric field.
func NewNumericFilter(field Field, op NumericOp, values ...int64) (Filter, error) {
	if !KnownField(field) {
		return Filter{}, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, field)
	}
	if !NumericField(field) {
		return Filter{}, fmt.Errorf("%w: field %q takes string operators", ErrInvalidFilter, field)
	}
	switch op {
	case NumericEq, NumericGt, NumericLt, NumericGte, NumericLte:
	default:
		return Filter{}, fmt.Errorf("%w: unknown numeric operator %q", ErrInvalidFilter, op)
	}
	if len(values) == 0 {
		return Filter{}, fmt.Errorf("%w: at least one value required", ErrInvalidFilter)
	}
	return Filter{field: field, numOp: op, numValues: values}, nil
}

// Field returns the targeted field.
func (f Filter) Field() Field { return f.field }

// Numeric reports whether this is a numeric filter.
func (f Filter) Numeric() bool { return NumericField(f.field) }

// StringOperator returns the operator of a string filter.
func (f Filter) StringOperator() StringOp { return f.strOp }

// NumericOperator returns the operator of a numeric filter.
func (f Filter) NumericOperator() NumericOp { return f.numOp }

// StringValues returns the OR-combined values of a string filter.
func (f Filter) StringValues() []string { return f.strValues }

// NumericValues returns the OR-combined values of a numeric filter.
func (f Filter) NumericValues() []int64 { return f.numValues }
