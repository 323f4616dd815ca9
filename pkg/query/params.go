package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mcpscope/mcpscope/pkg/capture"
)

// Filter parameters travel as field=operator:value query parameters.
// Values joined by commas OR together inside one filter; repeating the
// parameter produces independent filters that AND. The operator prefix
// is optional and defaults to exact match (is / eq).
//
//	?method=is:tools/list,tools/call&duration=gt:100

// ParseQueryOptions builds query options from URL parameters: filter
// parameters, the after/before time range, limit and order.
func ParseQueryOptions(values url.Values) (capture.QueryOptions, error) {
	var opts capture.QueryOptions

	for key, raw := range values {
		field := capture.Field(key)
		if !capture.KnownField(field) {
			continue
		}
		for _, v := range raw {
			f, err := parseFilter(field, v)
			if err != nil {
				return capture.QueryOptions{}, err
			}
			opts.Filters = append(opts.Filters, f)
		}
	}

	if v := values.Get("after"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return capture.QueryOptions{}, fmt.Errorf("invalid after: %w", err)
		}
		opts.After = t
	}
	if v := values.Get("before"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return capture.QueryOptions{}, fmt.Errorf("invalid before: %w", err)
		}
		opts.Before = t
	}
	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return capture.QueryOptions{}, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = n
	}
	switch v := values.Get("order"); v {
	case "", string(capture.OrderDesc):
	case string(capture.OrderAsc):
		opts.Order = capture.OrderAsc
	default:
		return capture.QueryOptions{}, fmt.Errorf("invalid order %q", v)
	}

	return opts, nil
}

func parseFilter(field capture.Field, raw string) (capture.Filter, error) {
	op, joined := splitOperator(raw)
	parts := strings.Split(joined, ",")

	if capture.NumericField(field) {
		if op == "" {
			op = string(capture.NumericEq)
		}
		nums := make([]int64, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil {
				return capture.Filter{}, fmt.Errorf("%w: %s value %q is not a number",
					capture.ErrInvalidFilter, field, p)
			}
			nums = append(nums, n)
		}
		return capture.NewNumericFilter(field, capture.NumericOp(op), nums...)
	}

	if op == "" {
		op = string(capture.StringIs)
	}
	return capture.NewStringFilter(field, capture.StringOp(op), parts...)
}

// splitOperator peels a leading "op:" prefix off a filter value. Only
// known operator names count, so values that merely contain a colon
// (session ids, URLs) pass through whole.
func splitOperator(raw string) (op, rest string) {
	i := strings.Index(raw, ":")
	if i < 0 {
		return "", raw
	}
	switch candidate := raw[:i]; candidate {
	case string(capture.StringIs), string(capture.StringContains),
		string(capture.NumericEq), string(capture.NumericGt), string(capture.NumericLt),
		string(capture.NumericGte), string(capture.NumericLte):
		return candidate, raw[i+1:]
	}
	return "", raw
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// EncodeQueryOptions renders options back into URL parameters, the
// inverse of ParseQueryOptions. Used by clients composing requests.
func EncodeQueryOptions(opts capture.QueryOptions) url.Values {
	values := url.Values{}

	for _, f := range opts.Filters {
		var op string
		var parts []string
		if f.Numeric() {
			op = string(f.NumericOperator())
			for _, n := range f.NumericValues() {
				parts = append(parts, strconv.FormatInt(n, 10))
			}
		} else {
			op = string(f.StringOperator())
			parts = append(parts, f.StringValues()...)
		}
		values.Add(string(f.Field()), op+":"+strings.Join(parts, ","))
	}

	if !opts.After.IsZero() {
		values.Set("after", opts.After.UTC().Format(time.RFC3339Nano))
	}
	if !opts.Before.IsZero() {
		values.Set("before", opts.Before.UTC().Format(time.RFC3339Nano))
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Order == capture.OrderAsc {
		values.Set("order", string(capture.OrderAsc))
	}
	return values
}
