package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fiscalbridge/internal/record/payload"
)

// errNotNumeric marks a numeric comparison whose operands cannot be coerced.
// Rules treat it as a match so the record fails closed.
var errNotNumeric = errors.New("value is not numeric")

// compare applies op to the resolved value. present is false when the field
// path does not exist in the payload. A non-nil error other than
// errNotNumeric means the rule itself could not be evaluated.
func compare(op Operator, v payload.Value, present bool, want string) (bool, error) {
	missing := !present || v.IsNull()
	switch op {
	case OpIsNull:
		return missing, nil
	case OpIsNotNull:
		return !missing, nil
	case OpEquals:
		return !missing && equals(v, want), nil
	case OpNotEquals:
		return missing || !equals(v, want), nil
	case OpContains:
		return !missing && contains(v, want), nil
	case OpNotContains:
		return missing || !contains(v, want), nil
	case OpRegex:
		re, err := regexp.Compile(want)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", want, err)
		}
		return !missing && re.MatchString(v.Text()), nil
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if missing {
			return false, errNotNumeric
		}
		c, err := order(v, want)
		if err != nil {
			return false, err
		}
		switch op {
		case OpGreaterThan:
			return c > 0, nil
		case OpGreaterThanOrEqual:
			return c >= 0, nil
		case OpLessThan:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func equals(v payload.Value, want string) bool {
	switch v.Kind() {
	case payload.KindNumber:
		if d, ok := payload.ParseDecimal(want); ok {
			n, _ := v.AsDecimal()
			return n.Equal(d)
		}
	case payload.KindBool:
		return strings.EqualFold(v.Text(), strings.TrimSpace(want))
	case payload.KindDate:
		if t, ok := parseComparisonDate(want); ok {
			vt, _ := v.AsTime()
			return vt.Equal(t)
		}
	}
	return v.Text() == want
}

// contains checks substrings of scalars, membership of list elements and
// key presence in maps.
func contains(v payload.Value, want string) bool {
	switch v.Kind() {
	case payload.KindList:
		for _, item := range v.Items() {
			if equals(item, want) {
				return true
			}
		}
		return false
	case payload.KindMap:
		_, ok := v.Field(want)
		return ok
	default:
		return strings.Contains(v.Text(), want)
	}
}

// order returns -1, 0 or 1 comparing v with want. Two dates compare
// chronologically; everything else is coerced to decimal.
func order(v payload.Value, want string) (int, error) {
	if vt, ok := v.AsTime(); ok {
		if t, ok := parseComparisonDate(want); ok {
			return vt.Compare(t), nil
		}
	}
	left, ok := v.AsDecimal()
	if !ok {
		return 0, errNotNumeric
	}
	right, ok := payload.ParseDecimal(want)
	if !ok {
		return 0, errNotNumeric
	}
	return left.Cmp(right), nil
}

func parseComparisonDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
