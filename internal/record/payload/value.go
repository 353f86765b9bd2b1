// Package payload models schema-less record documents as tagged values and
// resolves dotted/array field paths against them.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindDate
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is an immutable node of a record document.
// Dates keep their source text so string operators see what was ingested.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
	t    time.Time
	list []Value
	m    map[string]Value
}

func Null() Value                    { return Value{kind: KindNull} }
func String(s string) Value          { return Value{kind: KindString, str: s} }
func Bool(b bool) Value              { return Value{kind: KindBool, b: b} }
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }
func List(items ...Value) Value      { return Value{kind: KindList, list: items} }

// Map builds a map value. The input map is copied.
func Map(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// Date builds a date value keeping raw as its textual form.
func Date(t time.Time, raw string) Value {
	return Value{kind: KindDate, t: t, str: raw}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Len() int     { return len(v.list) }
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Field returns a direct child of a map value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	child, ok := v.m[name]
	return child, ok
}

// Keys returns map keys in sorted order.
func (v Value) Keys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Items returns the list elements.
func (v Value) Items() []Value {
	return v.list
}

// AsDecimal coerces the value to a number. Strings are parsed after trimming;
// a comma decimal separator is accepted when no dot is present.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		return ParseDecimal(v.str)
	default:
		return decimal.Decimal{}, false
	}
}

// AsTime reports the instant for date values.
func (v Value) AsTime() (time.Time, bool) {
	if v.kind != KindDate {
		return time.Time{}, false
	}
	return v.t, true
}

// Text renders scalars as they would be compared textually. Lists and maps
// render as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindString, KindDate:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ParseDecimal parses a human-entered number.
func ParseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	if !strings.Contains(s, ".") && strings.Count(s, ",") == 1 {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02"}

func parseDate(s string) (time.Time, bool) {
	if len(s) < 10 || s[4] != '-' || s[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Parse decodes a JSON document into a Value. The top level must be an object.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("decode payload: trailing data")
	}
	if _, ok := raw.(map[string]any); !ok {
		return Value{}, fmt.Errorf("payload must be a JSON object")
	}
	return FromAny(raw)
}

// FromAny converts decoded JSON (with json.Number) into a Value.
func FromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		if t, ok := parseDate(x); ok {
			return Date(t, x), nil
		}
		return String(x), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", x, err)
		}
		return Number(d), nil
	case float64:
		return Number(decimal.NewFromFloat(x)), nil
	case int:
		return Number(decimal.NewFromInt(int64(x))), nil
	case int64:
		return Number(decimal.NewFromInt(x)), nil
	case bool:
		return Bool(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, item := range x {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Value{}, fmt.Errorf("unsupported payload type %T", raw)
	}
}

// MarshalJSON renders the value back to JSON. Numbers keep full precision.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString, KindDate:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.kind)
	}
}

// UnmarshalJSON accepts any JSON value.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
