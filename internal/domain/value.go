package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind discriminates the typed risk-factor variants.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindBool
	KindString
)

// Value is a typed risk-factor value: number, bool, string, or null.
// Risk vectors are validated at ingestion instead of silently coercing,
// so a malformed factor surfaces as a row-level skip with a reason.
type Value struct {
	kind ValueKind
	num  float64
	b    bool
	s    string
}

// Num returns a numeric Value.
func Num(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool returns a boolean Value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Str returns a string Value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float returns the value as a float64 for comparison purposes.
// Booleans compare as 1/0; strings and null are not comparable.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// String returns the string form and whether the value is a string.
func (v Value) String() (string, bool) {
	if v.kind == KindString {
		return v.s, true
	}
	return "", false
}

// IsNaN reports whether the value is a numeric NaN.
func (v Value) IsNaN() bool {
	return v.kind == KindNumber && math.IsNaN(v.num)
}

// UnmarshalJSON decodes null, numbers, booleans, and strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case float64:
		*v = Num(t)
	case bool:
		*v = Bool(t)
	case string:
		*v = Str(t)
	default:
		return fmt.Errorf("unsupported risk value type %T", raw)
	}
	return nil
}

// MarshalJSON encodes the tagged variant back to plain JSON.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return []byte("null"), nil
		}
		return []byte(strconv.FormatFloat(v.num, 'g', -1, 64)), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	default:
		return []byte("null"), nil
	}
}

// RiskVars is the risk-factor vector for one exposure row.
type RiskVars map[string]Value

// Float looks up a factor and returns its numeric form.
func (r RiskVars) Float(name string) (float64, bool) {
	v, ok := r[name]
	if !ok || v.IsNull() {
		return 0, false
	}
	return v.Float()
}

// Category looks up a categorical factor, returning fallback when the
// factor is absent, null, or not a string.
func (r RiskVars) Category(name, fallback string) string {
	v, ok := r[name]
	if !ok || v.IsNull() {
		return fallback
	}
	if s, ok := v.String(); ok {
		return s
	}
	return fallback
}

// HasNaN reports whether any factor is a numeric NaN.
func (r RiskVars) HasNaN() bool {
	for _, v := range r {
		if v.IsNaN() {
			return true
		}
	}
	return false
}
