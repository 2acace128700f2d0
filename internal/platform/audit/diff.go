package audit

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BuildDiff compares only the named fields of before and after and returns
// those that differ. Fields may be dotted paths ("address.city") resolved
// through maps and through struct fields by their json tag. A field that is
// missing on one side compares as nil.
//
// Times are equal when they denote the same instant (RFC 3339 strings are
// parsed). Numbers are equal when they have the same value regardless of Go
// type, including decimal.Decimal and json.Number. Anything else is compared
// by its JSON encoding.
func BuildDiff(before, after interface{}, fields []string) map[string]Change {
	out := make(map[string]Change)
	for _, f := range fields {
		b := lookup(before, f)
		a := lookup(after, f)
		if valuesEqual(b, a) {
			continue
		}
		out[f] = Change{Before: b, After: a}
	}
	return out
}

func lookup(root interface{}, path string) interface{} {
	cur := reflect.ValueOf(root)
	for _, part := range strings.Split(path, ".") {
		cur = indirect(cur)
		if !cur.IsValid() {
			return nil
		}
		switch cur.Kind() {
		case reflect.Map:
			if cur.Type().Key().Kind() != reflect.String {
				return nil
			}
			cur = cur.MapIndex(reflect.ValueOf(part).Convert(cur.Type().Key()))
		case reflect.Struct:
			cur = structField(cur, part)
		default:
			return nil
		}
	}
	cur = indirect(cur)
	if !cur.IsValid() || !cur.CanInterface() {
		return nil
	}
	return cur.Interface()
}

// indirect follows pointers and interfaces. Nil yields the zero Value.
func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

func structField(v reflect.Value, name string) reflect.Value {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("json"), ",")[0]
		if tag == "-" {
			continue
		}
		if tag == name || (tag == "" && strings.EqualFold(sf.Name, name)) {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if da, ok := asDecimal(a); ok {
		if db, ok := asDecimal(b); ok {
			return da.Equal(db)
		}
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if p, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return p, true
		}
	}
	return time.Time{}, false
}

func asDecimal(v interface{}) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	case float32:
		if finite(float64(n)) {
			return decimal.NewFromFloat32(n), true
		}
	case float64:
		if finite(n) {
			return decimal.NewFromFloat(n), true
		}
	}
	return decimal.Decimal{}, false
}

// finite guards decimal.NewFromFloat, which panics on NaN and ±Inf.
func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
