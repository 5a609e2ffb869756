package props

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Value.
type Kind uint8

// Property kinds.
const (
	KindNone Kind = iota
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindFraction
	KindFloat32
	KindFloat64
	KindBool
	KindString
	KindName
	KindData
	KindConstData
	KindPointer
)

var kindNames = map[Kind]string{
	KindNone:      "none",
	KindInt32:     "sint",
	KindUint32:    "uint",
	KindInt64:     "lsint",
	KindUint64:    "luint",
	KindFraction:  "frac",
	KindFloat32:   "flt",
	KindFloat64:   "dbl",
	KindBool:      "bool",
	KindString:    "str",
	KindName:      "name",
	KindData:      "mem",
	KindConstData: "cmem",
	KindPointer:   "ptr",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// KindByName returns the kind for a short name such as "uint" or "frac".
func KindByName(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindNone, false
}

// Fraction is a rational number. A zero denominator is treated as 1.
type Fraction struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Float returns the fraction as a float64.
func (f Fraction) Float() float64 {
	if f.Den == 0 {
		return float64(f.Num)
	}
	return float64(f.Num) / float64(f.Den)
}

func (f Fraction) String() string {
	return strconv.FormatInt(f.Num, 10) + "/" + strconv.FormatInt(f.Den, 10)
}

// Value is an immutable property value.
type Value struct {
	kind Kind
	i    int64
	u    uint64
	f    float64
	frac Fraction
	s    string
	b    []byte
	p    any
}

// Int32 returns a signed 32-bit value.
func Int32(v int32) Value { return Value{kind: KindInt32, i: int64(v)} }

// Uint32 returns an unsigned 32-bit value.
func Uint32(v uint32) Value { return Value{kind: KindUint32, u: uint64(v)} }

// Int64 returns a signed 64-bit value.
func Int64(v int64) Value { return Value{kind: KindInt64, i: v} }

// Uint64 returns an unsigned 64-bit value.
func Uint64(v uint64) Value { return Value{kind: KindUint64, u: v} }

// Frac returns a fraction value.
func Frac(num, den int64) Value {
	if den == 0 {
		den = 1
	}
	return Value{kind: KindFraction, frac: Fraction{Num: num, Den: den}}
}

// Float32 returns a single precision value.
func Float32(v float32) Value { return Value{kind: KindFloat32, f: float64(v)} }

// Float64 returns a double precision value.
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }

// Bool returns a boolean value.
func Bool(v bool) Value {
	val := Value{kind: KindBool}
	if v {
		val.i = 1
	}
	return val
}

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Name returns a name value. Names compare equal to strings with the same text.
func Name(s string) Value { return Value{kind: KindName, s: s} }

// Data returns a value owning a copy of b.
func Data(b []byte) Value {
	return Value{kind: KindData, b: bytes.Clone(b)}
}

// ConstData returns a value borrowing b. The caller keeps b alive and unmodified.
func ConstData(b []byte) Value { return Value{kind: KindConstData, b: b} }

// Pointer returns an opaque value.
func Pointer(p any) Value { return Value{kind: KindPointer, p: p} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v holds nothing.
func (v Value) IsNone() bool { return v.kind == KindNone }

// Int returns integer kinds as int64. Floats are truncated, fractions divided.
func (v Value) Int() int64 {
	switch v.kind {
	case KindInt32, KindInt64, KindBool:
		return v.i
	case KindUint32, KindUint64:
		return int64(v.u)
	case KindFloat32, KindFloat64:
		return int64(v.f)
	case KindFraction:
		return int64(v.frac.Float())
	}
	return 0
}

// Uint returns integer kinds as uint64.
func (v Value) Uint() uint64 {
	switch v.kind {
	case KindUint32, KindUint64:
		return v.u
	case KindInt32, KindInt64, KindBool:
		return uint64(v.i)
	case KindFloat32, KindFloat64:
		return uint64(v.f)
	case KindFraction:
		return uint64(v.frac.Float())
	}
	return 0
}

// Float returns numeric kinds as float64.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat32, KindFloat64:
		return v.f
	case KindFraction:
		return v.frac.Float()
	case KindUint32, KindUint64:
		return float64(v.u)
	case KindInt32, KindInt64, KindBool:
		return float64(v.i)
	}
	return 0
}

// Fraction returns the fraction held by v. Integers become n/1.
func (v Value) Fraction() Fraction {
	switch v.kind {
	case KindFraction:
		return v.frac
	case KindInt32, KindInt64:
		return Fraction{Num: v.i, Den: 1}
	case KindUint32, KindUint64:
		return Fraction{Num: int64(v.u), Den: 1}
	}
	return Fraction{Den: 1}
}

// Bool returns the boolean held by v, or whether a numeric value is non-zero.
func (v Value) Bool() bool {
	switch v.kind {
	case KindBool, KindInt32, KindInt64:
		return v.i != 0
	case KindUint32, KindUint64:
		return v.u != 0
	}
	return false
}

// Str returns the text of string and name values.
func (v Value) Str() string {
	if v.kind == KindString || v.kind == KindName {
		return v.s
	}
	return ""
}

// Bytes returns the bytes of data values. The slice must not be modified.
func (v Value) Bytes() []byte {
	if v.kind == KindData || v.kind == KindConstData {
		return v.b
	}
	return nil
}

// Ptr returns the opaque value held by pointer values.
func (v Value) Ptr() any {
	if v.kind == KindPointer {
		return v.p
	}
	return nil
}

func isText(k Kind) bool { return k == KindString || k == KindName }

func isData(k Kind) bool { return k == KindData || k == KindConstData }

// Equal reports whether v and o hold the same value.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		switch {
		case isText(v.kind) && isText(o.kind):
			return v.s == o.s
		case isData(v.kind) && isData(o.kind):
			return bytes.Equal(v.b, o.b)
		}
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindInt32, KindInt64, KindBool:
		return v.i == o.i
	case KindUint32, KindUint64:
		return v.u == o.u
	case KindFloat32, KindFloat64:
		return v.f == o.f
	case KindFraction:
		return v.frac.Num*o.frac.Den == o.frac.Num*v.frac.Den
	case KindString, KindName:
		return v.s == o.s
	case KindData, KindConstData:
		return bytes.Equal(v.b, o.b)
	case KindPointer:
		if v.p == nil || o.p == nil {
			return v.p == o.p
		}
		t := reflect.TypeOf(v.p)
		return t == reflect.TypeOf(o.p) && t.Comparable() && v.p == o.p
	}
	return false
}

// Matches compares v against a capability value. Text capability values
// accept "*" as a wildcard and "a|b" as alternatives.
func (v Value) Matches(capVal Value) bool {
	if isText(capVal.kind) && isText(v.kind) {
		if capVal.s == "*" {
			return true
		}
		if strings.Contains(capVal.s, "|") {
			for alt := range strings.SplitSeq(capVal.s, "|") {
				if alt == v.s {
					return true
				}
			}
			return false
		}
	}
	return v.Equal(capVal)
}

// String renders v in the textual form accepted by Parse.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return ""
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindUint32, KindUint64:
		return strconv.FormatUint(v.u, 10)
	case KindFraction:
		return v.frac.String()
	case KindFloat32:
		return strconv.FormatFloat(v.f, 'g', -1, 32)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	case KindString, KindName:
		return v.s
	case KindData, KindConstData:
		return "0x" + hex.EncodeToString(v.b)
	case KindPointer:
		return fmt.Sprintf("<%T>", v.p)
	}
	return ""
}
