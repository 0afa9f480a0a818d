// Package vm implements the Slate bytecode interpreter: the tagged value
// model, property-bag objects with prototype chains, closures with upvalue
// capture, a tri-color mark-sweep garbage collector with an optional
// incremental mode, and per-module global resolution.
package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindFunction
	KindClosure
	KindNative
	KindStruct
)

var kindNames = [...]string{
	KindNil:      "nil",
	KindBool:     "bool",
	KindNumber:   "number",
	KindString:   "string",
	KindObject:   "object",
	KindFunction: "function",
	KindClosure:  "closure",
	KindNative:   "native",
	KindStruct:   "struct",
}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is the runtime's tagged value. Primitive kinds (nil, bool, number,
// string) live entirely in the struct; the remaining kinds reference heap
// objects managed by the collector. The zero Value is nil.
type Value struct {
	kind ValueKind
	flag bool
	num  float64
	str  string
	ref  any
}

// ----------------------------------------------------------------------------
// Constructors
// ----------------------------------------------------------------------------

func Nil() Value             { return Value{} }
func Bool(b bool) Value      { return Value{kind: KindBool, flag: b} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func String(s string) Value  { return Value{kind: KindString, str: s} }

func ObjectVal(o *Object) Value     { return Value{kind: KindObject, ref: o} }
func FunctionVal(f *Function) Value { return Value{kind: KindFunction, ref: f} }
func ClosureVal(c *Closure) Value   { return Value{kind: KindClosure, ref: c} }
func NativeVal(n *Native) Value     { return Value{kind: KindNative, ref: n} }
func StructVal(s *StructType) Value { return Value{kind: KindStruct, ref: s} }

// ----------------------------------------------------------------------------
// Predicates
// ----------------------------------------------------------------------------

func (v Value) Kind() ValueKind { return v.kind }

func (v Value) IsNil() bool      { return v.kind == KindNil }
func (v Value) IsBool() bool     { return v.kind == KindBool }
func (v Value) IsNumber() bool   { return v.kind == KindNumber }
func (v Value) IsString() bool   { return v.kind == KindString }
func (v Value) IsObject() bool   { return v.kind == KindObject }
func (v Value) IsFunction() bool { return v.kind == KindFunction }
func (v Value) IsClosure() bool  { return v.kind == KindClosure }
func (v Value) IsNative() bool   { return v.kind == KindNative }
func (v Value) IsStruct() bool   { return v.kind == KindStruct }

// IsFalsey reports whether the value is nil or false. Every other value,
// including 0 and "", is truthy.
func (v Value) IsFalsey() bool {
	return v.kind == KindNil || (v.kind == KindBool && !v.flag)
}

// ----------------------------------------------------------------------------
// Accessors. These panic on kind mismatch; callers on untrusted paths must
// check the kind first.
// ----------------------------------------------------------------------------

func (v Value) AsBool() bool {
	v.mustBe(KindBool)
	return v.flag
}

func (v Value) AsNumber() float64 {
	v.mustBe(KindNumber)
	return v.num
}

func (v Value) AsString() string {
	v.mustBe(KindString)
	return v.str
}

func (v Value) AsObject() *Object {
	v.mustBe(KindObject)
	return v.ref.(*Object)
}

func (v Value) AsFunction() *Function {
	v.mustBe(KindFunction)
	return v.ref.(*Function)
}

func (v Value) AsClosure() *Closure {
	v.mustBe(KindClosure)
	return v.ref.(*Closure)
}

func (v Value) AsNative() *Native {
	v.mustBe(KindNative)
	return v.ref.(*Native)
}

func (v Value) AsStruct() *StructType {
	v.mustBe(KindStruct)
	return v.ref.(*StructType)
}

func (v Value) mustBe(kind ValueKind) {
	if v.kind != kind {
		panic(fmt.Sprintf("vm: value is %s, not %s", v.kind, kind))
	}
}

// heapRef returns the referenced heap object for collector traversal, or
// nil for primitive kinds.
func (v Value) heapRef() any {
	switch v.kind {
	case KindObject, KindFunction, KindClosure, KindStruct:
		return v.ref
	}
	return nil
}

// ----------------------------------------------------------------------------
// Equality
// ----------------------------------------------------------------------------

// Equals implements the language's == operator. Values of different kinds
// are never equal. Objects, functions and natives compare by identity.
// Closures and struct types never compare equal, matching the original
// semantics.
func (v Value) Equals(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool:
		return v.flag == other.flag
	case KindNumber:
		return v.num == other.num
	case KindString:
		return v.str == other.str
	case KindFunction, KindNative, KindObject:
		return v.ref == other.ref
	default:
		return false
	}
}

// ----------------------------------------------------------------------------
// Formatting
// ----------------------------------------------------------------------------

// FormatNumber renders a number the canonical way: integral values print
// without a decimal point, everything else uses %.6g.
func FormatNumber(n float64) string {
	if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1e18 {
		return strconv.FormatInt(int64(n), 10)
	}
	return fmt.Sprintf("%.6g", n)
}

// TypeName is the name reported by the typeof builtin.
func (v Value) TypeName() string {
	return v.kind.String()
}

// ToDisplayString converts a value for string coercion (`+` with a string
// operand, concatenation, interpolation). Strings pass through unquoted.
func (v Value) ToDisplayString() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return FormatNumber(v.num)
	case KindBool:
		if v.flag {
			return "true"
		}
		return "false"
	case KindNil:
		return "nil"
	case KindObject:
		obj := v.ref.(*Object)
		if structType, ok := obj.GetOwn("__struct_type__"); ok && structType.IsString() {
			return "<" + structType.AsString() + " instance>"
		}
		return "<object>"
	case KindNative:
		return "<native function>"
	case KindFunction:
		return "<fn " + v.ref.(*Function).Name + ">"
	case KindClosure:
		return "<fn " + v.ref.(*Closure).Function.Name + ">"
	case KindStruct:
		return "<struct " + v.ref.(*StructType).Name + ">"
	default:
		return "<unknown>"
	}
}

// String renders the value the way the print builtin shows it. Arrays print
// bracketed, objects print their properties with quoted keys.
func (v Value) String() string {
	switch v.kind {
	case KindObject:
		return v.ref.(*Object).display(make(map[*Object]bool))
	case KindFunction:
		return "<fn " + v.ref.(*Function).Name + ">"
	case KindClosure:
		return "<fn " + v.ref.(*Closure).Function.Name + ">"
	case KindNative:
		return "<native fn>"
	case KindStruct:
		return "<struct " + v.ref.(*StructType).Name + ">"
	default:
		return v.ToDisplayString()
	}
}

func (o *Object) display(seen map[*Object]bool) string {
	if seen[o] {
		return "<cycle>"
	}
	seen[o] = true
	defer delete(seen, o)

	var sb strings.Builder
	if o.isArray {
		sb.WriteByte('[')
		length := o.arrayLength()
		for i := 0; i < length; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			elem, _ := o.GetOwn(strconv.Itoa(i))
			sb.WriteString(elem.displayNested(seen))
		}
		sb.WriteByte(']')
		return sb.String()
	}

	sb.WriteByte('{')
	first := true
	for _, key := range o.keys {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%q: ", key)
		sb.WriteString(o.props[key].displayNested(seen))
	}
	sb.WriteByte('}')
	return sb.String()
}

func (v Value) displayNested(seen map[*Object]bool) string {
	if v.kind == KindString {
		return strconv.Quote(v.str)
	}
	if v.kind == KindObject {
		return v.ref.(*Object).display(seen)
	}
	return v.String()
}
