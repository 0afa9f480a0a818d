package vm

import (
	"math"
	"strconv"
	"strings"
)

// Builtin prototypes are process-level singletons created outside the
// collector's tracking, which makes them immortal. Prototype methods are
// natives that receive the method receiver as their first argument.

var (
	objectProto   *Object
	arrayProto    *Object
	stringProto   *Object
	numberProto   *Object
	functionProto *Object
	structProtos  map[string]*Object
)

func protoObject() *Object {
	return &Object{props: make(map[string]Value)}
}

func method(proto *Object, name string, fn NativeFn) {
	proto.setOwn(name, NativeVal(&Native{Name: name, Fn: fn}))
}

// ObjectPrototype is the root of every prototype chain.
func ObjectPrototype() *Object {
	if objectProto == nil {
		objectProto = protoObject()
		method(objectProto, "keys", objectKeys)
		method(objectProto, "hasProperty", objectHasProperty)
	}
	return objectProto
}

// ArrayPrototype holds the builtin array methods.
func ArrayPrototype() *Object {
	if arrayProto == nil {
		arrayProto = protoObject()
		arrayProto.proto = ObjectPrototype()
		method(arrayProto, "push", arrayPush)
		method(arrayProto, "pop", arrayPop)
		method(arrayProto, "map", arrayMap)
		method(arrayProto, "filter", arrayFilter)
		method(arrayProto, "indexOf", arrayIndexOf)
		method(arrayProto, "join", arrayJoin)
	}
	return arrayProto
}

// StringPrototype holds the builtin string methods.
func StringPrototype() *Object {
	if stringProto == nil {
		stringProto = protoObject()
		stringProto.proto = ObjectPrototype()
		method(stringProto, "substring", stringSubstring)
		method(stringProto, "split", stringSplit)
		method(stringProto, "trim", stringTrim)
		method(stringProto, "toUpperCase", stringToUpperCase)
		method(stringProto, "toLowerCase", stringToLowerCase)
		method(stringProto, "startsWith", stringStartsWith)
		method(stringProto, "endsWith", stringEndsWith)
		method(stringProto, "repeat", stringRepeat)
		method(stringProto, "indexOf", stringIndexOf)
	}
	return stringProto
}

// NumberPrototype holds the builtin number methods.
func NumberPrototype() *Object {
	if numberProto == nil {
		numberProto = protoObject()
		numberProto.proto = ObjectPrototype()
		method(numberProto, "abs", numberAbs)
		method(numberProto, "floor", numberFloor)
		method(numberProto, "ceil", numberCeil)
		method(numberProto, "toFixed", numberToFixed)
	}
	return numberProto
}

// FunctionPrototype holds the builtin function methods.
func FunctionPrototype() *Object {
	if functionProto == nil {
		functionProto = protoObject()
		functionProto.proto = ObjectPrototype()
		method(functionProto, "name", functionName)
	}
	return functionProto
}

// StructPrototype returns the shared prototype for a struct type, creating
// it on first use. Instances of the same struct name share one prototype.
func StructPrototype(name string) *Object {
	if structProtos == nil {
		structProtos = make(map[string]*Object)
	}
	if proto, ok := structProtos[name]; ok {
		return proto
	}
	proto := protoObject()
	proto.proto = ObjectPrototype()
	structProtos[name] = proto
	return proto
}

// ----------------------------------------------------------------------------
// Object methods
// ----------------------------------------------------------------------------

func objectKeys(argCount int, args []Value) Value {
	if argCount < 1 || !args[0].IsObject() {
		return Nil()
	}
	result := NewArray()
	for _, key := range args[0].AsObject().Keys() {
		if key == "length" && args[0].AsObject().IsArray() {
			continue
		}
		result.Append(String(key))
	}
	return ObjectVal(result)
}

func objectHasProperty(argCount int, args []Value) Value {
	if argCount < 2 || !args[0].IsObject() || !args[1].IsString() {
		return Bool(false)
	}
	_, ok := args[0].AsObject().Get(args[1].AsString())
	return Bool(ok)
}

// ----------------------------------------------------------------------------
// Array methods
// ----------------------------------------------------------------------------

func receiverArray(argCount int, args []Value) (*Object, bool) {
	if argCount < 1 || !args[0].IsObject() || !args[0].AsObject().IsArray() {
		return nil, false
	}
	return args[0].AsObject(), true
}

func arrayPush(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok {
		return Nil()
	}
	for i := 1; i < argCount; i++ {
		array.Append(args[i])
	}
	return Number(float64(array.arrayLength()))
}

func arrayPop(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok {
		return Nil()
	}
	length := array.arrayLength()
	if length == 0 {
		return Nil()
	}
	key := strconv.Itoa(length - 1)
	last, _ := array.GetOwn(key)
	array.Delete(key)
	array.Set("length", Number(float64(length-1)))
	return last
}

func arrayMap(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok || argCount < 2 {
		return Nil()
	}
	v := CurrentVM()
	result := NewArray()
	// Pinned while the callback runs; the result is not yet reachable from
	// any root.
	v.gc.Pin(result)
	defer v.gc.Unpin(result)
	for i := 0; i < array.arrayLength(); i++ {
		result.Append(v.CallValue(args[1], array.Index(i)))
	}
	return ObjectVal(result)
}

func arrayFilter(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok || argCount < 2 {
		return Nil()
	}
	v := CurrentVM()
	result := NewArray()
	v.gc.Pin(result)
	defer v.gc.Unpin(result)
	for i := 0; i < array.arrayLength(); i++ {
		element := array.Index(i)
		if !v.CallValue(args[1], element).IsFalsey() {
			result.Append(element)
		}
	}
	return ObjectVal(result)
}

func arrayIndexOf(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok || argCount < 2 {
		return Number(-1)
	}
	for i := 0; i < array.arrayLength(); i++ {
		if array.Index(i).Equals(args[1]) {
			return Number(float64(i))
		}
	}
	return Number(-1)
}

func arrayJoin(argCount int, args []Value) Value {
	array, ok := receiverArray(argCount, args)
	if !ok {
		return Nil()
	}
	separator := ","
	if argCount >= 2 && args[1].IsString() {
		separator = args[1].AsString()
	}
	parts := make([]string, array.arrayLength())
	for i := range parts {
		parts[i] = array.Index(i).ToDisplayString()
	}
	return String(strings.Join(parts, separator))
}

// ----------------------------------------------------------------------------
// String methods
// ----------------------------------------------------------------------------

func receiverString(argCount int, args []Value) (string, bool) {
	if argCount < 1 || !args[0].IsString() {
		return "", false
	}
	return args[0].AsString(), true
}

func stringSubstring(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsNumber() {
		return Nil()
	}
	start := int(args[1].AsNumber())
	end := len(s)
	if argCount >= 3 && args[2].IsNumber() {
		end = int(args[2].AsNumber())
	}
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		return String("")
	}
	return String(s[start:end])
}

func stringSplit(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsString() {
		return Nil()
	}
	result := NewArray()
	for _, part := range strings.Split(s, args[1].AsString()) {
		result.Append(String(part))
	}
	return ObjectVal(result)
}

func stringTrim(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok {
		return Nil()
	}
	return String(strings.TrimSpace(s))
}

func stringToUpperCase(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok {
		return Nil()
	}
	return String(strings.ToUpper(s))
}

func stringToLowerCase(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok {
		return Nil()
	}
	return String(strings.ToLower(s))
}

func stringStartsWith(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsString() {
		return Bool(false)
	}
	return Bool(strings.HasPrefix(s, args[1].AsString()))
}

func stringEndsWith(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsString() {
		return Bool(false)
	}
	return Bool(strings.HasSuffix(s, args[1].AsString()))
}

func stringRepeat(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsNumber() {
		return Nil()
	}
	count := int(args[1].AsNumber())
	if count < 0 {
		count = 0
	}
	return String(strings.Repeat(s, count))
}

func stringIndexOf(argCount int, args []Value) Value {
	s, ok := receiverString(argCount, args)
	if !ok || argCount < 2 || !args[1].IsString() {
		return Number(-1)
	}
	return Number(float64(strings.Index(s, args[1].AsString())))
}

// ----------------------------------------------------------------------------
// Number methods
// ----------------------------------------------------------------------------

func receiverNumber(argCount int, args []Value) (float64, bool) {
	if argCount < 1 || !args[0].IsNumber() {
		return 0, false
	}
	return args[0].AsNumber(), true
}

func numberAbs(argCount int, args []Value) Value {
	n, ok := receiverNumber(argCount, args)
	if !ok {
		return Nil()
	}
	return Number(math.Abs(n))
}

func numberFloor(argCount int, args []Value) Value {
	n, ok := receiverNumber(argCount, args)
	if !ok {
		return Nil()
	}
	return Number(math.Floor(n))
}

func numberCeil(argCount int, args []Value) Value {
	n, ok := receiverNumber(argCount, args)
	if !ok {
		return Nil()
	}
	return Number(math.Ceil(n))
}

func numberToFixed(argCount int, args []Value) Value {
	n, ok := receiverNumber(argCount, args)
	if !ok {
		return Nil()
	}
	digits := 0
	if argCount >= 2 && args[1].IsNumber() {
		digits = int(args[1].AsNumber())
	}
	if digits < 0 {
		digits = 0
	}
	return String(strconv.FormatFloat(n, 'f', digits, 64))
}

// ----------------------------------------------------------------------------
// Function methods
// ----------------------------------------------------------------------------

func functionName(argCount int, args []Value) Value {
	if argCount < 1 {
		return Nil()
	}
	switch args[0].Kind() {
	case KindFunction:
		return String(args[0].AsFunction().Name)
	case KindClosure:
		return String(args[0].AsClosure().Function.Name)
	case KindNative:
		return String(args[0].AsNative().Name)
	}
	return Nil()
}
