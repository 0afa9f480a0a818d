package vm

import (
	"strings"
	"testing"
)

// ============================================================================
// Helpers
// ============================================================================

func constIdx(t *testing.T, c *Chunk, v Value) byte {
	t.Helper()
	idx := c.AddConstant(v)
	if idx > 0xFF {
		t.Fatalf("constant pool overflow in test chunk")
	}
	return byte(idx)
}

func emitConst(t *testing.T, c *Chunk, v Value) {
	t.Helper()
	if err := c.EmitConstant(v, 1); err != nil {
		t.Fatal(err)
	}
}

func emitLoop(c *Chunk, loopStart int) {
	c.Emit(OpLoop, 1)
	c.EmitU16(uint16(c.Len()+2-loopStart), 1)
}

func runChunk(t *testing.T, c *Chunk) (Value, *VM) {
	t.Helper()
	v := New()
	if result := v.Interpret(c); result != InterpretOK {
		t.Fatalf("Interpret failed: %v (last error: %s)", result, v.LastError())
	}
	return v.Result(), v
}

func expectRuntimeError(t *testing.T, c *Chunk, wantMessage string) *VM {
	t.Helper()
	v := New()
	if result := v.Interpret(c); result != InterpretRuntimeError {
		t.Fatalf("Interpret = %v, want runtime error", result)
	}
	if v.LastError() != wantMessage {
		t.Fatalf("error = %q, want %q", v.LastError(), wantMessage)
	}
	return v
}

func wantNumber(t *testing.T, v Value, n float64) {
	t.Helper()
	if !v.IsNumber() || v.AsNumber() != n {
		t.Fatalf("result = %s, want %v", v.String(), n)
	}
}

func wantString(t *testing.T, v Value, s string) {
	t.Helper()
	if !v.IsString() || v.AsString() != s {
		t.Fatalf("result = %s, want %q", v.String(), s)
	}
}

// ============================================================================
// Arithmetic
// ============================================================================

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a, b float64
		want float64
	}{
		{"add", OpAdd, 2, 3, 5},
		{"subtract", OpSubtract, 10, 4, 6},
		{"multiply", OpMultiply, 6, 7, 42},
		{"divide", OpDivide, 9, 2, 4.5},
		{"modulo", OpModulo, 10, 3, 1},
		{"power", OpPower, 2, 10, 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunk()
			emitConst(t, c, Number(tt.a))
			emitConst(t, c, Number(tt.b))
			c.Emit(tt.op, 1)
			c.Emit(OpReturn, 1)
			result, _ := runChunk(t, c)
			wantNumber(t, result, tt.want)
		})
	}
}

func TestNegate(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(7))
	c.Emit(OpNegate, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, -7)
}

func TestDivisionByZero(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(1))
	emitConst(t, c, Number(0))
	c.Emit(OpDivide, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Division by zero.")
}

func TestModuloByZero(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(1))
	emitConst(t, c, Number(0))
	c.Emit(OpModulo, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Division by zero in modulo operation.")
}

func TestArithmeticTypeError(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(1))
	c.Emit(OpTrue, 1)
	c.Emit(OpSubtract, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Operands must be numbers.")
}

// ============================================================================
// Addition coercion
// ============================================================================

func TestAddCoercion(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want Value
	}{
		{"num+num", Number(1), Number(2), Number(3)},
		{"str+str", String("foo"), String("bar"), String("foobar")},
		{"num+str", Number(3), String("x"), String("3x")},
		{"str+num", String("x"), Number(3), String("x3")},
		{"str+float", String("v"), Number(2.5), String("v2.5")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunk()
			emitConst(t, c, tt.a)
			emitConst(t, c, tt.b)
			c.Emit(OpAdd, 1)
			c.Emit(OpReturn, 1)
			result, _ := runChunk(t, c)
			if !result.Equals(tt.want) {
				t.Fatalf("result = %s, want %s", result.String(), tt.want.String())
			}
		})
	}
}

func TestAddTypeError(t *testing.T) {
	c := NewChunk()
	c.Emit(OpTrue, 1)
	emitConst(t, c, Number(1))
	c.Emit(OpAdd, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Operands must be two numbers or two strings.")
}

// ============================================================================
// Logic
// ============================================================================

func TestAndOrPreserveValues(t *testing.T) {
	// "a" and 2 -> 2; nil or "b" -> "b"; false and x -> false.
	c := NewChunk()
	emitConst(t, c, String("a"))
	emitConst(t, c, Number(2))
	c.Emit(OpAnd, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 2)

	c = NewChunk()
	c.Emit(OpNil, 1)
	emitConst(t, c, String("b"))
	c.Emit(OpOr, 1)
	c.Emit(OpReturn, 1)
	result, _ = runChunk(t, c)
	wantString(t, result, "b")

	c = NewChunk()
	c.Emit(OpFalse, 1)
	emitConst(t, c, Number(9))
	c.Emit(OpAnd, 1)
	c.Emit(OpReturn, 1)
	result, _ = runChunk(t, c)
	if !result.IsBool() || result.AsBool() {
		t.Fatalf("false and 9 = %s, want false", result.String())
	}
}

func TestComparisons(t *testing.T) {
	tests := []struct {
		op   Opcode
		a, b float64
		want bool
	}{
		{OpGreater, 3, 2, true},
		{OpGreaterEqual, 2, 2, true},
		{OpLess, 2, 3, true},
		{OpLessEqual, 3, 2, false},
	}
	for _, tt := range tests {
		c := NewChunk()
		emitConst(t, c, Number(tt.a))
		emitConst(t, c, Number(tt.b))
		c.Emit(tt.op, 1)
		c.Emit(OpReturn, 1)
		result, _ := runChunk(t, c)
		if !result.IsBool() || result.AsBool() != tt.want {
			t.Errorf("%s(%v, %v) = %s, want %v", tt.op.String(), tt.a, tt.b, result.String(), tt.want)
		}
	}
}

// ============================================================================
// Control flow
// ============================================================================

func TestJumpIfFalse(t *testing.T) {
	// false ? 1 : 2
	c := NewChunk()
	c.Emit(OpFalse, 1)
	elseJump := c.EmitJump(OpJumpIfFalse, 1)
	c.Emit(OpPop, 1)
	emitConst(t, c, Number(1))
	endJump := c.EmitJump(OpJump, 1)
	if err := c.PatchJump(elseJump); err != nil {
		t.Fatal(err)
	}
	c.Emit(OpPop, 1)
	emitConst(t, c, Number(2))
	if err := c.PatchJump(endJump); err != nil {
		t.Fatal(err)
	}
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 2)
}

func TestLoopSum(t *testing.T) {
	// i = 0; total = 0; while i < 5 { total = total + i; i = i + 1 }
	c := NewChunk()
	iName := constIdx(t, c, String("i"))
	totalName := constIdx(t, c, String("total"))

	emitConst(t, c, Number(0))
	c.EmitWithOperand(OpDefineGlobal, iName, 1)
	emitConst(t, c, Number(0))
	c.EmitWithOperand(OpDefineGlobal, totalName, 1)

	loopStart := c.Len()
	c.EmitWithOperand(OpGetGlobal, iName, 2)
	emitConst(t, c, Number(5))
	c.Emit(OpLess, 2)
	exitJump := c.EmitJump(OpJumpIfFalse, 2)
	c.Emit(OpPop, 2)

	c.EmitWithOperand(OpGetGlobal, totalName, 3)
	c.EmitWithOperand(OpGetGlobal, iName, 3)
	c.Emit(OpAdd, 3)
	c.EmitWithOperand(OpSetGlobal, totalName, 3)
	c.Emit(OpPop, 3)

	c.EmitWithOperand(OpGetGlobal, iName, 4)
	emitConst(t, c, Number(1))
	c.Emit(OpAdd, 4)
	c.EmitWithOperand(OpSetGlobal, iName, 4)
	c.Emit(OpPop, 4)
	emitLoop(c, loopStart)

	if err := c.PatchJump(exitJump); err != nil {
		t.Fatal(err)
	}
	c.Emit(OpPop, 5)
	c.EmitWithOperand(OpGetGlobal, totalName, 5)
	c.Emit(OpReturn, 5)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 10)
}

// ============================================================================
// Globals
// ============================================================================

func TestUndefinedGlobal(t *testing.T) {
	c := NewChunk()
	c.EmitWithOperand(OpGetGlobal, constIdx(t, c, String("missing")), 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Undefined global variable 'missing'.")
}

func TestDefineAndSetGlobal(t *testing.T) {
	c := NewChunk()
	name := constIdx(t, c, String("x"))
	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpDefineGlobal, name, 1)
	emitConst(t, c, Number(2))
	c.EmitWithOperand(OpSetGlobal, name, 1)
	c.Emit(OpPop, 1)
	c.EmitWithOperand(OpGetGlobal, name, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 2)
}

// ============================================================================
// Functions and calls
// ============================================================================

func makeFunction(name string, arity int, build func(c *Chunk)) *Function {
	fn := NewFunction(name, arity)
	if build != nil {
		build(fn.Chunk)
	}
	return fn
}

func TestFunctionCall(t *testing.T) {
	double := makeFunction("double", 1, func(c *Chunk) {
		c.EmitWithOperand(OpGetLocal, 1, 1)
		idx := byte(c.AddConstant(Number(2)))
		c.EmitWithOperand(OpConstant, idx, 1)
		c.Emit(OpMultiply, 1)
		c.Emit(OpReturn, 1)
	})

	c := NewChunk()
	fnIdx := constIdx(t, c, FunctionVal(double))
	c.EmitWithOperand(OpClosure, fnIdx, 1)
	emitConst(t, c, Number(21))
	c.EmitWithOperand(OpCall, 1, 1)
	c.Emit(OpReturn, 1)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 42)
}

func TestArityMismatch(t *testing.T) {
	fn := makeFunction("two", 2, func(c *Chunk) {
		c.Emit(OpNil, 1)
		c.Emit(OpReturn, 1)
	})

	c := NewChunk()
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(fn)), 1)
	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpCall, 1, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Expected 2 arguments but got 1.")
}

func TestCallNonCallable(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(5))
	c.EmitWithOperand(OpCall, 0, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Can only call functions.")
}

func TestStackOverflow(t *testing.T) {
	// A function that calls itself through a global.
	name := "loop"
	fn := makeFunction(name, 0, nil)

	c := NewChunk()
	nameIdx := constIdx(t, c, String(name))
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(fn)), 1)
	c.EmitWithOperand(OpDefineGlobal, nameIdx, 1)
	c.EmitWithOperand(OpGetGlobal, nameIdx, 1)
	c.EmitWithOperand(OpCall, 0, 1)
	c.Emit(OpReturn, 1)

	fc := fn.Chunk
	selfIdx := byte(fc.AddConstant(String(name)))
	fc.EmitWithOperand(OpGetGlobal, selfIdx, 2)
	fc.EmitWithOperand(OpCall, 0, 2)
	fc.Emit(OpReturn, 2)

	expectRuntimeError(t, c, "Stack overflow.")
}

func TestStackOverflowFromWideFrames(t *testing.T) {
	// Five value slots per call exhaust the value stack well before the
	// frame limit; the error must still surface instead of a panic.
	name := "spread"
	fn := makeFunction(name, 4, nil)

	c := NewChunk()
	nameIdx := constIdx(t, c, String(name))
	zeroIdx := constIdx(t, c, Number(0))
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(fn)), 1)
	c.EmitWithOperand(OpDefineGlobal, nameIdx, 1)
	c.EmitWithOperand(OpGetGlobal, nameIdx, 1)
	for i := 0; i < 4; i++ {
		c.EmitWithOperand(OpConstant, zeroIdx, 1)
	}
	c.EmitWithOperand(OpCall, 4, 1)
	c.Emit(OpReturn, 1)

	fc := fn.Chunk
	selfIdx := byte(fc.AddConstant(String(name)))
	argIdx := byte(fc.AddConstant(Number(0)))
	fc.EmitWithOperand(OpGetGlobal, selfIdx, 2)
	for i := 0; i < 4; i++ {
		fc.EmitWithOperand(OpConstant, argIdx, 2)
	}
	fc.EmitWithOperand(OpCall, 4, 2)
	fc.Emit(OpReturn, 2)

	expectRuntimeError(t, c, "Stack overflow.")
}

func TestNativeCall(t *testing.T) {
	v := New()
	v.DefineNative("addAll", func(argCount int, args []Value) Value {
		sum := 0.0
		for i := 0; i < argCount; i++ {
			sum += args[i].AsNumber()
		}
		return Number(sum)
	})

	c := NewChunk()
	c.EmitWithOperand(OpGetGlobal, constIdx(t, c, String("addAll")), 1)
	emitConst(t, c, Number(1))
	emitConst(t, c, Number(2))
	emitConst(t, c, Number(3))
	c.EmitWithOperand(OpCall, 3, 1)
	c.Emit(OpReturn, 1)

	if result := v.Interpret(c); result != InterpretOK {
		t.Fatalf("Interpret failed: %s", v.LastError())
	}
	wantNumber(t, v.Result(), 6)
}

// ============================================================================
// Closures and upvalues
// ============================================================================

func TestClosureCapture(t *testing.T) {
	// fn makeAdder(x) { return fn(y) { return x + y } }
	inner := makeFunction("inner", 1, func(c *Chunk) {
		c.EmitWithOperand(OpGetUpvalue, 0, 1)
		c.EmitWithOperand(OpGetLocal, 1, 1)
		c.Emit(OpAdd, 1)
		c.Emit(OpReturn, 1)
	})
	inner.UpvalueCount = 1

	outer := NewFunction("makeAdder", 1)
	oc := outer.Chunk
	innerIdx := byte(oc.AddConstant(FunctionVal(inner)))
	oc.EmitWithOperand(OpClosure, innerIdx, 1)
	oc.Write(1, 1) // local slot 1 (parameter x)
	oc.Write(1, 1)
	oc.Emit(OpReturn, 1)

	c := NewChunk()
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(outer)), 1)
	emitConst(t, c, Number(10))
	c.EmitWithOperand(OpCall, 1, 1)
	emitConst(t, c, Number(5))
	c.EmitWithOperand(OpCall, 1, 1)
	c.Emit(OpReturn, 1)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 15)
}

func TestSharedUpvalue(t *testing.T) {
	// Two closures over the same local must see each other's writes after
	// the enclosing frame returns.
	inc := makeFunction("inc", 0, func(c *Chunk) {
		c.EmitWithOperand(OpGetUpvalue, 0, 1)
		idx := byte(c.AddConstant(Number(1)))
		c.EmitWithOperand(OpConstant, idx, 1)
		c.Emit(OpAdd, 1)
		c.EmitWithOperand(OpSetUpvalue, 0, 1)
		c.Emit(OpReturn, 1)
	})
	inc.UpvalueCount = 1

	get := makeFunction("get", 0, func(c *Chunk) {
		c.EmitWithOperand(OpGetUpvalue, 0, 1)
		c.Emit(OpReturn, 1)
	})
	get.UpvalueCount = 1

	outer := NewFunction("outer", 0)
	oc := outer.Chunk
	zeroIdx := byte(oc.AddConstant(Number(0)))
	oc.EmitWithOperand(OpConstant, zeroIdx, 1) // local slot 1: counter
	incIdx := byte(oc.AddConstant(FunctionVal(inc)))
	oc.EmitWithOperand(OpClosure, incIdx, 2)
	oc.Write(1, 2)
	oc.Write(1, 2)
	getIdx := byte(oc.AddConstant(FunctionVal(get)))
	oc.EmitWithOperand(OpClosure, getIdx, 3)
	oc.Write(1, 3)
	oc.Write(1, 3)
	oc.EmitWithOperand(OpBuildArray, 2, 4)
	oc.Emit(OpReturn, 4)

	c := NewChunk()
	fnsName := constIdx(t, c, String("fns"))
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(outer)), 1)
	c.EmitWithOperand(OpCall, 0, 1)
	c.EmitWithOperand(OpDefineGlobal, fnsName, 1)

	for i := 0; i < 2; i++ {
		c.EmitWithOperand(OpGetGlobal, fnsName, 2)
		emitConst(t, c, Number(0))
		c.Emit(OpGetSubscript, 2)
		c.EmitWithOperand(OpCall, 0, 2)
		c.Emit(OpPop, 2)
	}

	c.EmitWithOperand(OpGetGlobal, fnsName, 3)
	emitConst(t, c, Number(1))
	c.Emit(OpGetSubscript, 3)
	c.EmitWithOperand(OpCall, 0, 3)
	c.Emit(OpReturn, 3)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 2)
}

// ============================================================================
// Arrays
// ============================================================================

func TestBuildArrayAndSubscript(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(10))
	emitConst(t, c, Number(20))
	emitConst(t, c, Number(30))
	c.EmitWithOperand(OpBuildArray, 3, 1)
	emitConst(t, c, Number(1))
	c.Emit(OpGetSubscript, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 20)
}

func TestArrayLength(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(1))
	emitConst(t, c, Number(2))
	c.EmitWithOperand(OpBuildArray, 2, 1)
	c.Emit(OpLength, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 2)
}

func TestSetSubscriptGrowsLength(t *testing.T) {
	c := NewChunk()
	name := constIdx(t, c, String("a"))
	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpBuildArray, 1, 1)
	c.EmitWithOperand(OpDefineGlobal, name, 1)

	c.EmitWithOperand(OpGetGlobal, name, 2)
	emitConst(t, c, Number(4))
	emitConst(t, c, Number(99))
	c.Emit(OpSetSubscript, 2)
	c.Emit(OpPop, 2)

	c.EmitWithOperand(OpGetGlobal, name, 3)
	c.Emit(OpLength, 3)
	c.Emit(OpReturn, 3)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 5)
}

func TestIndexNonCollection(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(5))
	emitConst(t, c, Number(0))
	c.Emit(OpGetSubscript, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Cannot index into non-collection type.")
}

func TestStringIndexing(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, String("abc"))
	emitConst(t, c, Number(1))
	c.Emit(OpGetSubscript, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "b")

	c = NewChunk()
	emitConst(t, c, String("abc"))
	emitConst(t, c, Number(9))
	c.Emit(OpGetSubscript, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "String index 9 out of bounds (length: 3).")
}

// ============================================================================
// Iteration
// ============================================================================

func TestForIter(t *testing.T) {
	c := NewChunk()
	sumName := constIdx(t, c, String("sum"))
	emitConst(t, c, Number(0))
	c.EmitWithOperand(OpDefineGlobal, sumName, 1)

	emitConst(t, c, Number(1))
	emitConst(t, c, Number(2))
	emitConst(t, c, Number(3))
	c.EmitWithOperand(OpBuildArray, 3, 2)
	c.Emit(OpGetIter, 2)

	loopStart := c.Len()
	c.Emit(OpForIter, 3)
	exitJump := c.EmitJump(OpJumpIfFalse, 3)
	c.Emit(OpPop, 3) // success flag

	c.EmitWithOperand(OpGetGlobal, sumName, 4)
	c.Emit(OpAdd, 4)
	c.EmitWithOperand(OpSetGlobal, sumName, 4)
	c.Emit(OpPop, 4)
	emitLoop(c, loopStart)

	if err := c.PatchJump(exitJump); err != nil {
		t.Fatal(err)
	}
	c.Emit(OpPop, 5) // failure flag
	c.Emit(OpPop, 5) // index
	c.Emit(OpPop, 5) // array
	c.EmitWithOperand(OpGetGlobal, sumName, 5)
	c.Emit(OpReturn, 5)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 6)
}

func TestGetIterRequiresArray(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(5))
	c.Emit(OpGetIter, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Can only iterate over arrays.")
}

// ============================================================================
// Objects
// ============================================================================

func TestObjectLiteralAndProperty(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, String("name"))
	emitConst(t, c, String("slate"))
	c.EmitWithOperand(OpObjectLiteral, 1, 1)
	emitConst(t, c, String("name"))
	c.Emit(OpGetProperty, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "slate")
}

func TestPropertyOnNonObject(t *testing.T) {
	c := NewChunk()
	c.Emit(OpTrue, 1)
	emitConst(t, c, String("x"))
	c.Emit(OpGetProperty, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Only objects have properties.")
}

func TestStringLengthProperty(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, String("hello"))
	emitConst(t, c, String("length"))
	c.Emit(OpGetProperty, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 5)
}

func TestOptionalChainOnNil(t *testing.T) {
	c := NewChunk()
	c.Emit(OpNil, 1)
	emitConst(t, c, String("x"))
	c.Emit(OpOptionalChain, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	if !result.IsNil() {
		t.Fatalf("nil?.x = %s, want nil", result.String())
	}
}

// ============================================================================
// Method calls
// ============================================================================

func emitMethodCall(c *Chunk, argCount byte, nameIdx byte) {
	c.Emit(OpMethodCall, 1)
	c.Write(argCount, 1)
	c.Write(nameIdx, 1)
}

func TestArrayPushPop(t *testing.T) {
	c := NewChunk()
	name := constIdx(t, c, String("a"))
	pushName := constIdx(t, c, String("push"))
	popName := constIdx(t, c, String("pop"))

	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpBuildArray, 1, 1)
	c.EmitWithOperand(OpDefineGlobal, name, 1)

	c.EmitWithOperand(OpGetGlobal, name, 2)
	emitConst(t, c, Number(7))
	emitMethodCall(c, 1, pushName)
	c.Emit(OpPop, 2)

	c.EmitWithOperand(OpGetGlobal, name, 3)
	emitMethodCall(c, 0, popName)
	c.Emit(OpReturn, 3)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 7)
}

func TestArrayMapWithClosure(t *testing.T) {
	double := makeFunction("double", 1, func(fc *Chunk) {
		fc.EmitWithOperand(OpGetLocal, 1, 1)
		idx := byte(fc.AddConstant(Number(2)))
		fc.EmitWithOperand(OpConstant, idx, 1)
		fc.Emit(OpMultiply, 1)
		fc.Emit(OpReturn, 1)
	})

	c := NewChunk()
	mapName := constIdx(t, c, String("map"))
	emitConst(t, c, Number(1))
	emitConst(t, c, Number(2))
	emitConst(t, c, Number(3))
	c.EmitWithOperand(OpBuildArray, 3, 1)
	c.EmitWithOperand(OpClosure, constIdx(t, c, FunctionVal(double)), 1)
	emitMethodCall(c, 1, mapName)
	emitConst(t, c, Number(2))
	c.Emit(OpGetSubscript, 1)
	c.Emit(OpReturn, 1)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 6)
}

func TestStringMethods(t *testing.T) {
	c := NewChunk()
	upperName := constIdx(t, c, String("toUpperCase"))
	emitConst(t, c, String("slate"))
	emitMethodCall(c, 0, upperName)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "SLATE")
}

func TestNumberMethods(t *testing.T) {
	c := NewChunk()
	floorName := constIdx(t, c, String("floor"))
	emitConst(t, c, Number(3.7))
	emitMethodCall(c, 0, floorName)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantNumber(t, result, 3)
}

func TestUndefinedMethod(t *testing.T) {
	c := NewChunk()
	nameIdx := constIdx(t, c, String("nope"))
	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpBuildArray, 1, 1)
	emitMethodCall(c, 0, nameIdx)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Undefined method 'nope'.")
}

// ============================================================================
// Structs
// ============================================================================

func TestStructDefineAndCreate(t *testing.T) {
	c := NewChunk()
	pointName := constIdx(t, c, String("Point"))
	xName := constIdx(t, c, String("x"))
	yName := constIdx(t, c, String("y"))

	c.Emit(OpDefineStruct, 1)
	c.Write(pointName, 1)
	c.Write(2, 1)
	c.Write(xName, 1)
	c.Write(yName, 1)

	emitConst(t, c, Number(3))
	emitConst(t, c, Number(4))
	c.EmitWithOperand(OpCreateStruct, pointName, 2)
	c.EmitWithOperand(OpGetField, yName, 2)
	c.Emit(OpReturn, 2)

	result, _ := runChunk(t, c)
	wantNumber(t, result, 4)
}

func TestStructDisplayName(t *testing.T) {
	c := NewChunk()
	name := constIdx(t, c, String("Pair"))
	aName := constIdx(t, c, String("a"))

	c.Emit(OpDefineStruct, 1)
	c.Write(name, 1)
	c.Write(1, 1)
	c.Write(aName, 1)

	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpCreateStruct, name, 1)
	c.Emit(OpToString, 1)
	c.Emit(OpReturn, 1)

	result, _ := runChunk(t, c)
	wantString(t, result, "<Pair instance>")
}

// ============================================================================
// String building
// ============================================================================

func TestStringInterp(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, String("x = "))
	emitConst(t, c, Number(42))
	c.EmitWithOperand(OpStringInterp, 2, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "x = 42")
}

func TestStringConcat(t *testing.T) {
	c := NewChunk()
	emitConst(t, c, Number(1))
	c.Emit(OpTrue, 1)
	c.Emit(OpStringConcat, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "1true")
}

// ============================================================================
// Builtins
// ============================================================================

func TestPrintBuiltin(t *testing.T) {
	var captured []string
	SetPrintHook(func(s string) { captured = append(captured, s) })
	defer SetPrintHook(nil)

	c := NewChunk()
	c.EmitWithOperand(OpGetGlobal, constIdx(t, c, String("print")), 1)
	emitConst(t, c, String("hello"))
	emitConst(t, c, Number(42))
	c.EmitWithOperand(OpCall, 2, 1)
	c.Emit(OpReturn, 1)
	runChunk(t, c)

	if len(captured) != 1 || captured[0] != "hello 42" {
		t.Fatalf("print output = %q", captured)
	}
}

func TestTypeofBuiltin(t *testing.T) {
	c := NewChunk()
	c.EmitWithOperand(OpGetGlobal, constIdx(t, c, String("typeof")), 1)
	emitConst(t, c, Number(1))
	c.EmitWithOperand(OpCall, 1, 1)
	c.Emit(OpReturn, 1)
	result, _ := runChunk(t, c)
	wantString(t, result, "number")
}

func TestAssertFailure(t *testing.T) {
	c := NewChunk()
	c.EmitWithOperand(OpGetGlobal, constIdx(t, c, String("assert")), 1)
	c.Emit(OpFalse, 1)
	emitConst(t, c, String("boom"))
	c.EmitWithOperand(OpCall, 2, 1)
	c.Emit(OpReturn, 1)
	expectRuntimeError(t, c, "Assertion failed: boom")
}

// ============================================================================
// Error recovery
// ============================================================================

func TestErrorResetsVM(t *testing.T) {
	bad := NewChunk()
	emitConst(t, bad, Number(1))
	emitConst(t, bad, Number(0))
	bad.Emit(OpDivide, 1)
	bad.Emit(OpReturn, 1)

	v := New()
	if result := v.Interpret(bad); result != InterpretRuntimeError {
		t.Fatal("expected runtime error")
	}

	// The VM must be reusable after an error.
	good := NewChunk()
	if err := good.EmitConstant(Number(7), 1); err != nil {
		t.Fatal(err)
	}
	good.Emit(OpReturn, 1)
	if result := v.Interpret(good); result != InterpretOK {
		t.Fatalf("second Interpret failed: %s", v.LastError())
	}
	wantNumber(t, v.Result(), 7)
}

func TestUnknownOpcode(t *testing.T) {
	c := NewChunk()
	c.Write(200, 1)
	v := New()
	if result := v.Interpret(c); result != InterpretRuntimeError {
		t.Fatal("expected runtime error")
	}
	if !strings.Contains(v.LastError(), "Unknown opcode 200") {
		t.Fatalf("error = %q", v.LastError())
	}
}

// ============================================================================
// Embedding
// ============================================================================

func TestCallClosureFromNative(t *testing.T) {
	addOne := makeFunction("addOne", 1, func(fc *Chunk) {
		fc.EmitWithOperand(OpGetLocal, 1, 1)
		idx := byte(fc.AddConstant(Number(1)))
		fc.EmitWithOperand(OpConstant, idx, 1)
		fc.Emit(OpAdd, 1)
		fc.Emit(OpReturn, 1)
	})

	v := New()
	result := v.CallFunction(addOne, Number(41))
	wantNumber(t, result, 42)
}
