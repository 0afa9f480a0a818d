package vm

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("vm")

const (
	// StackMax bounds the value stack.
	StackMax = 256
	// FramesMax bounds call depth.
	FramesMax = 64
)

// InterpretResult is the tri-state outcome of running a chunk.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

// CallFrame is one activation record. slots is the stack index of the
// callee value; parameters follow it. savedModule restores the caller's
// module context on return.
type CallFrame struct {
	closure     *Closure
	ip          int
	slots       int
	savedModule *Module
}

// VM executes bytecode chunks. A VM is single-threaded; natives that
// re-enter it must do so on the same goroutine.
type VM struct {
	ID string

	stack      [StackMax]Value
	sp         int
	frames     [FramesMax]CallFrame
	frameCount int

	globals     map[string]Value
	globalNames []string
	structTypes map[string]*StructType

	openUpvalues  *Upvalue
	modules       map[string]*Module
	moduleLoader  ModuleLoader
	currentModule *Module

	gc           *GC
	debugTrace   bool
	lastError    string
	pendingError string
	hasPending   bool

	// failed latches a runtime error so native code that re-entered the
	// interpreter cannot keep running against the reset stack.
	failed bool
}

// printHook redirects the print builtin's output, one line per call
// without the trailing newline. Nil means stdout.
var printHook func(string)

// SetPrintHook installs a process-wide output hook. Tests use this to
// capture program output.
func SetPrintHook(hook func(string)) { printHook = hook }

func vmPrint(message string) {
	if printHook != nil {
		printHook(message)
		return
	}
	fmt.Println(message)
}

// New creates a VM with the default collector configuration.
func New() *VM {
	return NewWithConfig(DefaultGCConfig())
}

// NewWithConfig creates a VM with an explicit collector configuration.
func NewWithConfig(gcConfig GCConfig) *VM {
	v := &VM{
		ID:          uuid.New().String(),
		globals:     make(map[string]Value),
		structTypes: make(map[string]*StructType),
		modules:     make(map[string]*Module),
	}
	v.gc = NewGC(v, gcConfig)
	SetCurrentVM(v)
	registerBuiltins(v)
	return v
}

// SetModuleLoader installs the import resolver.
func (v *VM) SetModuleLoader(loader ModuleLoader) { v.moduleLoader = loader }

// SetDebugTrace toggles per-instruction trace logging.
func (v *VM) SetDebugTrace(on bool) { v.debugTrace = on }

// GC returns the VM's collector.
func (v *VM) GC() *GC { return v.gc }

// CurrentModule returns the module context of the executing code, nil at
// the top level.
func (v *VM) CurrentModule() *Module { return v.currentModule }

// LastError returns the message of the most recent runtime error.
func (v *VM) LastError() string { return v.lastError }

// ----------------------------------------------------------------------------
// Stack
// ----------------------------------------------------------------------------

func (v *VM) push(val Value) {
	if v.sp >= StackMax {
		// Deep frames with several locals each can exhaust the value stack
		// before the frame limit trips.
		v.runtimeError("Stack overflow.")
		return
	}
	v.stack[v.sp] = val
	v.sp++
}

func (v *VM) pop() Value {
	v.sp--
	return v.stack[v.sp]
}

func (v *VM) peek(distance int) Value {
	return v.stack[v.sp-1-distance]
}

// Result returns the value on top of the stack, which after a successful
// Interpret is the script's result.
func (v *VM) Result() Value {
	if v.sp == 0 {
		return Nil()
	}
	return v.stack[v.sp-1]
}

// ----------------------------------------------------------------------------
// Globals
// ----------------------------------------------------------------------------

// DefineGlobal installs a VM-level global.
func (v *VM) DefineGlobal(name string, value Value) {
	if _, exists := v.globals[name]; !exists {
		v.globalNames = append(v.globalNames, name)
	}
	v.globals[name] = value
}

// UndefineGlobal removes a VM-level global.
func (v *VM) UndefineGlobal(name string) {
	if _, exists := v.globals[name]; !exists {
		return
	}
	delete(v.globals, name)
	for i, n := range v.globalNames {
		if n == name {
			v.globalNames = append(v.globalNames[:i], v.globalNames[i+1:]...)
			break
		}
	}
}

// GetGlobal reads a VM-level global, nil when absent.
func (v *VM) GetGlobal(name string) Value {
	if val, ok := v.globals[name]; ok {
		return val
	}
	return Nil()
}

// DefineNative installs a builtin function as a global.
func (v *VM) DefineNative(name string, fn NativeFn) {
	v.DefineGlobal(name, NativeVal(NewNative(name, fn)))
}

// ----------------------------------------------------------------------------
// Errors
// ----------------------------------------------------------------------------

// runtimeError reports a fatal error: the message and a synthesized stack
// trace go to stderr, then the stack and frames are reset. There is no
// catch mechanism; the error aborts the current Interpret.
func (v *VM) runtimeError(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	v.lastError = message
	v.failed = true

	var sb strings.Builder
	sb.WriteString(message)
	sb.WriteString("\n[Stack trace]\n")
	for i := v.frameCount - 1; i >= 0; i-- {
		frame := &v.frames[i]
		fn := frame.closure.Function
		line := fn.Chunk.LineAt(frame.ip - 1)
		fmt.Fprintf(&sb, "  at %s:%d\n", fn.Name, line)
	}
	fmt.Fprint(os.Stderr, sb.String())

	v.sp = 0
	v.frameCount = 0
	v.openUpvalues = nil
	v.currentModule = nil
}

// ----------------------------------------------------------------------------
// Entry points
// ----------------------------------------------------------------------------

// Interpret wraps a chunk in a synthetic script function and runs it.
func (v *VM) Interpret(chunk *Chunk) InterpretResult {
	script := &Function{Name: "<script>", Chunk: chunk}
	return v.InterpretFunction(script)
}

// InterpretFunction runs a zero-argument function to completion.
func (v *VM) InterpretFunction(fn *Function) InterpretResult {
	SetCurrentVM(v)
	v.failed = false
	closure := &Closure{Function: fn}
	v.push(ClosureVal(closure))

	frame := &v.frames[v.frameCount]
	frame.closure = closure
	frame.ip = 0
	frame.slots = v.sp - 1
	frame.savedModule = v.currentModule
	v.frameCount++

	return v.run(v.frameCount - 1)
}

// callClosure pushes a frame for a closure whose callee and arguments are
// already on the stack.
func (v *VM) callClosure(closure *Closure, argCount int) InterpretResult {
	if argCount != closure.Function.Arity {
		v.runtimeError("Expected %d arguments but got %d.", closure.Function.Arity, argCount)
		return InterpretRuntimeError
	}
	if v.frameCount >= FramesMax {
		v.runtimeError("Stack overflow.")
		return InterpretRuntimeError
	}

	frame := &v.frames[v.frameCount]
	frame.closure = closure
	frame.ip = 0
	frame.slots = v.sp - argCount - 1
	frame.savedModule = v.currentModule
	v.frameCount++

	if closure.Function.Module != nil {
		v.currentModule = closure.Function.Module
	}
	return InterpretOK
}

// callNative invokes a builtin: arguments are consumed along with the
// callee slot and the result takes their place. A pending error raised by
// the native is promoted to a runtime error after the stack is unwound.
func (v *VM) callNative(native *Native, argCount int) InterpretResult {
	args := v.stack[v.sp-argCount : v.sp]
	result := native.Fn(argCount, args)
	if v.failed {
		// A nested call inside the native already errored and reset the
		// stack; the native's result is meaningless.
		return InterpretRuntimeError
	}
	v.sp -= argCount + 1
	v.push(result)
	if v.hasPending {
		message := v.pendingError
		v.hasPending = false
		v.pendingError = ""
		v.runtimeError("%s", message)
		return InterpretRuntimeError
	}
	return InterpretOK
}

// RaiseError lets a native function signal a runtime error. The error is
// raised once the native returns; the native should return promptly after
// calling it.
func (v *VM) RaiseError(format string, args ...any) {
	v.pendingError = fmt.Sprintf(format, args...)
	v.hasPending = true
}

// callValue dispatches OP_CALL on the callee kind. Bare functions are
// wrapped in a transient closure.
func (v *VM) callValue(callee Value, argCount int) InterpretResult {
	switch callee.Kind() {
	case KindClosure:
		return v.callClosure(callee.AsClosure(), argCount)
	case KindFunction:
		closure := &Closure{Function: callee.AsFunction()}
		v.stack[v.sp-argCount-1] = ClosureVal(closure)
		return v.callClosure(closure, argCount)
	case KindNative:
		return v.callNative(callee.AsNative(), argCount)
	default:
		v.runtimeError("Can only call functions.")
		return InterpretRuntimeError
	}
}

// ----------------------------------------------------------------------------
// Embedding helpers
// ----------------------------------------------------------------------------

// CallValue calls any callable from native code and returns its result,
// nil if the callee is not callable or errored.
func (v *VM) CallValue(callee Value, args ...Value) Value {
	switch callee.Kind() {
	case KindFunction:
		return v.CallFunction(callee.AsFunction(), args...)
	case KindClosure:
		return v.CallClosure(callee.AsClosure(), args...)
	case KindNative:
		if v.failed {
			return Nil()
		}
		return callee.AsNative().Fn(len(args), args)
	default:
		return Nil()
	}
}

// CallFunction runs a function from native code.
func (v *VM) CallFunction(fn *Function, args ...Value) Value {
	return v.CallClosure(&Closure{Function: fn}, args...)
}

// CallClosure runs a closure from native code, re-entering the
// interpreter until the closure returns. After a runtime error the VM is
// failed and further calls return nil until the next Interpret.
func (v *VM) CallClosure(closure *Closure, args ...Value) Value {
	if v.failed {
		return Nil()
	}
	v.push(ClosureVal(closure))
	for _, arg := range args {
		v.push(arg)
	}
	base := v.frameCount
	if v.callClosure(closure, len(args)) != InterpretOK {
		return Nil()
	}
	if v.run(base) != InterpretOK {
		return Nil()
	}
	return v.pop()
}

// ----------------------------------------------------------------------------
// Dispatch loop
// ----------------------------------------------------------------------------

// run executes frames until the frame at baseFrame returns. The hot-path
// helpers read through the current frame; frame is re-fetched after any
// operation that can push or pop frames.
func (v *VM) run(baseFrame int) InterpretResult {
	frame := &v.frames[v.frameCount-1]
	chunk := frame.closure.Function.Chunk

	readByte := func() byte {
		b := chunk.Code[frame.ip]
		frame.ip++
		return b
	}
	readU16 := func() uint16 {
		val := chunk.readU16(frame.ip)
		frame.ip += 2
		return val
	}
	readConstant := func() Value {
		return chunk.Constants[readByte()]
	}
	readString := func() string {
		return readConstant().AsString()
	}
	refreshFrame := func() {
		frame = &v.frames[v.frameCount-1]
		chunk = frame.closure.Function.Chunk
	}

	for {
		// A push past StackMax errors mid-instruction; stop before the
		// next instruction touches the reset stack.
		if v.failed {
			return InterpretRuntimeError
		}
		if v.debugTrace {
			line, _ := DisassembleInstruction(chunk, frame.ip)
			vmLog.Debugf("stack=%d %s", v.sp, line)
		}

		instruction := Opcode(readByte())
		switch instruction {

		// --- Constants ---

		case OpConstant:
			v.push(readConstant())

		case OpConstantLong:
			v.push(chunk.Constants[readU16()])

		case OpNil:
			v.push(Nil())

		case OpTrue:
			v.push(Bool(true))

		case OpFalse:
			v.push(Bool(false))

		// --- Stack ---

		case OpPop:
			v.pop()

		case OpDup:
			v.push(v.peek(0))

		case OpSwap:
			a := v.pop()
			b := v.pop()
			v.push(a)
			v.push(b)

		// --- Arithmetic ---

		case OpAdd:
			b := v.peek(0)
			a := v.peek(1)
			switch {
			case a.IsNumber() && b.IsNumber():
				v.pop()
				v.pop()
				v.push(Number(a.AsNumber() + b.AsNumber()))
			case a.IsString() && b.IsString():
				v.pop()
				v.pop()
				v.push(String(a.AsString() + b.AsString()))
			case a.IsNumber() && b.IsString():
				v.pop()
				v.pop()
				v.push(String(FormatNumber(a.AsNumber()) + b.AsString()))
			case a.IsString() && b.IsNumber():
				v.pop()
				v.pop()
				v.push(String(a.AsString() + FormatNumber(b.AsNumber())))
			default:
				v.runtimeError("Operands must be two numbers or two strings.")
				return InterpretRuntimeError
			}

		case OpSubtract:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(a - b))

		case OpMultiply:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(a * b))

		case OpDivide:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			if b == 0 {
				v.runtimeError("Division by zero.")
				return InterpretRuntimeError
			}
			v.push(Number(a / b))

		case OpModulo:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			if b == 0 {
				v.runtimeError("Division by zero in modulo operation.")
				return InterpretRuntimeError
			}
			v.push(Number(math.Mod(a, b)))

		case OpPower:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(math.Pow(a, b)))

		case OpNegate:
			if !v.peek(0).IsNumber() {
				v.runtimeError("Operand must be a number.")
				return InterpretRuntimeError
			}
			v.push(Number(-v.pop().AsNumber()))

		// --- Comparison ---

		case OpEqual:
			b := v.pop()
			a := v.pop()
			v.push(Bool(a.Equals(b)))

		case OpNotEqual:
			b := v.pop()
			a := v.pop()
			v.push(Bool(!a.Equals(b)))

		case OpGreater:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Bool(a > b))

		case OpGreaterEqual:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Bool(a >= b))

		case OpLess:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Bool(a < b))

		case OpLessEqual:
			b, a, ok := v.popNumberPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Bool(a <= b))

		// --- Logical ---

		case OpNot:
			v.push(Bool(v.pop().IsFalsey()))

		case OpAnd:
			right := v.pop()
			left := v.pop()
			if left.IsFalsey() {
				v.push(left)
			} else {
				v.push(right)
			}

		case OpOr:
			right := v.pop()
			left := v.pop()
			if !left.IsFalsey() {
				v.push(left)
			} else {
				v.push(right)
			}

		// --- Bitwise ---

		case OpBitAnd:
			b, a, ok := v.popIntPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(float64(a & b)))

		case OpBitOr:
			b, a, ok := v.popIntPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(float64(a | b)))

		case OpBitXor:
			b, a, ok := v.popIntPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(float64(a ^ b)))

		case OpBitNot:
			if !v.peek(0).IsNumber() {
				v.runtimeError("Operand must be a number.")
				return InterpretRuntimeError
			}
			v.push(Number(float64(^int64(v.pop().AsNumber()))))

		case OpShiftLeft:
			b, a, ok := v.popIntPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(float64(a << uint(b&63))))

		case OpShiftRight:
			b, a, ok := v.popIntPair()
			if !ok {
				return InterpretRuntimeError
			}
			v.push(Number(float64(a >> uint(b&63))))

		// --- Strings ---

		case OpToString:
			v.push(String(v.pop().ToDisplayString()))

		case OpStringConcat:
			b := v.pop()
			a := v.pop()
			v.push(String(a.ToDisplayString() + b.ToDisplayString()))

		case OpStringInterp:
			partCount := int(readByte())
			var sb strings.Builder
			for i := partCount - 1; i >= 0; i-- {
				sb.WriteString(v.peek(i).ToDisplayString())
			}
			v.sp -= partCount
			v.push(String(sb.String()))

		case OpInternString:
			val := v.pop()
			if !val.IsString() {
				v.runtimeError("Can only intern strings")
				return InterpretRuntimeError
			}
			v.push(val)

		// --- Control flow ---

		case OpJump:
			offset := int(readU16())
			frame.ip += offset

		case OpJumpIfFalse:
			offset := int(readU16())
			if v.peek(0).IsFalsey() {
				frame.ip += offset
			}

		case OpJumpIfTrue:
			offset := int(readU16())
			if !v.peek(0).IsFalsey() {
				frame.ip += offset
			}

		case OpLoop:
			offset := int(readU16())
			frame.ip -= offset

		// --- Locals ---

		case OpGetLocal:
			slot := int(readByte())
			v.push(v.stack[frame.slots+slot])

		case OpSetLocal:
			slot := int(readByte())
			v.stack[frame.slots+slot] = v.peek(0)

		case OpDefineLocal:
			// The value already sits in its slot; the operand names it for
			// debuggers.
			readByte()

		// --- Globals ---

		case OpGetGlobal:
			name := readString()
			if val, ok := v.resolveGlobal(name); ok {
				v.push(val)
			} else {
				v.runtimeError("Undefined global variable '%s'.", name)
				return InterpretRuntimeError
			}

		case OpSetGlobal:
			name := readString()
			value := v.peek(0)
			if v.currentModule != nil {
				v.currentModule.setGlobal(name, value)
			} else if _, ok := v.globals[name]; ok {
				v.globals[name] = value
			} else {
				v.DefineGlobal(name, value)
			}

		case OpDefineGlobal:
			name := readString()
			value := v.pop()
			v.adoptFunctionModule(value)
			if v.currentModule != nil {
				v.currentModule.defineGlobal(name, value)
			} else {
				v.DefineGlobal(name, value)
			}

		// --- Upvalues ---

		case OpGetUpvalue:
			slot := int(readByte())
			if slot >= len(frame.closure.Upvalues) {
				v.runtimeError("Invalid upvalue index %d (closure has %d upvalues).", slot, len(frame.closure.Upvalues))
				return InterpretRuntimeError
			}
			v.push(frame.closure.Upvalues[slot].Get())

		case OpSetUpvalue:
			slot := int(readByte())
			if slot >= len(frame.closure.Upvalues) {
				v.runtimeError("Invalid upvalue index %d (closure has %d upvalues).", slot, len(frame.closure.Upvalues))
				return InterpretRuntimeError
			}
			frame.closure.Upvalues[slot].Set(v.peek(0))

		case OpCloseUpvalue:
			v.closeUpvalues(v.sp - 1)
			v.pop()

		// --- Closures ---

		case OpClosure:
			index := int(readByte())
			if v.buildClosure(frame, chunk, index) != InterpretOK {
				return InterpretRuntimeError
			}

		case OpClosureLong:
			index := int(readByte())<<16 | int(readByte())<<8 | int(readByte())
			if v.buildClosure(frame, chunk, index) != InterpretOK {
				return InterpretRuntimeError
			}

		case OpFunction:
			// Functions are materialized at compile time; the constant is
			// already on the stack.
			readByte()

		// --- Calls ---

		case OpCall:
			argCount := int(readByte())
			callee := v.peek(argCount)
			if v.callValue(callee, argCount) != InterpretOK {
				return InterpretRuntimeError
			}
			refreshFrame()

		case OpMethodCall:
			argCount := int(readByte())
			methodName := readString()
			if v.methodCall(methodName, argCount) != InterpretOK {
				return InterpretRuntimeError
			}
			refreshFrame()

		case OpReturn:
			result := v.pop()
			v.closeUpvalues(frame.slots)
			v.currentModule = frame.savedModule
			v.frameCount--
			v.sp = frame.slots
			v.push(result)
			if v.frameCount == baseFrame {
				return InterpretOK
			}
			refreshFrame()

		// --- Arrays ---

		case OpArray, OpBuildArray:
			count := int(readByte())
			array := NewArray()
			for i := count - 1; i >= 0; i-- {
				array.Set(strconv.Itoa(i), v.pop())
			}
			array.Set("length", Number(float64(count)))
			v.push(ObjectVal(array))

		case OpGetSubscript:
			if v.getSubscript() != InterpretOK {
				return InterpretRuntimeError
			}

		case OpSetSubscript:
			if v.setSubscript() != InterpretOK {
				return InterpretRuntimeError
			}

		case OpLength:
			val := v.pop()
			switch {
			case val.IsString():
				v.push(Number(float64(len(val.AsString()))))
			case val.IsObject():
				if length, ok := val.AsObject().GetOwn("length"); ok {
					v.push(length)
				} else {
					v.runtimeError("Object has no length property.")
					return InterpretRuntimeError
				}
			default:
				v.runtimeError("Cannot get length of non-collection type.")
				return InterpretRuntimeError
			}

		// --- Objects ---

		case OpCreateObject:
			v.push(ObjectVal(NewObject()))

		case OpObjectLiteral:
			propertyCount := int(readByte())
			obj := NewObject()
			for i := 0; i < propertyCount; i++ {
				value := v.pop()
				key := v.pop()
				if !key.IsString() {
					v.runtimeError("Object property key must be a string.")
					return InterpretRuntimeError
				}
				obj.Set(key.AsString(), value)
			}
			v.push(ObjectVal(obj))

		case OpGetProperty:
			if v.getProperty() != InterpretOK {
				return InterpretRuntimeError
			}

		case OpSetProperty:
			value := v.pop()
			nameVal := v.pop()
			objectVal := v.pop()
			if !objectVal.IsObject() {
				v.runtimeError("Only objects have properties.")
				return InterpretRuntimeError
			}
			if !nameVal.IsString() {
				v.runtimeError("Property name must be a string.")
				return InterpretRuntimeError
			}
			objectVal.AsObject().Set(nameVal.AsString(), value)
			v.push(value)

		case OpSetPrototype:
			protoVal := v.pop()
			objectVal := v.pop()
			if !objectVal.IsObject() || !protoVal.IsObject() {
				v.runtimeError("Only objects have prototypes.")
				return InterpretRuntimeError
			}
			objectVal.AsObject().SetPrototype(protoVal.AsObject())
			v.push(objectVal)

		// --- Optionals ---

		case OpOptionalChain:
			nameVal := v.pop()
			base := v.pop()
			if base.IsNil() {
				v.push(Nil())
			} else {
				v.push(base)
				v.push(nameVal)
				if v.getProperty() != InterpretOK {
					return InterpretRuntimeError
				}
			}

		case OpForceUnwrap:
			if v.peek(0).IsNil() {
				v.runtimeError("Force unwrap of nil value.")
				return InterpretRuntimeError
			}

		// --- Iterators ---

		case OpGetIter:
			target := v.peek(0)
			if !target.IsObject() || !target.AsObject().IsArray() {
				v.runtimeError("Can only iterate over arrays.")
				return InterpretRuntimeError
			}
			v.push(Number(0))

		case OpForIter:
			indexVal := v.peek(0)
			arrayVal := v.peek(1)
			if !arrayVal.IsObject() || !arrayVal.AsObject().IsArray() || !indexVal.IsNumber() {
				v.runtimeError("Invalid iterator state.")
				return InterpretRuntimeError
			}
			array := arrayVal.AsObject()
			index := int(indexVal.AsNumber())
			if index < 0 || index >= array.arrayLength() {
				v.push(Bool(false))
			} else {
				v.pop()
				v.push(Number(float64(index + 1)))
				v.push(array.Index(index))
				v.push(Bool(true))
			}

		// --- Structs ---

		case OpDefineStruct:
			name := readString()
			fieldCount := int(readByte())
			fields := make([]string, fieldCount)
			for i := 0; i < fieldCount; i++ {
				fields[i] = readString()
			}
			v.structTypes[name] = NewStructType(name, fields)

		case OpCreateStruct:
			name := readString()
			structType, ok := v.structTypes[name]
			if !ok {
				v.runtimeError("Unknown struct type: %s", name)
				return InterpretRuntimeError
			}
			instance := NewObject()
			instance.SetPrototype(structType.Proto)
			instance.Set("__struct_type__", String(name))
			for i := len(structType.Fields) - 1; i >= 0; i-- {
				instance.Set(structType.Fields[i], v.pop())
			}
			v.push(ObjectVal(instance))

		case OpGetField:
			name := readString()
			instance := v.pop()
			if !instance.IsObject() {
				v.runtimeError("Only objects have fields.")
				return InterpretRuntimeError
			}
			if val, ok := instance.AsObject().Get(name); ok {
				v.push(val)
			} else {
				v.push(Nil())
			}

		case OpSetField:
			name := readString()
			value := v.pop()
			instance := v.pop()
			if !instance.IsObject() {
				v.runtimeError("Only objects have fields.")
				return InterpretRuntimeError
			}
			instance.AsObject().Set(name, value)
			v.push(value)

		// --- Prototypes ---

		case OpGetObjectProto:
			typeID := readByte()
			var proto *Object
			switch typeID {
			case 0:
				proto = ObjectPrototype()
			case 1:
				proto = ArrayPrototype()
			case 2:
				proto = StringPrototype()
			case 3:
				proto = NumberPrototype()
			case 4:
				proto = FunctionPrototype()
			default:
				v.runtimeError("Unknown built-in type ID: %d", typeID)
				return InterpretRuntimeError
			}
			v.push(ObjectVal(proto))

		case OpGetStructProto:
			name := readString()
			v.push(ObjectVal(StructPrototype(name)))

		// --- Modules ---

		case OpLoadModule, OpLoadNativeModule:
			path := readString()
			if v.moduleLoader == nil {
				v.runtimeError("No module loader available")
				return InterpretRuntimeError
			}
			m, err := v.loadModule(path)
			if err != nil {
				v.runtimeError("Failed to load module: %s", path)
				return InterpretRuntimeError
			}
			v.push(ObjectVal(m.ModuleObject()))

		case OpImportFrom:
			moduleVal := v.pop()
			name := readString()
			if !moduleVal.IsObject() {
				v.runtimeError("Cannot import from non-object")
				return InterpretRuntimeError
			}
			// Own properties only: exports live on the module object itself,
			// and prototype methods must not masquerade as exports.
			if val, ok := moduleVal.AsObject().GetOwn(name); ok {
				v.push(val)
			} else {
				v.runtimeError("Module does not export '%s'", name)
				return InterpretRuntimeError
			}

		case OpImportAllFrom:
			moduleVal := v.pop()
			if !moduleVal.IsObject() {
				v.runtimeError("Cannot import from non-object")
				return InterpretRuntimeError
			}
			source := moduleVal.AsObject()
			for _, key := range source.Keys() {
				val, _ := source.GetOwn(key)
				if v.currentModule != nil {
					v.currentModule.defineGlobal(key, val)
				} else {
					v.DefineGlobal(key, val)
				}
			}

		case OpModuleExport:
			name := readString()
			value := v.peek(0)
			if v.currentModule != nil {
				v.currentModule.Export(name, value)
			}

		case OpLoadBuiltin:
			exportName := v.pop()
			moduleName := v.pop()
			if !exportName.IsString() || !moduleName.IsString() {
				v.runtimeError("Builtin names must be strings.")
				return InterpretRuntimeError
			}
			m, err := v.loadModule("$" + moduleName.AsString())
			if err != nil {
				v.runtimeError("Failed to load module: %s", moduleName.AsString())
				return InterpretRuntimeError
			}
			if val, ok := m.GetExport(exportName.AsString()); ok {
				v.push(val)
			} else {
				v.runtimeError("Module does not export '%s'", exportName.AsString())
				return InterpretRuntimeError
			}

		case OpAwait:
			// The async runtime is not part of this interpreter; awaiting a
			// plain value yields the value itself.

		// --- Misc ---

		case OpHalt:
			return InterpretOK

		default:
			v.runtimeError("Unknown opcode %d.", byte(instruction))
			return InterpretRuntimeError
		}
	}
}

// ----------------------------------------------------------------------------
// Dispatch helpers
// ----------------------------------------------------------------------------

func (v *VM) popNumberPair() (b, a float64, ok bool) {
	bv := v.pop()
	av := v.pop()
	if !av.IsNumber() || !bv.IsNumber() {
		v.runtimeError("Operands must be numbers.")
		return 0, 0, false
	}
	return bv.AsNumber(), av.AsNumber(), true
}

func (v *VM) popIntPair() (b, a int64, ok bool) {
	bf, af, good := v.popNumberPair()
	if !good {
		return 0, 0, false
	}
	return int64(bf), int64(af), true
}

// resolveGlobal applies the lookup order: module scope, module legacy
// globals, then VM globals.
func (v *VM) resolveGlobal(name string) (Value, bool) {
	if v.currentModule != nil {
		if val, ok := v.currentModule.lookupGlobal(name); ok {
			return val, true
		}
	}
	val, ok := v.globals[name]
	return val, ok
}

// adoptFunctionModule stamps a function being defined inside a module with
// its module back-reference. First writer wins; re-exports keep the
// original module.
func (v *VM) adoptFunctionModule(value Value) {
	if v.currentModule == nil {
		return
	}
	switch value.Kind() {
	case KindFunction:
		if fn := value.AsFunction(); fn.Module == nil {
			fn.Module = v.currentModule
		}
	case KindClosure:
		if fn := value.AsClosure().Function; fn.Module == nil {
			fn.Module = v.currentModule
		}
	}
}

// buildClosure materializes a closure for the function constant at index,
// reading the capture descriptors that follow the instruction.
func (v *VM) buildClosure(frame *CallFrame, chunk *Chunk, index int) InterpretResult {
	fnVal, err := chunk.ConstantAt(index)
	if err != nil || !fnVal.IsFunction() {
		v.runtimeError("Invalid closure constant %d.", index)
		return InterpretRuntimeError
	}
	fn := fnVal.AsFunction()
	closure := NewClosure(fn)
	// Rooted before upvalue capture so allocation inside the capture loop
	// cannot collect it.
	v.push(ClosureVal(closure))

	for i := 0; i < fn.UpvalueCount; i++ {
		isLocal := chunk.Code[frame.ip]
		captureIndex := int(chunk.Code[frame.ip+1])
		frame.ip += 2
		if isLocal != 0 {
			closure.Upvalues[i] = v.captureUpvalue(frame.slots + captureIndex)
		} else {
			if captureIndex >= len(frame.closure.Upvalues) {
				v.runtimeError("Failed to capture upvalue %d for closure.", i)
				return InterpretRuntimeError
			}
			closure.Upvalues[i] = frame.closure.Upvalues[captureIndex]
		}
	}
	return InterpretOK
}

// methodCall resolves and invokes receiver.method(args...). Closure
// methods replace the receiver slot and run as ordinary calls; native
// methods receive the receiver as their first argument.
func (v *VM) methodCall(methodName string, argCount int) InterpretResult {
	receiver := v.peek(argCount)

	var method Value
	switch receiver.Kind() {
	case KindObject:
		if m, ok := receiver.AsObject().Get(methodName); ok {
			method = m
		}
	case KindString:
		if m, ok := StringPrototype().Get(methodName); ok {
			method = m
		}
	case KindNumber:
		if m, ok := NumberPrototype().Get(methodName); ok {
			method = m
		}
	case KindFunction, KindClosure:
		if m, ok := FunctionPrototype().Get(methodName); ok {
			method = m
		}
	}

	if method.IsNil() {
		v.runtimeError("Undefined method '%s'.", methodName)
		return InterpretRuntimeError
	}

	switch method.Kind() {
	case KindClosure:
		v.stack[v.sp-argCount-1] = method
		return v.callClosure(method.AsClosure(), argCount)
	case KindNative:
		// Include the receiver so prototype natives can operate on it.
		args := v.stack[v.sp-argCount-1 : v.sp]
		result := method.AsNative().Fn(argCount+1, args)
		if v.failed {
			return InterpretRuntimeError
		}
		v.sp -= argCount + 1
		v.push(result)
		if v.hasPending {
			message := v.pendingError
			v.hasPending = false
			v.pendingError = ""
			v.runtimeError("%s", message)
			return InterpretRuntimeError
		}
		return InterpretOK
	default:
		v.runtimeError("Invalid method type.")
		return InterpretRuntimeError
	}
}

// getSubscript implements collection[index] for objects, arrays and
// strings.
func (v *VM) getSubscript() InterpretResult {
	index := v.pop()
	collection := v.pop()

	switch {
	case collection.IsObject():
		obj := collection.AsObject()
		switch {
		case index.IsNumber():
			if val, ok := obj.GetOwn(strconv.Itoa(int(index.AsNumber()))); ok {
				v.push(val)
			} else {
				v.push(Nil())
			}
		case index.IsString():
			if val, ok := obj.Get(index.AsString()); ok {
				v.push(val)
			} else {
				v.push(Nil())
			}
		default:
			v.runtimeError("Index must be number or string.")
			return InterpretRuntimeError
		}

	case collection.IsString():
		if !index.IsNumber() {
			v.runtimeError("String index must be a number.")
			return InterpretRuntimeError
		}
		str := collection.AsString()
		i := int(index.AsNumber())
		if i < 0 || i >= len(str) {
			v.runtimeError("String index %d out of bounds (length: %d).", i, len(str))
			return InterpretRuntimeError
		}
		v.push(String(str[i : i+1]))

	default:
		v.runtimeError("Cannot index into non-collection type.")
		return InterpretRuntimeError
	}
	return InterpretOK
}

// setSubscript implements collection[index] = value, growing array length
// when a numeric index lands past the end.
func (v *VM) setSubscript() InterpretResult {
	value := v.pop()
	index := v.pop()
	collection := v.pop()

	if !collection.IsObject() {
		v.runtimeError("Cannot set element on non-object type.")
		return InterpretRuntimeError
	}
	obj := collection.AsObject()

	switch {
	case index.IsNumber():
		idx := int(index.AsNumber())
		obj.Set(strconv.Itoa(idx), value)
		if length, ok := obj.GetOwn("length"); ok && length.IsNumber() {
			if idx >= int(length.AsNumber()) {
				obj.Set("length", Number(float64(idx+1)))
			}
		}
		v.push(value)
	case index.IsString():
		obj.Set(index.AsString(), value)
		v.push(value)
	default:
		v.runtimeError("Index must be number or string.")
		return InterpretRuntimeError
	}
	return InterpretOK
}

// getProperty implements obj.name with the receiver-specific fallbacks:
// strings answer length directly and other names from their prototype,
// numbers answer from theirs.
func (v *VM) getProperty() InterpretResult {
	nameVal := v.pop()
	objectVal := v.pop()

	if !nameVal.IsString() {
		v.runtimeError("Property name must be a string.")
		return InterpretRuntimeError
	}
	name := nameVal.AsString()

	switch objectVal.Kind() {
	case KindObject:
		if val, ok := objectVal.AsObject().Get(name); ok {
			v.push(val)
		} else {
			v.push(Nil())
		}
	case KindString:
		if name == "length" {
			v.push(Number(float64(len(objectVal.AsString()))))
		} else if val, ok := StringPrototype().Get(name); ok {
			v.push(val)
		} else {
			v.push(Nil())
		}
	case KindNumber:
		if val, ok := NumberPrototype().Get(name); ok {
			v.push(val)
		} else {
			v.push(Nil())
		}
	default:
		v.runtimeError("Only objects have properties.")
		return InterpretRuntimeError
	}
	return InterpretOK
}
