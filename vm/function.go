package vm

// Function is a compiled unit of bytecode. Module is the back-reference
// used for module-scoped global resolution; it is set at most once, when
// the function is first defined inside a module context.
type Function struct {
	Name         string
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
	Module       *Module
}

// NewFunction creates a function with an empty chunk.
func NewFunction(name string, arity int) *Function {
	f := &Function{Name: name, Arity: arity, Chunk: NewChunk()}
	if currentVM != nil && currentVM.gc != nil {
		currentVM.gc.allocate(f, baseFunctionSize)
	}
	return f
}

// Closure pairs a function with its captured upvalues.
type Closure struct {
	Function *Function
	Upvalues []*Upvalue
}

// NewClosure wraps a function, leaving the upvalue slots to be filled by
// the CLOSURE instruction.
func NewClosure(fn *Function) *Closure {
	c := &Closure{Function: fn}
	if fn.UpvalueCount > 0 {
		c.Upvalues = make([]*Upvalue, fn.UpvalueCount)
	}
	if currentVM != nil && currentVM.gc != nil {
		currentVM.gc.allocate(c, baseClosureSize+16*fn.UpvalueCount)
	}
	return c
}

// NativeFn is the ABI for builtin functions. Natives receive their
// arguments as a slice and must not retain it past the call.
type NativeFn func(argCount int, args []Value) Value

// Native names a builtin function. Natives compare by identity.
type Native struct {
	Name string
	Fn   NativeFn
}

// NewNative wraps fn for installation as a global or prototype method.
func NewNative(name string, fn NativeFn) *Native {
	return &Native{Name: name, Fn: fn}
}

// StructType describes a named struct: its field order and the prototype
// shared by all instances.
type StructType struct {
	Name   string
	Fields []string
	Proto  *Object
}

// NewStructType registers a struct type with its own prototype object.
func NewStructType(name string, fields []string) *StructType {
	s := &StructType{Name: name, Fields: fields, Proto: StructPrototype(name)}
	if currentVM != nil && currentVM.gc != nil {
		currentVM.gc.allocate(s, baseObjectSize)
	}
	return s
}
