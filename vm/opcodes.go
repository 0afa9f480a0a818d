package vm

import "fmt"

// Opcode is a bytecode instruction. The numeric values are part of the
// wire format and must not be renumbered.
type Opcode byte

const (
	// ========================================================================
	// Constants
	// ========================================================================

	OpConstant Opcode = 0 // Push constant: OpConstant <index:u8>
	OpNil      Opcode = 1 // Push nil
	OpTrue     Opcode = 2 // Push true
	OpFalse    Opcode = 3 // Push false

	// ========================================================================
	// Stack operations
	// ========================================================================

	OpPop  Opcode = 4 // Pop top of stack
	OpDup  Opcode = 5 // Duplicate top of stack
	OpSwap Opcode = 6 // Swap top two stack elements

	// ========================================================================
	// Arithmetic
	// ========================================================================

	OpAdd      Opcode = 7  // Add numbers, or concatenate/coerce with strings
	OpSubtract Opcode = 8  // Pop two numbers, push difference
	OpMultiply Opcode = 9  // Pop two numbers, push product
	OpDivide   Opcode = 10 // Pop two numbers, push quotient
	OpModulo   Opcode = 11 // Pop two numbers, push fmod remainder
	OpNegate   Opcode = 12 // Negate the number on top

	// ========================================================================
	// Comparison
	// ========================================================================

	OpEqual        Opcode = 13
	OpNotEqual     Opcode = 14
	OpGreater      Opcode = 15
	OpGreaterEqual Opcode = 16
	OpLess         Opcode = 17
	OpLessEqual    Opcode = 18

	// ========================================================================
	// Logical
	// ========================================================================

	OpNot Opcode = 19 // Push true if top is falsey
	OpAnd Opcode = 20 // Value-preserving: falsey left wins, else right
	OpOr  Opcode = 21 // Value-preserving: truthy left wins, else right

	// ========================================================================
	// Bitwise (operands truncated to integers)
	// ========================================================================

	OpBitAnd     Opcode = 22
	OpBitOr      Opcode = 23
	OpBitXor     Opcode = 24
	OpBitNot     Opcode = 25
	OpShiftLeft  Opcode = 26
	OpShiftRight Opcode = 27

	// ========================================================================
	// Variables
	// ========================================================================

	OpGetLocal     Opcode = 28 // OpGetLocal <slot:u8>
	OpSetLocal     Opcode = 29 // OpSetLocal <slot:u8>
	OpGetGlobal    Opcode = 30 // OpGetGlobal <name_const:u8>
	OpSetGlobal    Opcode = 31 // OpSetGlobal <name_const:u8>
	OpDefineGlobal Opcode = 32 // OpDefineGlobal <name_const:u8>
	OpGetUpvalue   Opcode = 33 // OpGetUpvalue <index:u8>
	OpSetUpvalue   Opcode = 34 // OpSetUpvalue <index:u8>
	OpCloseUpvalue Opcode = 35 // Close the upvalue for the top slot, then pop

	// ========================================================================
	// Control flow (16-bit big-endian offsets)
	// ========================================================================

	OpJump        Opcode = 36 // OpJump <offset:u16>
	OpJumpIfFalse Opcode = 37 // OpJumpIfFalse <offset:u16>, peeks condition
	OpJumpIfTrue  Opcode = 38 // OpJumpIfTrue <offset:u16>, peeks condition
	OpLoop        Opcode = 39 // OpLoop <offset:u16>, jumps backwards

	// ========================================================================
	// Functions
	// ========================================================================

	OpFunction    Opcode = 40 // Reserved; functions arrive wrapped in closures
	OpClosure     Opcode = 41 // OpClosure <fn_const:u8> (<is_local:u8> <index:u8>)*
	OpCall        Opcode = 42 // OpCall <argc:u8>
	OpMethodCall  Opcode = 43 // OpMethodCall <argc:u8> <name_const:u8>
	OpReturn      Opcode = 44 // Return top of stack to the caller
	OpLoadBuiltin Opcode = 45 // Pop export and module names, push builtin export

	// ========================================================================
	// Arrays
	// ========================================================================

	OpArray        Opcode = 46 // Alias of OpBuildArray
	OpBuildArray   Opcode = 47 // OpBuildArray <count:u8>
	OpGetSubscript Opcode = 48 // collection[index]
	OpSetSubscript Opcode = 49 // collection[index] = value

	// ========================================================================
	// Objects
	// ========================================================================

	OpCreateObject Opcode = 50 // Push a fresh empty object
	OpGetProperty  Opcode = 51 // Pop name and object, push property value
	OpSetProperty  Opcode = 52 // Pop value, name, object; store; push value
	OpSetPrototype Opcode = 53 // Pop prototype and object, link them

	// ========================================================================
	// Structs
	// ========================================================================

	OpDefineStruct Opcode = 54 // OpDefineStruct <name_const:u8> <field_count:u8> <field_const:u8>*
	OpCreateStruct Opcode = 55 // OpCreateStruct <name_const:u8>, pops the field values
	OpGetField     Opcode = 56 // OpGetField <name_const:u8>
	OpSetField     Opcode = 57 // OpSetField <name_const:u8>

	// ========================================================================
	// Prototypes
	// ========================================================================

	OpGetObjectProto Opcode = 58 // OpGetObjectProto <type_id:u8>
	OpGetStructProto Opcode = 59 // OpGetStructProto <name_const:u8>

	// ========================================================================
	// Optionals
	// ========================================================================

	OpOptionalChain Opcode = 60 // Property access that yields nil on nil base
	OpForceUnwrap   Opcode = 61 // Error if top of stack is nil

	// ========================================================================
	// Iterators
	// ========================================================================

	OpGetIter Opcode = 62 // Peek array, push starting index 0
	OpForIter Opcode = 63 // Advance [array, index]; push element and true, or false at end

	// ========================================================================
	// Locals and async
	// ========================================================================

	OpDefineLocal Opcode = 64 // OpDefineLocal <name_const:u8>; value stays in its slot
	OpAwait       Opcode = 65 // Reserved for the async runtime

	// ========================================================================
	// Modules
	// ========================================================================

	OpLoadModule       Opcode = 66 // OpLoadModule <path_const:u8>
	OpLoadNativeModule Opcode = 67 // OpLoadNativeModule <path_const:u8>
	OpImportFrom       Opcode = 68 // OpImportFrom <name_const:u8>, pops module object
	OpImportAllFrom    Opcode = 69 // Pop module object, import all public exports
	OpModuleExport     Opcode = 70 // OpModuleExport <name_const:u8>, peeks value

	// ========================================================================
	// Long-form constants
	// ========================================================================

	OpConstantLong Opcode = 71 // OpConstantLong <index:u16>
	OpClosureLong  Opcode = 72 // OpClosureLong <fn_const:u24> (<is_local:u8> <index:u8>)*

	// ========================================================================
	// Strings
	// ========================================================================

	OpToString     Opcode = 73 // Convert top of stack to its display string
	OpStringConcat Opcode = 74 // Concatenate two values as strings
	OpStringInterp Opcode = 75 // OpStringInterp <parts:u8>, concatenate N parts
	OpInternString Opcode = 76 // Intern the string on top of the stack

	// ========================================================================
	// Math and collections
	// ========================================================================

	OpPower  Opcode = 77 // Pop two numbers, push a**b
	OpLength Opcode = 78 // Push length of string or collection

	// ========================================================================
	// Object construction
	// ========================================================================

	OpObjectLiteral Opcode = 79 // OpObjectLiteral <count:u8>, pops key/value pairs

	// ========================================================================
	// Misc
	// ========================================================================

	OpHalt Opcode = 80 // Stop the interpreter
)

// operandVariable marks opcodes whose operand length depends on the
// referenced function (closure capture descriptors).
const operandVariable = -1

// OpcodeInfo describes an opcode for the disassembler and validators.
type OpcodeInfo struct {
	Name       string
	OperandLen int // operand bytes following the opcode; -1 = variable
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpConstant: {"CONSTANT", 1},
	OpNil:      {"NIL", 0},
	OpTrue:     {"TRUE", 0},
	OpFalse:    {"FALSE", 0},

	OpPop:  {"POP", 0},
	OpDup:  {"DUP", 0},
	OpSwap: {"SWAP", 0},

	OpAdd:      {"ADD", 0},
	OpSubtract: {"SUBTRACT", 0},
	OpMultiply: {"MULTIPLY", 0},
	OpDivide:   {"DIVIDE", 0},
	OpModulo:   {"MODULO", 0},
	OpNegate:   {"NEGATE", 0},

	OpEqual:        {"EQUAL", 0},
	OpNotEqual:     {"NOT_EQUAL", 0},
	OpGreater:      {"GREATER", 0},
	OpGreaterEqual: {"GREATER_EQUAL", 0},
	OpLess:         {"LESS", 0},
	OpLessEqual:    {"LESS_EQUAL", 0},

	OpNot: {"NOT", 0},
	OpAnd: {"AND", 0},
	OpOr:  {"OR", 0},

	OpBitAnd:     {"BIT_AND", 0},
	OpBitOr:      {"BIT_OR", 0},
	OpBitXor:     {"BIT_XOR", 0},
	OpBitNot:     {"BIT_NOT", 0},
	OpShiftLeft:  {"SHIFT_LEFT", 0},
	OpShiftRight: {"SHIFT_RIGHT", 0},

	OpGetLocal:     {"GET_LOCAL", 1},
	OpSetLocal:     {"SET_LOCAL", 1},
	OpGetGlobal:    {"GET_GLOBAL", 1},
	OpSetGlobal:    {"SET_GLOBAL", 1},
	OpDefineGlobal: {"DEFINE_GLOBAL", 1},
	OpGetUpvalue:   {"GET_UPVALUE", 1},
	OpSetUpvalue:   {"SET_UPVALUE", 1},
	OpCloseUpvalue: {"CLOSE_UPVALUE", 0},

	OpJump:        {"JUMP", 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 2},
	OpLoop:        {"LOOP", 2},

	OpFunction:    {"FUNCTION", 1},
	OpClosure:     {"CLOSURE", operandVariable},
	OpCall:        {"CALL", 1},
	OpMethodCall:  {"METHOD_CALL", 2},
	OpReturn:      {"RETURN", 0},
	OpLoadBuiltin: {"LOAD_BUILTIN", 0},

	OpArray:        {"ARRAY", 1},
	OpBuildArray:   {"BUILD_ARRAY", 1},
	OpGetSubscript: {"GET_SUBSCRIPT", 0},
	OpSetSubscript: {"SET_SUBSCRIPT", 0},

	OpCreateObject: {"CREATE_OBJECT", 0},
	OpGetProperty:  {"GET_PROPERTY", 0},
	OpSetProperty:  {"SET_PROPERTY", 0},
	OpSetPrototype: {"SET_PROTOTYPE", 0},

	OpDefineStruct: {"DEFINE_STRUCT", operandVariable},
	OpCreateStruct: {"CREATE_STRUCT", 1},
	OpGetField:     {"GET_FIELD", 1},
	OpSetField:     {"SET_FIELD", 1},

	OpGetObjectProto: {"GET_OBJECT_PROTO", 1},
	OpGetStructProto: {"GET_STRUCT_PROTO", 1},

	OpOptionalChain: {"OPTIONAL_CHAIN", 0},
	OpForceUnwrap:   {"FORCE_UNWRAP", 0},

	OpGetIter: {"GET_ITER", 0},
	OpForIter: {"FOR_ITER", 0},

	OpDefineLocal: {"DEFINE_LOCAL", 1},
	OpAwait:       {"AWAIT", 0},

	OpLoadModule:       {"LOAD_MODULE", 1},
	OpLoadNativeModule: {"LOAD_NATIVE_MODULE", 1},
	OpImportFrom:       {"IMPORT_FROM", 1},
	OpImportAllFrom:    {"IMPORT_ALL_FROM", 0},
	OpModuleExport:     {"MODULE_EXPORT", 1},

	OpConstantLong: {"CONSTANT_LONG", 2},
	OpClosureLong:  {"CLOSURE_LONG", operandVariable},

	OpToString:     {"TO_STRING", 0},
	OpStringConcat: {"STRING_CONCAT", 0},
	OpStringInterp: {"STRING_INTERP", 1},
	OpInternString: {"INTERN_STRING", 0},

	OpPower:  {"POWER", 0},
	OpLength: {"LENGTH", 0},

	OpObjectLiteral: {"OBJECT_LITERAL", 1},

	OpHalt: {"HALT", 0},
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", byte(op))}
}

// String returns the opcode's mnemonic.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandLen returns the fixed operand byte count, or -1 when the length
// depends on the instruction stream (closure capture descriptors).
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen
}

// IsJump reports whether the opcode carries a 16-bit code offset.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpLoop:
		return true
	}
	return false
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
