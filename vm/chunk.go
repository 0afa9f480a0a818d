package vm

import (
	"errors"
	"fmt"
)

// Chunk is a unit of compiled bytecode: the instruction stream, a parallel
// line table for error reporting, and a constant pool. Constant indices are
// append-only; a chunk is immutable once handed to the interpreter.
type Chunk struct {
	Code      []byte
	Lines     []int
	Constants []Value
}

// NewChunk returns an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{}
}

// Write appends one byte with its source line.
func (c *Chunk) Write(b byte, line int) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// Emit appends an opcode.
func (c *Chunk) Emit(op Opcode, line int) {
	c.Write(byte(op), line)
}

// EmitWithOperand appends an opcode followed by a one-byte operand.
func (c *Chunk) EmitWithOperand(op Opcode, operand byte, line int) {
	c.Emit(op, line)
	c.Write(operand, line)
}

// EmitU16 appends a 16-bit big-endian operand.
func (c *Chunk) EmitU16(v uint16, line int) {
	c.Write(byte(v>>8), line)
	c.Write(byte(v), line)
}

// EmitJump appends a jump instruction with a placeholder offset and returns
// the offset position for PatchJump.
func (c *Chunk) EmitJump(op Opcode, line int) int {
	c.Emit(op, line)
	c.Write(0xFF, line)
	c.Write(0xFF, line)
	return len(c.Code) - 2
}

// PatchJump back-patches a forward jump emitted by EmitJump so it lands on
// the current end of the code.
func (c *Chunk) PatchJump(operandPos int) error {
	jump := len(c.Code) - operandPos - 2
	if jump > 0xFFFF {
		return errors.New("vm: jump distance exceeds 16 bits")
	}
	c.Code[operandPos] = byte(jump >> 8)
	c.Code[operandPos+1] = byte(jump)
	return nil
}

// AddConstant appends a value to the constant pool and returns its index.
func (c *Chunk) AddConstant(v Value) int {
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// EmitConstant adds a constant and emits the instruction to push it, using
// the long form when the pool has outgrown one-byte indices.
func (c *Chunk) EmitConstant(v Value, line int) error {
	index := c.AddConstant(v)
	switch {
	case index <= 0xFF:
		c.EmitWithOperand(OpConstant, byte(index), line)
	case index <= 0xFFFF:
		c.Emit(OpConstantLong, line)
		c.EmitU16(uint16(index), line)
	default:
		return fmt.Errorf("vm: constant pool overflow (%d constants)", index+1)
	}
	return nil
}

// ConstantAt returns the constant pool entry at index.
func (c *Chunk) ConstantAt(index int) (Value, error) {
	if index < 0 || index >= len(c.Constants) {
		return Value{}, fmt.Errorf("vm: constant index %d out of range (pool size %d)", index, len(c.Constants))
	}
	return c.Constants[index], nil
}

// LineAt returns the source line for a code offset, 0 when unknown.
func (c *Chunk) LineAt(offset int) int {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}

// Len returns the code size in bytes.
func (c *Chunk) Len() int { return len(c.Code) }

// readU16 decodes a big-endian 16-bit operand at offset.
func (c *Chunk) readU16(offset int) uint16 {
	return uint16(c.Code[offset])<<8 | uint16(c.Code[offset+1])
}
