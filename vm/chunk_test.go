package vm

import (
	"strings"
	"testing"
)

func TestChunkWriteAndLines(t *testing.T) {
	c := NewChunk()
	c.Emit(OpNil, 1)
	c.Emit(OpPop, 1)
	c.Emit(OpReturn, 2)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.LineAt(0) != 1 || c.LineAt(2) != 2 {
		t.Errorf("line table wrong: %v", c.Lines)
	}
	if c.LineAt(99) != 0 {
		t.Error("out-of-range line should be 0")
	}
}

func TestEmitConstantShortAndLong(t *testing.T) {
	c := NewChunk()
	for i := 0; i < 257; i++ {
		if err := c.EmitConstant(Number(float64(i)), 1); err != nil {
			t.Fatalf("EmitConstant: %v", err)
		}
	}

	// First 256 constants use the short form.
	if Opcode(c.Code[0]) != OpConstant {
		t.Errorf("constant 0 opcode = %d", c.Code[0])
	}
	// Constant 256 needs the long form.
	longOffset := 256 * 2
	if Opcode(c.Code[longOffset]) != OpConstantLong {
		t.Errorf("constant 256 opcode = %d, want OpConstantLong", c.Code[longOffset])
	}
	if got := c.readU16(longOffset + 1); got != 256 {
		t.Errorf("long constant index = %d, want 256", got)
	}
}

func TestJumpPatching(t *testing.T) {
	c := NewChunk()
	c.Emit(OpTrue, 1)
	pos := c.EmitJump(OpJumpIfFalse, 1)
	c.Emit(OpPop, 1)
	c.Emit(OpNil, 1)
	if err := c.PatchJump(pos); err != nil {
		t.Fatalf("PatchJump: %v", err)
	}

	// Offset counts from the byte after the operand to the jump target.
	if got := c.readU16(pos); got != 2 {
		t.Errorf("patched offset = %d, want 2", got)
	}
}

func TestConstantAtBounds(t *testing.T) {
	c := NewChunk()
	c.AddConstant(String("x"))
	if _, err := c.ConstantAt(0); err != nil {
		t.Errorf("ConstantAt(0): %v", err)
	}
	if _, err := c.ConstantAt(1); err == nil {
		t.Error("ConstantAt(1) should fail")
	}
	if _, err := c.ConstantAt(-1); err == nil {
		t.Error("ConstantAt(-1) should fail")
	}
}

// ============================================================================
// Disassembly
// ============================================================================

func TestDisassembleBasics(t *testing.T) {
	c := NewChunk()
	if err := c.EmitConstant(Number(42), 1); err != nil {
		t.Fatal(err)
	}
	c.EmitWithOperand(OpGetLocal, 3, 1)
	c.Emit(OpAdd, 2)
	c.Emit(OpReturn, 2)

	out := DisassembleChunk(c, "test")
	for _, want := range []string{"== test ==", "CONSTANT", "'42'", "GET_LOCAL", "ADD", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleClosure(t *testing.T) {
	inner := NewFunction("inner", 0)
	inner.UpvalueCount = 2

	c := NewChunk()
	idx := c.AddConstant(FunctionVal(inner))
	c.EmitWithOperand(OpClosure, byte(idx), 1)
	c.Write(1, 1) // local
	c.Write(2, 1)
	c.Write(0, 1) // upvalue
	c.Write(0, 1)
	c.Emit(OpReturn, 1)

	out := DisassembleChunk(c, "closures")
	if !strings.Contains(out, "CLOSURE") {
		t.Errorf("missing CLOSURE:\n%s", out)
	}
	if !strings.Contains(out, "local 2") || !strings.Contains(out, "upvalue 0") {
		t.Errorf("missing capture descriptors:\n%s", out)
	}
}

func TestDisassembleJumpTargets(t *testing.T) {
	c := NewChunk()
	c.Emit(OpJump, 1)
	c.EmitU16(5, 1)
	out := DisassembleChunk(c, "jumps")
	if !strings.Contains(out, "-> 8") {
		t.Errorf("jump target not resolved:\n%s", out)
	}
}
