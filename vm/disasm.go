package vm

import (
	"fmt"
	"strings"
)

// DisassembleChunk renders a chunk as human-readable assembly, one
// instruction per line, with constant operands resolved.
func DisassembleChunk(c *Chunk, name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		line, next := DisassembleInstruction(c, offset)
		sb.WriteString(line)
		sb.WriteByte('\n')
		offset = next
	}
	return sb.String()
}

// DisassembleInstruction renders one instruction and returns the offset of
// the next one.
func DisassembleInstruction(c *Chunk, offset int) (string, int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d ", offset)
	if offset > 0 && c.LineAt(offset) == c.LineAt(offset-1) {
		sb.WriteString("   | ")
	} else {
		fmt.Fprintf(&sb, "%4d ", c.LineAt(offset))
	}

	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)

	switch {
	case op == OpClosure || op == OpClosureLong:
		return disassembleClosure(c, offset, op, &sb)

	case op == OpDefineStruct:
		return disassembleDefineStruct(c, offset, &sb)

	case op == OpConstantLong:
		index := int(c.readU16(offset + 1))
		fmt.Fprintf(&sb, "%-16s %4d '%s'", info.Name, index, constantName(c, index))
		return sb.String(), offset + 3

	case op.IsJump():
		jump := int(c.readU16(offset + 1))
		target := offset + 3 + jump
		if op == OpLoop {
			target = offset + 3 - jump
		}
		fmt.Fprintf(&sb, "%-16s %4d -> %d", info.Name, offset, target)
		return sb.String(), offset + 3

	case constantOperand(op):
		index := int(c.Code[offset+1])
		fmt.Fprintf(&sb, "%-16s %4d '%s'", info.Name, index, constantName(c, index))
		return sb.String(), offset + 2

	case op == OpMethodCall:
		argc := c.Code[offset+1]
		index := int(c.Code[offset+2])
		fmt.Fprintf(&sb, "%-16s (%d args) '%s'", info.Name, argc, constantName(c, index))
		return sb.String(), offset + 3

	case info.OperandLen == 1:
		fmt.Fprintf(&sb, "%-16s %4d", info.Name, c.Code[offset+1])
		return sb.String(), offset + 2

	case info.OperandLen == 2:
		fmt.Fprintf(&sb, "%-16s %4d", info.Name, c.readU16(offset+1))
		return sb.String(), offset + 3

	default:
		sb.WriteString(info.Name)
		return sb.String(), offset + 1
	}
}

// constantOperand reports whether the opcode's single-byte operand is a
// constant pool index.
func constantOperand(op Opcode) bool {
	switch op {
	case OpConstant, OpGetGlobal, OpSetGlobal, OpDefineGlobal, OpDefineLocal,
		OpGetField, OpSetField, OpGetStructProto, OpCreateStruct, OpLoadModule,
		OpLoadNativeModule, OpImportFrom, OpModuleExport, OpFunction:
		return true
	}
	return false
}

func constantName(c *Chunk, index int) string {
	v, err := c.ConstantAt(index)
	if err != nil {
		return "???"
	}
	return v.String()
}

func disassembleClosure(c *Chunk, offset int, op Opcode, sb *strings.Builder) (string, int) {
	pos := offset + 1
	var index int
	if op == OpClosureLong {
		index = int(c.Code[pos])<<16 | int(c.Code[pos+1])<<8 | int(c.Code[pos+2])
		pos += 3
	} else {
		index = int(c.Code[pos])
		pos++
	}
	fmt.Fprintf(sb, "%-16s %4d '%s'", op.String(), index, constantName(c, index))

	fnVal, err := c.ConstantAt(index)
	if err == nil && fnVal.IsFunction() {
		for i := 0; i < fnVal.AsFunction().UpvalueCount; i++ {
			isLocal := c.Code[pos]
			captureIndex := c.Code[pos+1]
			kind := "upvalue"
			if isLocal != 0 {
				kind = "local"
			}
			fmt.Fprintf(sb, "\n%04d      |                     %s %d", pos, kind, captureIndex)
			pos += 2
		}
	}
	return sb.String(), pos
}

func disassembleDefineStruct(c *Chunk, offset int, sb *strings.Builder) (string, int) {
	nameIndex := int(c.Code[offset+1])
	fieldCount := int(c.Code[offset+2])
	fmt.Fprintf(sb, "%-16s '%s' (%d fields)", OpDefineStruct.String(), constantName(c, nameIndex), fieldCount)
	return sb.String(), offset + 3 + fieldCount
}
