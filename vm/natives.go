package vm

import (
	"strings"
)

// registerBuiltins installs the bootstrap natives every VM starts with.
func registerBuiltins(v *VM) {
	v.DefineNative("print", nativePrint)
	v.DefineNative("typeof", nativeTypeof)
	v.DefineNative("assert", nativeAssert)
}

// nativePrint writes its arguments separated by spaces, one line per call.
func nativePrint(argCount int, args []Value) Value {
	parts := make([]string, argCount)
	for i := 0; i < argCount; i++ {
		parts[i] = args[i].ToDisplayString()
	}
	vmPrint(strings.Join(parts, " "))
	return Nil()
}

func nativeTypeof(argCount int, args []Value) Value {
	if argCount < 1 {
		return String("nil")
	}
	return String(args[0].TypeName())
}

// nativeAssert fails the current interpretation when its condition is
// falsey. The optional second argument is the failure message.
func nativeAssert(argCount int, args []Value) Value {
	if argCount >= 1 && !args[0].IsFalsey() {
		return Bool(true)
	}
	message := "Assertion failed."
	if argCount >= 2 && args[1].IsString() {
		message = "Assertion failed: " + args[1].AsString()
	}
	if v := CurrentVM(); v != nil {
		v.RaiseError("%s", message)
	}
	return Nil()
}
