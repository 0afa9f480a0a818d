package vm

// Upvalue is a captured variable. While open it refers to a live stack
// slot of its owning VM; when the slot is about to die the value is copied
// into the upvalue (closed) and all closures sharing it keep seeing the
// same storage. Identity matters: two closures capturing the same variable
// must share one Upvalue.
type Upvalue struct {
	vm       *VM
	slot     int // stack slot index while open
	closed   Value
	isClosed bool
	next     *Upvalue // open-upvalue list, sorted by descending slot
}

// Get reads the captured variable.
func (u *Upvalue) Get() Value {
	if u.isClosed {
		return u.closed
	}
	return u.vm.stack[u.slot]
}

// Set writes the captured variable.
func (u *Upvalue) Set(v Value) {
	if u.isClosed {
		u.closed = v
	} else {
		u.vm.stack[u.slot] = v
	}
}

// IsClosed reports whether the upvalue owns its value.
func (u *Upvalue) IsClosed() bool { return u.isClosed }

// captureUpvalue returns the open upvalue for a stack slot, creating one if
// none exists. The open list is kept sorted by descending slot so both the
// cache lookup and closeUpvalues stop as early as possible.
func (v *VM) captureUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	uv := v.openUpvalues
	for uv != nil && uv.slot > slot {
		prev = uv
		uv = uv.next
	}
	if uv != nil && uv.slot == slot {
		return uv
	}

	created := &Upvalue{vm: v, slot: slot, next: uv}
	if v.gc != nil {
		v.gc.allocate(created, baseUpvalueSize)
	}
	if prev == nil {
		v.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues closes every open upvalue at or above the boundary slot.
// Called on function return for the frame's slot window and by the
// CLOSE_UPVALUE instruction when a captured local leaves scope.
func (v *VM) closeUpvalues(boundary int) {
	for v.openUpvalues != nil && v.openUpvalues.slot >= boundary {
		uv := v.openUpvalues
		uv.closed = v.stack[uv.slot]
		uv.isClosed = true
		v.openUpvalues = uv.next
		uv.next = nil
	}
}
