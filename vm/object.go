package vm

import "strconv"

// Object is the universal property bag. Properties keep insertion order.
// Arrays are objects with the isArray flag set, dense elements stored under
// stringified indices, and a derived "length" property kept in sync by the
// subscript and array-method paths.
type Object struct {
	keys    []string
	props   map[string]Value
	proto   *Object
	isArray bool
}

// currentVM gives object mutation paths access to the active collector for
// the write barrier without threading the VM through every call. Natives
// that re-enter the VM rely on this too.
var currentVM *VM

// SetCurrentVM installs the VM used by object allocation and the write
// barrier. Interpret sets it automatically.
func SetCurrentVM(v *VM) { currentVM = v }

// CurrentVM returns the VM most recently installed with SetCurrentVM.
func CurrentVM() *VM { return currentVM }

// NewObject creates an empty object with the shared object prototype and
// registers it with the active collector.
func NewObject() *Object {
	o := &Object{props: make(map[string]Value), proto: ObjectPrototype()}
	trackObject(o, baseObjectSize)
	return o
}

// NewArray creates an empty array object with the array prototype and a
// length of zero.
func NewArray() *Object {
	o := &Object{props: make(map[string]Value), proto: ArrayPrototype(), isArray: true}
	o.setOwn("length", Number(0))
	trackObject(o, baseObjectSize)
	return o
}

// NewArrayWith builds an array from the given elements.
func NewArrayWith(elements ...Value) *Object {
	o := NewArray()
	for i, elem := range elements {
		o.setOwn(strconv.Itoa(i), elem)
	}
	o.setOwn("length", Number(float64(len(elements))))
	return o
}

func trackObject(o *Object, size int) {
	if currentVM != nil && currentVM.gc != nil {
		currentVM.gc.allocate(o, size)
	}
}

// IsArray reports whether the object was created as an array.
func (o *Object) IsArray() bool { return o.isArray }

// Prototype returns the object's prototype, or nil.
func (o *Object) Prototype() *Object { return o.proto }

// SetPrototype replaces the prototype. The chain must stay acyclic; the
// compiler only emits prototype stores at definition sites, so this is not
// revalidated on every write.
func (o *Object) SetPrototype(proto *Object) {
	o.proto = proto
	if currentVM != nil && currentVM.gc != nil && proto != nil {
		currentVM.gc.writeBarrier(o, proto)
	}
}

// GetOwn looks up a property on the object itself, ignoring the prototype
// chain.
func (o *Object) GetOwn(name string) (Value, bool) {
	v, ok := o.props[name]
	return v, ok
}

// Get looks up a property, walking the prototype chain on a miss.
func (o *Object) Get(name string) (Value, bool) {
	for obj := o; obj != nil; obj = obj.proto {
		if v, ok := obj.props[name]; ok {
			return v, true
		}
	}
	return Value{}, false
}

// Set stores a property on the object itself, shadowing any prototype
// definition, and notifies the collector's write barrier.
func (o *Object) Set(name string, value Value) {
	o.setOwn(name, value)
	if currentVM != nil && currentVM.gc != nil {
		if ref := value.heapRef(); ref != nil {
			currentVM.gc.writeBarrier(o, ref)
		}
	}
}

func (o *Object) setOwn(name string, value Value) {
	if _, exists := o.props[name]; !exists {
		o.keys = append(o.keys, name)
	}
	o.props[name] = value
}

// Delete removes a property. Prototype properties are unaffected.
func (o *Object) Delete(name string) {
	if _, exists := o.props[name]; !exists {
		return
	}
	delete(o.props, name)
	for i, k := range o.keys {
		if k == name {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the property names in insertion order.
func (o *Object) Keys() []string {
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// PropertyCount returns the number of own properties.
func (o *Object) PropertyCount() int { return len(o.keys) }

// arrayLength reads the length property of an array object.
func (o *Object) arrayLength() int {
	if length, ok := o.GetOwn("length"); ok && length.IsNumber() {
		return int(length.AsNumber())
	}
	return 0
}

// Append pushes a value onto an array, bumping length.
func (o *Object) Append(value Value) {
	n := o.arrayLength()
	o.Set(strconv.Itoa(n), value)
	o.setOwn("length", Number(float64(n+1)))
}

// Index reads element i of an array object, nil when out of range.
func (o *Object) Index(i int) Value {
	if v, ok := o.GetOwn(strconv.Itoa(i)); ok {
		return v
	}
	return Nil()
}
