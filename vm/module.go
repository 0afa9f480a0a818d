package vm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var moduleLog = commonlog.GetLogger("module")

// ModuleState tracks a module through its lifecycle. Loading exists so
// circular imports can be detected by the loader.
type ModuleState int

const (
	ModuleUnloaded ModuleState = iota
	ModuleLoading
	ModuleLoaded
	ModuleError
)

func (s ModuleState) String() string {
	switch s {
	case ModuleUnloaded:
		return "unloaded"
	case ModuleLoading:
		return "loading"
	case ModuleLoaded:
		return "loaded"
	case ModuleError:
		return "error"
	}
	return "unknown"
}

type scopeEntry struct {
	value    Value
	exported bool
}

// moduleScope holds every top-level definition of a module with its
// visibility flag. Names keep insertion order for deterministic export
// iteration.
type moduleScope struct {
	names   []string
	entries map[string]scopeEntry
}

func newModuleScope() *moduleScope {
	return &moduleScope{entries: make(map[string]scopeEntry)}
}

func (s *moduleScope) define(name string, value Value, exported bool) {
	if _, exists := s.entries[name]; !exists {
		s.names = append(s.names, name)
	}
	s.entries[name] = scopeEntry{value: value, exported: exported}
}

func (s *moduleScope) get(name string) (Value, bool) {
	e, ok := s.entries[name]
	return e.value, ok
}

type exportEntry struct {
	value  Value
	public bool
}

// Module is one loaded source unit: its private scope, its legacy flat
// globals (older bytecode writes through these), and its public exports
// mirrored onto a module object that importing code receives.
type Module struct {
	Path  string
	ID    string
	State ModuleState

	scope        *moduleScope
	globals      map[string]Value
	globalNames  []string
	exports      map[string]exportEntry
	exportNames  []string
	moduleObject *Object
}

// NewModule creates an unloaded module for a path.
func NewModule(path string) *Module {
	return &Module{
		Path:    path,
		ID:      uuid.New().String(),
		State:   ModuleUnloaded,
		scope:   newModuleScope(),
		globals: make(map[string]Value),
		exports: make(map[string]exportEntry),
	}
}

// ModuleObject returns the object importing code sees, creating it lazily.
func (m *Module) ModuleObject() *Object {
	if m.moduleObject == nil {
		m.moduleObject = NewObject()
	}
	return m.moduleObject
}

// ScopeDefine records a top-level definition with its visibility.
func (m *Module) ScopeDefine(name string, value Value, exported bool) {
	m.scope.define(name, value, exported)
}

// Export publishes a name. The value lands in the exports table and on the
// module object; the scope entry, if present, is flipped to exported.
func (m *Module) Export(name string, value Value) {
	if _, exists := m.exports[name]; !exists {
		m.exportNames = append(m.exportNames, name)
	}
	m.exports[name] = exportEntry{value: value, public: true}
	m.ModuleObject().Set(name, value)
	if e, ok := m.scope.entries[name]; ok {
		e.exported = true
		m.scope.entries[name] = e
	}
}

// GetExport returns a public export by name.
func (m *Module) GetExport(name string) (Value, bool) {
	e, ok := m.exports[name]
	if !ok || !e.public {
		return Value{}, false
	}
	return e.value, true
}

// ExportNames returns the public export names in definition order.
func (m *Module) ExportNames() []string {
	names := make([]string, 0, len(m.exportNames))
	for _, name := range m.exportNames {
		if m.exports[name].public {
			names = append(names, name)
		}
	}
	return names
}

// lookupGlobal resolves a name inside the module: scope first, then the
// legacy flat globals.
func (m *Module) lookupGlobal(name string) (Value, bool) {
	if v, ok := m.scope.get(name); ok {
		return v, true
	}
	v, ok := m.globals[name]
	return v, ok
}

// setGlobal updates an existing module global, or defines it when missing.
func (m *Module) setGlobal(name string, value Value) {
	if _, ok := m.scope.entries[name]; ok {
		e := m.scope.entries[name]
		e.value = value
		m.scope.entries[name] = e
		return
	}
	if _, exists := m.globals[name]; !exists {
		m.globalNames = append(m.globalNames, name)
	}
	m.globals[name] = value
}

// defineGlobal records a definition in both the scope (module-private by
// default) and the legacy globals table.
func (m *Module) defineGlobal(name string, value Value) {
	m.scope.define(name, value, false)
	if _, exists := m.globals[name]; !exists {
		m.globalNames = append(m.globalNames, name)
	}
	m.globals[name] = value
}

// ModuleLoader resolves an import path to a loaded module. The bundler and
// filesystem resolution live outside the runtime; the interpreter only
// needs this boundary.
type ModuleLoader interface {
	Load(path string) (*Module, error)
}

// loadModule resolves a path through the VM's loader and ensures the
// module is initialized, running its body if it has one pending.
func (v *VM) loadModule(path string) (*Module, error) {
	if v.moduleLoader == nil {
		return nil, fmt.Errorf("no module loader available")
	}
	if m, ok := v.modules[path]; ok && m.State == ModuleLoaded {
		return m, nil
	}
	m, err := v.moduleLoader.Load(path)
	if err != nil {
		return nil, err
	}
	if m.State == ModuleError {
		return nil, fmt.Errorf("module %q failed to load", path)
	}
	v.modules[path] = m
	moduleLog.Debugf("loaded module %s (%s)", m.Path, m.ID)
	return m, nil
}

// RegisterModule makes a pre-built module visible to the VM without going
// through the loader. Embedders use this for synthetic modules.
func (v *VM) RegisterModule(m *Module) {
	m.State = ModuleLoaded
	v.modules[m.Path] = m
}
