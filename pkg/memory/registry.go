package memory

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("memory")

// System names a runtime subsystem with its own allocator.
type System int

const (
	SystemVMCore   System = iota // VM core structures
	SystemObjects                // runtime objects
	SystemStrings                // string pool
	SystemBytecode               // bytecode chunks
	SystemCompiler               // compiler structures
	SystemAST                    // AST nodes
	SystemParser                 // parser scratch
	SystemSymbols                // symbol tables
	SystemModules                // module system
	SystemStdlib                 // standard library
	SystemTemp                   // short-lived scratch

	SystemCount
)

var systemNames = [SystemCount]string{
	"vm-core", "objects", "strings", "bytecode", "compiler",
	"ast", "parser", "symbols", "modules", "stdlib", "temp",
}

func (s System) String() string {
	if s < 0 || s >= SystemCount {
		return fmt.Sprintf("system(%d)", int(s))
	}
	return systemNames[s]
}

// Config controls the registry. Zero values select the defaults.
type Config struct {
	EnableTrace    bool `toml:"enable_trace"`
	EnableStats    bool `toml:"enable_stats"`
	ArenaSize      int  `toml:"arena_size"`
	ObjectPoolSize int  `toml:"object_pool_size"`
}

type registry struct {
	mu          sync.Mutex
	allocators  [SystemCount]Allocator
	objectPool  *Pool
	config      Config
	initialized bool
}

var global registry

// Init builds the per-subsystem allocators. Long-lived subsystems (VM core,
// objects, modules, stdlib) get the platform allocator; phase-scoped ones
// (strings, bytecode, compiler, AST, parser, symbols, temp) get arenas that
// the host resets between phases. The strings arena is sized 4x because the
// original workload is string-heavy. With EnableTrace set, every allocator
// is wrapped in a Trace decorator.
func Init(config Config) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if global.initialized {
		log.Warning("allocator registry initialized twice; reinitializing")
	}

	arenaSize := config.ArenaSize
	if arenaSize <= 0 {
		arenaSize = DefaultArenaSize
	}

	for sys := System(0); sys < SystemCount; sys++ {
		var a Allocator
		switch sys {
		case SystemVMCore, SystemObjects, SystemModules, SystemStdlib:
			a = NewPlatform(sys.String())
		case SystemStrings:
			a = NewArena(sys.String(), arenaSize*4)
		default:
			a = NewArena(sys.String(), arenaSize)
		}
		if config.EnableTrace {
			a = NewTrace(a)
		}
		global.allocators[sys] = a
	}

	global.objectPool = NewPool("object-pool", config.ObjectPoolSize)
	global.config = config
	global.initialized = true
	log.Debugf("allocator registry initialized (arena_size=%d trace=%v)", arenaSize, config.EnableTrace)
}

// Shutdown checks for leaks when tracing is enabled, then drops every
// allocator. Get panics after Shutdown until the next Init.
func Shutdown() {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.initialized {
		return
	}
	if global.config.EnableTrace {
		checkLeaksLocked()
	}
	for sys := range global.allocators {
		global.allocators[sys] = nil
	}
	global.objectPool = nil
	global.initialized = false
}

// Get returns the allocator for a subsystem. The registry must be
// initialized first.
func Get(system System) Allocator {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.initialized {
		panic("memory: registry not initialized")
	}
	if system < 0 || system >= SystemCount {
		panic(fmt.Sprintf("memory: unknown subsystem %d", int(system)))
	}
	return global.allocators[system]
}

// ObjectPool returns the freelist pool for fixed-size runtime records.
func ObjectPool() *Pool {
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.initialized {
		panic("memory: registry not initialized")
	}
	return global.objectPool
}

// Initialized reports whether Init has been called without a matching
// Shutdown.
func Initialized() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.initialized
}

func resetSystem(system System) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.initialized {
		return
	}
	global.allocators[system].Reset()
}

// ResetAST reclaims AST and parser scratch after a compile phase.
func ResetAST() {
	resetSystem(SystemAST)
	resetSystem(SystemParser)
}

// ResetTemp reclaims the short-lived scratch arena.
func ResetTemp() {
	resetSystem(SystemTemp)
}

// ResetCompiler reclaims compiler and symbol-table memory once a chunk has
// been emitted.
func ResetCompiler() {
	resetSystem(SystemCompiler)
	resetSystem(SystemSymbols)
}

// PrintStats logs a counter snapshot for every subsystem.
func PrintStats() {
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.initialized {
		return
	}
	for sys := System(0); sys < SystemCount; sys++ {
		log.Infof("%-9s %s", sys, global.allocators[sys].Stats())
	}
}

// CheckLeaks reports live allocations via the trace decorators and returns
// the total. Zero when tracing is disabled.
func CheckLeaks() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	if !global.initialized {
		return 0
	}
	return checkLeaksLocked()
}

func checkLeaksLocked() int {
	total := 0
	for sys := System(0); sys < SystemCount; sys++ {
		if tr, ok := global.allocators[sys].(*Trace); ok {
			total += tr.ReportLeaks()
		}
	}
	if total == 0 {
		log.Debug("no leaks detected")
	}
	return total
}
