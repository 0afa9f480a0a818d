// Slate CLI - loads a compiled chunk and runs it on the VM.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/slatelang/slate/dist"
	"github.com/slatelang/slate/pkg/memory"
	"github.com/slatelang/slate/vm"
)

// exitRuntimeError mirrors EX_SOFTWARE: the program ran but failed.
const exitRuntimeError = 70

// Config is the TOML configuration file layout.
type Config struct {
	Memory memory.Config `toml:"memory"`
	GC     vm.GCConfig   `toml:"gc"`
}

func defaultConfig() Config {
	return Config{
		Memory: memory.Config{
			ArenaSize:      memory.DefaultArenaSize,
			ObjectPoolSize: memory.DefaultPoolBlockSize,
		},
		GC: vm.DefaultGCConfig(),
	}
}

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	trace := flag.Bool("trace", false, "Trace each executed instruction")
	gcStress := flag.Bool("gc-stress", false, "Collect on every allocation")
	incremental := flag.Bool("incremental", false, "Use incremental garbage collection")
	stats := flag.Bool("stats", false, "Print collector and allocator statistics on exit")
	disasm := flag.Bool("disasm", false, "Disassemble the chunk instead of running it")
	verbosity := flag.Int("v", 0, "Log verbosity (0 = errors only)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: slate [options] program%s\n\n", dist.ChunkFileExt)
		fmt.Fprintf(os.Stderr, "Runs a compiled Slate chunk.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  slate program.sbc                  # Run a chunk\n")
		fmt.Fprintf(os.Stderr, "  slate -trace program.sbc           # Run with instruction tracing\n")
		fmt.Fprintf(os.Stderr, "  slate -incremental -stats app.sbc  # Incremental GC, report stats\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	config := defaultConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &config); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	}
	if *gcStress {
		config.GC.StressTest = true
	}
	if *incremental {
		config.GC.Incremental = true
	}
	if *stats {
		config.GC.Verbose = true
		config.Memory.EnableStats = true
	}

	memory.Init(config.Memory)
	defer memory.Shutdown()

	chunk, err := dist.ReadChunkFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading chunk: %v\n", err)
		os.Exit(1)
	}

	if *disasm {
		fmt.Print(vm.DisassembleChunk(chunk, flag.Arg(0)))
		return
	}

	v := vm.NewWithConfig(config.GC)
	v.SetDebugTrace(*trace)

	result := v.Interpret(chunk)

	if *stats {
		printStats(v)
		memory.PrintStats()
	}
	if result != vm.InterpretOK {
		os.Exit(exitRuntimeError)
	}
}

func printStats(v *vm.VM) {
	s := v.GC().Stats()
	fmt.Fprintf(os.Stderr, "collections:        %d\n", s.Collections)
	fmt.Fprintf(os.Stderr, "incremental cycles: %d\n", s.IncrementalCycles)
	fmt.Fprintf(os.Stderr, "bytes allocated:    %d\n", s.BytesAllocated)
	fmt.Fprintf(os.Stderr, "bytes freed:        %d\n", s.BytesFreed)
	fmt.Fprintf(os.Stderr, "heap size:          %d (peak %d)\n", s.HeapSize, s.PeakHeapSize)
	fmt.Fprintf(os.Stderr, "objects tracked:    %d (freed %d)\n", s.ObjectsTracked, s.ObjectsFreed)
	fmt.Fprintf(os.Stderr, "barrier hits:       %d\n", s.WriteBarrierHits)
	fmt.Fprintf(os.Stderr, "total pause:        %s (last %s)\n", s.TotalPause, s.LastPause)
}
