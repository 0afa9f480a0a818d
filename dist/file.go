package dist

import (
	"fmt"
	"io"
	"os"

	"github.com/slatelang/slate/pkg/memory"
	"github.com/slatelang/slate/vm"
)

// ChunkFileExt is the conventional extension for serialized chunks.
const ChunkFileExt = ".sbc"

// WriteChunkFile serializes a chunk to a file in the wire format.
func WriteChunkFile(path string, c *vm.Chunk) error {
	data, err := MarshalChunk(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing chunk file: %w", err)
	}
	return nil
}

// ReadChunkFile loads a chunk from a wire-format file.
func ReadChunkFile(path string) (*vm.Chunk, error) {
	data, err := readFileBuffer(path)
	if err != nil {
		return nil, fmt.Errorf("reading chunk file: %w", err)
	}
	return UnmarshalChunk(data)
}

// readFileBuffer reads the file's bytes through the bytecode allocator when
// the registry is up, so chunk loading is accounted to that subsystem. The
// buffer lives until the next bytecode-arena reset, which outlasts decoding.
func readFileBuffer(path string) ([]byte, error) {
	if !memory.Initialized() {
		return os.ReadFile(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := memory.Get(memory.SystemBytecode).AllocTagged(int(info.Size()), "chunk-file")
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
