// Package dist serializes compiled chunks for storage and transport. The
// wire format is canonical CBOR, so the same chunk always encodes to the
// same bytes and content hashes are stable across hosts.
package dist

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/slatelang/slate/vm"
)

// WireVersion is bumped on incompatible format changes.
const WireVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Constant kinds representable on the wire. Only compile-time constants
// travel; closures, objects and natives exist solely at runtime.
const (
	wireNil = iota
	wireBool
	wireNumber
	wireString
	wireFunction
)

type wireConstant struct {
	Kind int           `cbor:"k"`
	Bool bool          `cbor:"b,omitempty"`
	Num  float64       `cbor:"n,omitempty"`
	Str  string        `cbor:"s,omitempty"`
	Fn   *wireFn `cbor:"f,omitempty"`
}

type wireFn struct {
	Name         string    `cbor:"name"`
	Arity        int       `cbor:"arity"`
	UpvalueCount int       `cbor:"upvalues"`
	Chunk        wireChunk `cbor:"chunk"`
}

type wireChunk struct {
	Version   int            `cbor:"v"`
	Code      []byte         `cbor:"code"`
	Lines     []int          `cbor:"lines"`
	Constants []wireConstant `cbor:"consts"`
}

// MarshalChunk serializes a chunk to canonical CBOR bytes.
func MarshalChunk(c *vm.Chunk) ([]byte, error) {
	wc, err := toWire(c)
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(wc)
}

// UnmarshalChunk deserializes a chunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*vm.Chunk, error) {
	var wc wireChunk
	if err := cbor.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	if wc.Version != WireVersion {
		return nil, fmt.Errorf("dist: unsupported wire version %d (want %d)", wc.Version, WireVersion)
	}
	return fromWire(&wc)
}

// ChunkHash returns the content hash of a chunk's canonical encoding.
func ChunkHash(c *vm.Chunk) ([32]byte, error) {
	data, err := MarshalChunk(c)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

func toWire(c *vm.Chunk) (*wireChunk, error) {
	wc := &wireChunk{
		Version: WireVersion,
		Code:    c.Code,
		Lines:   c.Lines,
	}
	for i, constant := range c.Constants {
		w, err := constantToWire(constant)
		if err != nil {
			return nil, fmt.Errorf("dist: constant %d: %w", i, err)
		}
		wc.Constants = append(wc.Constants, w)
	}
	return wc, nil
}

func constantToWire(v vm.Value) (wireConstant, error) {
	switch v.Kind() {
	case vm.KindNil:
		return wireConstant{Kind: wireNil}, nil
	case vm.KindBool:
		return wireConstant{Kind: wireBool, Bool: v.AsBool()}, nil
	case vm.KindNumber:
		return wireConstant{Kind: wireNumber, Num: v.AsNumber()}, nil
	case vm.KindString:
		return wireConstant{Kind: wireString, Str: v.AsString()}, nil
	case vm.KindFunction:
		fn := v.AsFunction()
		inner, err := toWire(fn.Chunk)
		if err != nil {
			return wireConstant{}, err
		}
		return wireConstant{Kind: wireFunction, Fn: &wireFn{
			Name:         fn.Name,
			Arity:        fn.Arity,
			UpvalueCount: fn.UpvalueCount,
			Chunk:        *inner,
		}}, nil
	default:
		return wireConstant{}, fmt.Errorf("cannot encode constant of kind %s", v.Kind())
	}
}

func fromWire(wc *wireChunk) (*vm.Chunk, error) {
	c := &vm.Chunk{
		Code:  wc.Code,
		Lines: wc.Lines,
	}
	for i, w := range wc.Constants {
		v, err := constantFromWire(w)
		if err != nil {
			return nil, fmt.Errorf("dist: constant %d: %w", i, err)
		}
		c.Constants = append(c.Constants, v)
	}
	return c, nil
}

func constantFromWire(w wireConstant) (vm.Value, error) {
	switch w.Kind {
	case wireNil:
		return vm.Nil(), nil
	case wireBool:
		return vm.Bool(w.Bool), nil
	case wireNumber:
		return vm.Number(w.Num), nil
	case wireString:
		return vm.String(w.Str), nil
	case wireFunction:
		if w.Fn == nil {
			return vm.Value{}, fmt.Errorf("function constant missing body")
		}
		inner, err := fromWire(&w.Fn.Chunk)
		if err != nil {
			return vm.Value{}, err
		}
		fn := &vm.Function{
			Name:         w.Fn.Name,
			Arity:        w.Fn.Arity,
			UpvalueCount: w.Fn.UpvalueCount,
			Chunk:        inner,
		}
		return vm.FunctionVal(fn), nil
	default:
		return vm.Value{}, fmt.Errorf("unknown constant kind %d", w.Kind)
	}
}
