// Package keys implements the pluggable document-id and secondary-key
// encodings. Every key kind provides a canonical, order-preserving byte
// encoding so that B-Tree comparisons can stay a plain byte-wise compare,
// the same scheme the teacher codebase uses for its ValueToKey helper,
// generalized from a single string-ish encoding into a set of typed kinds.
package keys

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a document-id generation and encoding strategy.
type Kind byte

const (
	// KindObjectID generates a 12-byte time-ordered identifier, the same
	// size as a Mongo-style ObjectID: 4-byte unix seconds, a 4-byte value
	// from a process-wide counter, one byte of the clock's nanoseconds, and
	// the low 3 bytes of a second draw from the same counter. No byte is
	// random or machine-specific.
	KindObjectID Kind = iota
	// KindInteger generates a monotonically increasing unsigned 64-bit id,
	// scoped per collection.
	KindInteger
	// KindUUID generates a random (v4) UUID via google/uuid.
	KindUUID
	// KindString never generates — callers must always supply their own id.
	KindString
)

// Generator produces and encodes ids for one key kind. Generators are safe
// for concurrent use.
type Generator interface {
	Kind() Kind
	// Generate returns a fresh id for an insert that did not supply one.
	// KindString generators always return an error; callers of that kind
	// must supply an id explicitly.
	Generate() ([]byte, error)
	// Encode converts an arbitrary id value (as supplied by the caller, or
	// as produced by Generate) into its canonical ordered byte form.
	Encode(v interface{}) ([]byte, error)
}

// NewGenerator returns the Generator for the given kind. seq is consulted
// only by KindInteger.
func NewGenerator(kind Kind, seq *atomic.Uint64) Generator {
	switch kind {
	case KindObjectID:
		return &objectIDGen{}
	case KindInteger:
		return &integerGen{seq: seq}
	case KindUUID:
		return &uuidGen{}
	default:
		return &stringGen{}
	}
}

// ---------- object-id ----------

type objectIDGen struct{}

func (objectIDGen) Kind() Kind { return KindObjectID }

var objectIDCounter atomic.Uint32

func (objectIDGen) Generate() ([]byte, error) {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	// Bytes 4-7: the next value of the process-wide counter, shared by every
	// generator in the process.
	tag := objectIDCounter.Add(1)
	b[4] = byte(tag >> 24)
	b[5] = byte(tag >> 16)
	b[6] = byte(tag >> 8)
	b[7] = byte(tag)
	b[8] = byte(time.Now().Nanosecond())
	ctr := objectIDCounter.Add(1)
	b[9] = byte(ctr >> 16)
	b[10] = byte(ctr >> 8)
	b[11] = byte(ctr)
	return b[:], nil
}

func (objectIDGen) Encode(v interface{}) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok || len(b) != 12 {
		return nil, fmt.Errorf("keys: object-id must be a 12-byte value")
	}
	// Already big-endian / lexicographically ordered.
	out := make([]byte, 12)
	copy(out, b)
	return out, nil
}

// ---------- integer ----------

type integerGen struct {
	seq *atomic.Uint64
}

func (integerGen) Kind() Kind { return KindInteger }

func (g *integerGen) Generate() ([]byte, error) {
	n := g.seq.Add(1)
	return g.Encode(n)
}

func (integerGen) Encode(v interface{}) ([]byte, error) {
	var n uint64
	switch x := v.(type) {
	case uint64:
		n = x
	case int64:
		n = uint64(x)
	case int:
		n = uint64(x)
	default:
		return nil, fmt.Errorf("keys: integer id must be an integer, got %T", v)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n) // big-endian keeps numeric and byte order aligned
	return b, nil
}

// ---------- uuid ----------

type uuidGen struct{}

func (uuidGen) Kind() Kind { return KindUUID }

func (uuidGen) Generate() ([]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("keys: generate uuid: %w", err)
	}
	b := id[:]
	return b, nil
}

func (uuidGen) Encode(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x[:], nil
	case []byte:
		if len(x) != 16 {
			return nil, fmt.Errorf("keys: uuid must be 16 bytes")
		}
		out := make([]byte, 16)
		copy(out, x)
		return out, nil
	case string:
		id, err := uuid.Parse(x)
		if err != nil {
			return nil, fmt.Errorf("keys: parse uuid: %w", err)
		}
		return id[:], nil
	default:
		return nil, fmt.Errorf("keys: uuid id must be a uuid.UUID, []byte or string, got %T", v)
	}
}

// ---------- string ----------

type stringGen struct{}

func (stringGen) Kind() Kind { return KindString }

func (stringGen) Generate() ([]byte, error) {
	return nil, fmt.Errorf("keys: string key kind requires an explicit id")
}

func (stringGen) Encode(v interface{}) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("keys: string id must be a string, got %T", v)
	}
	return []byte(s), nil
}

// EncodeFieldValue converts a decoded document field value into an
// order-preserving byte encoding usable as a secondary-index key. This is
// the generalized form of the teacher's ValueToKey: the same prefix-tagged
// scheme, but emitted as bytes instead of a formatted string so composite
// keys can be built by concatenation.
func EncodeFieldValue(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{0x00}
	case bool:
		if val {
			return []byte{0x01, 0x01}
		}
		return []byte{0x01, 0x00}
	case int64:
		return encodeOrderedInt(val)
	case int:
		return encodeOrderedInt(int64(val))
	case float64:
		return encodeOrderedFloat(val)
	case string:
		b := make([]byte, 0, len(val)+1)
		b = append(b, 0x03)
		b = append(b, []byte(val)...)
		return b
	default:
		return []byte{0xFF}
	}
}

// encodeOrderedInt flips the sign bit so two's-complement integers compare
// correctly byte-wise once big-endian encoded.
func encodeOrderedInt(n int64) []byte {
	u := uint64(n) ^ (1 << 63)
	b := make([]byte, 9)
	b[0] = 0x02
	binary.BigEndian.PutUint64(b[1:], u)
	return b
}

// encodeOrderedFloat maps IEEE-754 bit patterns onto an order-preserving
// unsigned encoding: flip all bits for negatives, flip only the sign bit for
// non-negatives.
func encodeOrderedFloat(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 9)
	b[0] = 0x04
	binary.BigEndian.PutUint64(b[1:], bits)
	return b
}

// EncodeComposite concatenates length-prefixed component encodings so a
// composite key compares component-by-component in declared field order.
func EncodeComposite(parts ...[]byte) []byte {
	out := make([]byte, 0, 64)
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		out = append(out, lenBuf[:]...)
		out = append(out, p...)
	}
	return out
}
