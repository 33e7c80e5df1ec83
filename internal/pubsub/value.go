package pubsub

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ValueType tags the wire encoding of a published value. Numeric
// values travel as a raw 8-byte little-endian field; str, json and bin
// carry their bytes directly.
type ValueType uint8

const (
	TYPE_NULL ValueType = 0
	TYPE_STR  ValueType = 1
	TYPE_JSON ValueType = 2
	TYPE_BIN  ValueType = 3
	TYPE_F32  ValueType = 6
	TYPE_F64  ValueType = 7
	TYPE_U8   ValueType = 8
	TYPE_U16  ValueType = 9
	TYPE_U32  ValueType = 10
	TYPE_U64  ValueType = 11
	TYPE_I8   ValueType = 12
	TYPE_I16  ValueType = 13
	TYPE_I32  ValueType = 14
	TYPE_I64  ValueType = 15
)

// IsNumeric reports whether the type rides the 8-byte numeric field.
func (t ValueType) IsNumeric() bool {
	switch t {
	case TYPE_F32, TYPE_F64, TYPE_U8, TYPE_U16, TYPE_U32, TYPE_U64,
		TYPE_I8, TYPE_I16, TYPE_I32, TYPE_I64:
		return true
	}
	return false
}

// Value is one published value: a type tag plus either raw bytes
// (str/json/bin) or the numeric field holding the raw little-endian
// bits.
type Value struct {
	Type  ValueType
	Bytes []byte
	Num   uint64
}

func Null() Value         { return Value{Type: TYPE_NULL} }
func Str(s string) Value  { return Value{Type: TYPE_STR, Bytes: []byte(s)} }
func JSON(s string) Value { return Value{Type: TYPE_JSON, Bytes: []byte(s)} }
func Bin(b []byte) Value  { return Value{Type: TYPE_BIN, Bytes: b} }
func U8(v uint8) Value    { return Value{Type: TYPE_U8, Num: uint64(v)} }
func U16(v uint16) Value  { return Value{Type: TYPE_U16, Num: uint64(v)} }
func U32(v uint32) Value  { return Value{Type: TYPE_U32, Num: uint64(v)} }
func U64(v uint64) Value  { return Value{Type: TYPE_U64, Num: v} }
func I8(v int8) Value     { return Value{Type: TYPE_I8, Num: uint64(uint8(v))} }
func I16(v int16) Value   { return Value{Type: TYPE_I16, Num: uint64(uint16(v))} }
func I32(v int32) Value   { return Value{Type: TYPE_I32, Num: uint64(uint32(v))} }
func I64(v int64) Value   { return Value{Type: TYPE_I64, Num: uint64(v)} }
func F32(v float32) Value { return Value{Type: TYPE_F32, Num: uint64(math.Float32bits(v))} }
func F64(v float64) Value { return Value{Type: TYPE_F64, Num: math.Float64bits(v)} }

// AsU32 returns the value as a uint32, truncating larger numerics.
func (v Value) AsU32() uint32 { return uint32(v.Num) }

// AsI32 returns the value as an int32.
func (v Value) AsI32() int32 { return int32(uint32(v.Num)) }

// AsU64 returns the raw numeric field.
func (v Value) AsU64() uint64 { return v.Num }

// AsF32 reinterprets the numeric field as a float32.
func (v Value) AsF32() float32 { return math.Float32frombits(uint32(v.Num)) }

// AsF64 reinterprets the numeric field as a float64.
func (v Value) AsF64() float64 { return math.Float64frombits(v.Num) }

// Text returns TYPE_STR and TYPE_JSON content as a string.
func (v Value) Text() string { return string(v.Bytes) }

// String formats the value for logs and the monitor output.
func (v Value) String() string {
	switch v.Type {
	case TYPE_NULL:
		return "null"
	case TYPE_STR:
		return fmt.Sprintf("%q", string(v.Bytes))
	case TYPE_JSON:
		return string(v.Bytes)
	case TYPE_BIN:
		return fmt.Sprintf("bin[%d]", len(v.Bytes))
	case TYPE_F32:
		return fmt.Sprintf("%g", v.AsF32())
	case TYPE_F64:
		return fmt.Sprintf("%g", v.AsF64())
	case TYPE_U8, TYPE_U16, TYPE_U32, TYPE_U64:
		return fmt.Sprintf("%d", v.Num)
	case TYPE_I8:
		return fmt.Sprintf("%d", int8(v.Num))
	case TYPE_I16:
		return fmt.Sprintf("%d", int16(v.Num))
	case TYPE_I32:
		return fmt.Sprintf("%d", v.AsI32())
	case TYPE_I64:
		return fmt.Sprintf("%d", int64(v.Num))
	default:
		return fmt.Sprintf("type(%d)", uint8(v.Type))
	}
}

// numBytes returns the 8-byte wire form of the numeric field.
func (v Value) numBytes() []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v.Num)
	return b[:]
}
