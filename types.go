//go:build linux
// +build linux

// types.go: the dynamic type and value model shared by every other file.
//
// What this file does
// -------------------
// A call description is a tree of *ArgInfo. Each node carries a primitive
// ArgType plus three orthogonal shape annotations:
//
//   - PointerDepth: how many indirections sit between the slot and the value.
//   - Array:        none, a fixed element count, a count taken from another
//     argument, or "unset" (count implied by the literal given).
//   - Struct:       an ordered field list (natural or packed layout).
//
// The literal a user typed is held in ArgInfo.Value, a closed sum type. Once a
// node has been marshaled into native memory it also remembers where its
// storage lives (see memory.go); reads after a call go through that storage so
// printing a struct field or an out-pointer shows what the callee wrote.
//
// Scope of the public API
// -----------------------
// Public:  ArgType, ArrayMode, ArgInfo, StructInfo, FunctionCallInfo, Value and
//
//	its variants, TypeSize/TypeAlign.
//
// Private: flag-char tables and small predicates used by the parser.
package cliffi

import (
	"fmt"
	"unsafe"
)

/* ===========================
   PUBLIC API
   =========================== */

// Version of the cliffi tool.
const Version = "v1.12.6"

// ArgType is the primitive tag of a value. Its byte value is the typeflag
// character used in the grammar.
type ArgType byte

const (
	TypeUnknown ArgType = 0
	TypeChar    ArgType = 'c'
	TypeShort   ArgType = 'h'
	TypeInt     ArgType = 'i'
	TypeLong    ArgType = 'l'
	TypeUChar   ArgType = 'C'
	TypeUShort  ArgType = 'H'
	TypeUInt    ArgType = 'I'
	TypeULong   ArgType = 'L'
	TypeFloat   ArgType = 'f'
	TypeDouble  ArgType = 'd'
	TypeBool    ArgType = 'b'
	TypeString  ArgType = 's'
	TypeVoidPtr ArgType = 'P'
	TypeVoid    ArgType = 'v'
	TypeStruct  ArgType = 'S'
	TypeArray   ArgType = 'a' // grammar infix only; arrays are modeled via ArgInfo.Array
	TypePointer ArgType = 'p' // grammar prefix only; pointers are modeled via PointerDepth
)

// ArrayMode describes whether and how an ArgInfo is an array.
type ArrayMode int

const (
	NotArray           ArrayMode = iota
	ArraySizeUnset               // size implied by the literal (arguments only)
	ArrayStaticSize              // ArgInfo.Size elements
	ArraySizeAtArgNum            // size is the value of argument SizeArgNum (0 = return)
	ArraySizeAtArgInfo           // SizeArgNum resolved to SizeArg after parsing
)

func (m ArrayMode) String() string {
	switch m {
	case NotArray:
		return "none"
	case ArraySizeUnset:
		return "unset"
	case ArrayStaticSize:
		return "static"
	case ArraySizeAtArgNum:
		return "argnum"
	case ArraySizeAtArgInfo:
		return "arginfo"
	}
	return fmt.Sprintf("ArrayMode(%d)", int(m))
}

// ArgInfo is one parsed value: an argument, a return slot, a struct field or a
// stored variable.
type ArgInfo struct {
	Type             ArgType
	Explicit         bool // typeflag given (vs inferred from the literal)
	PointerDepth     int
	Array            ArrayMode
	ElemPointerDepth int      // array elements are pointers this deep
	Size             int      // static or implied element count
	SizeArgNum       int      // for ArraySizeAtArgNum
	SizeArg          *ArgInfo // for ArraySizeAtArgInfo
	Struct           *StructInfo
	OutPointer       bool // callee allocates and writes back
	Null             bool // declared with N/O or without a literal
	Value            Value

	// storage after marshaling; zero until the node has been placed in memory
	slot View
	// set on struct fields; an array field without a pointer prefix is stored
	// inline instead of behind a pointer
	inStruct bool
}

// StructInfo is one struct level: the fields in declaration order.
type StructInfo struct {
	Fields []*ArgInfo
	Packed bool
}

// FunctionCallInfo is a full call description.
type FunctionCallInfo struct {
	LibraryPath  string
	FunctionName string
	Return       *ArgInfo
	Args         []*ArgInfo
	VarargStart  int // -1 when the call is not variadic
}

// IsArray reports whether a is any kind of array.
func (a *ArgInfo) IsArray() bool { return a.Array != NotArray }

// IsVariadic reports whether the call has a vararg boundary.
func (f *FunctionCallInfo) IsVariadic() bool { return f.VarargStart >= 0 }

// Value is the closed set of literal payloads an ArgInfo can hold.
type Value interface {
	isValue()
}

type (
	// Int holds any signed integer type (char, short, int, long).
	Int int64
	// Uint holds any unsigned integer type.
	Uint uint64
	// Float holds float and double.
	Float float64
	// Bool holds a C bool.
	Bool bool
	// Str holds the text of a NUL-terminated C string.
	Str string
	// Addr holds a raw native address.
	Addr uintptr
	// Elems holds the elements of an array, one Value per element.
	Elems []Value
	// Bytes holds raw array bytes given as a hex literal.
	Bytes []byte
	// Null is the absence of a literal.
	Null struct{}
)

func (Int) isValue()   {}
func (Uint) isValue()  {}
func (Float) isValue() {}
func (Bool) isValue()  {}
func (Str) isValue()   {}
func (Addr) isValue()  {}
func (Elems) isValue() {}
func (Bytes) isValue() {}
func (Null) isValue()  {}

// Native widths for the supported target (Linux, LP64 or ILP32).
const (
	ptrSize  = unsafe.Sizeof(uintptr(0))
	longSize = ptrSize
	intSize  = 4
)

// TypeSize returns the storage width in bytes of t behind depth levels of
// indirection. Any positive depth is a pointer.
func TypeSize(t ArgType, depth int) uintptr {
	if depth > 0 {
		return ptrSize
	}
	switch t {
	case TypeChar, TypeUChar, TypeBool:
		return 1
	case TypeShort, TypeUShort:
		return 2
	case TypeInt, TypeUInt, TypeFloat:
		return 4
	case TypeLong, TypeULong:
		return longSize
	case TypeDouble:
		return 8
	case TypeString, TypeVoidPtr, TypeArray, TypePointer:
		return ptrSize
	case TypeVoid:
		return 0
	}
	return 0
}

// TypeAlign returns the natural alignment of t behind depth indirections.
func TypeAlign(t ArgType, depth int) uintptr {
	s := TypeSize(t, depth)
	if s == 0 {
		return 1
	}
	return s
}

// String returns the C-ish display name of a type.
func (t ArgType) String() string {
	switch t {
	case TypeChar:
		return "char"
	case TypeShort:
		return "short"
	case TypeInt:
		return "int"
	case TypeLong:
		return "long"
	case TypeUChar:
		return "uchar"
	case TypeUShort:
		return "ushort"
	case TypeUInt:
		return "uint"
	case TypeULong:
		return "ulong"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeString:
		return "cstring"
	case TypeVoidPtr:
		return "(void*)"
	case TypeVoid:
		return "void"
	case TypeStruct:
		return "struct"
	case TypeArray:
		return "array"
	case TypePointer:
		return "pointer"
	}
	return "unknown"
}

//// END_OF_PUBLIC

// charToType maps a typeflag character to its ArgType.
func charToType(c byte) ArgType {
	switch t := ArgType(c); t {
	case TypeChar, TypeShort, TypeInt, TypeLong,
		TypeUChar, TypeUShort, TypeUInt, TypeULong,
		TypeFloat, TypeDouble, TypeBool, TypeString,
		TypeVoidPtr, TypeVoid, TypeStruct, TypeArray, TypePointer:
		return t
	}
	return TypeUnknown
}

func (t ArgType) isSignedInt() bool {
	switch t {
	case TypeChar, TypeShort, TypeInt, TypeLong:
		return true
	}
	return false
}

func (t ArgType) isUnsignedInt() bool {
	switch t {
	case TypeUChar, TypeUShort, TypeUInt, TypeULong:
		return true
	}
	return false
}

func (t ArgType) isFloat() bool { return t == TypeFloat || t == TypeDouble }

// isPrimitive reports whether t can be used as an array element or scalar.
func (t ArgType) isPrimitive() bool {
	switch t {
	case TypeStruct, TypeArray, TypePointer, TypeUnknown:
		return false
	}
	return true
}

// elemSize is the size of one array element of a.
func (a *ArgInfo) elemSize() uintptr { return TypeSize(a.Type, a.ElemPointerDepth) }

// indirections is the number of pointer hops between a slot and the leaf
// value. Arrays decay to a pointer except when stored inline in a struct.
func (a *ArgInfo) indirections() int {
	if a.IsArray() && !a.isInline() {
		return a.PointerDepth + 1
	}
	return a.PointerDepth
}

func (a *ArgInfo) isInline() bool { return a.IsArray() && a.inStruct && a.PointerDepth == 0 }

// clone makes a deep copy of the description (not of any native storage).
func (a *ArgInfo) clone() *ArgInfo {
	if a == nil {
		return nil
	}
	c := *a
	c.slot = View{}
	if a.Struct != nil {
		s := &StructInfo{Packed: a.Struct.Packed, Fields: make([]*ArgInfo, len(a.Struct.Fields))}
		for i, f := range a.Struct.Fields {
			s.Fields[i] = f.clone()
		}
		relinkSizes(a.Struct, s)
		c.Struct = s
	}
	return &c
}
