//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"math"
	"unsafe"
)

// -------------------------
// Arena & views
// -------------------------

// block is one contiguous region of native memory. Foreign blocks belong to
// the callee and have an unknown size.
type block struct {
	base unsafe.Pointer
	size uintptr
}

// View addresses native memory as a block plus a byte offset. Keeping the
// block around (instead of a bare pointer) lets bounds be checked when the
// size is known.
type View struct {
	blk *block
	off uintptr
}

// Valid reports whether v points somewhere.
func (v View) Valid() bool { return v.blk != nil && v.blk.base != nil }

// Ptr returns the address v designates.
func (v View) Ptr() unsafe.Pointer {
	if !v.Valid() {
		return nil
	}
	return unsafe.Add(v.blk.base, v.off)
}

// Addr is Ptr as an integer.
func (v View) Addr() uintptr { return uintptr(v.Ptr()) }

// At returns a view off bytes further into the same block.
func (v View) At(off uintptr) View { return View{blk: v.blk, off: v.off + off} }

func (v View) fits(n uintptr) bool {
	if !v.Valid() {
		return false
	}
	return v.blk.size == 0 || v.off+n <= v.blk.size
}

// foreignView wraps memory cliffi did not allocate (returned by a callee or
// typed in as an address).
func foreignView(p unsafe.Pointer) View {
	if p == nil {
		return View{}
	}
	return View{blk: &block{base: p}}
}

// Arena owns every native allocation made while marshaling one call. Values
// bound to variables keep pointing into it, so the session keeps arenas alive
// and tests release them explicitly.
type Arena struct {
	blocks []*block
}

// NewArena returns an empty arena.
func NewArena() *Arena { return &Arena{} }

// Alloc returns n zeroed bytes of C heap.
func (a *Arena) Alloc(n uintptr) View {
	if n == 0 {
		n = 1
	}
	p := cCalloc(1, n)
	if p == nil {
		panic(fmt.Sprintf("calloc(%d) failed", n))
	}
	b := &block{base: p, size: n}
	a.blocks = append(a.blocks, b)
	return View{blk: b}
}

// CString copies s to the C heap with a trailing NUL.
func (a *Arena) CString(s string) View {
	v := a.Alloc(uintptr(len(s)) + 1)
	if len(s) > 0 {
		copy(unsafe.Slice((*byte)(v.Ptr()), len(s)), s)
	}
	return v
}

// PointerTo allocates a pointer-sized cell holding target's address.
func (a *Arena) PointerTo(target View) View {
	cell := a.Alloc(ptrSize)
	storePtr(cell, target.Ptr())
	return cell
}

// Free releases every block. Views into the arena are invalid afterwards.
func (a *Arena) Free() {
	for _, b := range a.blocks {
		cFree(b.base)
		b.base = nil
	}
	a.blocks = nil
}

// Len is the number of live blocks.
func (a *Arena) Len() int { return len(a.blocks) }

// -------------------------
// Scalar codec
// -------------------------

func storePtr(v View, p unsafe.Pointer) { *(*unsafe.Pointer)(v.Ptr()) = p }
func loadPtr(v View) unsafe.Pointer     { return *(*unsafe.Pointer)(v.Ptr()) }

// uintptrToPointer turns a typed-in or computed address into a pointer. The
// memory behind it is never owned by Go.
func uintptrToPointer(u uintptr) unsafe.Pointer { return *(*unsafe.Pointer)(unsafe.Pointer(&u)) }

// storeScalar writes val as a t at v. Integer values are truncated to the
// width of t the way a C cast would.
func storeScalar(v View, t ArgType, val Value) error {
	if !v.fits(TypeSize(t, 0)) {
		return fmt.Errorf("store of %s out of bounds", t)
	}
	p := v.Ptr()
	switch t {
	case TypeChar, TypeUChar, TypeBool:
		*(*uint8)(p) = uint8(valueBits(val))
	case TypeShort, TypeUShort:
		*(*uint16)(p) = uint16(valueBits(val))
	case TypeInt, TypeUInt:
		*(*uint32)(p) = uint32(valueBits(val))
	case TypeLong, TypeULong:
		if longSize == 8 {
			*(*uint64)(p) = valueBits(val)
		} else {
			*(*uint32)(p) = uint32(valueBits(val))
		}
	case TypeFloat:
		*(*float32)(p) = float32(valueFloat(val))
	case TypeDouble:
		*(*float64)(p) = valueFloat(val)
	case TypeVoidPtr:
		*(*uintptr)(p) = uintptr(valueBits(val))
	default:
		return fmt.Errorf("cannot store a %s as a scalar", t)
	}
	return nil
}

// loadScalar reads a t from v. The characters behind a string pointer are
// read under the fault guard.
func loadScalar(v View, t ArgType) (Value, error) {
	p := v.Ptr()
	switch t {
	case TypeChar:
		return Int(*(*int8)(p)), nil
	case TypeShort:
		return Int(*(*int16)(p)), nil
	case TypeInt:
		return Int(*(*int32)(p)), nil
	case TypeLong:
		if longSize == 8 {
			return Int(*(*int64)(p)), nil
		}
		return Int(*(*int32)(p)), nil
	case TypeUChar:
		return Uint(*(*uint8)(p)), nil
	case TypeUShort:
		return Uint(*(*uint16)(p)), nil
	case TypeUInt:
		return Uint(*(*uint32)(p)), nil
	case TypeULong:
		if longSize == 8 {
			return Uint(*(*uint64)(p)), nil
		}
		return Uint(*(*uint32)(p)), nil
	case TypeBool:
		return Bool(*(*uint8)(p) != 0), nil
	case TypeFloat:
		return Float(*(*float32)(p)), nil
	case TypeDouble:
		return Float(*(*float64)(p)), nil
	case TypeVoidPtr:
		return Addr(*(*uintptr)(p)), nil
	case TypeString:
		s := loadPtr(v)
		if s == nil {
			return Null{}, nil
		}
		str, err := readCString(s)
		if err != nil {
			return nil, err
		}
		return Str(str), nil
	}
	return Null{}, nil
}

// valueBits returns the two's-complement bit pattern of an integral value.
func valueBits(val Value) uint64 {
	switch x := val.(type) {
	case Int:
		return uint64(x)
	case Uint:
		return uint64(x)
	case Bool:
		if x {
			return 1
		}
		return 0
	case Addr:
		return uint64(x)
	case Float:
		return uint64(int64(x))
	}
	return 0
}

func valueFloat(val Value) float64 {
	switch x := val.(type) {
	case Float:
		return float64(x)
	case Int:
		return float64(x)
	case Uint:
		return float64(x)
	case Bool:
		if x {
			return 1
		}
	case Addr:
		return float64(x)
	}
	return 0
}

// castValue converts val to the representation used for t, narrowing like C.
func castValue(val Value, t ArgType) Value {
	switch t {
	case TypeChar:
		return Int(int8(valueBits(val)))
	case TypeShort:
		return Int(int16(valueBits(val)))
	case TypeInt:
		return Int(int32(valueBits(val)))
	case TypeLong:
		if longSize == 8 {
			return Int(int64(valueBits(val)))
		}
		return Int(int32(valueBits(val)))
	case TypeUChar:
		return Uint(uint8(valueBits(val)))
	case TypeUShort:
		return Uint(uint16(valueBits(val)))
	case TypeUInt:
		return Uint(uint32(valueBits(val)))
	case TypeULong:
		if longSize == 8 {
			return Uint(valueBits(val))
		}
		return Uint(uint32(valueBits(val)))
	case TypeBool:
		return Bool(valueBits(val) != 0)
	case TypeFloat:
		return Float(float32(valueFloat(val)))
	case TypeDouble:
		return Float(valueFloat(val))
	case TypeVoidPtr:
		return Addr(uintptr(valueBits(val)))
	case TypeString:
		if s, ok := val.(Str); ok {
			return s
		}
	}
	return val
}

// isNaNOrInf is used by the printer to keep C's spelling of special floats.
func isNaNOrInf(f float64) bool { return math.IsNaN(f) || math.IsInf(f, 0) }
