//go:build linux
// +build linux

package cliffi

import "fmt"

////////////////////////////////////////////////////////////////////////////////
// Layout engine (natural SysV alignment, or packed)
////////////////////////////////////////////////////////////////////////////////

// Layout is the placement of one struct level.
type Layout struct {
	Size    uintptr
	Align   uintptr
	Offsets []uintptr
}

// StructLayout computes field offsets, size and alignment of s. Natural layout
// pads every field to its alignment and the total to the widest alignment;
// packed layout has no padding at all and alignment 1.
func StructLayout(s *StructInfo) (Layout, error) {
	if s == nil {
		return Layout{}, fmt.Errorf("layout: missing struct description")
	}
	offsets := make([]uintptr, len(s.Fields))
	var off uintptr
	maxAlign := uintptr(1)
	for i, f := range s.Fields {
		size, align, err := fieldShape(f)
		if err != nil {
			return Layout{}, fmt.Errorf("layout: field %d: %w", i, err)
		}
		if !s.Packed {
			off = alignUp(off, align)
			if align > maxAlign {
				maxAlign = align
			}
		}
		offsets[i] = off
		off += size
	}
	if s.Packed {
		return Layout{Size: off, Align: 1, Offsets: offsets}, nil
	}
	return Layout{Size: alignUp(off, maxAlign), Align: maxAlign, Offsets: offsets}, nil
}

// fieldShape is the size and alignment a occupies inside a struct.
func fieldShape(a *ArgInfo) (size, align uintptr, err error) {
	if a.PointerDepth > 0 {
		return ptrSize, ptrSize, nil
	}
	if a.Type == TypeStruct {
		l, err := StructLayout(a.Struct)
		if err != nil {
			return 0, 0, err
		}
		return l.Size, l.Align, nil
	}
	if a.IsArray() {
		n, err := arrayLen(a)
		if err != nil {
			return 0, 0, err
		}
		return uintptr(n) * a.elemSize(), TypeAlign(a.Type, a.ElemPointerDepth), nil
	}
	if !a.Type.isPrimitive() || a.Type == TypeVoid {
		return 0, 0, fmt.Errorf("%s has no storage size", a.Type)
	}
	return TypeSize(a.Type, 0), TypeAlign(a.Type, 0), nil
}

// valueSize is the number of bytes a occupies when stored by value, which for
// an array is its whole element buffer.
func valueSize(a *ArgInfo) (uintptr, error) {
	if a.Type == TypeStruct && a.PointerDepth == 0 {
		l, err := StructLayout(a.Struct)
		return l.Size, err
	}
	size, _, err := fieldShape(a)
	return size, err
}

// arrayLen is the current element count of an array. A count taken from
// another value is read at the time of the call, so an out-parameter that the
// callee fills in yields the new count.
func arrayLen(a *ArgInfo) (int, error) {
	switch a.Array {
	case ArrayStaticSize, ArraySizeUnset:
		return a.Size, nil
	case ArraySizeAtArgInfo:
		if a.SizeArg == nil {
			return 0, fmt.Errorf("array size argument is missing")
		}
		n, ok := countFrom(a.SizeArg)
		if !ok {
			return 0, fmt.Errorf("array size argument of type %s is not readable as a count", FormatType(a.SizeArg))
		}
		return n, nil
	case ArraySizeAtArgNum:
		return 0, fmt.Errorf("array size at argument %d was never resolved", a.SizeArgNum)
	}
	return 0, fmt.Errorf("not an array")
}

// countFrom reads an integral value usable as an element count.
func countFrom(a *ArgInfo) (int, bool) {
	if a.IsArray() || a.Type == TypeStruct {
		return 0, false
	}
	switch v := currentLeaf(a).(type) {
	case Int:
		if v < 0 {
			return 0, false
		}
		return int(v), true
	case Uint:
		return int(v), true
	case Bool:
		if v {
			return 1, true
		}
		return 0, true
	case Null:
		return 0, true
	}
	return 0, false
}

func alignUp(x, a uintptr) uintptr {
	if a <= 1 {
		return x
	}
	m := a - 1
	return (x + m) &^ m
}
