//go:build linux
// +build linux

// invoke.go: marshaling a call description into native memory, calling it
// and reading the results back.
//
// Every value placed in memory gets a slot: the storage of the value exactly
// as it is handed to the callee. A depth-0 int's slot holds the int, a
// string's slot holds the char*, an array's slot holds the pointer to its
// buffer, a struct passed by value's slot is the struct bytes. Pointer levels
// are separate pointer-sized cells, each allocated from the arena. After the
// call every read (printing, casts, stores) follows the slot, so whatever the
// callee wrote is what the caller sees.
package cliffi

import (
	"errors"
	"fmt"
	"unsafe"
)

// Invoker performs calls. Memory allocated for arguments and results lives in
// Arena until the owner frees it; values bound to variables keep pointing
// into it.
type Invoker struct {
	Log   *Logger
	Exc   *Exceptions
	Arena *Arena
}

// NewInvoker returns an invoker with a fresh arena. Nil arguments get
// defaults.
func NewInvoker(log *Logger, exc *Exceptions) *Invoker {
	if log == nil {
		log = discardLogger()
	}
	if exc == nil {
		exc = NewExceptions()
	}
	return &Invoker{Log: log, Exc: exc, Arena: NewArena()}
}

// Invoke calls fn as described by call. Arguments and the return value are
// updated in place with what the callee left in memory.
func (iv *Invoker) Invoke(call *FunctionCallInfo, fn unsafe.Pointer) error {
	if fn == nil {
		return fmt.Errorf("function pointer for %s is null", call.FunctionName)
	}
	if call.Return == nil {
		return fmt.Errorf("call to %s has no return type", call.FunctionName)
	}
	iv.Exc.SetSection("invoke_dynamic_function:start")
	err := iv.invoke(call, fn)
	// left set when invoke panics, so the enclosing Try can report it
	iv.Exc.UnsetSection()
	return err
}

func (iv *Invoker) invoke(call *FunctionCallInfo, fn unsafe.Pointer) error {

	if call.IsVariadic() {
		iv.Log.Infof("vararg start: %d", call.VarargStart)
		if err := iv.promoteVarargs(call); err != nil {
			return err
		}
	}

	ar := iv.Arena
	for i, a := range call.Args {
		if err := materialize(a, ar); err != nil {
			return fmt.Errorf("arg[%d]: %w", i, err)
		}
	}
	ret := call.Return
	ret.slot = placeReturn(ret, ar)

	iv.Exc.SetSection("invoke_dynamic_function:ffi_prep")
	fr, err := newCallFrame(len(call.Args))
	if err != nil {
		return err
	}
	defer fr.free()
	for i, a := range call.Args {
		t, err := fr.types.typeFor(a)
		if err != nil {
			return fmt.Errorf("failed to convert arg[%d] to ffi_type: %w", i, err)
		}
		fr.setArg(i, t, a.slot.Ptr())
	}
	rtype, err := fr.types.typeFor(ret)
	if err != nil {
		return fmt.Errorf("failed to convert return type to ffi_type: %w", err)
	}
	nfixed := -1
	if call.IsVariadic() {
		nfixed = call.VarargStart
	}
	if err := fr.prep(rtype, nfixed); err != nil {
		return err
	}

	iv.Exc.SetSection("invoke_dynamic_function:ffi_call")
	if err := guardedCall(fr, fn, ret.slot.Ptr(), iv.Exc.Section()); err != nil {
		return err
	}

	iv.Exc.SetSection("invoke_dynamic_function:after ffi_call")
	narrowReturn(ret)
	if err := fixup(ret); err != nil {
		return err
	}
	ret.Null = false
	for _, a := range call.Args {
		if err := fixup(a); err != nil {
			return err
		}
	}
	if err := syncValue(ret); err != nil {
		return iv.stamp(err)
	}
	for i, a := range call.Args {
		if err := syncValue(a); err != nil {
			return fmt.Errorf("arg[%d]: %w", i, iv.stamp(err))
		}
	}
	return nil
}

// stamp labels a fault from a guarded read with the section it happened in.
func (iv *Invoker) stamp(err error) error {
	var fi *FaultInfo
	if errors.As(err, &fi) {
		fi.Section = iv.Exc.Section()
	}
	return err
}

////////////////////////////////////////////////////////////////////////////////
// Vararg promotion
////////////////////////////////////////////////////////////////////////////////

// promotedType is the C default argument promotion of t, or t itself.
func promotedType(t ArgType) ArgType {
	switch t {
	case TypeFloat:
		return TypeDouble
	case TypeChar, TypeShort, TypeBool:
		return TypeInt
	case TypeUChar, TypeUShort:
		return TypeUInt
	}
	return t
}

func (iv *Invoker) promoteVarargs(call *FunctionCallInfo) error {
	for i := call.VarargStart; i < len(call.Args); i++ {
		a := call.Args[i]
		if a.indirections() > 0 {
			continue
		}
		if a.Type == TypeStruct {
			size, err := valueSize(a)
			if err != nil {
				return err
			}
			if size < intSize {
				return fmt.Errorf("arg[%d] is a vararg struct of %d bytes, smaller than an int, and cannot be promoted", i, size)
			}
			continue
		}
		to := promotedType(a.Type)
		if to == a.Type {
			continue
		}
		if a.Explicit {
			iv.Log.Warnf("arg[%d] is a vararg so it was promoted from %s to %s", i, a.Type, to)
		}
		val := currentLeaf(a)
		p := a.clone()
		p.Type = to
		p.Value = castValue(val, to)
		call.Args[i] = p
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Placing values in memory
////////////////////////////////////////////////////////////////////////////////

// materialize gives a its slot. A value that already has one (a variable
// from an earlier call) keeps it.
func materialize(a *ArgInfo, ar *Arena) error {
	if a.slot.Valid() {
		return nil
	}
	var slot View
	var err error
	switch {
	case a.Type == TypeStruct:
		slot, err = placeStruct(a, ar)
	case a.IsArray():
		slot, err = placeArray(a, ar)
	default:
		slot, err = placeScalar(a, ar)
	}
	if err != nil {
		return err
	}
	a.slot = slot
	return nil
}

// wrap puts n pointer cells above v.
func wrap(ar *Arena, v View, n int) View {
	for i := 0; i < n; i++ {
		v = ar.PointerTo(v)
	}
	return v
}

// nullChain is a cell holding NULL, below levels pointer cells. The callee
// allocates the innermost object and stores its address in the cell.
func nullChain(ar *Arena, levels int) View {
	return wrap(ar, ar.Alloc(ptrSize), levels)
}

// placeLeaf stores one scalar and returns where it lives. A string's leaf is
// a cell holding the char*.
func placeLeaf(ar *Arena, t ArgType, val Value) (View, error) {
	if t == TypeString {
		cell := ar.Alloc(ptrSize)
		if s, ok := val.(Str); ok {
			storePtr(cell, ar.CString(string(s)).Ptr())
		}
		return cell, nil
	}
	if t == TypeVoid {
		return ar.Alloc(ptrSize), nil
	}
	leaf := ar.Alloc(TypeSize(t, 0))
	if val == nil {
		return leaf, nil
	}
	if _, isNull := val.(Null); isNull {
		return leaf, nil
	}
	return leaf, storeScalar(leaf, t, val)
}

func placeScalar(a *ArgInfo, ar *Arena) (View, error) {
	d := a.PointerDepth
	if a.Null && d > 0 {
		switch {
		case !a.OutPointer:
			return ar.Alloc(ptrSize), nil
		case d == 1 && a.Type != TypeVoid:
			leaf, err := placeLeaf(ar, a.Type, Null{})
			return ar.PointerTo(leaf), err
		default:
			return nullChain(ar, d-1), nil
		}
	}
	if a.Type == TypeVoid {
		// pv and deeper only ever carry NULL
		return nullChain(ar, d-1), nil
	}
	leaf, err := placeLeaf(ar, a.Type, a.Value)
	if err != nil {
		return View{}, err
	}
	return wrap(ar, leaf, d), nil
}

func placeArray(a *ArgInfo, ar *Arena) (View, error) {
	ind := a.indirections()
	if a.Null {
		if a.OutPointer && ind >= 2 {
			return nullChain(ar, ind-1), nil
		}
		if a.Array == ArraySizeUnset {
			return ar.Alloc(ptrSize), nil
		}
	}
	buf, err := arrayBuffer(a, ar)
	if err != nil {
		return View{}, err
	}
	return wrap(ar, buf, ind), nil
}

// arrayBuffer allocates and fills the element buffer of a.
func arrayBuffer(a *ArgInfo, ar *Arena) (View, error) {
	n, err := arrayLen(a)
	if err != nil {
		return View{}, err
	}
	esz := a.elemSize()
	if esz == 0 {
		return View{}, fmt.Errorf("array of %s has no element size", a.Type)
	}
	count := n
	if implied := impliedLen(a.Value, esz); implied > count {
		count = implied
	}
	buf := ar.Alloc(uintptr(count) * esz)
	return buf, fillArray(buf, a, ar, count)
}

// impliedLen is the number of elements a literal array value carries.
func impliedLen(v Value, esz uintptr) int {
	switch x := v.(type) {
	case Elems:
		return len(x)
	case Bytes:
		return int((uintptr(len(x)) + esz - 1) / esz)
	}
	return 0
}

// fillArray writes at most limit elements of a's literal into buf.
func fillArray(buf View, a *ArgInfo, ar *Arena, limit int) error {
	esz := a.elemSize()
	switch x := a.Value.(type) {
	case Bytes:
		n := len(x)
		if m := limit * int(esz); n > m {
			n = m
		}
		if n > 0 {
			copy(unsafe.Slice((*byte)(buf.Ptr()), n), x[:n])
		}
	case Elems:
		for i, el := range x {
			if i >= limit {
				break
			}
			ev := buf.At(uintptr(i) * esz)
			if err := storeElem(ev, a, el, ar); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
	}
	return nil
}

func storeElem(ev View, a *ArgInfo, el Value, ar *Arena) error {
	if _, isNull := el.(Null); isNull {
		return nil
	}
	if a.ElemPointerDepth == 0 {
		if a.Type == TypeString {
			if s, ok := el.(Str); ok {
				storePtr(ev, ar.CString(string(s)).Ptr())
			}
			return nil
		}
		return storeScalar(ev, a.Type, el)
	}
	leaf, err := placeLeaf(ar, a.Type, el)
	if err != nil {
		return err
	}
	storePtr(ev, wrap(ar, leaf, a.ElemPointerDepth-1).Ptr())
	return nil
}

func placeStruct(a *ArgInfo, ar *Arena) (View, error) {
	d := a.PointerDepth
	if d > 1 && a.OutPointer {
		return nullChain(ar, d-1), nil
	}
	buf, err := buildStruct(a, ar)
	if err != nil {
		return View{}, err
	}
	return wrap(ar, buf, d), nil
}

// buildStruct allocates the struct bytes of a and writes every field at its
// offset. Each field's slot ends up pointing into the buffer.
func buildStruct(a *ArgInfo, ar *Arena) (View, error) {
	lay, err := StructLayout(a.Struct)
	if err != nil {
		return View{}, err
	}
	buf := ar.Alloc(lay.Size)
	return buf, writeFields(a.Struct, buf, lay, ar)
}

func writeFields(s *StructInfo, base View, lay Layout, ar *Arena) error {
	for i, f := range s.Fields {
		fv := base.At(lay.Offsets[i])
		if err := writeField(f, fv, ar); err != nil {
			return fmt.Errorf("struct field %d: %w", i, err)
		}
		f.slot = fv
	}
	return nil
}

func writeField(f *ArgInfo, fv View, ar *Arena) error {
	switch {
	case f.Type == TypeStruct && f.PointerDepth == 0:
		lay, err := StructLayout(f.Struct)
		if err != nil {
			return err
		}
		return writeFields(f.Struct, fv, lay, ar)
	case f.isInline():
		n, err := arrayLen(f)
		if err != nil {
			return err
		}
		return fillArray(fv, f, ar, n)
	case f.Type == TypeStruct, f.IsArray(), f.PointerDepth > 0, f.Type == TypeString:
		inner := View{}
		var err error
		switch {
		case f.Type == TypeStruct:
			inner, err = placeStruct(f, ar)
		case f.IsArray():
			inner, err = placeArray(f, ar)
		default:
			inner, err = placeScalar(f, ar)
		}
		if err != nil {
			return err
		}
		storePtr(fv, loadPtr(inner))
		return nil
	}
	if f.Value == nil {
		return nil
	}
	if _, isNull := f.Value.(Null); isNull {
		return nil
	}
	return storeScalar(fv, f.Type, f.Value)
}

// placeReturn allocates the buffer libffi writes the result to. Integral
// results narrower than a register come back as a full ffi_arg word.
func placeReturn(a *ArgInfo, ar *Arena) View {
	switch {
	case a.indirections() > 0, a.Type == TypeString, a.Type == TypeVoidPtr:
		return ar.Alloc(ptrSize)
	case a.Type == TypeStruct:
		size, err := valueSize(a)
		if err != nil {
			size = ptrSize
		}
		return ar.Alloc(alignUp(size, ptrSize))
	}
	size := TypeSize(a.Type, 0)
	if size < 8 {
		size = 8
	}
	return ar.Alloc(size)
}

func narrowReturn(a *ArgInfo) {
	if a.indirections() > 0 || !(a.Type.isSignedInt() || a.Type.isUnsignedInt() || a.Type == TypeBool) {
		return
	}
	if TypeSize(a.Type, 0) >= ptrSize {
		return
	}
	word := *(*uintptr)(a.slot.Ptr())
	_ = storeScalar(a.slot, a.Type, castValue(Uint(word), a.Type))
}

////////////////////////////////////////////////////////////////////////////////
// Reading back
////////////////////////////////////////////////////////////////////////////////

// fixup re-derives the field slots of a struct from its slot, following its
// pointer levels. A NULL level marks the value as an out-pointer the callee
// never filled in.
func fixup(a *ArgInfo) error {
	if a.Type != TypeStruct || !a.slot.Valid() {
		return nil
	}
	v := a.slot
	for i := 0; i < a.PointerDepth; i++ {
		p := loadPtr(v)
		if p == nil {
			a.OutPointer = true
			return nil
		}
		v = foreignView(p)
	}
	lay, err := StructLayout(a.Struct)
	if err != nil {
		return err
	}
	for i, f := range a.Struct.Fields {
		f.slot = v.At(lay.Offsets[i])
		if err := fixup(f); err != nil {
			return err
		}
	}
	return nil
}

// leafView follows a's pointer levels (plus array decay) from its slot. It
// fails on a NULL level.
func leafView(a *ArgInfo) (View, bool) {
	v := a.slot
	if !v.Valid() {
		return View{}, false
	}
	for i := 0; i < a.indirections(); i++ {
		p := loadPtr(v)
		if p == nil {
			return View{}, false
		}
		v = foreignView(p)
	}
	return v, true
}

// currentLeaf is the scalar a refers to right now: read through its slot once
// it has one, otherwise the literal it was parsed from. An unreadable string
// reads as NULL; readLeaf reports it instead.
func currentLeaf(a *ArgInfo) Value {
	v, err := readLeaf(a)
	if err != nil {
		return Null{}
	}
	return v
}

func readLeaf(a *ArgInfo) (Value, error) {
	if !a.slot.Valid() {
		if a.Value == nil {
			return Null{}, nil
		}
		return a.Value, nil
	}
	if a.IsArray() || a.Type == TypeStruct || a.Type == TypeVoid {
		return a.Value, nil
	}
	v, ok := leafView(a)
	if !ok {
		return Null{}, nil
	}
	return loadScalar(v, a.Type)
}

// readArray loads the elements of an array from memory. Char arrays come back
// as bytes.
func readArray(a *ArgInfo) (Value, error) {
	if !a.slot.Valid() {
		return a.Value, nil
	}
	buf, ok := leafView(a)
	if !ok {
		return Null{}, nil
	}
	n, err := arrayLen(a)
	if err != nil {
		return nil, err
	}
	esz := a.elemSize()
	if a.ElemPointerDepth == 0 && (a.Type == TypeChar || a.Type == TypeUChar) {
		out := make(Bytes, n)
		if n > 0 {
			copy(out, unsafe.Slice((*byte)(buf.Ptr()), n))
		}
		return out, nil
	}
	out := make(Elems, n)
	for i := range out {
		ev := buf.At(uintptr(i) * esz)
		for j := 0; j < a.ElemPointerDepth && ev.Valid(); j++ {
			ev = foreignView(loadPtr(ev))
		}
		if !ev.Valid() {
			out[i] = Null{}
			continue
		}
		if out[i], err = loadScalar(ev, a.Type); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// syncValue copies what memory holds back into a.Value. It stops at the first
// string that cannot be read.
func syncValue(a *ArgInfo) error {
	switch {
	case !a.slot.Valid(), a.Type == TypeVoid:
	case a.Type == TypeStruct:
		if _, ok := leafView(a); ok && a.Struct != nil {
			for _, f := range a.Struct.Fields {
				if err := syncValue(f); err != nil {
					return err
				}
			}
		}
	case a.IsArray():
		v, err := readArray(a)
		var fi *FaultInfo
		if errors.As(err, &fi) {
			return err
		}
		if err == nil {
			a.Value = v
		}
	default:
		v, err := readLeaf(a)
		if err != nil {
			return err
		}
		a.Value = v
	}
	return nil
}

// dataAddr is the address a value's data lives at: the buffer of an array or
// the struct bytes, after following pointer levels.
func dataAddr(a *ArgInfo) (uintptr, bool) {
	if !a.slot.Valid() {
		return 0, false
	}
	v, ok := leafView(a)
	if !ok {
		return 0, false
	}
	return v.Addr(), true
}

// snapshot copies a value together with what its memory currently holds, so
// it can be embedded in a new description without sharing storage.
func snapshot(a *ArgInfo) *ArgInfo {
	c := a.clone()
	switch {
	case a.Type == TypeStruct:
		for i, f := range a.Struct.Fields {
			c.Struct.Fields[i] = snapshot(f)
			c.Struct.Fields[i].inStruct = true
		}
		relinkSizes(a.Struct, c.Struct)
	case a.IsArray():
		if v, err := readArray(a); err == nil {
			c.Value = v
		}
	default:
		c.Value = currentLeaf(a)
	}
	if _, isNull := c.Value.(Null); !isNull && c.Value != nil {
		c.Null = false
	}
	return c
}

// relinkSizes points t<n> sizes of copied fields at the copied counterparts.
func relinkSizes(from, to *StructInfo) {
	for i, f := range from.Fields {
		if f.SizeArg == nil {
			continue
		}
		for j, g := range from.Fields {
			if g == f.SizeArg {
				to.Fields[i].SizeArg = to.Fields[j]
			}
		}
	}
}
