//go:build linux
// +build linux

package cliffi

/*
#define _GNU_SOURCE
#cgo LDFLAGS: -ldl
#cgo pkg-config: libffi
#include <ffi.h>
#include <dlfcn.h>
#include <stdlib.h>
#include <string.h>
#include <stdint.h>

// Allocate a cif on the C heap (so it outlives the Go stack frame).
static ffi_cif* cl_alloc_cif(void) {
	return (ffi_cif*)calloc(1, sizeof(ffi_cif));
}

static int cl_prep_cif(ffi_cif* cif, unsigned int nargs, ffi_type* rtype, ffi_type** atypes) {
	return ffi_prep_cif(cif, FFI_DEFAULT_ABI, nargs, rtype, atypes);
}

static int cl_prep_cif_var(ffi_cif* cif, unsigned int nfixed, unsigned int ntotal,
                           ffi_type* rtype, ffi_type** atypes) {
	return ffi_prep_cif_var(cif, FFI_DEFAULT_ABI, nfixed, ntotal, rtype, atypes);
}

static void* cl_dlopen(const char* path) {
	return dlopen(path, RTLD_LAZY);
}
static const char* cl_dlerror(void) {
	return dlerror();
}
static int cl_dlclose(void* h) {
	return dlclose(h);
}

// Clear dlerror, call dlsym, and return the error (if any) alongside the symbol.
static void* cl_dlsym_clear(void* h, const char* name, char** err) {
	dlerror();
	void* p = dlsym(h, name);
	char* e = dlerror();
	if (e) { if (err) *err = e; return NULL; }
	if (err) *err = NULL;
	return p;
}

// -------- aggregate descriptors ----------
static ffi_type* cl_new_struct_type(size_t n) {
	ffi_type* t = (ffi_type*)calloc(1, sizeof(ffi_type));
	if (!t) return NULL;
	t->type = FFI_TYPE_STRUCT;
	t->elements = (ffi_type**)calloc(n + 1, sizeof(ffi_type*));
	if (!t->elements) { free(t); return NULL; }
	return t;
}
static void cl_struct_set_elem(ffi_type* t, size_t i, ffi_type* e) {
	t->elements[i] = e;
}
// Packed aggregates: libffi only computes natural layouts, and skips the
// computation for types whose size is already set.
static void cl_struct_set_packed(ffi_type* t, size_t size) {
	t->size = size;
	t->alignment = 1;
}
static int cl_struct_offsets(ffi_type* t, size_t* offsets) {
	return ffi_get_struct_offsets(FFI_DEFAULT_ABI, t, offsets);
}
static size_t cl_type_size(ffi_type* t) { return t->size; }
static unsigned short cl_type_align(ffi_type* t) { return t->alignment; }
static void cl_free_struct_type(ffi_type* t) {
	free(t->elements);
	free(t);
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// -------------------------
// Centralized cgo helpers
// -------------------------

// memory
func cCalloc(count, size uintptr) unsafe.Pointer { return C.calloc(C.size_t(count), C.size_t(size)) }
func cFree(p unsafe.Pointer)                     { C.free(p) }

// strings
func cGoStringN(p unsafe.Pointer, n int) string {
	return C.GoStringN((*C.char)(p), C.int(n))
}
func cCString(s string) unsafe.Pointer { return unsafe.Pointer(C.CString(s)) }

// dlerr returns the last dlerror as a Go string, or a fallback label.
func dlerr() string {
	errC := C.cl_dlerror()
	if errC != nil {
		return C.GoString(errC)
	}
	return "unknown dlerror"
}

// dlopen/dlsym/dlclose wrappers
func cDlopen(path string) (unsafe.Pointer, error) {
	cs := (*C.char)(cCString(path))
	defer cFree(unsafe.Pointer(cs))
	h := C.cl_dlopen(cs)
	if h == nil {
		return nil, fmt.Errorf("dlopen(%q) failed: %s", path, dlerr())
	}
	return unsafe.Pointer(h), nil
}
func cDlclose(h unsafe.Pointer) error {
	if int(C.cl_dlclose(h)) != 0 {
		return fmt.Errorf("dlclose failed: %s", dlerr())
	}
	return nil
}
func cDlsym(h unsafe.Pointer, name string) (unsafe.Pointer, error) {
	cs := (*C.char)(cCString(name))
	defer cFree(unsafe.Pointer(cs))
	var cerr *C.char
	p := C.cl_dlsym_clear(h, cs, &cerr)
	if cerr != nil {
		return nil, fmt.Errorf("dlsym(%q) failed: %s", name, C.GoString(cerr))
	}
	if p == nil {
		return nil, fmt.Errorf("dlsym(%q) returned NULL", name)
	}
	return p, nil
}

// void**/ffi_type** array helpers
func cAllocVoidPtrArray(n int) unsafe.Pointer {
	if n == 0 {
		n = 1
	}
	return C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(uintptr(0))))
}
func cVoidPtrSlice(mem unsafe.Pointer, n int) []unsafe.Pointer {
	return (*[1<<30 - 1]unsafe.Pointer)(mem)[:n:n]
}
func cFFITypeSlice(mem unsafe.Pointer, n int) []*C.ffi_type {
	return (*[1<<30 - 1]*C.ffi_type)(mem)[:n:n]
}

////////////////////////////////////////////////////////////////////////////////
// Type descriptors
////////////////////////////////////////////////////////////////////////////////

func ffiStatusString(st C.ffi_status) string {
	switch st {
	case C.FFI_OK:
		return "FFI_OK"
	case C.FFI_BAD_TYPEDEF:
		return "FFI_BAD_TYPEDEF"
	case C.FFI_BAD_ABI:
		return "FFI_BAD_ABI"
	}
	if int(st) == 3 {
		return "FFI_BAD_ARGTYPE"
	}
	return "Unknown status"
}

// primitiveFFIType maps a scalar type to libffi's builtin descriptor.
func primitiveFFIType(t ArgType) (*C.ffi_type, error) {
	switch t {
	case TypeChar:
		return &C.ffi_type_sint8, nil
	case TypeUChar, TypeBool:
		return &C.ffi_type_uint8, nil
	case TypeShort:
		return &C.ffi_type_sint16, nil
	case TypeUShort:
		return &C.ffi_type_uint16, nil
	case TypeInt:
		return &C.ffi_type_sint32, nil
	case TypeUInt:
		return &C.ffi_type_uint32, nil
	case TypeLong:
		if longSize == 8 {
			return &C.ffi_type_sint64, nil
		}
		return &C.ffi_type_sint32, nil
	case TypeULong:
		if longSize == 8 {
			return &C.ffi_type_uint64, nil
		}
		return &C.ffi_type_uint32, nil
	case TypeFloat:
		return &C.ffi_type_float, nil
	case TypeDouble:
		return &C.ffi_type_double, nil
	case TypeString, TypeVoidPtr, TypePointer:
		return &C.ffi_type_pointer, nil
	case TypeVoid:
		return &C.ffi_type_void, nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", t)
}

// typeBuilder derives libffi descriptors for descriptions and owns every
// aggregate descriptor it allocates.
type typeBuilder struct {
	built []*C.ffi_type
}

func (b *typeBuilder) free() {
	for _, t := range b.built {
		C.cl_free_struct_type(t)
	}
	b.built = nil
}

// typeFor is the descriptor a value is passed or stored as: pointers (and
// arrays outside of structs) are pointers, structs by value are aggregates,
// inline array fields are aggregates of n elements.
func (b *typeBuilder) typeFor(a *ArgInfo) (*C.ffi_type, error) {
	switch {
	case a.PointerDepth > 0:
		return &C.ffi_type_pointer, nil
	case a.Type == TypeStruct:
		return b.structType(a.Struct)
	case a.isInline():
		n, err := arrayLen(a)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("inline array %s has no elements", FormatType(a))
		}
		elem := &C.ffi_type_pointer
		if a.ElemPointerDepth == 0 {
			if elem, err = primitiveFFIType(a.Type); err != nil {
				return nil, err
			}
		}
		t := b.newStruct(n)
		if t == nil {
			return nil, fmt.Errorf("allocating array descriptor failed")
		}
		for i := 0; i < n; i++ {
			C.cl_struct_set_elem(t, C.size_t(i), elem)
		}
		return t, nil
	case a.IsArray():
		return &C.ffi_type_pointer, nil
	}
	return primitiveFFIType(a.Type)
}

func (b *typeBuilder) newStruct(n int) *C.ffi_type {
	t := C.cl_new_struct_type(C.size_t(n))
	if t != nil {
		b.built = append(b.built, t)
	}
	return t
}

// structType builds the aggregate for s. Natural layouts are computed by
// libffi and must agree with StructLayout; packed ones get their size from
// StructLayout directly.
func (b *typeBuilder) structType(s *StructInfo) (*C.ffi_type, error) {
	if s == nil || len(s.Fields) == 0 {
		return nil, fmt.Errorf("struct has no fields")
	}
	lay, err := StructLayout(s)
	if err != nil {
		return nil, err
	}
	t := b.newStruct(len(s.Fields))
	if t == nil {
		return nil, fmt.Errorf("allocating struct descriptor failed")
	}
	for i, f := range s.Fields {
		e, err := b.typeFor(f)
		if err != nil {
			return nil, fmt.Errorf("failed to convert struct field %d to ffi_type: %w", i, err)
		}
		C.cl_struct_set_elem(t, C.size_t(i), e)
	}
	if s.Packed {
		C.cl_struct_set_packed(t, C.size_t(lay.Size))
		return t, nil
	}
	offs, err := ffiOffsets(t, len(s.Fields))
	if err != nil {
		return nil, err
	}
	for i, off := range offs {
		if off != lay.Offsets[i] {
			return nil, fmt.Errorf("struct field %d: libffi places it at offset %d, computed layout says %d", i, off, lay.Offsets[i])
		}
	}
	if sz := uintptr(C.cl_type_size(t)); sz != lay.Size {
		return nil, fmt.Errorf("struct size: libffi says %d, computed layout says %d", sz, lay.Size)
	}
	return t, nil
}

func ffiOffsets(t *C.ffi_type, n int) ([]uintptr, error) {
	mem := cCalloc(uintptr(n), unsafe.Sizeof(C.size_t(0)))
	if mem == nil {
		return nil, fmt.Errorf("allocating offsets failed")
	}
	defer cFree(mem)
	if st := C.cl_struct_offsets(t, (*C.size_t)(mem)); st != C.FFI_OK {
		return nil, fmt.Errorf("failed to get struct offsets: %s", ffiStatusString(C.ffi_status(st)))
	}
	raw := (*[1 << 20]C.size_t)(mem)[:n:n]
	out := make([]uintptr, n)
	for i, v := range raw {
		out[i] = uintptr(v)
	}
	return out, nil
}

// NativeStructLayout is the layout libffi assigns to s (packed structs report
// the packed layout they are given).
func NativeStructLayout(s *StructInfo) (Layout, error) {
	var b typeBuilder
	defer b.free()
	t, err := b.structType(s)
	if err != nil {
		return Layout{}, err
	}
	lay := Layout{Size: uintptr(C.cl_type_size(t)), Align: uintptr(C.cl_type_align(t))}
	if s.Packed {
		l, err := StructLayout(s)
		if err != nil {
			return Layout{}, err
		}
		lay.Offsets = l.Offsets
		return lay, nil
	}
	lay.Offsets, err = ffiOffsets(t, len(s.Fields))
	return lay, err
}

////////////////////////////////////////////////////////////////////////////////
// Call interface
////////////////////////////////////////////////////////////////////////////////

// callFrame is a prepared cif plus the C-heap vectors libffi reads during the
// call.
type callFrame struct {
	cif    *C.ffi_cif
	atypes unsafe.Pointer
	avalue unsafe.Pointer
	n      int
	types  typeBuilder
}

func newCallFrame(n int) (*callFrame, error) {
	f := &callFrame{n: n, cif: C.cl_alloc_cif()}
	f.atypes = cAllocVoidPtrArray(n)
	f.avalue = cAllocVoidPtrArray(n)
	if f.cif == nil || f.atypes == nil || f.avalue == nil {
		f.free()
		return nil, fmt.Errorf("memory allocation failed while preparing the call")
	}
	return f, nil
}

func (f *callFrame) setArg(i int, t *C.ffi_type, slot unsafe.Pointer) {
	cFFITypeSlice(f.atypes, f.n)[i] = t
	cVoidPtrSlice(f.avalue, f.n)[i] = slot
}

// prep prepares the cif; nfixed < 0 means not variadic.
func (f *callFrame) prep(rtype *C.ffi_type, nfixed int) error {
	var st C.int
	if nfixed >= 0 {
		st = C.cl_prep_cif_var(f.cif, C.uint(nfixed), C.uint(f.n), rtype, (**C.ffi_type)(f.atypes))
	} else {
		st = C.cl_prep_cif(f.cif, C.uint(f.n), rtype, (**C.ffi_type)(f.atypes))
	}
	if st != C.FFI_OK {
		return fmt.Errorf("ffi_prep_cif failed. Return status = %s", ffiStatusString(C.ffi_status(st)))
	}
	return nil
}

func (f *callFrame) free() {
	if f.cif != nil {
		cFree(unsafe.Pointer(f.cif))
	}
	if f.atypes != nil {
		cFree(f.atypes)
	}
	if f.avalue != nil {
		cFree(f.avalue)
	}
	f.types.free()
}
