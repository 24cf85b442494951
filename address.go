//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"unsafe"
)

////////////////////////////////////////////////////////////////////////////////
// Address expressions
////////////////////////////////////////////////////////////////////////////////

// ParseAddress evaluates an address expression: a hex or decimal number, the
// name of a variable that can be coerced to a pointer, or a sum or product of
// those ("base+0x10", "idx*8+table"). Addition binds looser than
// multiplication.
func ParseAddress(expr string, vars *VarStore, log *Logger) (uintptr, error) {
	if log == nil {
		log = discardLogger()
	}
	expr = strings.TrimSpace(expr)
	if i := strings.IndexByte(expr, '+'); i >= 0 {
		l, lerr := ParseAddress(expr[:i], vars, log)
		r, rerr := ParseAddress(expr[i+1:], vars, log)
		if lerr != nil || rerr != nil {
			return 0, fmt.Errorf("invalid addition, one or more strings was not a valid address")
		}
		return l + r, nil
	}
	if i := strings.IndexByte(expr, '*'); i >= 0 {
		l, lerr := ParseAddress(expr[:i], vars, log)
		r, rerr := ParseAddress(expr[i+1:], vars, log)
		if lerr != nil || rerr != nil {
			return 0, fmt.Errorf("invalid multiplication, one or more strings was not a valid address")
		}
		return l * r, nil
	}
	return addressTerm(expr, vars, log)
}

// TryParseAddress is ParseAddress without the error.
func TryParseAddress(expr string, vars *VarStore) (uintptr, bool) {
	addr, err := ParseAddress(expr, vars, nil)
	return addr, err == nil
}

func addressTerm(s string, vars *VarStore, log *Logger) (uintptr, error) {
	switch {
	case s == "":
		return 0, fmt.Errorf("empty address")
	case s == "NULL" || s == "null":
		return 0, nil
	case isHexLiteral(s) && !strings.HasPrefix(s, "-"):
		u, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not a valid address: %w", s, err)
		}
		return uintptr(u), nil
	case isAllDigits(s):
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s is not a valid address: %w", s, err)
		}
		return uintptr(u), nil
	}
	v, ok := vars.Get(s)
	if !ok {
		return 0, fmt.Errorf("%s is neither a valid pointer address nor an existing variable", s)
	}
	return varAddress(s, v, log)
}

// varAddress coerces a variable to an address: integers and void pointers
// give their value (after following any pointer levels), arrays give their
// buffer.
func varAddress(name string, v *ArgInfo, log *Logger) (uintptr, error) {
	if v.IsArray() {
		addr, ok := dataAddr(v)
		if !ok {
			return 0, fmt.Errorf("array %s has no memory to take the address of", name)
		}
		return addr, nil
	}
	switch v.Type {
	case TypeInt, TypeLong, TypeUInt, TypeULong, TypeVoidPtr:
	default:
		return 0, fmt.Errorf("%s is not a (void*) type, nor any other type that could be coerced to a pointer", name)
	}
	leaf := currentLeaf(v)
	if _, isNull := leaf.(Null); isNull && v.PointerDepth > 0 {
		return 0, fmt.Errorf("%s is a NULL pointer and cannot be dereferenced", name)
	}
	addr := uintptr(valueBits(leaf))
	if v.PointerDepth > 0 {
		log.Warnf("%s is specified with 'p' indirection. We are dereferencing it %d level(s) and using %#x as the address",
			name, v.PointerDepth, addr)
	}
	return addr, nil
}

// pointerValue describes a plain void* holding addr.
func pointerValue(addr uintptr) *ArgInfo {
	return &ArgInfo{Type: TypeVoidPtr, Explicit: true, Value: Addr(addr)}
}

////////////////////////////////////////////////////////////////////////////////
// Library offsets
////////////////////////////////////////////////////////////////////////////////

// Offset is the result of CalculateOffset.
type Offset struct {
	Symbol  uintptr // where the loader put the symbol
	Address uintptr // where the symbol sits in the unrelocated image
	Offset  uintptr
}

func (o Offset) String() string {
	return fmt.Sprintf("%#x - %#x = %#x", o.Symbol, o.Address, o.Offset)
}

// CalculateOffset works out how far lib was relocated, given the address the
// exported symbol has in the image on disk (as a disassembler shows it). The
// offset is remembered for lib so later calls can name functions by their
// image address.
func CalculateOffset(lib *Library, symbol, addrExpr string, vars *VarStore, log *Logger) (Offset, error) {
	if log == nil {
		log = discardLogger()
	}
	sym, err := lib.Symbol(symbol)
	if err != nil {
		return Offset{}, fmt.Errorf("failed to find symbol: %w", err)
	}
	addr, err := ParseAddress(addrExpr, vars, log)
	if err != nil {
		return Offset{}, err
	}
	s := uintptr(sym)
	if runtime.GOARCH == "arm" {
		s &^= 1 // thumb bit
	}
	if s < addr {
		log.Warnf("Calculated offset is negative. This is likely an error and the variable probably won't work.")
	}
	off := Offset{Symbol: s, Address: addr, Offset: s - addr}
	if err := vars.Set(offsetVarName(lib), pointerValue(off.Offset)); err != nil {
		return Offset{}, err
	}
	return off, nil
}

////////////////////////////////////////////////////////////////////////////////
// Raw memory
////////////////////////////////////////////////////////////////////////////////

// rawBytes is the native representation of a placed value: the struct bytes,
// the array elements or the scalar (a pointer when a has pointer levels).
func rawBytes(a *ArgInfo) ([]byte, error) {
	var src View
	var n uintptr
	switch {
	case a.Type == TypeStruct && a.PointerDepth == 0:
		lay, err := StructLayout(a.Struct)
		if err != nil {
			return nil, err
		}
		src, n = a.slot, lay.Size
	case a.IsArray():
		buf, ok := leafView(a)
		if !ok {
			return nil, fmt.Errorf("array has no buffer")
		}
		cnt, err := arrayLen(a)
		if err != nil {
			return nil, err
		}
		src, n = buf, uintptr(cnt)*a.elemSize()
	case a.Type == TypeStruct, a.Type == TypeVoid:
		src, n = a.slot, ptrSize
	default:
		src, n = a.slot, TypeSize(a.Type, a.PointerDepth)
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(src.Ptr()), n))
	return out, nil
}

// StoreAt writes the native representation of a to addr. Memory a needs is
// taken from ar.
func StoreAt(addr uintptr, a *ArgInfo, ar *Arena) error {
	if err := materialize(a, ar); err != nil {
		return err
	}
	b, err := rawBytes(a)
	if err != nil {
		return err
	}
	return WriteMemory(addr, b)
}

// LoadAt describes the memory at addr as a value of type want. Arrays and
// structs keep referring to that memory; scalars are copied out.
func LoadAt(addr uintptr, want *ArgInfo, ar *Arena) (*ArgInfo, error) {
	a := want.clone()
	a.Null = false
	a.Value = nil
	switch {
	case a.IsArray():
		if a.Array == ArraySizeUnset || a.Array == ArraySizeAtArgNum {
			return nil, fmt.Errorf("an array needs a static size to be loaded from memory")
		}
		n, err := arrayLen(a)
		if err != nil {
			return nil, err
		}
		span := uintptr(n) * a.elemSize()
		if a.PointerDepth > 0 {
			span = ptrSize
		}
		if _, err := ReadMemory(addr, int(span)); err != nil {
			return nil, err
		}
		a.slot = ar.PointerTo(foreignView(uintptrToPointer(addr)))
	case a.Type == TypeStruct:
		size := ptrSize
		if a.PointerDepth == 0 {
			lay, err := StructLayout(a.Struct)
			if err != nil {
				return nil, err
			}
			size = lay.Size
		}
		if _, err := ReadMemory(addr, int(size)); err != nil {
			return nil, err
		}
		a.slot = foreignView(uintptrToPointer(addr))
		if err := fixup(a); err != nil {
			return nil, err
		}
	default:
		size := TypeSize(a.Type, a.PointerDepth)
		if a.Type == TypeVoid {
			size = ptrSize
		}
		b, err := ReadMemory(addr, int(size))
		if err != nil {
			return nil, err
		}
		cell := ar.Alloc(size)
		copy(unsafe.Slice((*byte)(cell.Ptr()), size), b)
		a.slot = cell
	}
	if err := syncValue(a); err != nil {
		return nil, err
	}
	return a, nil
}

// DumpAt renders the memory at addr as a value of type want.
func DumpAt(addr uintptr, want *ArgInfo, ar *Arena) (string, error) {
	a, err := LoadAt(addr, want, ar)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s*) %#x = %s %s", FormatType(a), addr, FormatType(a), FormatValue(a)), nil
}

// HexdumpAt reads size bytes at addr and renders them with Hexdump.
func HexdumpAt(addr uintptr, size int) (string, error) {
	b, err := ReadMemory(addr, size)
	if err != nil {
		return "", err
	}
	return Hexdump(b), nil
}
