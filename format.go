//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"math"
	"strings"
	"unsafe"
)

/* ---------- small helpers ---------- */

func isPrint(c byte) bool { return c >= 32 && c < 127 }

// escapeChar renders one byte the way a C string literal would need it.
func escapeChar(b *strings.Builder, c byte) {
	switch c {
	case 0:
		b.WriteString(`\0`)
	case '\n':
		b.WriteString(`\n`)
	case '\r':
		b.WriteString(`\r`)
	case '\t':
		b.WriteString(`\t`)
	case '\\':
		b.WriteString(`\\`)
	default:
		if isPrint(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(b, `\x%02x`, c)
		}
	}
}

func escapeBytes(buf []byte) string {
	var b strings.Builder
	for _, c := range buf {
		escapeChar(&b, c)
	}
	return b.String()
}

func quoteCString(s string) string { return `"` + escapeBytes([]byte(s)) + `"` }

// cFloat prints like printf("%f").
func cFloat(f float64) string {
	if isNaNOrInf(f) {
		switch {
		case math.IsNaN(f):
			return "nan"
		case f > 0:
			return "inf"
		}
		return "-inf"
	}
	return fmt.Sprintf("%f", f)
}

/* ---------- types ---------- */

// FormatType renders a description as a C-ish type: "int*", "char [4]",
// "int *(*)[3]".
func FormatType(a *ArgInfo) string {
	if a == nil {
		return "(nil)"
	}
	var b strings.Builder
	if !a.IsArray() {
		b.WriteString(a.Type.String())
		if a.Type == TypeStruct && a.Struct != nil && a.Struct.Packed {
			b.WriteString(" packed")
		}
		b.WriteString(strings.Repeat("*", a.PointerDepth))
		return b.String()
	}
	b.WriteString(a.Type.String())
	b.WriteByte(' ')
	b.WriteString(strings.Repeat("*", a.ElemPointerDepth))
	if a.PointerDepth > 0 {
		b.WriteString("(" + strings.Repeat("*", a.PointerDepth) + ")")
	}
	switch a.Array {
	case ArraySizeUnset:
		b.WriteString("[]")
	case ArraySizeAtArgNum:
		fmt.Fprintf(&b, "[t%d]", a.SizeArgNum)
	default:
		if n, err := arrayLen(a); err == nil {
			fmt.Fprintf(&b, "[%d]", n)
		} else {
			b.WriteString("[?]")
		}
	}
	return b.String()
}

/* ---------- values ---------- */

// FormatValue renders what a currently holds, reading through its native
// storage when it has been placed in memory. It never modifies a.
func FormatValue(a *ArgInfo) string {
	var b strings.Builder
	writeValue(&b, a)
	return b.String()
}

func writeValue(b *strings.Builder, a *ArgInfo) {
	if a.slot.Valid() && a.OutPointer && !(a.IsArray() && a.PointerDepth == 0) {
		if _, ok := leafView(a); !ok {
			b.WriteString("(outpointer)")
			return
		}
	}
	switch {
	case a.Type == TypeStruct:
		writeStruct(b, a)
	case a.IsArray():
		writeArray(b, a)
	case a.Type == TypeVoid:
		if a.PointerDepth > 0 && a.slot.Valid() {
			if v, ok := pointeeOfVoid(a); ok {
				fmt.Fprintf(b, "(void*) 0x%x", v)
				return
			}
			b.WriteString("(NULL pointer)")
			return
		}
		b.WriteString("(void)")
	default:
		v := currentLeaf(a)
		if _, isNull := v.(Null); isNull && a.PointerDepth > 0 {
			b.WriteString("(NULL pointer)")
			return
		}
		b.WriteString(scalarText(a.Type, v))
	}
}

// pointeeOfVoid is the address a void pointer chain ends in.
func pointeeOfVoid(a *ArgInfo) (uintptr, bool) {
	v := a.slot
	for i := 0; i < a.PointerDepth-1; i++ {
		p := loadPtr(v)
		if p == nil {
			return 0, false
		}
		v = foreignView(p)
	}
	p := loadPtr(v)
	return uintptr(p), p != nil
}

func writeStruct(b *strings.Builder, a *ArgInfo) {
	if a.slot.Valid() {
		if _, ok := leafView(a); !ok {
			b.WriteString("(NULL pointer)")
			return
		}
	}
	b.WriteString("{ ")
	if a.Struct != nil {
		for i, f := range a.Struct.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(FormatType(f))
			b.WriteByte(' ')
			writeValue(b, f)
		}
	}
	b.WriteString(" }")
}

func writeArray(b *strings.Builder, a *ArgInfo) {
	val, err := readArray(a)
	if err != nil {
		fmt.Fprintf(b, "(unreadable array: %v)", err)
		return
	}
	if bs, ok := val.(Bytes); ok && a.ElemPointerDepth == 0 {
		switch a.Type {
		case TypeChar:
			b.WriteString(escapeBytes(bs))
			return
		case TypeUChar:
			b.WriteString(Hexdump(bs))
			return
		}
		val = decodeElems(bs, a.Type, a.elemSize())
	}
	switch x := val.(type) {
	case Null:
		b.WriteString("(NULL pointer)")
	case Elems:
		b.WriteString("{ ")
		for i, el := range x {
			if i > 0 {
				b.WriteString(", ")
			}
			if _, isNull := el.(Null); isNull && a.ElemPointerDepth > 0 {
				b.WriteString("(NULL pointer)")
				continue
			}
			b.WriteString(scalarText(a.Type, el))
		}
		b.WriteString(" }")
	default:
		b.WriteString("(no value)")
	}
}

// decodeElems splits raw element bytes (a hex literal not yet in native
// memory) into values.
func decodeElems(raw []byte, t ArgType, esz uintptr) Elems {
	n := uintptr(len(raw)) / esz
	out := make(Elems, n)
	if n == 0 {
		return out
	}
	tmp := make([]uint64, (uintptr(len(raw))+7)/8)
	base := unsafe.Pointer(&tmp[0])
	copy(unsafe.Slice((*byte)(base), len(raw)), raw)
	blk := &block{base: base, size: uintptr(len(raw))}
	if t == TypeString {
		t = TypeVoidPtr
	}
	for i := range out {
		out[i], _ = loadScalar(View{blk: blk, off: uintptr(i) * esz}, t)
	}
	return out
}

// scalarText prints one scalar of type t.
func scalarText(t ArgType, v Value) string {
	if _, isNull := v.(Null); isNull && t == TypeString {
		return "(NULL pointer)"
	}
	switch t {
	case TypeChar:
		var b strings.Builder
		escapeChar(&b, byte(valueBits(v)))
		return b.String()
	case TypeShort, TypeInt, TypeLong:
		return fmt.Sprintf("%d", int64(castValue(v, t).(Int)))
	case TypeUChar, TypeUShort, TypeUInt, TypeULong:
		return fmt.Sprintf("%d", valueBits(castValue(v, t)))
	case TypeFloat, TypeDouble:
		return cFloat(valueFloat(v))
	case TypeString:
		switch x := v.(type) {
		case Str:
			return quoteCString(string(x))
		case Addr:
			return fmt.Sprintf("(char*) 0x%x", uintptr(x))
		}
		return "(NULL pointer)"
	case TypeVoidPtr:
		return fmt.Sprintf("0x%x", uintptr(valueBits(v)))
	case TypeBool:
		if valueBits(castValue(v, TypeBool)) != 0 {
			return "true"
		}
		return "false"
	case TypeVoid:
		return "(void)"
	}
	return "Unsupported type"
}

// FormatVariable renders "type name = value".
func FormatVariable(name string, a *ArgInfo) string {
	return fmt.Sprintf("%s %s = %s", FormatType(a), name, FormatValue(a))
}

// FormatCallResult renders the return value and every argument the callee
// could have modified.
func FormatCallResult(call *FunctionCallInfo) string {
	var b strings.Builder
	b.WriteString("Function returned: ")
	writeValue(&b, call.Return)
	b.WriteByte('\n')
	for i, a := range call.Args {
		if a.IsArray() || a.PointerDepth > 0 {
			fmt.Fprintf(&b, "Arg %d after function return: %s ", i, FormatType(a))
			writeValue(&b, a)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

/* ---------- hexdump ---------- */

// Hexdump renders bytes as hex plus printable ASCII. Up to 16 bytes fit on
// one line ("de ad = .."); longer buffers get an offset column.
func Hexdump(data []byte) string {
	var b strings.Builder
	multiline := len(data) > 16
	if multiline {
		b.WriteString("(Hexvalue)\nOffset\n")
	}
	for i := 0; i < len(data); i += 16 {
		if i > 0 {
			b.WriteByte('\n')
		}
		if multiline {
			fmt.Fprintf(&b, "%08x  ", i)
		}
		for j := 0; j < 16; j++ {
			if j == 8 {
				b.WriteByte(' ')
			}
			if i+j < len(data) {
				fmt.Fprintf(&b, "%02x ", data[i+j])
			} else if multiline {
				b.WriteString("   ")
			}
		}
		if multiline {
			b.WriteByte(' ')
		} else {
			b.WriteString("= ")
		}
		for j := 0; j < 16 && i+j < len(data); j++ {
			c := data[i+j]
			if !isPrint(c) {
				c = '.'
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}
