//go:build linux
// +build linux

package cliffi

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

////////////////////////////////////////////////////////////////////////////////
// Literal classification
////////////////////////////////////////////////////////////////////////////////

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// isHexLiteral matches 0x followed by at least one hex digit.
func isHexLiteral(s string) bool {
	if len(s) < 3 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for i := 2; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return false
		}
	}
	return true
}

// isFloatLiteral matches digits with a decimal point or an exponent, signs only
// in leading or exponent position, and an optional trailing f/F/d/D.
func isFloatLiteral(s string) bool {
	var hasDot, hasExp, hasDigit bool
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			hasDigit = true
		case c == '.':
			if hasDot || hasExp {
				return false
			}
			hasDot = true
		case c == 'e' || c == 'E':
			if !hasDigit || hasExp {
				return false
			}
			hasExp = true
		case c == '-' || c == '+':
			if i != 0 && s[i-1] != 'e' && s[i-1] != 'E' {
				return false
			}
		case i == len(s)-1 && strings.IndexByte("fFdD", c) >= 0:
		default:
			return false
		}
	}
	return hasDigit && (hasDot || hasExp)
}

// isNumericText reports whether s (minus one leading sign) is an integer, hex
// or float literal. A token like -5 is a negative number, not a flag.
func isNumericText(s string) bool {
	s = strings.TrimLeft(s, "+-")
	return isAllDigits(s) || isHexLiteral(s) || isFloatLiteral(s) || isSuffixedInt(s)
}

// isSuffixedInt matches decimal digits followed by exactly one l/u/i suffix.
func isSuffixedInt(s string) bool {
	if len(s) < 2 {
		return false
	}
	return strings.IndexByte("lLuUiI", s[len(s)-1]) >= 0 && isAllDigits(s[:len(s)-1])
}

func isQuoted(s string) bool { return len(s) > 0 && (s[0] == '"' || s[0] == '\'') }

// unquote strips one matching pair of surrounding quotes.
func unquote(s string) string {
	if len(s) >= 2 && isQuoted(s) && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

////////////////////////////////////////////////////////////////////////////////
// Type inference
////////////////////////////////////////////////////////////////////////////////

// InferType picks a type for an un-annotated literal. The result depends only
// on the text.
func InferType(s string) (ArgType, error) {
	if isQuoted(s) || s == "" {
		return TypeString, nil
	}
	if strings.EqualFold(s, "true") || strings.EqualFold(s, "false") {
		return TypeBool, nil
	}
	neg := s[0] == '-'
	body := s
	if neg {
		body = s[1:]
	}
	if isFloatLiteral(body) {
		switch s[len(s)-1] {
		case 'f', 'F':
			return TypeFloat, nil
		}
		return TypeDouble, nil
	}
	if isSuffixedInt(body) {
		switch s[len(s)-1] {
		case 'l', 'L':
			return TypeLong, nil
		case 'u', 'U':
			return TypeUInt, nil
		}
		return TypeInt, nil
	}
	if isAllDigits(body) {
		return inferIntByRange(s, neg)
	}
	if isHexLiteral(body) {
		return inferHex(s, body, neg)
	}
	if len(s) == 1 {
		return TypeChar, nil
	}
	return TypeString, nil
}

func inferIntByRange(s string, neg bool) (ArgType, error) {
	if neg {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return TypeUnknown, fmt.Errorf("value %s is out of range even for long", s)
		}
		if v < math.MinInt32 {
			return TypeLong, nil
		}
		return TypeInt, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return TypeUnknown, fmt.Errorf("value %s is too large to fit into an unsigned long", s)
	}
	switch {
	case v > math.MaxInt64:
		return TypeULong, nil
	case v > math.MaxUint32:
		return TypeLong, nil
	case v > math.MaxInt32:
		return TypeUInt, nil
	}
	return TypeInt, nil
}

// inferHex sizes a hex literal by its digit count, rounding odd counts up to a
// whole byte. Non-negative values that fit in a pointer are addresses.
func inferHex(s, body string, neg bool) (ArgType, error) {
	n := uintptr(len(body)-2+1) / 2
	switch {
	case n <= 1:
		if neg {
			return TypeChar, nil
		}
		return TypeUChar, nil
	case n <= 2:
		if neg {
			return TypeShort, nil
		}
		return TypeUShort, nil
	case !neg && n <= ptrSize:
		return TypeVoidPtr, nil
	case n <= intSize:
		if neg {
			return TypeInt, nil
		}
		return TypeUInt, nil
	case n <= longSize:
		if neg {
			return TypeLong, nil
		}
		return TypeULong, nil
	}
	return TypeUnknown, fmt.Errorf("hex string %s is %d bytes, which is too long to fit into a single type. If you meant to specify an array or a string, flag it as such", s, n)
}

// inferArg builds the description of an un-annotated literal. A comma makes it
// an array whose element type comes from the first element.
func (p *Parser) inferArg(s string) (*ArgInfo, error) {
	a := &ArgInfo{}
	if !isQuoted(s) && strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		first, err := InferType(parts[0])
		if err != nil {
			return nil, err
		}
		for _, part := range parts[1:] {
			if t, err := InferType(part); err != nil || t != first {
				p.log.Warnf("in %s, multiple types found in comma delimited list. We'll use the first type %s", s, first)
				break
			}
		}
		a.Type = first
		a.Array = ArraySizeUnset
		return a, p.convertArg(a, s)
	}
	t, err := InferType(s)
	if err != nil {
		return nil, err
	}
	a.Type = t
	if t == TypeString {
		s = unquote(s)
	}
	return a, p.convertArg(a, s)
}

////////////////////////////////////////////////////////////////////////////////
// Text -> value conversion
////////////////////////////////////////////////////////////////////////////////

// stripIntSuffix removes one trailing l/u/i from a decimal literal.
func stripIntSuffix(s string) string {
	if isHexLiteral(strings.TrimLeft(s, "+-")) {
		return s
	}
	if n := len(s); n > 1 && strings.IndexByte("lLuUiI", s[n-1]) >= 0 {
		return s[:n-1]
	}
	return s
}

// parseIntBits parses s (base prefixes allowed) and returns its two's
// complement bit pattern, accepting anything representable in 64 bits.
func parseIntBits(s string) (uint64, error) {
	t := stripIntSuffix(strings.TrimSpace(s))
	if v, err := strconv.ParseInt(t, 0, 64); err == nil {
		return uint64(v), nil
	}
	if v, err := strconv.ParseUint(strings.TrimPrefix(t, "+"), 0, 64); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("cannot parse %q as an integer", s)
}

// hexBytes decodes 0x-prefixed hex text. An odd digit count gets a leading 0.
func hexBytes(s string) ([]byte, error) {
	h := s
	if len(h) >= 2 && h[0] == '0' && (h[1] == 'x' || h[1] == 'X') {
		h = h[2:]
	}
	if h == "" {
		return nil, fmt.Errorf("empty hex string %q", s)
	}
	if len(h)%2 != 0 {
		h = "0" + h
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("invalid hex character in string: %s", s)
	}
	return b, nil
}

// convertScalar parses the text of one scalar of type t.
func (p *Parser) convertScalar(t ArgType, s string) (Value, error) {
	switch {
	case t.isSignedInt() || t.isUnsignedInt():
		if t == TypeChar {
			return p.convertChar(s)
		}
		bits, err := parseIntBits(s)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to %s", s, t)
		}
		return castValue(Uint(bits), t), nil
	case t.isFloat():
		f, err := strconv.ParseFloat(strings.TrimRight(s, "fFdD"), 64)
		if err != nil {
			if isHexLiteral(s) {
				bits, herr := parseIntBits(s)
				if herr == nil {
					return castValue(Uint(bits), t), nil
				}
			}
			return nil, fmt.Errorf("cannot convert %q to %s", s, t)
		}
		return castValue(Float(f), t), nil
	case t == TypeBool:
		switch strings.ToLower(s) {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		bits, err := parseIntBits(s)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to bool", s)
		}
		return Bool(bits != 0), nil
	case t == TypeString:
		return Str(s), nil
	case t == TypeVoidPtr:
		addr, err := ParseAddress(s, p.vars, p.log)
		if err != nil {
			return nil, err
		}
		return Addr(addr), nil
	}
	return nil, fmt.Errorf("unsupported argument type %s, cannot convert value %s", t, s)
}

// convertChar takes the first byte of the text, or of the bytes of a hex
// literal.
func (p *Parser) convertChar(s string) (Value, error) {
	if isHexLiteral(s) {
		b, err := hexBytes(s)
		if err != nil {
			return nil, err
		}
		return Int(int8(b[0])), nil
	}
	if s == "" {
		return Int(0), nil
	}
	return Int(int8(s[0])), nil
}

// convertArg fills a.Value from the literal s according to a's shape.
func (p *Parser) convertArg(a *ArgInfo, s string) error {
	if a.IsArray() {
		return p.convertArray(a, s)
	}
	if a.Type == TypeStruct || a.Type == TypeVoid {
		return fmt.Errorf("cannot convert a literal to %s", a.Type)
	}
	v, err := p.convertScalar(a.Type, s)
	if err != nil {
		return err
	}
	a.Value = v
	return nil
}

func isNullWord(s string) bool { return s == "0" || s == "NULL" || s == "null" }

// convertArray fills an array value from a hex literal, a comma separated list
// or (for char arrays) plain text, then reconciles the element count the
// literal implies with the declared one.
func (p *Parser) convertArray(a *ArgInfo, s string) error {
	if isNullWord(s) {
		p.log.Warnf("setting an array to NULL this way is deprecated. Use the N prefix instead of the dash, like Nai4 for a null array of 4 ints")
		switch a.Array {
		case ArrayStaticSize, ArraySizeAtArgNum:
			a.Value = Null{}
			a.Null = true
			return nil
		}
		return fmt.Errorf("%s is interpreted as NULL. We cannot initialize a null array with no sizing info. If you want a null pointer use the pointer flag instead", s)
	}

	esz := a.elemSize()
	if esz == 0 {
		return fmt.Errorf("unsupported type for array: %c with size of 0", byte(a.Type))
	}

	var implied int
	switch {
	case !strings.Contains(s, ",") && isHexLiteral(s):
		if a.ElemPointerDepth > 0 {
			return fmt.Errorf("you can't use the hex array initialization method with an array of pointer types")
		}
		b, err := hexBytes(s)
		if err != nil {
			return err
		}
		if uintptr(len(b))%esz != 0 {
			return fmt.Errorf("hex string bytes length %d is not a multiple of the size of the type %d in hex string being converted to array %s", len(b), esz, s)
		}
		implied = len(b) / int(esz)
		a.Value = Bytes(b)
	case !strings.Contains(s, ",") && a.ElemPointerDepth == 0 && (a.Type == TypeChar || a.Type == TypeUChar) && len(s) > 1 && !isNumericText(s):
		b := append([]byte(s), 0)
		implied = len(b)
		a.Value = Bytes(b)
	default:
		parts := strings.Split(s, ",")
		if len(parts) == 1 {
			p.log.Warnf("in %s, no valid hex value found, no static or dynamic size found, and no commas found to delimit values. We'll attempt to parse it as a single element array, but that's probably not what you intended", s)
		}
		elems := make(Elems, len(parts))
		for i, part := range parts {
			v, err := p.convertScalar(a.Type, part)
			if err != nil {
				return err
			}
			elems[i] = v
		}
		implied = len(elems)
		a.Value = elems
	}

	switch a.Array {
	case ArraySizeUnset:
		a.Array = ArrayStaticSize
		a.Size = implied
	case ArrayStaticSize:
		if a.Size < implied {
			p.log.Warnf("array was specified to have size %d, but the value implies a size of %d. Setting array size to the explicit size (values may be truncated)", a.Size, implied)
			a.Value = truncateArrayValue(a.Value, a.Size, esz)
		} else if a.Size > implied {
			p.log.Warnf("array was specified to have size %d, but the value implies a size of %d. Filling the rest of the array with null bytes", a.Size, implied)
		}
	case ArraySizeAtArgNum, ArraySizeAtArgInfo:
		a.Size = implied
	}
	return nil
}

func truncateArrayValue(v Value, n int, esz uintptr) Value {
	switch x := v.(type) {
	case Elems:
		if len(x) > n {
			return x[:n]
		}
	case Bytes:
		if m := n * int(esz); len(x) > m {
			return x[:m]
		}
	}
	return v
}

////////////////////////////////////////////////////////////////////////////////
// Casting stored values
////////////////////////////////////////////////////////////////////////////////

// castArg reinterprets src as the type described by want. Scalars are
// narrowed or widened like a C cast; pointer-like targets share src's memory,
// so src is placed in ar first if it has never been marshaled.
func castArg(want, src *ArgInfo, ar *Arena) (*ArgInfo, error) {
	dst := want.clone()
	dst.Null = false
	dst.OutPointer = false

	srcStructByValue := src.Type == TypeStruct && src.PointerDepth == 0
	srcPtrish := src.indirections() > 0 || (src.Type == TypeString && src.PointerDepth == 0)
	dstPtrish := dst.indirections() > 0 || (dst.Type == TypeString && dst.PointerDepth == 0)
	dstStructByValue := dst.Type == TypeStruct && dst.PointerDepth == 0

	if srcStructByValue {
		switch {
		case dst.Type == TypeVoidPtr && dst.PointerDepth == 0, dstPtrish && !dst.IsArray():
		case dst.IsArray():
			if !(len(src.Struct.Fields) > 0 && src.Struct.Fields[0].Type == dst.Type) && dst.Type != TypeChar && dst.Type != TypeUChar {
				return nil, fmt.Errorf("cannot cast a struct to an array of a different type other than char or uchar")
			}
		default:
			return nil, fmt.Errorf("cannot cast a struct to a different type")
		}
	}
	if dstStructByValue {
		switch {
		case src.Type == TypeVoidPtr && src.PointerDepth == 0, srcPtrish && !src.IsArray():
		case src.IsArray():
			if !(len(dst.Struct.Fields) > 0 && dst.Struct.Fields[0].Type == src.Type) && src.Type != TypeChar && src.Type != TypeUChar {
				return nil, fmt.Errorf("cannot cast an array of a type other than char or uchar to a struct")
			}
		default:
			return nil, fmt.Errorf("cannot cast a different type to a struct")
		}
	}

	if (srcPtrish || srcStructByValue) && !src.slot.Valid() {
		if err := materialize(src, ar); err != nil {
			return nil, err
		}
	}

	// the source as one machine word: its pointer, its address, or its value
	var word uint64
	var scalar Value
	switch {
	case srcStructByValue:
		word = uint64(src.slot.Addr())
	case srcPtrish:
		word = uint64(uintptr(loadPtr(src.slot)))
	default:
		scalar = currentLeaf(src)
		if _, ok := scalar.(Float); ok && (dstPtrish || dstStructByValue) {
			return nil, fmt.Errorf("cannot cast %s to a pointer", FormatType(src))
		}
		word = valueBits(scalar)
	}

	switch {
	case dstStructByValue:
		if word == 0 {
			return nil, fmt.Errorf("cannot cast a null pointer to a struct")
		}
		dst.slot = foreignView(uintptrToPointer(uintptr(word)))
		if err := fixup(dst); err != nil {
			return nil, err
		}
	case dstPtrish:
		cell := ar.Alloc(ptrSize)
		storePtr(cell, uintptrToPointer(uintptr(word)))
		dst.slot = cell
		dst.Value = Addr(word)
		if dst.Type == TypeStruct {
			if err := fixup(dst); err != nil {
				return nil, err
			}
		}
	default:
		if scalar == nil {
			scalar = Addr(word)
		}
		dst.Value = castValue(scalar, dst.Type)
	}
	return dst, nil
}
