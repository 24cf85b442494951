//go:build linux
// +build linux

// parser.go: the signature grammar.
//
// OVERVIEW
// --------
// A call is written as
//
//	<library> <return_typeflag> <function_name> [[-typeflag] <arg>.. [ ... <varargs>..] ]
//
// and every value (argument, return, struct field, variable) follows the same
// token grammar:
//
//	typeflag      = pointer-prefix? ( array-infix | struct-infix | primitive )
//	pointer-prefix= "p"+
//	array-infix   = "a" "p"* primitive ( digits | "t" digits )?
//	struct-infix  = "S" "K"? ":" value* ":S"
//
// A leading '-' marks an explicit flag whose value is the next token; without
// it the type is inferred from the literal (infer.go). An 'N' prefix declares
// a null value of the given type and 'O' an out-pointer the callee fills in.
// "..." marks where varargs start. A token naming a stored variable is used as
// is; an explicit flag followed by a variable name casts the variable.
//
// The parser is a cursor over the token slice. After the arguments are known
// a second pass resolves every "t<n>" array size to the description it refers
// to (0 is the return value; inside a struct, n counts the struct's fields).
package cliffi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BasicUsage is the call grammar in one line.
const BasicUsage = "<library> <return_typeflag> <function_name> [[-typeflag] <arg>.. [ ... <varargs>..] ]"

// Parser turns tokens into call descriptions. Variables are looked up in vars;
// casts that need native memory allocate it in the parser's arena.
type Parser struct {
	vars  *VarStore
	log   *Logger
	arena *Arena

	// Resolve maps the library token of a call to a path. Nil keeps it as is.
	Resolve func(string) (string, error)
}

// NewParser returns a parser over vars. A nil logger discards warnings.
func NewParser(vars *VarStore, log *Logger) *Parser {
	if vars == nil {
		vars = NewVarStore()
	}
	if log == nil {
		log = discardLogger()
	}
	return &Parser{vars: vars, log: log, arena: NewArena()}
}

// Arena holds the memory of values produced by casts.
func (p *Parser) Arena() *Arena { return p.arena }

// Vars is the variable store the parser consults.
func (p *Parser) Vars() *VarStore { return p.vars }

type cursor struct {
	toks []string
	i    int
}

func (c *cursor) more() bool   { return c.i < len(c.toks) }
func (c *cursor) peek() string { return c.toks[c.i] }
func (c *cursor) next() string {
	t := c.toks[c.i]
	c.i++
	return t
}

// ParseCall parses a full call: library, return type, function name and
// arguments.
func (p *Parser) ParseCall(tokens []string) (*FunctionCallInfo, error) {
	if len(tokens) < 3 {
		return nil, fmt.Errorf("not enough arguments. Usage: %s", BasicUsage)
	}
	call := &FunctionCallInfo{LibraryPath: tokens[0], VarargStart: -1}
	if p.Resolve != nil {
		path, err := p.Resolve(tokens[0])
		if err != nil {
			return nil, fmt.Errorf("unable to resolve library path for %s: %w", tokens[0], err)
		}
		call.LibraryPath = path
	}

	c := &cursor{toks: tokens, i: 1}
	retTok := c.peek()
	ret, err := p.parseOneArg(c, true)
	if err != nil {
		return nil, p.located(c.toks, 1, err)
	}
	if ret.Array == ArraySizeUnset {
		flag := strings.TrimPrefix(retTok, "-")
		return nil, p.located(c.toks, 1, fmt.Errorf("array return types must have a specified size. Put a number at the end of the flag with no spaces, eg %s4 for a static size, or t and a number to specify an argnumber that will represent size_t for it eg %st1 for the first arg, since 0=return", flag, flag))
	}
	if !c.more() {
		return nil, fmt.Errorf("missing function name. Usage: %s", BasicUsage)
	}
	call.Return = ret
	call.FunctionName = c.next()

	args, vararg, err := p.parseAll(c, false, false)
	if err != nil {
		return nil, err
	}
	if c.more() {
		return nil, p.located(c.toks, c.i, fmt.Errorf("not all arguments were used in parsing"))
	}
	call.Args = args
	call.VarargStart = vararg
	if err := resolveSizes(args, ret); err != nil {
		return nil, err
	}
	return call, nil
}

// ParseValue parses one value (as for an argument) that must use up every
// token.
func (p *Parser) ParseValue(tokens []string) (*ArgInfo, error) {
	return p.parseStandalone(tokens, false)
}

// ParseType parses one type description (as for a return value).
func (p *Parser) ParseType(tokens []string) (*ArgInfo, error) {
	return p.parseStandalone(tokens, true)
}

func (p *Parser) parseStandalone(tokens []string, isReturn bool) (*ArgInfo, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	c := &cursor{toks: tokens}
	a, err := p.parseOneArg(c, isReturn)
	if err != nil {
		return nil, p.located(tokens, 0, err)
	}
	if c.more() {
		return nil, p.located(tokens, c.i, fmt.Errorf("unexpected token %q after value", c.peek()))
	}
	if a.Array == ArraySizeAtArgNum {
		return nil, fmt.Errorf("array size t%d refers to an argument, which only exists in a function call", a.SizeArgNum)
	}
	return a, nil
}

// located attaches the token position to a grammar error.
func (p *Parser) located(tokens []string, idx int, err error) error {
	var pe *ParseError
	var ex *Exception
	if errors.As(err, &pe) || errors.As(err, &ex) {
		return err
	}
	return &ParseError{Tokens: tokens, Index: idx, Msg: err.Error()}
}

// isTypeFlag reports whether tok is a '-' flag (rather than a negative number)
// or the struct terminator.
func isTypeFlag(tok string) bool {
	if tok == ":S" {
		return true
	}
	return len(tok) > 1 && tok[0] == '-' && !isNumericText(tok[1:])
}

// parseFlag decodes a typeflag without its leading '-', 'N' or 'O'.
func parseFlag(flag string) (*ArgInfo, error) {
	depth := 0
	for depth < len(flag) && flag[depth] == 'p' {
		depth++
	}
	rest := flag[depth:]
	if rest == "" {
		return nil, fmt.Errorf("unsupported argument type flag in flags %s", flag)
	}
	a := &ArgInfo{Explicit: true, PointerDepth: depth}

	switch charToType(rest[0]) {
	case TypeStruct:
		packed := len(rest) > 1 && rest[1] == 'K'
		colon := 1
		if packed {
			colon = 2
		}
		if len(rest) <= colon || rest[colon] != ':' {
			return nil, fmt.Errorf("struct flag must be followed by a colon and then a list of arguments, in flags %s", flag)
		}
		a.Type = TypeStruct
		a.Struct = &StructInfo{Packed: packed}
		return a, nil

	case TypeArray:
		j := 1
		for j < len(rest) && rest[j] == 'p' {
			a.ElemPointerDepth++
			j++
		}
		if j >= len(rest) || isAllDigits(rest[j:j+1]) || rest[j] == 't' {
			return nil, fmt.Errorf("array flag must be followed by a primitive type flag, and THEN it can be followed by a size or size_t argnum, so for instance ai4 or ait1 for an array of ints, whereas you have %s", flag)
		}
		switch et := charToType(rest[j]); et {
		case TypeStruct:
			return nil, fmt.Errorf("arrays of structs are not presently supported, in flags %s", flag)
		case TypeArray:
			return nil, fmt.Errorf("array types cannot be nested, in flags %s", flag)
		case TypeUnknown:
			return nil, fmt.Errorf("unsupported argument type flag in flags %s", flag)
		case TypeVoid:
			if a.ElemPointerDepth == 0 {
				return nil, fmt.Errorf("arrays of void are not supported, in flags %s", flag)
			}
			a.Type = et
		default:
			a.Type = et
		}
		size := rest[j+1:]
		switch {
		case size == "":
			a.Array = ArraySizeUnset
		case isAllDigits(size):
			a.Array = ArrayStaticSize
			a.Size, _ = strconv.Atoi(size)
		case size[0] == 't':
			if !isAllDigits(size[1:]) {
				return nil, fmt.Errorf("array size flag t must be followed by a number in flags %s", flag)
			}
			a.Array = ArraySizeAtArgNum
			a.SizeArgNum, _ = strconv.Atoi(size[1:])
		case strings.ContainsAny(size, "ap"):
			return nil, fmt.Errorf("array or pointer flag in unsupported position in flags %s. Order must be -[p[p..]][a][primitive type flag]", flag)
		default:
			return nil, fmt.Errorf("unsupported array size %q in flags %s", size, flag)
		}
		return a, nil
	}

	t := charToType(rest[0])
	if t == TypeUnknown {
		return nil, fmt.Errorf("unsupported argument type flag in flags %s", flag)
	}
	if len(rest) > 1 {
		if strings.ContainsAny(rest[1:], "ap") {
			return nil, fmt.Errorf("array or pointer flag in unsupported position in flags %s. Order must be -[p[p..]][a][primitive type flag]", flag)
		}
		return nil, fmt.Errorf("unsupported argument type flag in flags %s", flag)
	}
	a.Type = t
	return a, nil
}

// parseOneArg parses one value starting at the cursor and advances past every
// token it used.
func (p *Parser) parseOneArg(c *cursor, isReturn bool) (*ArgInfo, error) {
	tok := c.next()
	if v, ok := p.vars.Get(tok); ok {
		return v, nil
	}

	var a *ArgInfo
	var err error
	setNull := false
	value := tok

	switch {
	case isReturn:
		flag := tok
		if strings.HasPrefix(tok, "-") {
			flag = tok[1:]
		} else {
			p.log.Warnf("dashless type indicators are deprecated : %s", tok)
		}
		if a, err = parseFlag(flag); err != nil {
			return nil, err
		}
	case isTypeFlag(tok):
		if tok == ":S" {
			return nil, fmt.Errorf("unexpected close struct flag :S")
		}
		if a, err = parseFlag(tok[1:]); err != nil {
			return nil, err
		}
		if a.Type != TypeStruct {
			if c.more() && !isTypeFlag(c.peek()) && c.peek() != "..." {
				value = c.next()
			} else {
				setNull = true
			}
		}
	case len(tok) > 1 && (tok[0] == 'N' || tok[0] == 'O'):
		if a, err = parseFlag(tok[1:]); err != nil {
			a = nil
			break
		}
		setNull = true
		if tok[0] == 'O' {
			if !a.IsArray() && a.PointerDepth == 0 {
				return nil, fmt.Errorf("outpointer flag is only defined for pointer types: %s", tok)
			}
			a.OutPointer = true
		}
	}
	if a == nil {
		return p.inferArg(tok)
	}

	if a.Type == TypeVoid && a.PointerDepth == 0 && !isReturn {
		return nil, fmt.Errorf("void is only valid as a return type, in %s", tok)
	}

	if a.Type == TypeStruct {
		fields, _, err := p.parseAll(c, isReturn || setNull, true)
		if err != nil {
			return nil, err
		}
		for i, f := range fields {
			if p.isVar(f) {
				f = snapshot(f)
				fields[i] = f
			}
			f.inStruct = true
			if f.isInline() && f.Array == ArraySizeUnset {
				return nil, fmt.Errorf("array field %s inside a struct needs a size, like ai4", FormatType(f))
			}
		}
		if err := resolveSizes(fields, nil); err != nil {
			return nil, err
		}
		a.Struct.Fields = fields
		value = ""
		if setNull && !isReturn && c.more() {
			if _, ok := p.vars.Get(c.peek()); ok {
				value = c.next()
			}
		}
	}

	if !isReturn && a.Explicit && (a.Type != TypeStruct || setNull) && value != tok {
		if v, ok := p.vars.Get(value); ok {
			p.log.Infof("attempting cast from variable %s of type %s to type %s", value, FormatType(v), FormatType(a))
			return castArg(a, v, p.arena)
		}
	}

	switch {
	case a.Type == TypeStruct:
		a.Null = setNull
	case setNull || isReturn:
		a.Null = true
		a.Value = Null{}
	default:
		if err := p.convertArg(a, value); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// isVar reports whether a is bound in the variable store.
func (p *Parser) isVar(a *ArgInfo) bool {
	for _, n := range p.vars.Names() {
		if v, _ := p.vars.Get(n); v == a {
			return true
		}
	}
	return false
}

// parseAll parses values until the tokens run out or, inside a struct, the
// closing ":S".
func (p *Parser) parseAll(c *cursor, isReturn, isStruct bool) ([]*ArgInfo, int, error) {
	var out []*ArgInfo
	vararg := -1
	closed := false
	for c.more() {
		start := c.i
		tok := c.peek()
		if tok == ":S" {
			if !isStruct {
				return nil, -1, p.located(c.toks, start, fmt.Errorf("unexpected close struct flag :S"))
			}
			c.next()
			closed = true
			break
		}
		if tok == "..." {
			switch {
			case vararg != -1:
				return nil, -1, p.located(c.toks, start, fmt.Errorf("multiple varargs flags encountered"))
			case isReturn:
				return nil, -1, p.located(c.toks, start, fmt.Errorf("varargs flag encountered in return type"))
			case isStruct:
				return nil, -1, p.located(c.toks, start, fmt.Errorf("varargs flag encountered in struct"))
			}
			vararg = len(out)
			c.next()
			continue
		}
		a, err := p.parseOneArg(c, isReturn)
		if err != nil {
			return nil, -1, p.located(c.toks, start, err)
		}
		out = append(out, a)
	}
	if isStruct && !closed {
		return nil, -1, fmt.Errorf("struct flag not closed with :S")
	}
	if vararg >= len(out) {
		return nil, -1, fmt.Errorf("varargs flag must be followed by at least one argument")
	}
	return out, vararg, nil
}

// resolveSizes turns every t<n> array size in list (and ret) into a reference
// to the value it names. n is 1-based into list; 0 is ret.
func resolveSizes(list []*ArgInfo, ret *ArgInfo) error {
	resolve := func(a *ArgInfo) error {
		if a == nil || a.Array != ArraySizeAtArgNum {
			return nil
		}
		n := a.SizeArgNum
		var target *ArgInfo
		switch {
		case n < 0:
			return fmt.Errorf("array was specified to have its size_t be at argnum %d, but argnums must be positive", n)
		case n > len(list):
			return fmt.Errorf("array was specified to have its size_t be at argnum %d, but there are only %d args", n, len(list))
		case n == 0:
			if ret == nil {
				return fmt.Errorf("array size t0 refers to a return value, which a struct field does not have")
			}
			target = ret
		default:
			target = list[n-1]
		}
		if target == a {
			return fmt.Errorf("array cannot take its size from itself (t%d)", n)
		}
		if target.IsArray() || target.Type == TypeStruct || !(target.Type.isSignedInt() || target.Type.isUnsignedInt()) {
			return fmt.Errorf("array was specified to have its size_t be argument %d, but the arg at that position is not a numeric type", n)
		}
		a.Array = ArraySizeAtArgInfo
		a.SizeArg = target
		return nil
	}
	for _, a := range list {
		if err := resolve(a); err != nil {
			return err
		}
	}
	return resolve(ret)
}
