//go:build linux
// +build linux

package cliffi

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseCall(t *testing.T, line string) *FunctionCallInfo {
	t.Helper()
	p := NewParser(nil, nil)
	call, err := p.ParseCall(strings.Fields(line))
	if err != nil {
		t.Fatalf("ParseCall(%q): %v", line, err)
	}
	return call
}

func parseCallErr(t *testing.T, line string) error {
	t.Helper()
	p := NewParser(nil, nil)
	_, err := p.ParseCall(strings.Fields(line))
	if err == nil {
		t.Fatalf("ParseCall(%q): expected an error", line)
	}
	return err
}

func Test_Parser_Call_IntAdd(t *testing.T) {
	call := parseCall(t, "libfoo.so i add 3 4")
	require.Equal(t, "libfoo.so", call.LibraryPath)
	require.Equal(t, "add", call.FunctionName)
	require.Equal(t, TypeInt, call.Return.Type)
	require.True(t, call.Return.Null)
	require.False(t, call.IsVariadic())
	require.Len(t, call.Args, 2)
	require.Equal(t, TypeInt, call.Args[0].Type)
	require.Equal(t, Int(3), call.Args[0].Value)
	require.Equal(t, Int(4), call.Args[1].Value)
	require.False(t, call.Args[0].Explicit)
}

func Test_Parser_Call_DashlessReturnWarns(t *testing.T) {
	var log bytes.Buffer
	p := NewParser(nil, NewLogger(&log, LogLevelWarning, false))
	_, err := p.ParseCall([]string{"lib", "i", "f"})
	require.NoError(t, err)
	require.Contains(t, log.String(), "dashless type indicators are deprecated : i")

	log.Reset()
	_, err = p.ParseCall([]string{"lib", "-i", "f"})
	require.NoError(t, err)
	require.Empty(t, log.String())
}

func Test_Parser_Call_TooShort(t *testing.T) {
	err := parseCallErr(t, "lib i")
	require.Contains(t, err.Error(), "not enough arguments")
}

func Test_Parser_Flags_Explicit(t *testing.T) {
	call := parseCall(t, "lib v f -i 5 -pi 6 -s hello -h -3 -ppd 1.5 -L 0xff")
	args := call.Args
	require.Len(t, args, 6)

	require.True(t, args[0].Explicit)
	require.Equal(t, Int(5), args[0].Value)

	require.Equal(t, 1, args[1].PointerDepth)
	require.Equal(t, Int(6), args[1].Value)

	require.Equal(t, TypeString, args[2].Type)
	require.Equal(t, Str("hello"), args[2].Value)

	require.Equal(t, TypeShort, args[3].Type)
	require.Equal(t, Int(-3), args[3].Value)

	require.Equal(t, TypeDouble, args[4].Type)
	require.Equal(t, 2, args[4].PointerDepth)

	require.Equal(t, TypeULong, args[5].Type)
	require.Equal(t, Uint(255), args[5].Value)
}

func Test_Parser_Flags_NegativeNumberIsNotAFlag(t *testing.T) {
	call := parseCall(t, "lib i f -5 -2.5")
	require.Equal(t, TypeInt, call.Args[0].Type)
	require.Equal(t, Int(-5), call.Args[0].Value)
	require.Equal(t, TypeDouble, call.Args[1].Type)
	require.Equal(t, Float(-2.5), call.Args[1].Value)
}

func Test_Parser_Flags_WithoutValueIsNull(t *testing.T) {
	call := parseCall(t, "lib i f -pi -i 3")
	require.True(t, call.Args[0].Null)
	require.Equal(t, Null{}, call.Args[0].Value)
	require.Equal(t, Int(3), call.Args[1].Value)
}

func Test_Parser_Flags_Errors(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"lib i f -a 1", "array flag must be followed by a primitive type flag"},
		{"lib i f -a4 1", "array flag must be followed by a primitive type flag"},
		{"lib i f -ax 1", "unsupported argument type flag"},
		{"lib i f -aS 1", "arrays of structs are not presently supported"},
		{"lib i f -aa 1", "array types cannot be nested"},
		{"lib i f -av 1", "arrays of void are not supported"},
		{"lib i f -ia 1", "array or pointer flag in unsupported position"},
		{"lib i f -ait 1", "must be followed by a number"},
		{"lib i f -S 1", "struct flag must be followed by a colon"},
		{"lib i f -v", "void is only valid as a return type"},
		{"lib i f Oi", "outpointer flag is only defined for pointer types"},
	}
	for _, c := range cases {
		err := parseCallErr(t, c.line)
		require.Contains(t, err.Error(), c.want, "line %q", c.line)
	}
}

func Test_Parser_NullAndOutPointer(t *testing.T) {
	call := parseCall(t, "lib i f Npi Opi Ni Opai4")
	a := call.Args
	require.True(t, a[0].Null)
	require.False(t, a[0].OutPointer)
	require.Equal(t, 1, a[0].PointerDepth)

	require.True(t, a[1].Null)
	require.True(t, a[1].OutPointer)

	require.True(t, a[2].Null)
	require.Equal(t, 0, a[2].PointerDepth)

	require.True(t, a[3].OutPointer)
	require.Equal(t, ArrayStaticSize, a[3].Array)
	require.Equal(t, 4, a[3].Size)
	require.Equal(t, 1, a[3].PointerDepth)
}

func Test_Parser_NullPrefix_FallsBackToInference(t *testing.T) {
	call := parseCall(t, "lib i f Nancy Oscar")
	require.Equal(t, TypeString, call.Args[0].Type)
	require.Equal(t, Str("Nancy"), call.Args[0].Value)
	require.Equal(t, Str("Oscar"), call.Args[1].Value)
}

func Test_Parser_Varargs(t *testing.T) {
	call := parseCall(t, "lib d sum_doubles -i 2 ... 1.5 2.5")
	require.True(t, call.IsVariadic())
	require.Equal(t, 1, call.VarargStart)
	require.Len(t, call.Args, 3)

	err := parseCallErr(t, "lib i f 1 ... 2 ... 3")
	require.Contains(t, err.Error(), "multiple varargs flags")

	err = parseCallErr(t, "lib i f 1 ...")
	require.Contains(t, err.Error(), "varargs flag must be followed by at least one argument")

	err = parseCallErr(t, "lib i f -S: 1 ... 2 :S")
	require.Contains(t, err.Error(), "varargs flag encountered in struct")
}

func Test_Parser_Struct(t *testing.T) {
	call := parseCall(t, "lib i f -S: 1 -d 2 -s x :S 9")
	require.Len(t, call.Args, 2)
	s := call.Args[0]
	require.Equal(t, TypeStruct, s.Type)
	require.False(t, s.Struct.Packed)
	require.Len(t, s.Struct.Fields, 3)
	require.Equal(t, Int(1), s.Struct.Fields[0].Value)
	require.Equal(t, TypeDouble, s.Struct.Fields[1].Type)
	require.Equal(t, Str("x"), s.Struct.Fields[2].Value)
	for _, f := range s.Struct.Fields {
		require.True(t, f.inStruct)
	}
	require.Equal(t, Int(9), call.Args[1].Value)
}

func Test_Parser_Struct_PackedAndNested(t *testing.T) {
	call := parseCall(t, "lib i f -pSK: -c a -S: 1 2 :S :S")
	s := call.Args[0]
	require.Equal(t, 1, s.PointerDepth)
	require.True(t, s.Struct.Packed)
	require.Len(t, s.Struct.Fields, 2)
	inner := s.Struct.Fields[1]
	require.Equal(t, TypeStruct, inner.Type)
	require.Len(t, inner.Struct.Fields, 2)
}

func Test_Parser_Struct_Errors(t *testing.T) {
	err := parseCallErr(t, "lib i f -S: 1 2")
	require.Contains(t, err.Error(), "struct flag not closed with :S")

	err = parseCallErr(t, "lib i f 1 :S")
	require.Contains(t, err.Error(), "unexpected close struct flag :S")

	err = parseCallErr(t, "lib i f -S: Nai :S")
	require.Contains(t, err.Error(), "needs a size")
}

func Test_Parser_Struct_Return(t *testing.T) {
	call := parseCall(t, "lib -S: -i -i :S make_point 1 2")
	ret := call.Return
	require.Equal(t, TypeStruct, ret.Type)
	require.Len(t, ret.Struct.Fields, 2)
	require.True(t, ret.Struct.Fields[0].Null)
	require.Equal(t, "make_point", call.FunctionName)
	require.Len(t, call.Args, 2)
}

func Test_Parser_ArraySizes(t *testing.T) {
	call := parseCall(t, "lib v double_all -ait2 1,2,3 -i 3")
	arr := call.Args[0]
	require.Equal(t, ArraySizeAtArgInfo, arr.Array)
	require.Same(t, call.Args[1], arr.SizeArg)
	n, err := arrayLen(arr)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	call = parseCall(t, "lib -i get_buffer -ait0 1,2")
	require.Same(t, call.Return, call.Args[0].SizeArg)

	err = parseCallErr(t, "lib -ait0 range 4")
	require.Contains(t, err.Error(), "cannot take its size from itself")
}

func Test_Parser_ArraySizes_InStruct(t *testing.T) {
	call := parseCall(t, "lib i f -S: -i 2 -ait1 5,6 :S")
	fields := call.Args[0].Struct.Fields
	require.Same(t, fields[0], fields[1].SizeArg)
}

func Test_Parser_ArraySizes_Errors(t *testing.T) {
	err := parseCallErr(t, "lib v f -ait5 1,2")
	require.Contains(t, err.Error(), "there are only 1 args")

	err = parseCallErr(t, "lib v f -ait2 1,2 hello")
	require.Contains(t, err.Error(), "is not a numeric type")

	err = parseCallErr(t, "lib ai f")
	require.Contains(t, err.Error(), "array return types must have a specified size")
}

func Test_Parser_Variables(t *testing.T) {
	vars := NewVarStore()
	x := &ArgInfo{Type: TypeInt, Value: Int(5)}
	require.NoError(t, vars.Set("x", x))

	var log bytes.Buffer
	p := NewParser(vars, NewLogger(&log, LogLevelVerbose, false))
	call, err := p.ParseCall([]string{"lib", "-i", "f", "x", "-l", "x"})
	require.NoError(t, err)
	require.Same(t, x, call.Args[0])

	cast := call.Args[1]
	require.NotSame(t, x, cast)
	require.Equal(t, TypeLong, cast.Type)
	require.Equal(t, Int(5), cast.Value)
	require.Contains(t, log.String(), "attempting cast from variable x")
	require.Equal(t, TypeInt, x.Type)
}

func Test_Parser_Value_And_Type(t *testing.T) {
	p := NewParser(nil, nil)
	v, err := p.ParseValue([]string{"-ai", "1,2"})
	require.NoError(t, err)
	require.Equal(t, 2, v.Size)

	_, err = p.ParseValue([]string{"-i", "3", "4"})
	require.Error(t, err)
	require.Contains(t, err.Error(), `unexpected token "4"`)

	ty, err := p.ParseType([]string{"-pi"})
	require.NoError(t, err)
	require.Equal(t, 1, ty.PointerDepth)
	require.True(t, ty.Null)

	_, err = p.ParseType([]string{"-ait1"})
	require.Error(t, err)
}

func Test_Parser_Errors_AreLocated(t *testing.T) {
	err := parseCallErr(t, "lib i f 1 -ax 2")
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 4, pe.Index)

	rendered := WrapErrorWithLine(err).Error()
	require.Contains(t, rendered, "GRAMMAR ERROR at token 5")
	require.Contains(t, rendered, "   | lib i f 1 -ax 2\n")
	require.Contains(t, rendered, "   |           ^^^\n")
}

func Test_Parser_Resolve(t *testing.T) {
	p := NewParser(nil, nil)
	p.Resolve = func(name string) (string, error) { return "/opt/" + name, nil }
	call, err := p.ParseCall([]string{"libm.so", "-d", "cos", "0.0"})
	require.NoError(t, err)
	require.Equal(t, "/opt/libm.so", call.LibraryPath)

	p.Resolve = func(name string) (string, error) { return "", errors.New("nope") }
	_, err = p.ParseCall([]string{"libm.so", "-d", "cos", "0.0"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unable to resolve library path for libm.so")
}
