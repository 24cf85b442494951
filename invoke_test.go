//go:build linux
// +build linux

package cliffi

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/YSaxon/cliffi/internal/testlib"
	"github.com/stretchr/testify/require"
)

type invokeEnv struct {
	vars *VarStore
	log  bytes.Buffer
	iv   *Invoker
	p    *Parser
}

func newInvokeEnv(t *testing.T) *invokeEnv {
	t.Helper()
	env := &invokeEnv{vars: NewVarStore()}
	logger := NewLogger(&env.log, LogLevelVerbose, false)
	env.p = NewParser(env.vars, logger)
	env.iv = NewInvoker(logger, nil)
	t.Cleanup(func() {
		env.iv.Arena.Free()
		env.p.Arena().Free()
	})
	return env
}

// call parses "testlib <line>" and calls the test function named in it.
func (env *invokeEnv) call(t *testing.T, line string) *FunctionCallInfo {
	t.Helper()
	call, err := env.p.ParseCall(append([]string{"testlib"}, Split(line)...))
	if err != nil {
		t.Fatalf("ParseCall(%q): %v", line, err)
	}
	if err := env.iv.Invoke(call, testlib.Symbol(call.FunctionName)); err != nil {
		t.Fatalf("Invoke(%q): %v", line, err)
	}
	return call
}

func Test_Invoke_AddInts(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-i add 3 4")
	require.Equal(t, Int(7), call.Return.Value)
	require.False(t, call.Return.Null)
	require.Equal(t, "Function returned: 7\n", FormatCallResult(call))
}

func Test_Invoke_ScalarReturns(t *testing.T) {
	env := newInvokeEnv(t)
	cases := []struct {
		line string
		want Value
	}{
		{"-d mult_doubles 1.5 4.0", Float(6)},
		{"-f add_floats 1.5f 2.25f", Float(3.75)},
		{"-h neg_short -h 5", Int(-5)},
		{"-l minus_one", Int(-1)},
		{"-i is_true true", Int(1)},
		{"-i is_true false", Int(0)},
		{"-I strlen hello", Uint(5)},
		{"-s concat foo bar", Str("foobar")},
	}
	for _, c := range cases {
		call := env.call(t, c.line)
		require.Equal(t, c.want, call.Return.Value, c.line)
	}
}

func Test_Invoke_OutPointer_Scalar(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-v set_int Opi -i 42")
	require.Equal(t, Int(42), call.Args[0].Value)
	require.Equal(t, "Function returned: (void)\nArg 0 after function return: int* 42\n", FormatCallResult(call))

	call = env.call(t, "-v set_int -pi 5 -i 9")
	require.Equal(t, Int(9), call.Args[0].Value)
}

func Test_Invoke_Arrays_InOut(t *testing.T) {
	env := newInvokeEnv(t)

	call := env.call(t, "-v double_all -ai 1,2,3 -i 3")
	require.Equal(t, Elems{Int(2), Int(4), Int(6)}, call.Args[0].Value)

	call = env.call(t, "-i sum_ints -ait2 1,2,3,4 -i 4")
	require.Equal(t, Int(10), call.Return.Value)

	call = env.call(t, "-v upper -ac hello")
	require.Equal(t, Bytes("HELLO\x00"), call.Args[0].Value)
	require.Equal(t, `HELLO\0`, FormatValue(call.Args[0]))
}

func Test_Invoke_String_ModifiedInPlace(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-v upper -s hello")
	require.Equal(t, Str("HELLO"), call.Args[0].Value)
}

func Test_Invoke_OutPointer_ArraySizedByReturn(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-i get_buffer Opact0")
	require.Equal(t, Int(5), call.Return.Value)
	require.Equal(t, Bytes("hello"), call.Args[0].Value)
	require.Equal(t, "hello", FormatValue(call.Args[0]))
}

func Test_Invoke_ArrayReturn(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-ai4 range 4")
	require.Equal(t, Elems{Int(0), Int(1), Int(2), Int(3)}, call.Return.Value)

	call = env.call(t, "-ait1 range 3")
	require.Equal(t, Elems{Int(0), Int(1), Int(2)}, call.Return.Value)
}

func Test_Invoke_Structs(t *testing.T) {
	env := newInvokeEnv(t)

	call := env.call(t, "-i point_sum -S: 3 4 :S")
	require.Equal(t, Int(7), call.Return.Value)

	call = env.call(t, "-S: -i -i :S make_point 5 6")
	fields := call.Return.Struct.Fields
	require.Equal(t, Int(5), fields[0].Value)
	require.Equal(t, Int(6), fields[1].Value)
	require.Equal(t, "{ int 5, int 6 }", FormatValue(call.Return))

	call = env.call(t, "-v move_point -pS: 1 2 :S -i 10")
	fields = call.Args[0].Struct.Fields
	require.Equal(t, Int(11), fields[0].Value)
	require.Equal(t, Int(12), fields[1].Value)

	call = env.call(t, "-i named_len -S: 4 -s abc :S")
	require.Equal(t, Int(7), call.Return.Value)
}

func Test_Invoke_Struct_OutPointer(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-v alloc_point OppS: -i -i :S")
	fields := call.Args[0].Struct.Fields
	require.Equal(t, Int(7), fields[0].Value)
	require.Equal(t, Int(9), fields[1].Value)
}

const packedFields = "-c 0x01 -i 2 -ac2 0x0304 -d 0.5 -ai3 5,6,7 -c 0x08 :S"

func Test_Invoke_PackedStruct_MarshalsWithoutPadding(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-d packed_sum -pSK: "+packedFields)
	require.Equal(t, Float(36.5), call.Return.Value)

	s := call.Args[0].Struct
	lay, err := StructLayout(s)
	require.NoError(t, err)
	require.Equal(t, uintptr(28), lay.Size)
	base := s.Fields[0].slot.Addr()
	for i, f := range s.Fields {
		require.Equal(t, lay.Offsets[i], f.slot.Addr()-base, "field %d", i)
	}
}

func Test_Invoke_PackedStruct_CalleeWritesBack(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-v packed_bump -pSK: "+packedFields)
	f := call.Args[0].Struct.Fields
	require.Equal(t, Int(1), f[0].Value)
	require.Equal(t, Int(3), f[1].Value)
	require.Equal(t, Bytes{3, 4}, f[2].Value)
	require.Equal(t, Float(1), f[3].Value)
	require.Equal(t, Elems{Int(5), Int(6), Int(99)}, f[4].Value)
	require.Equal(t, Int(8), f[5].Value)
}

func Test_Invoke_NaturalStruct_ByValue(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-d natural_sum -S: "+packedFields)
	require.Equal(t, Float(36.5), call.Return.Value)

	lay, err := StructLayout(call.Args[0].Struct)
	require.NoError(t, err)
	require.Equal(t, testlib.NaturalSize(), int(lay.Size))
}

func Test_Invoke_Varargs(t *testing.T) {
	env := newInvokeEnv(t)

	call := env.call(t, "-d sum_doubles -i 2 ... 1.5 2.5")
	require.Equal(t, Float(4), call.Return.Value)

	call = env.call(t, "-d sum_doubles -i 2 ... -f 1.5 -f 2.5")
	require.Equal(t, Float(4), call.Return.Value)
	require.Equal(t, TypeDouble, call.Args[1].Type)

	env.log.Reset()
	call = env.call(t, "-i sum_varints -i 3 ... -c 0x01 -h 2 3")
	require.Equal(t, Int(6), call.Return.Value)
	require.Equal(t, TypeInt, call.Args[1].Type)
	require.Equal(t, TypeInt, call.Args[2].Type)
	require.Contains(t, env.log.String(), "promoted from char to int")
	require.Contains(t, env.log.String(), "promoted from short to int")
}

func Test_Invoke_Varargs_PromotionTable(t *testing.T) {
	require.Equal(t, TypeDouble, promotedType(TypeFloat))
	require.Equal(t, TypeInt, promotedType(TypeChar))
	require.Equal(t, TypeInt, promotedType(TypeShort))
	require.Equal(t, TypeInt, promotedType(TypeBool))
	require.Equal(t, TypeUInt, promotedType(TypeUChar))
	require.Equal(t, TypeUInt, promotedType(TypeUShort))
	for _, same := range []ArgType{TypeDouble, TypeInt, TypeUInt, TypeLong, TypeString} {
		require.Equal(t, same, promotedType(same))
	}
}

func Test_Invoke_Varargs_InferredPromotionIsQuiet(t *testing.T) {
	env := newInvokeEnv(t)
	env.log.Reset()
	env.call(t, "-i sum_varints -i 1 ... x")
	require.NotContains(t, env.log.String(), "promoted")
}

func Test_Invoke_Variable_KeepsMemory(t *testing.T) {
	env := newInvokeEnv(t)
	call := env.call(t, "-v set_int Opi -i 5")
	require.NoError(t, env.vars.Set("out", call.Args[0]))

	call = env.call(t, "-v set_int out -i 6")
	require.Same(t, call.Args[0], mustVar(t, env.vars, "out"))
	require.Equal(t, "int* out = 6", FormatVariable("out", mustVar(t, env.vars, "out")))
}

func mustVar(t *testing.T, vars *VarStore, name string) *ArgInfo {
	t.Helper()
	v, ok := vars.Get(name)
	if !ok {
		t.Fatalf("variable %s not set", name)
	}
	return v
}

func Test_Invoke_NilFunction(t *testing.T) {
	env := newInvokeEnv(t)
	call, err := env.p.ParseCall(strings.Fields("testlib -i add 1 2"))
	require.NoError(t, err)
	err = env.iv.Invoke(call, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "function pointer for add is null")
}

func symbolFor(call *FunctionCallInfo) unsafe.Pointer {
	return testlib.Symbol(call.FunctionName)
}
