//go:build linux
// +build linux

package cliffi

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func describeLine(t *testing.T, line string) CallDoc {
	t.Helper()
	p := NewParser(nil, nil)
	defer p.Arena().Free()
	call, err := p.ParseCall(Split("testlib " + line))
	require.NoError(t, err)
	out, err := DescribeCall(call)
	require.NoError(t, err)
	var doc CallDoc
	require.NoError(t, yaml.Unmarshal(out, &doc))
	return doc
}

func Test_Describe_Call(t *testing.T) {
	doc := describeLine(t, "-i sum_ints -ait2 1,2 -i 2")
	require.Equal(t, "testlib", doc.Library)
	require.Equal(t, "sum_ints", doc.Function)
	require.Equal(t, "int", doc.Return.Type)
	require.Empty(t, doc.Return.Value)
	require.Nil(t, doc.VarargStart)
	require.Len(t, doc.Args, 2)
	require.Equal(t, "2 (from another value)", doc.Args[0].Size)
	require.True(t, doc.Args[0].Explicit)
	require.Equal(t, "2", doc.Args[1].Value)
}

func Test_Describe_Varargs(t *testing.T) {
	doc := describeLine(t, "-d sum_doubles -i 2 ... 1.5 2.5")
	require.NotNil(t, doc.VarargStart)
	require.Equal(t, 1, *doc.VarargStart)
	require.False(t, doc.Args[1].Explicit)
}

func Test_Describe_PackedStruct(t *testing.T) {
	doc := describeLine(t, "-v f -SK: -c 0x01 -i 2 :S")
	s := doc.Args[0]
	require.True(t, s.Packed)
	require.Equal(t, &LayoutDoc{Size: 5, Align: 1, Offsets: []uintptr{0, 1}}, s.Layout)
	require.Len(t, s.Fields, 2)
	require.Equal(t, "char", s.Fields[0].Type)
	require.Equal(t, "int", s.Fields[1].Type)
}

func Test_Describe_Value(t *testing.T) {
	out, err := DescribeValue(&ArgInfo{Type: TypeInt, Array: ArrayStaticSize, Size: 3, Value: Elems{Int(1), Int(2), Int(3)}})
	require.NoError(t, err)
	var doc ValueDoc
	require.NoError(t, yaml.Unmarshal(out, &doc))
	require.Equal(t, "int [3]", doc.Type)
	require.Equal(t, "3", doc.Size)
	require.Equal(t, "{ 1, 2, 3 }", doc.Value)
}
