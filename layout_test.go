//go:build linux
// +build linux

package cliffi

import (
	"testing"

	"github.com/YSaxon/cliffi/internal/testlib"
	"github.com/stretchr/testify/require"
)

// mixedStruct is { char; int; char[2]; double; int[3]; char }.
func mixedStruct(packed bool) *StructInfo {
	return &StructInfo{Packed: packed, Fields: []*ArgInfo{
		{Type: TypeChar},
		{Type: TypeInt},
		{Type: TypeChar, Array: ArrayStaticSize, Size: 2, inStruct: true},
		{Type: TypeDouble},
		{Type: TypeInt, Array: ArrayStaticSize, Size: 3, inStruct: true},
		{Type: TypeChar},
	}}
}

func Test_Layout_Packed_NoPadding(t *testing.T) {
	lay, err := StructLayout(mixedStruct(true))
	require.NoError(t, err)
	require.Equal(t, uintptr(28), lay.Size)
	require.Equal(t, uintptr(1), lay.Align)
	require.Equal(t, []uintptr{0, 1, 5, 7, 15, 27}, lay.Offsets)
	require.Equal(t, testlib.PackedSize(), int(lay.Size))
}

func Test_Layout_Natural_MatchesCompiler(t *testing.T) {
	lay, err := StructLayout(mixedStruct(false))
	require.NoError(t, err)
	require.Equal(t, uintptr(40), lay.Size)
	require.Equal(t, uintptr(8), lay.Align)
	require.Equal(t, []uintptr{0, 4, 8, 16, 24, 36}, lay.Offsets)

	require.Equal(t, testlib.NaturalSize(), int(lay.Size))
	require.Equal(t, testlib.NaturalOffsetD(), int(lay.Offsets[3]))
	require.Equal(t, testlib.NaturalOffsetC2(), int(lay.Offsets[5]))
}

func Test_Layout_Natural_AgreesWithLibffi(t *testing.T) {
	s := mixedStruct(false)
	want, err := StructLayout(s)
	require.NoError(t, err)
	got, err := NativeStructLayout(s)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func Test_Layout_Nested_And_Pointers(t *testing.T) {
	inner := &StructInfo{Fields: []*ArgInfo{{Type: TypeChar}, {Type: TypeShort}}}
	s := &StructInfo{Fields: []*ArgInfo{
		{Type: TypeChar},
		{Type: TypeStruct, Struct: inner, inStruct: true},
		{Type: TypeInt, PointerDepth: 1},
		{Type: TypeString},
	}}
	lay, err := StructLayout(s)
	require.NoError(t, err)
	// inner is 4 bytes aligned to 2
	require.Equal(t, []uintptr{0, 2, 8, 16}, lay.Offsets)
	require.Equal(t, uintptr(24), lay.Size)
	require.Equal(t, uintptr(8), lay.Align)
}

func Test_Layout_Void_Field_Error(t *testing.T) {
	s := &StructInfo{Fields: []*ArgInfo{{Type: TypeInt}, {Type: TypeVoid}}}
	_, err := StructLayout(s)
	require.Error(t, err)
	require.Contains(t, err.Error(), "field 1")
}

func Test_Layout_SizeFromSibling(t *testing.T) {
	n := &ArgInfo{Type: TypeInt, Value: Int(3)}
	arr := &ArgInfo{Type: TypeInt, PointerDepth: 0, Array: ArraySizeAtArgInfo, SizeArg: n}
	got, err := arrayLen(arr)
	require.NoError(t, err)
	require.Equal(t, 3, got)

	n.Value = Int(-1)
	_, err = arrayLen(arr)
	require.Error(t, err)
}
