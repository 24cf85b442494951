//go:build linux
// +build linux

package cliffi

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CallDoc is the YAML form of a parsed call, printed by "describe" and by
// the --describe flag before a call is made.
type CallDoc struct {
	Library     string     `yaml:"library"`
	Function    string     `yaml:"function"`
	Return      ValueDoc   `yaml:"return"`
	Args        []ValueDoc `yaml:"args,omitempty"`
	VarargStart *int       `yaml:"vararg_start,omitempty"`
}

// ValueDoc describes one value of a call.
type ValueDoc struct {
	Type       string     `yaml:"type"`
	Value      string     `yaml:"value,omitempty"`
	Explicit   bool       `yaml:"explicit,omitempty"`
	Null       bool       `yaml:"null,omitempty"`
	OutPointer bool       `yaml:"out_pointer,omitempty"`
	Size       string     `yaml:"size,omitempty"`
	Packed     bool       `yaml:"packed,omitempty"`
	Layout     *LayoutDoc `yaml:"layout,omitempty"`
	Fields     []ValueDoc `yaml:"fields,omitempty"`
}

// LayoutDoc is the computed layout of a struct.
type LayoutDoc struct {
	Size    uintptr   `yaml:"size"`
	Align   uintptr   `yaml:"align"`
	Offsets []uintptr `yaml:"offsets,flow"`
}

// DescribeCall renders call as YAML.
func DescribeCall(call *FunctionCallInfo) ([]byte, error) {
	doc := CallDoc{
		Library:  call.LibraryPath,
		Function: call.FunctionName,
		Return:   describeValue(call.Return, true),
	}
	for _, a := range call.Args {
		doc.Args = append(doc.Args, describeValue(a, false))
	}
	if call.IsVariadic() {
		v := call.VarargStart
		doc.VarargStart = &v
	}
	return yaml.Marshal(&doc)
}

// DescribeValue renders a single value (a variable) as YAML.
func DescribeValue(a *ArgInfo) ([]byte, error) {
	return yaml.Marshal(describeValue(a, false))
}

func describeValue(a *ArgInfo, isReturn bool) ValueDoc {
	d := ValueDoc{
		Type:       FormatType(a),
		Explicit:   a.Explicit,
		Null:       a.Null,
		OutPointer: a.OutPointer,
	}
	switch a.Array {
	case ArrayStaticSize:
		d.Size = fmt.Sprintf("%d", a.Size)
	case ArraySizeAtArgNum:
		d.Size = fmt.Sprintf("t%d", a.SizeArgNum)
	case ArraySizeAtArgInfo:
		if n, ok := countFrom(a.SizeArg); ok {
			d.Size = fmt.Sprintf("%d (from another value)", n)
		} else {
			d.Size = "from another value"
		}
	}
	if a.Type == TypeStruct && a.Struct != nil {
		d.Packed = a.Struct.Packed
		if lay, err := StructLayout(a.Struct); err == nil {
			d.Layout = &LayoutDoc{Size: lay.Size, Align: lay.Align, Offsets: lay.Offsets}
		}
		for _, f := range a.Struct.Fields {
			d.Fields = append(d.Fields, describeValue(f, false))
		}
		return d
	}
	if !isReturn && !a.Null && a.Type != TypeVoid {
		d.Value = FormatValue(a)
	}
	return d
}
