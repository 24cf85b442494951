//go:build linux
// +build linux

package cliffi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Fault_Crash_IsRecoverable(t *testing.T) {
	env := newInvokeEnv(t)
	call, err := env.p.ParseCall(Split("testlib -i crash"))
	require.NoError(t, err)

	err = env.iv.Invoke(call, symbolFor(call))
	require.Error(t, err)
	var fi *FaultInfo
	require.True(t, errors.As(err, &fi))
	require.Equal(t, sigSEGV, fi.Signo)
	require.Equal(t, uintptr(0), fi.Addr)
	require.Equal(t, "invoke_dynamic_function:ffi_call", fi.Section)
	require.Contains(t, err.Error(), "Segmentation fault at address: 0x0")
	require.Contains(t, err.Error(), "In Section: invoke_dynamic_function:ffi_call")

	// the process is still usable
	call = env.call(t, "-i add 1 1")
	require.Equal(t, Int(2), call.Return.Value)
}

func Test_Fault_BadPointerArgument(t *testing.T) {
	env := newInvokeEnv(t)
	call, err := env.p.ParseCall(Split("testlib -i deref -P 0x10"))
	require.NoError(t, err)
	err = env.iv.Invoke(call, symbolFor(call))
	var fi *FaultInfo
	require.True(t, errors.As(err, &fi))
	require.Equal(t, uintptr(0x10), fi.Addr)

	// repeated faults keep being caught
	err = env.iv.Invoke(call, symbolFor(call))
	require.True(t, errors.As(err, &fi))
}

func Test_Fault_BadStringReturn(t *testing.T) {
	env := newInvokeEnv(t)
	call, err := env.p.ParseCall(Split("testlib -s minus_one"))
	require.NoError(t, err)

	err = env.iv.Invoke(call, symbolFor(call))
	var fi *FaultInfo
	require.True(t, errors.As(err, &fi))
	require.Equal(t, "invoke_dynamic_function:after ffi_call", fi.Section)
	require.Contains(t, err.Error(), "Segmentation fault")
	require.Equal(t, "(unset)", env.iv.Exc.Section())

	call = env.call(t, "-i add 2 2")
	require.Equal(t, Int(4), call.Return.Value)
}

func Test_Fault_PanicKeepsSection(t *testing.T) {
	x := NewExceptions()
	var caught *Exception
	err := x.Try(func() error {
		x.SetSection("reading results")
		n := *(*int64)(uintptrToPointer(0x1008))
		return fmt.Errorf("read %d", n)
	}, func(e *Exception) error {
		caught = e
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, caught.Fault)
	require.Equal(t, "reading results", caught.Fault.Section)
	require.Equal(t, "(unset)", x.Section())
}

func Test_Fault_Crash_InsideTry(t *testing.T) {
	env := newInvokeEnv(t)
	call, err := env.p.ParseCall(Split("testlib -i crash"))
	require.NoError(t, err)

	var caught *Exception
	err = env.iv.Exc.Try(func() error {
		return env.iv.Invoke(call, symbolFor(call))
	}, func(e *Exception) error {
		caught = e
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, caught)
	require.Equal(t, 1, caught.Status)
	require.Contains(t, caught.Msg, "Segmentation fault")
	require.Equal(t, "(unset)", env.iv.Exc.Section())
}

func Test_Fault_ReadMemory(t *testing.T) {
	_, err := ReadMemory(0x10, 4)
	var fi *FaultInfo
	require.True(t, errors.As(err, &fi))
	require.Equal(t, "read memory", fi.Section)

	ar := NewArena()
	defer ar.Free()
	cell := ar.Alloc(8)
	require.NoError(t, WriteMemory(cell.Addr(), []byte{1, 2, 3, 4}))
	b, err := ReadMemory(cell.Addr(), 6)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 0, 0}, b)

	b, err = ReadMemory(cell.Addr(), 0)
	require.NoError(t, err)
	require.Empty(t, b)

	err = WriteMemory(0x10, []byte{1})
	require.True(t, errors.As(err, &fi))
	require.Equal(t, "write memory", fi.Section)
}

func Test_Fault_FaultName(t *testing.T) {
	require.Equal(t, "Segmentation fault", faultName(sigSEGV))
	require.Equal(t, "Signal 99", faultName(99))
	fi := &FaultInfo{Signo: sigSEGV, Addr: 0x20, IP: 0x400000}
	require.Equal(t, "\nSegmentation fault at address: 0x20\nInstruction pointer: 0x400000\nIn Section: (unset)", fi.Error())
}
