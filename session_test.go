//go:build linux
// +build linux

package cliffi

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type sessionEnv struct {
	s   *Session
	out bytes.Buffer
	err bytes.Buffer
}

func newSessionEnv(t *testing.T, cfg Config) *sessionEnv {
	t.Helper()
	env := &sessionEnv{}
	cfg.LogLevel = "silent"
	env.s = NewSession(cfg, &env.out, &env.err)
	t.Cleanup(func() { _ = env.s.Close() })
	return env
}

// run executes line and fails the test if the command failed.
func (env *sessionEnv) run(t *testing.T, line string) string {
	t.Helper()
	env.out.Reset()
	_, failed := env.s.RunLine(line)
	if failed {
		t.Fatalf("%q failed: %s", line, env.err.String())
	}
	return env.out.String()
}

// fail executes line, expects it to fail and returns what it reported.
func (env *sessionEnv) fail(t *testing.T, line string) string {
	t.Helper()
	env.err.Reset()
	_, failed := env.s.RunLine(line)
	if !failed {
		t.Fatalf("%q should have failed", line)
	}
	return env.err.String()
}

func Test_Session_Variables(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())

	require.Equal(t, "No variables set.\n", env.run(t, "vars"))
	require.Equal(t, "int x = 5\n", env.run(t, "set x 5"))
	require.Equal(t, "int x = 5\n", env.run(t, "print x"))
	require.Equal(t, "int x = 5\n", env.run(t, "x"))
	require.Equal(t, "int x = 6\n", env.run(t, "x = 6"))
	require.Equal(t, "int x = 7\n", env.run(t, "set x = 7"))

	out := env.run(t, "y = -ai 1,2,3")
	require.Contains(t, out, "y = { 1, 2, 3 }")

	out = env.run(t, "vars")
	require.Contains(t, out, "int x = 7\n")
	require.Contains(t, out, "y = { 1, 2, 3 }")
	require.Equal(t, []string{"x", "y"}, env.s.Vars.Names())
}

func Test_Session_Errors(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())

	require.Contains(t, env.fail(t, "print nope"), "error printing var: Variable nope not found")
	require.Contains(t, env.fail(t, "nope"), "Variable nope not found")
	require.Contains(t, env.fail(t, "0x1234"), "you can't print a memory address without specifying a type")
	require.Contains(t, env.fail(t, "foo bar"), "invalid command 'foo bar'. Type 'help' for assistance")
	require.Contains(t, env.fail(t, "set 12 5"), "cannot be numeric")
	require.Contains(t, env.fail(t, "set x"), "invalid number of arguments for set")
	require.Contains(t, env.fail(t, "set a 1"), "is a type flag")
	require.Contains(t, env.fail(t, "hexdump 0 8"), "invalid address for hexdump")
	require.Contains(t, env.fail(t, "load z -ai 0x10"), "needs a static size")

	// the session keeps working after failures
	require.Equal(t, "int ok = 1\n", env.run(t, "set ok 1"))
}

func Test_Session_Memory(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())

	env.run(t, "set buf -ac8 M")
	require.Equal(t, "4d 00 00 00 00 00 00 00  = M.......\n", env.run(t, "hexdump buf 8"))

	addr, err := ParseAddress("buf", env.s.Vars, nil)
	require.NoError(t, err)

	require.Equal(t, fmt.Sprintf("*( (void*) %#x) = int 65\n", addr), env.run(t, "store buf -i 65"))
	require.Equal(t, fmt.Sprintf("(int*) %#x = int 65\n", addr), env.run(t, "dump -i buf"))
	require.Equal(t, "int z = 65\n", env.run(t, "load z -i buf"))
	require.Equal(t, "int w = 65\n", env.run(t, "load w = -i buf"))

	env.run(t, "buf+4 = -h 0x0102")
	require.Equal(t, "41 00 00 00 02 01 00 00  = A.......\n", env.run(t, "hexdump buf 8"))

	require.Contains(t, env.fail(t, "dump -i 0x10"), "Segmentation fault")
}

func Test_Session_Describe(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libdemo.so")
	require.NoError(t, os.WriteFile(lib, nil, 0o644))

	cfg := DefaultConfig()
	cfg.Aliases = map[string]string{"demo": lib}
	env := newSessionEnv(t, cfg)

	out := env.run(t, "describe demo -i add 1 2")
	require.Contains(t, out, "library: "+lib)
	require.Contains(t, out, "function: add")

	env.run(t, "set x 5")
	out = env.run(t, "describe x")
	require.Contains(t, out, "type: int")

	require.Contains(t, env.fail(t, "describe missing"), "variable missing not found")
}

func Test_Session_Help_List_Exit(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())

	require.Contains(t, env.run(t, "help"), "Memory Management:")
	require.Contains(t, env.run(t, "docs"), "BASIC EXAMPLES:")
	require.Equal(t, "Opened libraries:\n", env.run(t, "list"))
	require.Equal(t, "", env.run(t, "   "))

	quit, failed := env.s.RunLine("exit")
	require.True(t, quit)
	require.False(t, failed)
}

func Test_Session_InitFile(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())
	path := filepath.Join(t.TempDir(), ".cliffi_init")
	body := "set xa 1\nprint missing\n# a comment\nset xb 2\nexit\nset xc 3\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	require.NoError(t, env.s.RunInitFile(path))
	require.Contains(t, env.out.String(), "Running cliffi init file at "+path)
	require.Contains(t, env.err.String(), "Error encountered in processing a line from .cliffi_init file: print missing")
	require.Equal(t, []string{"xa", "xb"}, env.s.Vars.Names())

	require.Error(t, env.s.RunInitFile(filepath.Join(t.TempDir(), "absent")))
}

func Test_Session_Shell(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())
	require.Equal(t, "hi\n", env.run(t, "!echo hi"))
	// a failing command is only a warning
	env.run(t, "!exit 3")
}

func Test_Session_CallLibc(t *testing.T) {
	env := newSessionEnv(t, DefaultConfig())
	if _, err := env.s.Resolver.Resolve("libc.so.6"); err != nil {
		t.Skipf("libc not resolvable here: %v", err)
	}

	require.Equal(t, "Function returned: 5\n", env.run(t, "libc.so.6 -I strlen hello"))
	require.Equal(t, "Function returned: 12\n", env.run(t, "libc.so.6 -i abs -12"))
	require.Len(t, env.s.Libs.Opened(), 1)

	msg := env.fail(t, "libc.so.6 -I strlen -P 0x10")
	require.Contains(t, msg, "Error: Function invocation failed")
	require.Contains(t, msg, "\tWhile handling exception: \nSegmentation fault at address: 0x")
	require.Contains(t, msg, "In Section: invoke_dynamic_function:ffi_call")

	// and the next call still works
	require.Equal(t, "Function returned: 3\n", env.run(t, "libc.so.6 -I strlen abc"))

	out := env.run(t, "calculate_offset off libc.so.6 strlen 0x0")
	require.Contains(t, out, "Calculation: dlsym(libc.so.6,strlen)=")
	require.Contains(t, out, "(void*) off = 0x")

	out = env.run(t, "close libc.so.6")
	require.Contains(t, out, "Closing Library: ")
	require.Empty(t, env.s.Libs.Opened())
}
