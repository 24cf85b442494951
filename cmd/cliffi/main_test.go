//go:build linux
// +build linux

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/YSaxon/cliffi"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// runCLI runs the command with an empty HOME so no user config or init file
// is picked up.
func runCLI(t *testing.T, input string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out, errOut bytes.Buffer
	code = run(args, strings.NewReader(input), &out, &errOut)
	return code, out.String(), errOut.String()
}

func Test_CLI_ReplTest(t *testing.T) {
	code, out, stderr := runCLI(t, "", "--log-level", "silent", "--repltest", "set", "x", "5", "\n", "print", "x")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "int x = 5\nint x = 5\n", out)
}

func Test_CLI_ReplTest_FlagUsage(t *testing.T) {
	var opt options
	fs := pflag.NewFlagSet("cliffi", pflag.ContinueOnError)
	addFlags(fs, &opt)
	require.Contains(t, fs.Lookup("repltest").Usage, "joined with spaces")

	// one argument holding two commands runs both
	code, out, stderr := runCLI(t, "", "--log-level", "silent", "--repltest", "set xa 1\nprint xa")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "int xa = 1\nint xa = 1\n", out)
}

func Test_CLI_ReplTest_ExitOnFail(t *testing.T) {
	code, out, stderr := runCLI(t, "", "--log-level", "silent", "--repltest", "print", "nope", "\n", "set", "x", "1")
	require.Equal(t, 1, code)
	require.Empty(t, out)
	require.Contains(t, stderr, "Variable nope not found")
	require.NotContains(t, stderr, "Restarting REPL...")

	code, out, stderr = runCLI(t, "", "--log-level", "silent", "--repltest", "--noexitonfail", "print", "nope", "\n", "set", "x", "1")
	require.Equal(t, 0, code)
	require.Equal(t, "int x = 1\n", out)
	require.Contains(t, stderr, "Restarting REPL...")
}

func Test_CLI_ReplTest_Exit(t *testing.T) {
	code, out, _ := runCLI(t, "", "--log-level", "silent", "--repltest", "set", "x", "1", "\n", "exit", "\n", "print", "nope")
	require.Equal(t, 0, code)
	require.Equal(t, "int x = 1\n", out)
}

func Test_CLI_Repl_FromReader(t *testing.T) {
	code, out, stderr := runCLI(t, "set y 2\ny\nexit\nset z 3\n", "--log-level", "silent", "--repl")
	require.Equal(t, 0, code)
	require.Equal(t, "int y = 2\nint y = 2\n", out)
	require.Contains(t, stderr, "Starting REPL...")
}

func Test_CLI_TooFewArgs(t *testing.T) {
	code, _, stderr := runCLI(t, "", "libc.so.6", "-i")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Usage: cliffi [--help] [--repl] "+cliffi.BasicUsage)
}

func Test_CLI_Help_Version(t *testing.T) {
	code, out, _ := runCLI(t, "", "--help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "BASIC EXAMPLES:")

	code, out, _ = runCLI(t, "", "--version")
	require.Equal(t, 0, code)
	require.Equal(t, "cliffi version "+cliffi.Version+"\n", out)
}

func Test_CLI_UnknownFlag(t *testing.T) {
	code, _, stderr := runCLI(t, "", "--bogus")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "unknown flag: --bogus")
}

func Test_CLI_OneShot_Libc(t *testing.T) {
	if _, err := cliffi.NewResolver().Resolve("libc.so.6"); err != nil {
		t.Skipf("libc not resolvable here: %v", err)
	}
	code, out, stderr := runCLI(t, "", "--log-level", "silent", "libc.so.6", "-I", "strlen", "hello")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "Function returned: 5\n", out)

	code, _, stderr = runCLI(t, "", "--log-level", "silent", "libc.so.6", "-i", "no_such_function_here")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "failed to find function")
}
