//go:build linux
// +build linux

// session.go: the command layer shared by the REPL, the init file and
// one-shot invocations.
//
// A Session owns everything that outlives one command: the variable store,
// the open libraries, the arenas holding the memory values point into and the
// exception state. Commands are single lines:
//
//	<library> <rettype> <function> [args..]   call a function
//	set <var> [=] <value>     |  <var> = <value>
//	print <var>               |  <var>
//	store <address> [=] <value> | <address> = <value>
//	dump <type> <address>
//	load <var> [=] <type> <address>
//	calculate_offset [<var>] <library> <symbol> <address>
//	hexdump <address> <size>
//	list | close <library> | closeall
//	describe <call> | vars | help | docs | !<shell command> | shell | exit
package cliffi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Session executes commands against one set of variables and libraries.
// It is not safe for concurrent use.
type Session struct {
	Out io.Writer
	Err io.Writer

	Log      *Logger
	Exc      *Exceptions
	Vars     *VarStore
	Libs     *Libraries
	Resolver *Resolver

	// Describe prints every parsed call as YAML before it is made.
	Describe bool
	// ExitOnFail tells the REPL driver to stop at the first failing command.
	ExitOnFail bool

	aliases map[string]string
	parser  *Parser
	invoker *Invoker
}

// NewSession builds a session from cfg. Output goes to out, diagnostics to
// errOut.
func NewSession(cfg Config, out, errOut io.Writer) *Session {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	log := NewLogger(errOut, ParseLogLevel(cfg.LogLevel), !cfg.NoColor)
	exc := NewExceptions()
	vars := NewVarStore()
	res := NewResolver()
	res.ExtraPaths = cfg.LibraryPaths

	s := &Session{
		Out:        out,
		Err:        errOut,
		Log:        log,
		Exc:        exc,
		Vars:       vars,
		Libs:       NewLibraries(),
		Resolver:   res,
		ExitOnFail: cfg.ExitOnFail,
		aliases:    cfg.Aliases,
		parser:     NewParser(vars, log),
		invoker:    NewInvoker(log, exc),
	}
	s.parser.Resolve = s.resolveLibrary
	return s
}

// Close unloads every library and releases the memory values point into.
// Variables must not be used afterwards.
func (s *Session) Close() error {
	err := s.Libs.CloseAll()
	s.invoker.Arena.Free()
	s.parser.Arena().Free()
	return err
}

func (s *Session) resolveLibrary(name string) (string, error) {
	if p, ok := s.aliases[name]; ok {
		name = p
	}
	return s.Resolver.Resolve(name)
}

// RunLine executes one command in a protected scope. A failure is printed
// with its causes; failed reports it. quit is set by "exit".
func (s *Session) RunLine(line string) (quit, failed bool) {
	_ = s.Exc.Try(func() error {
		q, err := s.Execute(line)
		quit = q
		return err
	}, func(e *Exception) error {
		e.Print(s.Err)
		failed = true
		return nil
	})
	return quit, failed
}

// Execute runs one command. Errors are returned, not printed.
func (s *Session) Execute(line string) (quit bool, err error) {
	cmd := strings.TrimSpace(line)
	if cmd == "" {
		return false, nil
	}
	word, rest := cmd, ""
	if i := strings.IndexAny(cmd, " \t"); i >= 0 {
		word, rest = cmd[:i], strings.TrimSpace(cmd[i+1:])
	}

	switch {
	case cmd == "exit" || cmd == "quit":
		return true, s.Libs.CloseAll()
	case cmd == "help":
		s.help()
	case cmd == "docs":
		Usage(s.Out, ">")
	case cmd == "list":
		s.list()
	case cmd == "vars":
		s.listVars()
	case cmd == "closeall":
		return false, s.Libs.CloseAll()
	case word == "close":
		return false, s.closeLibrary(rest)
	case word == "set" && rest != "":
		return false, s.set(Split(rest))
	case word == "print" && rest != "":
		return false, s.print(rest)
	case word == "store" && rest != "":
		return false, s.store(Split(rest))
	case word == "dump" && rest != "":
		return false, s.dump(Split(rest))
	case word == "load" && rest != "":
		return false, s.load(Split(rest))
	case word == "calculate_offset" && rest != "":
		return false, s.calculateOffset(Split(rest))
	case word == "hexdump" && rest != "":
		return false, s.hexdump(Split(rest))
	case word == "describe" && rest != "":
		return false, s.describe(Split(rest))
	case strings.HasPrefix(cmd, "!"):
		return false, s.system(cmd[1:])
	case cmd == "shell":
		return false, s.shell()
	default:
		return false, s.command(Split(cmd))
	}
	return false, nil
}

// command handles the sugar forms (<var>, <var> = <value>) and calls.
func (s *Session) command(toks []string) error {
	switch {
	case len(toks) == 1:
		if isHexLiteral(toks[0]) {
			return fmt.Errorf("you can't print a memory address without specifying a type, try again with: dump <type> %s", toks[0])
		}
		return s.print(toks[0])
	case len(toks) >= 3 && toks[1] == "=":
		if isHexLiteral(toks[0]) || strings.ContainsAny(toks[0], "+*") {
			return s.storeAt(toks[0], toks[2:])
		}
		return s.setVar(toks[0], toks[2:])
	case len(toks) < 3:
		return fmt.Errorf("invalid command '%s'. Type 'help' for assistance", strings.Join(toks, " "))
	}
	return s.Call(toks)
}

////////////////////////////////////////////////////////////////////////////////
// Calls
////////////////////////////////////////////////////////////////////////////////

// Call parses tokens as a call, makes it and prints the result.
func (s *Session) Call(tokens []string) error {
	call, err := s.parser.ParseCall(tokens)
	if err != nil {
		return WrapErrorWithLine(err)
	}
	if s.Describe {
		if err := s.printDoc(DescribeCall(call)); err != nil {
			return err
		}
	}
	s.Log.Infof("calling %s from %s", call.FunctionName, call.LibraryPath)

	lib, err := s.Libs.Open(call.LibraryPath)
	if err != nil {
		return err
	}
	fn, err := FindFunction(lib, call.FunctionName, s.Vars, s.Log)
	if err != nil {
		return err
	}
	return s.Exc.Try(func() error {
		if err := s.invoker.Invoke(call, fn); err != nil {
			return err
		}
		fmt.Fprint(s.Out, FormatCallResult(call))
		return nil
	}, func(*Exception) error {
		return s.Exc.Raise(1, "Error: Function invocation failed")
	})
}

func (s *Session) describe(toks []string) error {
	if len(toks) == 1 {
		v, ok := s.Vars.Get(toks[0])
		if !ok {
			return fmt.Errorf("variable %s not found", toks[0])
		}
		return s.printDoc(DescribeValue(v))
	}
	call, err := s.parser.ParseCall(toks)
	if err != nil {
		return WrapErrorWithLine(err)
	}
	return s.printDoc(DescribeCall(call))
}

func (s *Session) printDoc(doc []byte, err error) error {
	if err != nil {
		return err
	}
	_, err = s.Out.Write(doc)
	return err
}

////////////////////////////////////////////////////////////////////////////////
// Variables
////////////////////////////////////////////////////////////////////////////////

// discardEquals drops a leading "=", which is optional after a command word.
func (s *Session) discardEquals(toks []string) []string {
	if len(toks) > 0 && toks[0] == "=" {
		s.Log.Warnf("'=' sign is not necessary when explicitly specifying the command and will be ignored.")
		return toks[1:]
	}
	return toks
}

func (s *Session) set(toks []string) error {
	if len(toks) < 2 {
		return fmt.Errorf("invalid number of arguments for set")
	}
	return s.setVar(toks[0], s.discardEquals(toks[1:]))
}

// setVar parses a value, places it in memory so its address can be taken
// and binds it.
func (s *Session) setVar(name string, toks []string) error {
	if err := ValidateVarName(name); err != nil {
		return err
	}
	if len(toks) == 0 || toks[0] == "" {
		return fmt.Errorf("variable value cannot be empty")
	}
	a, err := s.parser.ParseValue(toks)
	if err != nil {
		return WrapErrorWithLine(err)
	}
	if err := materialize(a, s.invoker.Arena); err != nil {
		return err
	}
	fmt.Fprintln(s.Out, FormatVariable(name, a))
	return s.Vars.Set(name, a)
}

func (s *Session) print(name string) error {
	a, ok := s.Vars.Get(name)
	if !ok {
		return fmt.Errorf("error printing var: Variable %s not found", name)
	}
	fmt.Fprintln(s.Out, FormatVariable(name, a))
	return nil
}

func (s *Session) listVars() {
	names := s.Vars.Names()
	if len(names) == 0 {
		fmt.Fprintln(s.Out, "No variables set.")
		return
	}
	for _, n := range names {
		a, _ := s.Vars.Get(n)
		fmt.Fprintln(s.Out, FormatVariable(n, a))
	}
}

////////////////////////////////////////////////////////////////////////////////
// Memory
////////////////////////////////////////////////////////////////////////////////

func (s *Session) store(toks []string) error {
	if len(toks) < 2 {
		return fmt.Errorf("invalid number of arguments for store")
	}
	return s.storeAt(toks[0], s.discardEquals(toks[1:]))
}

func (s *Session) storeAt(addrExpr string, toks []string) error {
	if addrExpr == "" {
		return fmt.Errorf("memory address cannot be empty")
	}
	if len(toks) == 0 || toks[0] == "" {
		return fmt.Errorf("variable value cannot be empty")
	}
	addr, err := ParseAddress(addrExpr, s.Vars, s.Log)
	if err != nil {
		return err
	}
	a, err := s.parser.ParseValue(toks)
	if err != nil {
		return WrapErrorWithLine(err)
	}
	if err := StoreAt(addr, a, s.invoker.Arena); err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "*( (void*) %#x) = %s %s\n", addr, FormatType(a), FormatValue(a))
	return nil
}

// memoryType parses the type of dump and load, written like a return type.
func (s *Session) memoryType(toks []string) (*ArgInfo, error) {
	t, err := s.parser.ParseType(toks)
	if err != nil {
		return nil, fmt.Errorf("invalid type. Specify it as if it were a return type (ie types only, no dashes): %w", WrapErrorWithLine(err))
	}
	return t, nil
}

func (s *Session) dump(toks []string) error {
	if len(toks) < 2 {
		return fmt.Errorf("invalid number of arguments for dump")
	}
	addrExpr := toks[len(toks)-1]
	t, err := s.memoryType(toks[:len(toks)-1])
	if err != nil {
		return err
	}
	addr, err := ParseAddress(addrExpr, s.Vars, s.Log)
	if err != nil {
		return err
	}
	out, err := DumpAt(addr, t, s.invoker.Arena)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.Out, out)
	return nil
}

func (s *Session) load(toks []string) error {
	if len(toks) < 3 {
		return fmt.Errorf("invalid number of arguments for load")
	}
	name := toks[0]
	if err := ValidateVarName(name); err != nil {
		return err
	}
	addrExpr := toks[len(toks)-1]
	typeToks := s.discardEquals(toks[1 : len(toks)-1])
	t, err := s.memoryType(typeToks)
	if err != nil {
		return err
	}
	addr, err := ParseAddress(addrExpr, s.Vars, s.Log)
	if err != nil {
		return err
	}
	a, err := LoadAt(addr, t, s.invoker.Arena)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.Out, FormatVariable(name, a))
	return s.Vars.Set(name, a)
}

func (s *Session) hexdump(toks []string) error {
	if len(toks) < 2 {
		return fmt.Errorf("invalid number of arguments for hexdump")
	}
	addr, err := ParseAddress(toks[0], s.Vars, s.Log)
	if err != nil {
		return err
	}
	if addr == 0 {
		return fmt.Errorf("invalid address for hexdump")
	}
	size, err := strconv.ParseUint(toks[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size for hexdump: %s", toks[1])
	}
	out, err := HexdumpAt(addr, int(size))
	if err != nil {
		return err
	}
	fmt.Fprintln(s.Out, out)
	return nil
}

func (s *Session) calculateOffset(toks []string) error {
	var varName string
	switch len(toks) {
	case 3:
	case 4:
		varName, toks = toks[0], toks[1:]
		if err := ValidateVarName(varName); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid number of arguments for calculate_offset")
	}
	libName, symbol, addrExpr := toks[0], toks[1], toks[2]
	path, err := s.resolveLibrary(libName)
	if err != nil {
		return fmt.Errorf("unable to resolve library path for %s: %w", libName, err)
	}
	lib, err := s.Libs.Open(path)
	if err != nil {
		return err
	}
	off, err := CalculateOffset(lib, symbol, addrExpr, s.Vars, s.Log)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "Calculation: dlsym(%s,%s)=%#x; %s\n", libName, symbol, off.Symbol, off)
	if varName != "" {
		v := pointerValue(off.Offset)
		if err := s.Vars.Set(varName, v); err != nil {
			return err
		}
		fmt.Fprintln(s.Out, FormatVariable(varName, v))
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Libraries
////////////////////////////////////////////////////////////////////////////////

func (s *Session) list() {
	fmt.Fprintln(s.Out, "Opened libraries:")
	for _, p := range s.Libs.Opened() {
		fmt.Fprintf(s.Out, "- %s\n", p)
	}
}

func (s *Session) closeLibrary(name string) error {
	if name == "" {
		return fmt.Errorf("missing library name for close")
	}
	path, err := s.resolveLibrary(name)
	if err != nil {
		return fmt.Errorf("unable to resolve library path for %s: %w", name, err)
	}
	fmt.Fprintf(s.Out, "Closing Library: %s\n", path)
	return s.Libs.Close(path)
}

////////////////////////////////////////////////////////////////////////////////
// Shell
////////////////////////////////////////////////////////////////////////////////

func (s *Session) run(c *exec.Cmd) error {
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, s.Out, s.Err
	err := c.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		s.Log.Warnf("command exited with status %d", ee.ExitCode())
		return nil
	}
	return err
}

func (s *Session) system(command string) error {
	return s.run(exec.Command("sh", "-c", command))
}

func (s *Session) shell() error {
	if sh := os.Getenv("SHELL"); sh != "" {
		return s.run(exec.Command(sh))
	}
	s.Log.Warnf("SHELL environment variable not set. Running an unprefixed 'sh -i'")
	return s.run(exec.Command("sh", "-i"))
}

////////////////////////////////////////////////////////////////////////////////
// Init files
////////////////////////////////////////////////////////////////////////////////

// RunInitFile executes every line of path. A failing line is reported and
// the rest still run. "exit" stops the file early.
func (s *Session) RunInitFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(s.Out, "Running cliffi init file at %s\n", path)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		quit, failed := s.RunLine(line)
		if failed {
			fmt.Fprintf(s.Err, "Error encountered in processing a line from .cliffi_init file: %s\n", line)
		}
		if quit {
			break
		}
	}
	return sc.Err()
}

////////////////////////////////////////////////////////////////////////////////
// Help
////////////////////////////////////////////////////////////////////////////////

func (s *Session) help() {
	fmt.Fprintf(s.Out, `Running a command:
  %s
Documentation:
  help: Print this help message
  docs: Print the cliffi docs
  describe <call>|<var>: Print how a call or a variable was parsed, as YAML
Variables:
  set <var> <value>: Set a variable. Alternate form: <var> = <value>
  print <var>: Print the value of a variable. Alternate form: <var>
  vars: Print every variable
Memory Management:
  store <address> <value>: Set the value of a memory address
  dump <type> <address>: Print the value at a memory address
  load <var> <type> <address>: Load the value at a memory address into a variable
  calculate_offset [<variable>] <library> <symbol> <address>:
      Calculate memory offset by comparing the address of a known symbol [and store in var]
  hexdump <address> <size>: Print a hexdump of memory
Shared Library Management:
  list: List all opened libraries
  close <library>: Close the specified library
  closeall: Close all opened libraries
Shell commands:
  !<command>: Run a shell command
  shell: Drop into an interactive shell
REPL Management:
  exit: Quit the REPL
`, BasicUsage)
}
