//go:build linux
// +build linux

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/YSaxon/cliffi"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const (
	appName = "cliffi"
	prompt  = "> "
)

type options struct {
	repl         bool
	replTest     bool
	noExitOnFail bool
	describe     bool
	noInit       bool
	configPath   string
	logLevel     string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	status := 0
	cmd := newRootCmd(in, out, errOut, &status)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(errOut, "%s: %v\n", appName, err)
		return 1
	}
	return status
}

func newRootCmd(in io.Reader, out, errOut io.Writer, status *int) *cobra.Command {
	var opt options
	cmd := &cobra.Command{
		Use:           appName + " [flags] " + cliffi.BasicUsage,
		Short:         "Call functions in shared libraries from the command line",
		Version:       cliffi.Version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*status = execute(opt, args, in, out, errOut)
			return nil
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetHelpFunc(func(*cobra.Command, []string) { cliffi.Usage(out, appName) })

	addFlags(cmd.Flags(), &opt)
	return cmd
}

func addFlags(fs *pflag.FlagSet, opt *options) {
	// Everything after the library name belongs to the call grammar.
	fs.SetInterspersed(false)
	fs.BoolVar(&opt.repl, "repl", false, "Start the REPL")
	fs.BoolVar(&opt.replTest, "repltest", false, "Run the remaining arguments, joined with spaces, as REPL input (an argument containing a newline ends a command)")
	fs.BoolVar(&opt.noExitOnFail, "noexitonfail", false, "With --repltest, keep going after a failing command")
	fs.BoolVar(&opt.describe, "describe", false, "Print each parsed call as YAML before making it")
	fs.BoolVar(&opt.noInit, "no-init", false, "Do not run the .cliffi_init file")
	fs.StringVar(&opt.configPath, "config", "", "Config file (default ./"+cliffi.ConfigFileName+" or ~/"+cliffi.ConfigFileName+")")
	fs.StringVar(&opt.logLevel, "log-level", "", "Diagnostics to show: silent, error, warn or verbose")
}

func loadConfig(opt options, errOut io.Writer) cliffi.Config {
	cfg := cliffi.DefaultConfig()
	path := opt.configPath
	if path == "" {
		path = cliffi.FindConfig()
	}
	if path != "" {
		c, err := cliffi.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(errOut, "%s: ignoring config: %v\n", appName, err)
		} else {
			cfg = c
		}
	}
	if opt.logLevel != "" {
		cfg.LogLevel = opt.logLevel
	}
	return cfg
}

func execute(opt options, args []string, in io.Reader, out, errOut io.Writer) int {
	cfg := loadConfig(opt, errOut)
	s := cliffi.NewSession(cfg, out, errOut)
	defer s.Close()
	s.Describe = opt.describe
	if opt.replTest {
		s.ExitOnFail = !opt.noExitOnFail
	}
	if err := cliffi.InstallFaultGuard(); err != nil {
		s.Log.Warnf("%v", err)
	}

	code := 0
	if s.Exc.Root(errOut, func() error {
		code = dispatch(s, cfg, opt, args, in)
		return nil
	}) != 0 {
		return 1
	}
	return code
}

func dispatch(s *cliffi.Session, cfg cliffi.Config, opt options, args []string, in io.Reader) int {
	switch {
	case opt.replTest:
		runInit(s, cfg, opt)
		return repl(s, strings.NewReader(strings.Join(args, " ")), nil)
	case opt.repl:
		runInit(s, cfg, opt)
		fmt.Fprintf(s.Err, "%s %s. Starting REPL... Type 'help' for assistance. Type 'exit' to quit:\n", appName, cliffi.Version)
		if isTerminal(in) {
			return interactive(s, cfg)
		}
		return repl(s, in, nil)
	case len(args) < 3:
		fmt.Fprintf(s.Err, "%s %s\nUsage: %s [--help] [--repl] %s\n", appName, cliffi.Version, appName, cliffi.BasicUsage)
		return 1
	}

	_ = s.Exc.Try(func() error {
		runInit(s, cfg, opt)
		return nil
	}, func(e *cliffi.Exception) error {
		fmt.Fprintln(s.Err, "Error encountered in processing .cliffi_init file. Ignoring and proceeding to command execution.")
		e.Print(s.Err)
		return nil
	})

	code := 0
	_ = s.Exc.Try(func() error {
		return s.Call(args)
	}, func(e *cliffi.Exception) error {
		e.Print(s.Err)
		code = 1
		return nil
	})
	return code
}

func runInit(s *cliffi.Session, cfg cliffi.Config, opt options) {
	if opt.noInit {
		return
	}
	if path := cliffi.FindInitFile(cfg.InitFile); path != "" {
		if err := s.RunInitFile(path); err != nil {
			s.Log.Errorf("%v", err)
		}
	}
}

// lineReader yields REPL input lines; ok is false at the end of input.
type lineReader func() (line string, ok bool)

// repl runs commands until "exit" or the end of input. It returns the exit
// status: 1 when a command failed and the session stops on failure.
func repl(s *cliffi.Session, in io.Reader, next lineReader) int {
	if next == nil {
		sc := bufio.NewScanner(in)
		next = func() (string, bool) {
			if !sc.Scan() {
				return "", false
			}
			return sc.Text(), true
		}
	}
	for {
		line, ok := next()
		if !ok {
			return 0
		}
		quit, failed := s.RunLine(line)
		if failed {
			if s.ExitOnFail {
				return 1
			}
			fmt.Fprintln(s.Err, "Restarting REPL...")
		}
		if quit {
			return 0
		}
	}
}

// interactive is the REPL on a terminal: line editing plus a history file.
func interactive(s *cliffi.Session, cfg cliffi.Config) int {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	histPath := cfg.HistoryFile
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	last := ""
	return repl(s, nil, func() (string, bool) {
		for {
			line, err := ln.Prompt(prompt)
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if err != nil {
				fmt.Fprintln(s.Out)
				return "", false
			}
			if line != "" && line != last {
				ln.AppendHistory(line)
				last = line
				if f, err := os.Create(histPath); err == nil {
					_, _ = ln.WriteHistory(f)
					_ = f.Close()
				}
			}
			return line, true
		}
	})
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	_, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	return err == nil
}
