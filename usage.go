//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"io"
)

// Usage writes the full grammar documentation, with prog as the command name
// in the examples.
func Usage(w io.Writer, prog string) {
	fmt.Fprintf(w, `cliffi %s
Usage: %s %s
  [--help]             Print this help message
  [--repl]             Start the REPL
  <library>            The path to the shared library containing the function to invoke
                       or the name of the library if it is in the system path
  <typeflag>           The type of the return value of the function to invoke
                       v for void, i for int, s for string, etc
  <function_name>      The name of the function to invoke
  [-<typeflag>] <arg>  The argument values to pass to the function
                       Types will be inferred if not prefixed with flags
                       Flags look like -i for int, -s for string, etc
  ...                  Mark the position of varargs in the function signature if applicable

  BASIC EXAMPLES:
         %[2]s libexample.so i addints 3 4
         %[2]s path/to/libexample.so v dofoo
         %[2]s ./libexample.so s concatstrings -s hello -s world
         %[2]s libexample.so s concatstrings hello world
         %[2]s libexample.so d multdoubles -d 1.5 1.5d
         %[2]s %[4]s i printf 'Here is a number: %%.3f' ... 4.5

  TYPES:
     The primitive typeflags are:
       v for void, only allowed as a return type, and does not accept prefixes
       c for char
       h for short
       i for int
       l for long
       C for unsigned char
       H for unsigned short
       I for unsigned int
       L for unsigned long
       f for float, can also be specified by suffixing the value with f
       d for double, can also be specified by suffixing the value with d
       s for cstring (ie null terminated char*)
       P for arbitrary pointer (ie void*) specified by address
       b for bool

  POINTERS AND ARRAYS AND STRUCTS:
     <typeflag> = [p[p..]]<primitive_type>
     <typeflag> = [p[p..]]a[p[p..]]<primitive_type>[<size>|t<argnum>]
     <typeflag> = [p[p..]]S[K]: <arg> <arg>.. :S
   POINTERS:
       p[p..]   The value is a pointer to [an array of / a struct of] the type
                The number of p's is the pointer depth
   ARRAYS:
       Values are comma separated without spaces, or one unbroken hex value
       a<type> <v>,<v>,..   Array of inferred size (arguments only)
       a<type><size>        Array of a static size
       a<type>t<argnum>     Array whose size is the value of argument <argnum>
                            (0 is the return value, 1 the first argument)
       A sized array argument can be given as NULL when the callee fills it in
       pa<type> is a pointer to an array, ap<type> an array of pointers
     %[2]s libexample.so v return_buffer -past2 NULL -pi 0
     %[2]s libexample.so i add_all_ints -ai 1,2,3,4,5 -i 5
   STRUCTS:
       -S[K]: [-typeflag] <arg> [[-typeflag] <arg>..] :S   as an argument
       S[K]: <typeflag> [<typeflag>..] :S                  as a return type
       K marks a packed struct, laid out without padding
     %[2]s libexample.so v print_struct -S: 3 "hello world" :S
     %[2]s libexample.so S: i s :S return_struct 5 "hello world"
     %[2]s libexample.so v modifyStruct -pS: 3 "hello world" :S
   NULL AND OUT-POINTERS:
       N<typeflag>   pass a NULL (or zeroed) value of the type
       O<typeflag>   an out-pointer the callee allocates and fills in

  VARARGS:
     Put ... where the varargs start. Floats and types narrower than int are
     promoted the way C does it.
     %[2]s %[4]s i printf 'Hello %%s, your number is: %%.3f' ... bob 4.5
     %[2]s %[4]s i printf 'This is just a static string' ...
     %[2]s some_lib.so v func_taking_all_varargs ... -i 3 -s hello
`, Version, prog, BasicUsage, DefaultLibc)
}
