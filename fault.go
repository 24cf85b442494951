//go:build linux
// +build linux

package cliffi

/*
#define _GNU_SOURCE
#cgo pkg-config: libffi
#include <ffi.h>
#include <signal.h>
#include <setjmp.h>
#include <stdint.h>
#include <string.h>
#include <ucontext.h>

typedef struct {
	int signo;
	int code;
	uintptr_t addr;
	uintptr_t ip;
} cl_fault;

static struct sigaction cl_prev[NSIG];
static const int cl_signals[] = { SIGSEGV, SIGBUS, SIGILL, SIGFPE };

// Per thread: the recovery point, whether it is armed, and the record the
// handler fills in. Nothing in the handler allocates or formats.
static __thread sigjmp_buf cl_jmp;
static __thread volatile sig_atomic_t cl_armed;
static __thread cl_fault cl_last;

static uintptr_t cl_ip(void* uctx) {
	ucontext_t* uc = (ucontext_t*)uctx;
	if (!uc) return 0;
#if defined(__x86_64__)
	return (uintptr_t)uc->uc_mcontext.gregs[REG_RIP];
#elif defined(__i386__)
	return (uintptr_t)uc->uc_mcontext.gregs[REG_EIP];
#elif defined(__aarch64__)
	return (uintptr_t)uc->uc_mcontext.pc;
#elif defined(__arm__)
	return (uintptr_t)uc->uc_mcontext.arm_pc;
#elif defined(__s390x__)
	return (uintptr_t)uc->uc_mcontext.psw.addr;
#else
	return 0;
#endif
}

static void cl_handler(int sig, siginfo_t* info, void* uctx) {
	if (cl_armed) {
		cl_armed = 0;
		cl_last.signo = sig;
		cl_last.code = info ? info->si_code : 0;
		cl_last.addr = info ? (uintptr_t)info->si_addr : 0;
		cl_last.ip = cl_ip(uctx);
		siglongjmp(cl_jmp, 1);
	}
	// Not ours: hand it to whoever was installed before (the Go runtime).
	struct sigaction* p = &cl_prev[sig];
	if (p->sa_flags & SA_SIGINFO) {
		if (p->sa_sigaction) {
			p->sa_sigaction(sig, info, uctx);
			return;
		}
	} else if (p->sa_handler == SIG_IGN) {
		return;
	} else if (p->sa_handler != SIG_DFL && p->sa_handler != NULL) {
		p->sa_handler(sig);
		return;
	}
	signal(sig, SIG_DFL);
	raise(sig);
}

static int cl_install_guard(void) {
	struct sigaction sa;
	memset(&sa, 0, sizeof sa);
	sa.sa_sigaction = cl_handler;
	sa.sa_flags = SA_SIGINFO | SA_ONSTACK | SA_RESTART;
	sigemptyset(&sa.sa_mask);
	for (size_t i = 0; i < sizeof cl_signals / sizeof cl_signals[0]; i++) {
		if (sigaction(cl_signals[i], &sa, &cl_prev[cl_signals[i]]) != 0) return -1;
	}
	return 0;
}

static int cl_guarded_ffi_call(ffi_cif* cif, void* fn, void* rvalue, void** avalue, cl_fault* out) {
	if (sigsetjmp(cl_jmp, 1) != 0) {
		*out = cl_last;
		return 1;
	}
	cl_armed = 1;
	ffi_call(cif, FFI_FN(fn), rvalue, avalue);
	cl_armed = 0;
	return 0;
}

static int cl_guarded_memcpy(void* dst, const void* src, size_t n, cl_fault* out) {
	if (sigsetjmp(cl_jmp, 1) != 0) {
		*out = cl_last;
		return 1;
	}
	cl_armed = 1;
	memcpy(dst, src, n);
	cl_armed = 0;
	return 0;
}

static int cl_guarded_strlen(const char* s, size_t* n, cl_fault* out) {
	if (sigsetjmp(cl_jmp, 1) != 0) {
		*out = cl_last;
		return 1;
	}
	cl_armed = 1;
	*n = strlen(s);
	cl_armed = 0;
	return 0;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const sigSEGV = int(unix.SIGSEGV)

// FaultInfo describes a hardware fault caught inside a guarded native
// operation. It is returned as an error; Exceptions turns it into an
// exception with status 1.
type FaultInfo struct {
	Signo   int
	Code    int
	Addr    uintptr
	IP      uintptr
	Section string
}

func (f *FaultInfo) Error() string {
	section := f.Section
	if section == "" {
		section = "(unset)"
	}
	return fmt.Sprintf("\n%s at address: %#x\nInstruction pointer: %#x\nIn Section: %s",
		faultName(f.Signo), f.Addr, f.IP, section)
}

func faultName(signo int) string {
	switch syscall.Signal(signo) {
	case unix.SIGSEGV:
		return "Segmentation fault"
	case unix.SIGBUS:
		return "Bus error"
	case unix.SIGILL:
		return "Illegal instruction"
	case unix.SIGFPE:
		return "Floating point exception"
	}
	return fmt.Sprintf("Signal %d", signo)
}

var (
	guardOnce sync.Once
	guardErr  error
)

// InstallFaultGuard installs the process-wide handler for SIGSEGV, SIGBUS,
// SIGILL and SIGFPE. Faults outside a guarded operation are passed on to the
// previously installed handler, so Go's own fault handling keeps working.
// Calling it more than once is harmless.
func InstallFaultGuard() error {
	guardOnce.Do(func() {
		if C.cl_install_guard() != 0 {
			guardErr = fmt.Errorf("installing the fault handler failed")
		}
	})
	return guardErr
}

func faultFrom(f *C.cl_fault, section string) *FaultInfo {
	return &FaultInfo{
		Signo:   int(f.signo),
		Code:    int(f.code),
		Addr:    uintptr(f.addr),
		IP:      uintptr(f.ip),
		Section: section,
	}
}

// guardedCall runs ffi_call under the guard. The recovery point lives in C
// and only for the duration of the call.
func guardedCall(fr *callFrame, fn, rvalue unsafe.Pointer, section string) error {
	if err := InstallFaultGuard(); err != nil {
		return err
	}
	var rec C.cl_fault
	if C.cl_guarded_ffi_call(fr.cif, fn, rvalue, (*unsafe.Pointer)(fr.avalue), &rec) != 0 {
		return faultFrom(&rec, section)
	}
	return nil
}

// ReadMemory copies n bytes starting at addr. An unreadable address is
// reported as a *FaultInfo instead of crashing.
func ReadMemory(addr uintptr, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := InstallFaultGuard(); err != nil {
		return nil, err
	}
	buf := cCalloc(1, uintptr(n))
	if buf == nil {
		return nil, fmt.Errorf("calloc(%d) failed", n)
	}
	defer cFree(buf)
	var rec C.cl_fault
	if C.cl_guarded_memcpy(buf, uintptrToPointer(addr), C.size_t(n), &rec) != 0 {
		return nil, faultFrom(&rec, "read memory")
	}
	return C.GoBytes(buf, C.int(n)), nil
}

// WriteMemory copies b to addr under the guard.
func WriteMemory(addr uintptr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := InstallFaultGuard(); err != nil {
		return err
	}
	src := C.CBytes(b)
	defer cFree(src)
	var rec C.cl_fault
	if C.cl_guarded_memcpy(uintptrToPointer(addr), src, C.size_t(len(b)), &rec) != 0 {
		return faultFrom(&rec, "write memory")
	}
	return nil
}

// readCString reads the NUL-terminated string at p under the guard.
func readCString(p unsafe.Pointer) (string, error) {
	if p == nil {
		return "", fmt.Errorf("null string pointer")
	}
	if err := InstallFaultGuard(); err != nil {
		return "", err
	}
	var n C.size_t
	var rec C.cl_fault
	if C.cl_guarded_strlen((*C.char)(p), &n, &rec) != 0 {
		return "", faultFrom(&rec, "read string")
	}
	return cGoStringN(p, int(n)), nil
}
