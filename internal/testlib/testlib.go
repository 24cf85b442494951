//go:build linux
// +build linux

// Package testlib compiles a handful of C functions into the test binary so
// calls can be exercised without an external shared library.
package testlib

/*
#include <stdarg.h>
#include <stdbool.h>
#include <stddef.h>
#include <stdlib.h>
#include <string.h>

struct tl_packed {
	char c;
	int i;
	char s[2];
	double d;
	int a[3];
	char c2;
} __attribute__((packed));

struct tl_natural {
	char c;
	int i;
	char s[2];
	double d;
	int a[3];
	char c2;
};

struct tl_point {
	int x;
	int y;
};

struct tl_named {
	int id;
	char* name;
};

static int tl_add(int a, int b) { return a + b; }
static double tl_mult_doubles(double a, double b) { return a * b; }
static float tl_add_floats(float a, float b) { return a + b; }
static short tl_neg_short(short a) { return -a; }
static long tl_minus_one(void) { return -1; }
static int tl_is_true(bool b) { return b ? 1 : 0; }
static unsigned int tl_strlen(const char* s) { return (unsigned int)strlen(s); }

static char tl_concat_buf[256];
static char* tl_concat(const char* a, const char* b) {
	tl_concat_buf[0] = 0;
	strncat(tl_concat_buf, a, 127);
	strncat(tl_concat_buf, b, 127);
	return tl_concat_buf;
}

static void tl_set_int(int* out, int v) { *out = v; }
static void tl_double_all(int* nums, int n) {
	for (int i = 0; i < n; i++) nums[i] *= 2;
}
static int tl_sum_ints(int* nums, int n) {
	int s = 0;
	for (int i = 0; i < n; i++) s += nums[i];
	return s;
}
static void tl_upper(char* s) {
	for (; *s; s++) if (*s >= 'a' && *s <= 'z') *s -= 32;
}

static const char tl_buffer[] = "hello";
static int tl_get_buffer(const char** out) {
	*out = tl_buffer;
	return 5;
}
static int* tl_range(int n) {
	static int r[16];
	for (int i = 0; i < n && i < 16; i++) r[i] = i;
	return r;
}

static struct tl_point tl_make_point(int x, int y) {
	struct tl_point p = { x, y };
	return p;
}
static int tl_point_sum(struct tl_point p) { return p.x + p.y; }
static void tl_move_point(struct tl_point* p, int dx) { p->x += dx; p->y += dx; }
static void tl_alloc_point(struct tl_point** out) {
	struct tl_point* p = malloc(sizeof *p);
	p->x = 7;
	p->y = 9;
	*out = p;
}
static int tl_named_len(struct tl_named n) { return n.id + (int)strlen(n.name); }

static int tl_natural_size(void) { return (int)sizeof(struct tl_natural); }
static int tl_packed_size(void) { return (int)sizeof(struct tl_packed); }
static int tl_natural_offset_d(void) { return (int)offsetof(struct tl_natural, d); }
static int tl_natural_offset_c2(void) { return (int)offsetof(struct tl_natural, c2); }

static double tl_packed_sum(struct tl_packed* p) {
	return p->c + p->i + p->s[0] + p->s[1] + p->d + p->a[0] + p->a[1] + p->a[2] + p->c2;
}
static void tl_packed_bump(struct tl_packed* p) {
	p->i += 1;
	p->d *= 2;
	p->a[2] = 99;
}
static double tl_natural_sum(struct tl_natural n) {
	return n.c + n.i + n.s[0] + n.s[1] + n.d + n.a[0] + n.a[1] + n.a[2] + n.c2;
}

static double tl_sum_doubles(int n, ...) {
	va_list ap;
	double s = 0;
	va_start(ap, n);
	for (int i = 0; i < n; i++) s += va_arg(ap, double);
	va_end(ap);
	return s;
}
static int tl_sum_varints(int n, ...) {
	va_list ap;
	int s = 0;
	va_start(ap, n);
	for (int i = 0; i < n; i++) s += va_arg(ap, int);
	va_end(ap);
	return s;
}

static int* volatile tl_null;
static int tl_crash(void) { return *tl_null; }
static int tl_deref(int* p) { return *p; }

typedef struct { const char* name; void* fn; } tl_entry;

static const tl_entry tl_table[] = {
	{ "add", (void*)tl_add },
	{ "mult_doubles", (void*)tl_mult_doubles },
	{ "add_floats", (void*)tl_add_floats },
	{ "neg_short", (void*)tl_neg_short },
	{ "minus_one", (void*)tl_minus_one },
	{ "is_true", (void*)tl_is_true },
	{ "strlen", (void*)tl_strlen },
	{ "concat", (void*)tl_concat },
	{ "set_int", (void*)tl_set_int },
	{ "double_all", (void*)tl_double_all },
	{ "sum_ints", (void*)tl_sum_ints },
	{ "upper", (void*)tl_upper },
	{ "get_buffer", (void*)tl_get_buffer },
	{ "range", (void*)tl_range },
	{ "make_point", (void*)tl_make_point },
	{ "point_sum", (void*)tl_point_sum },
	{ "move_point", (void*)tl_move_point },
	{ "alloc_point", (void*)tl_alloc_point },
	{ "named_len", (void*)tl_named_len },
	{ "packed_sum", (void*)tl_packed_sum },
	{ "packed_bump", (void*)tl_packed_bump },
	{ "natural_sum", (void*)tl_natural_sum },
	{ "sum_doubles", (void*)tl_sum_doubles },
	{ "sum_varints", (void*)tl_sum_varints },
	{ "crash", (void*)tl_crash },
	{ "deref", (void*)tl_deref },
	{ NULL, NULL },
};

static void* tl_lookup(const char* name) {
	for (const tl_entry* e = tl_table; e->name; e++) {
		if (strcmp(e->name, name) == 0) return e->fn;
	}
	return NULL;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Symbol returns the address of the test function called name.
func Symbol(name string) unsafe.Pointer {
	cs := C.CString(name)
	defer C.free(unsafe.Pointer(cs))
	p := C.tl_lookup(cs)
	if p == nil {
		panic(fmt.Sprintf("testlib: no function %q", name))
	}
	return p
}

// Sizes and offsets of the C structs, as the C compiler lays them out.
func NaturalSize() int     { return int(C.tl_natural_size()) }
func PackedSize() int      { return int(C.tl_packed_size()) }
func NaturalOffsetD() int  { return int(C.tl_natural_offset_d()) }
func NaturalOffsetC2() int { return int(C.tl_natural_offset_c2()) }
