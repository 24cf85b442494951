//go:build linux
// +build linux

package cliffi

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////////////

// LibraryExtension is the shared library suffix tried when a name has none.
const LibraryExtension = ".so"

// DefaultLibc is the name examples use for the C library.
const DefaultLibc = "libc" + LibraryExtension

const maxLdSoConfDepth = 16

// Resolver finds shared libraries by name the way the dynamic loader would:
// LD_LIBRARY_PATH, the configured extra paths, /etc/ld.so.conf (with its
// includes) and finally the standard directories. A bare "libfoo.so" also
// matches the highest versioned "libfoo.so.N.M" in a directory.
type Resolver struct {
	Getenv        func(string) string
	ExtraPaths    []string
	LdSoConf      string
	StandardPaths []string
}

// NewResolver returns a resolver over the real environment.
func NewResolver() *Resolver {
	return &Resolver{
		Getenv:        os.Getenv,
		LdSoConf:      "/etc/ld.so.conf",
		StandardPaths: []string{"/usr/lib", "/lib", "/usr/local/lib"},
	}
}

// Resolve returns the path of the library name refers to.
func (r *Resolver) Resolve(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty library name")
	}
	if p, ok := r.find(name); ok {
		return p, nil
	}
	if !strings.HasSuffix(name, LibraryExtension) {
		if p, ok := r.find(name + LibraryExtension); ok {
			return p, nil
		}
	}
	return "", fmt.Errorf("library %s not found", name)
}

func (r *Resolver) find(name string) (string, bool) {
	if filepath.IsAbs(name) {
		return name, fileExists(name)
	}
	if strings.ContainsRune(name, '/') {
		if fileExists(name) {
			if abs, err := filepath.Abs(name); err == nil {
				return abs, true
			}
			return name, true
		}
		return "", false
	}
	if r.Getenv != nil {
		for _, dir := range filepath.SplitList(r.Getenv("LD_LIBRARY_PATH")) {
			if p, ok := findInDir(dir, name); ok {
				return p, true
			}
		}
	}
	for _, dir := range r.ExtraPaths {
		if p, ok := findInDir(dir, name); ok {
			return p, true
		}
	}
	if r.LdSoConf != "" {
		if p, ok := findInLdSoConf(r.LdSoConf, name, 0); ok {
			return p, true
		}
	}
	for _, dir := range r.StandardPaths {
		if p, ok := findInDir(dir, name); ok {
			return p, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	var st unix.Stat_t
	return unix.Stat(path, &st) == nil
}

// findInDir looks for dir/name, then for the highest versioned dir/name.N.
func findInDir(dir, name string) (string, bool) {
	if dir == "" {
		return "", false
	}
	p := filepath.Join(dir, name)
	if fileExists(p) {
		return p, true
	}
	if !strings.HasSuffix(name, LibraryExtension) {
		return "", false
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	best, bestVer := "", ""
	for _, e := range ents {
		n := e.Name()
		if !strings.HasPrefix(n, name+".") {
			continue
		}
		ver := n[len(name)+1:]
		if ver == "" || ver[0] < '0' || ver[0] > '9' {
			continue
		}
		cand := filepath.Join(dir, n)
		if !fileExists(cand) {
			continue
		}
		if best == "" || compareVersions(ver, bestVer) > 0 {
			best, bestVer = cand, ver
		}
	}
	return best, best != ""
}

// compareVersions orders "6", "1.2", "0.30.1" style suffixes.
func compareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

func findInLdSoConf(conf, name string, depth int) (string, bool) {
	if depth > maxLdSoConfDepth {
		return "", false
	}
	f, err := os.Open(conf)
	if err != nil {
		return "", false
	}
	defer f.Close()
	confDir := filepath.Dir(conf)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "include "); ok {
			pattern := strings.TrimSpace(rest)
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(confDir, pattern)
			}
			matches := []string{pattern}
			if strings.ContainsAny(pattern, "*?[]") {
				if matches, err = filepath.Glob(pattern); err != nil {
					continue
				}
			}
			for _, m := range matches {
				if p, ok := findInLdSoConf(m, name, depth+1); ok {
					return p, true
				}
			}
			continue
		}
		if p, ok := findInDir(line, name); ok {
			return p, true
		}
	}
	return "", false
}

////////////////////////////////////////////////////////////////////////////////
// Loaded libraries
////////////////////////////////////////////////////////////////////////////////

// Library is an opened shared object.
type Library struct {
	Path   string
	handle unsafe.Pointer
}

// Handle is the loader handle as an integer (used to key stored offsets).
func (l *Library) Handle() uintptr { return uintptr(l.handle) }

// Symbol resolves an exported name.
func (l *Library) Symbol(name string) (unsafe.Pointer, error) {
	if l.handle == nil {
		return nil, fmt.Errorf("library %s is closed", l.Path)
	}
	return cDlsym(l.handle, name)
}

// Libraries is the registry of opened libraries, keyed by path. Closing a
// library keeps its entry so it can be reopened.
type Libraries struct {
	entries []*Library
}

// NewLibraries returns an empty registry.
func NewLibraries() *Libraries { return &Libraries{} }

func (ls *Libraries) entry(path string) *Library {
	for _, e := range ls.entries {
		if e.Path == path {
			return e
		}
	}
	return nil
}

// Open returns the library at path, loading it on first use.
func (ls *Libraries) Open(path string) (*Library, error) {
	e := ls.entry(path)
	if e != nil && e.handle != nil {
		return e, nil
	}
	h, err := cDlopen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load library: %w", err)
	}
	if e == nil {
		e = &Library{Path: path}
		ls.entries = append(ls.entries, e)
	}
	e.handle = h
	return e, nil
}

// Close unloads the library at path. Unknown or closed paths are ignored.
func (ls *Libraries) Close(path string) error {
	e := ls.entry(path)
	if e == nil || e.handle == nil {
		return nil
	}
	err := cDlclose(e.handle)
	e.handle = nil
	return err
}

// CloseAll unloads every open library.
func (ls *Libraries) CloseAll() error {
	var first error
	for _, e := range ls.entries {
		if e.handle == nil {
			continue
		}
		if err := cDlclose(e.handle); err != nil && first == nil {
			first = err
		}
		e.handle = nil
	}
	return first
}

// Opened lists the paths of the libraries currently open.
func (ls *Libraries) Opened() []string {
	var out []string
	for _, e := range ls.entries {
		if e.handle != nil {
			out = append(out, e.Path)
		}
	}
	return out
}

////////////////////////////////////////////////////////////////////////////////
// Function lookup
////////////////////////////////////////////////////////////////////////////////

// offsetVarName is the variable holding the load offset of a library.
func offsetVarName(lib *Library) string { return fmt.Sprintf("liboffset_%#x", lib.Handle()) }

// FindFunction turns the function token of a call into a code address. A hex
// token is an address relative to the library's stored offset (see
// CalculateOffset); an address expression or a pointer variable is an
// absolute address; anything else is an exported symbol.
func FindFunction(lib *Library, name string, vars *VarStore, log *Logger) (unsafe.Pointer, error) {
	if log == nil {
		log = discardLogger()
	}
	if isHexLiteral(name) {
		off, ok := vars.Get(offsetVarName(lib))
		if !ok {
			return nil, fmt.Errorf("could not find a stored offset for your library. Try again after running calculate_offset")
		}
		rel, err := ParseAddress(name, vars, log)
		if err != nil {
			return nil, err
		}
		addr := uintptr(valueBits(currentLeaf(off))) + rel
		log.Infof("Parsed func '%s' as relative address to the library offset, %#x", name, addr)
		return uintptrToPointer(addr), nil
	}
	if addr, ok := TryParseAddress(name, vars); ok && addr != 0 {
		log.Infof("Parsed func '%s' as an absolute address -> %#x", name, addr)
		return uintptrToPointer(addr), nil
	}
	fn, err := lib.Symbol(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find function: %w", err)
	}
	return fn, nil
}
