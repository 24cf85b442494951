//go:build linux
// +build linux

package cliffi

import (
	"fmt"
	"strings"
)

// maxVarName bounds the length of a variable name.
const maxVarName = 32

type varEntry struct {
	name string
	val  *ArgInfo
}

// VarStore maps names to values. Lookup is linear; the store is expected to
// hold a handful of entries. Overwriting a name does not release the previous
// value, other descriptions may still share it.
//
// A VarStore is not safe for concurrent use.
type VarStore struct {
	entries []varEntry
}

// NewVarStore returns an empty store.
func NewVarStore() *VarStore { return &VarStore{entries: make([]varEntry, 0, 8)} }

// Get returns the value bound to name.
func (s *VarStore) Get(name string) (*ArgInfo, bool) {
	if s == nil {
		return nil, false
	}
	for _, e := range s.entries {
		if e.name == name {
			return e.val, true
		}
	}
	return nil, false
}

// Set binds name to val, replacing any previous binding.
func (s *VarStore) Set(name string, val *ArgInfo) error {
	if err := ValidateVarName(name); err != nil {
		return err
	}
	for i := range s.entries {
		if s.entries[i].name == name {
			s.entries[i].val = val
			return nil
		}
	}
	s.entries = append(s.entries, varEntry{name: name, val: val})
	return nil
}

// Names lists the bound names in insertion order.
func (s *VarStore) Names() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.name
	}
	return out
}

// Len is the number of bindings.
func (s *VarStore) Len() int { return len(s.entries) }

// GetCast fetches name and reinterprets its value as the type described by
// want. The stored value is left untouched; memory the cast needs comes from
// ar.
func (s *VarStore) GetCast(name string, want *ArgInfo, ar *Arena) (*ArgInfo, error) {
	v, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("no variable named %s", name)
	}
	return castArg(want, v, ar)
}

// ValidateVarName rejects names that would be ambiguous in the grammar: empty
// or overlong names, names starting with '-', numeric names and names that are
// a single typeflag character.
func ValidateVarName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("variable name is empty")
	case len(name) > maxVarName:
		return fmt.Errorf("variable name %q is longer than %d characters", name, maxVarName)
	case strings.HasPrefix(name, "-"):
		return fmt.Errorf("variable name %q cannot start with '-'", name)
	case isAllDigits(name) || isHexLiteral(name) || isFloatLiteral(name):
		return fmt.Errorf("variable name %q cannot be numeric", name)
	case len(name) == 1 && charToType(name[0]) != TypeUnknown:
		return fmt.Errorf("variable name %q is a type flag", name)
	case strings.ContainsAny(name, " \t=,+*"):
		return fmt.Errorf("variable name %q contains a reserved character", name)
	}
	return nil
}
