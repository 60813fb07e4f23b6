// Package capability defines the closed set of host capabilities a plugin
// may declare, and the set operations used when scoping an invocation.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Capability names one category of host access a plugin can declare.
type Capability string

const (
	// Filesystem grants read/write access to the configured workspace root.
	Filesystem Capability = "filesystem"

	// ProcessControl grants launching, signalling, and querying of host
	// application processes.
	ProcessControl Capability = "process-control"

	// UIAutomation grants window activation and synthetic input for host
	// applications.
	UIAutomation Capability = "ui-automation"

	// Clipboard grants read/write access to the host clipboard.
	Clipboard Capability = "clipboard"
)

var known = map[Capability]struct{}{
	Filesystem:     {},
	ProcessControl: {},
	UIAutomation:   {},
	Clipboard:      {},
}

// Parse validates a capability name from config or a plugin manifest.
func Parse(s string) (Capability, error) {
	c := Capability(strings.TrimSpace(strings.ToLower(s)))
	if _, ok := known[c]; !ok {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// Set is an unordered collection of capabilities.
type Set map[Capability]struct{}

// NewSet builds a Set from the given capabilities.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// ParseSet validates a list of capability names.
func ParseSet(names []string) (Set, error) {
	s := make(Set, len(names))
	for _, n := range names {
		c, err := Parse(n)
		if err != nil {
			return nil, err
		}
		s[c] = struct{}{}
	}
	return s, nil
}

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// SubsetOf reports whether every capability in s is also in other.
func (s Set) SubsetOf(other Set) bool {
	for c := range s {
		if !other.Has(c) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// List returns the capabilities in sorted order.
func (s Set) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted capability names.
func (s Set) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = string(c)
	}
	return out
}

// String renders the set for logs, e.g. "filesystem,ui-automation".
func (s Set) String() string {
	return strings.Join(s.Strings(), ",")
}
