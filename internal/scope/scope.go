// Package scope implements the immutable, sorted scope set used by requests,
// clients and tokens.
package scope

import (
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"

	idperrors "github.com/tendant/simple-authz/internal/errors"
)

// Known scope names.
const (
	TaskAPI = "task:api"
	Profile = "profile"

	// Marker scopes tag the kind of a token rather than grant a permission.
	TokenAuthenticate    = "token:authenticate"
	TokenRefresh         = "token:refresh"
	TokenRefreshLargeTTL = "token:refresh:issue-large-ttl"
)

// Descriptor holds the metadata shown to users for a scope.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Marker      bool   `json:"marker,omitempty"`
}

var catalog = map[string]Descriptor{
	TaskAPI: {
		Name:        TaskAPI,
		Description: "Read and modify your tasks, goals and contexts",
	},
	Profile: {
		Name:        Profile,
		Description: "Know your email address",
	},
	TokenAuthenticate: {
		Name:        TokenAuthenticate,
		Description: "Authenticate API requests",
		Marker:      true,
	},
	TokenRefresh: {
		Name:        TokenRefresh,
		Description: "Stay signed in",
		Marker:      true,
	},
	TokenRefreshLargeTTL: {
		Name:        TokenRefreshLargeTTL,
		Description: "Stay signed in for an extended period",
		Marker:      true,
	},
}

// Lookup returns the descriptor of a known scope.
func Lookup(name string) (Descriptor, bool) {
	d, ok := catalog[name]
	return d, ok
}

// Known returns the descriptors of all known scopes in name order.
func Known() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Set is an immutable set of known scope names. The zero value is the empty set.
type Set struct {
	names []string // sorted, unique
}

// FromString parses a space separated scope list.
func FromString(s string) (Set, error) {
	return FromArray(strings.Fields(s))
}

// FromArray builds a set from scope names. Duplicates collapse.
func FromArray(names []string) (Set, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := Lookup(name); !ok {
			return Set{}, idperrors.InvalidScope(fmt.Sprintf("unknown scope '%s'", name))
		}
		out = append(out, name)
	}
	slices.Sort(out)
	return Set{names: slices.Compact(out)}, nil
}

// MustFromString is like FromString but panics on unknown names.
// Intended for constants and tests.
func MustFromString(s string) Set {
	set, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return set
}

// Add returns a new set that also contains name.
func (s Set) Add(name string) (Set, error) {
	if _, ok := Lookup(name); !ok {
		return s, idperrors.InvalidScope(fmt.Sprintf("unknown scope '%s'", name))
	}
	if s.HasScope(name) {
		return s, nil
	}
	out := make([]string, len(s.names), len(s.names)+1)
	copy(out, s.names)
	i, _ := slices.BinarySearch(out, name)
	return Set{names: slices.Insert(out, i, name)}, nil
}

// Remove returns a new set without name.
func (s Set) Remove(name string) (Set, error) {
	if _, ok := Lookup(name); !ok {
		return s, idperrors.InvalidScope(fmt.Sprintf("unknown scope '%s'", name))
	}
	i, found := slices.BinarySearch(s.names, name)
	if !found {
		return s, nil
	}
	out := make([]string, 0, len(s.names)-1)
	out = append(out, s.names[:i]...)
	out = append(out, s.names[i+1:]...)
	return Set{names: out}, nil
}

// HasScope reports whether name is in the set.
func (s Set) HasScope(name string) bool {
	_, found := slices.BinarySearch(s.names, name)
	return found
}

// IsSupersetOf reports whether every scope of other is in s.
func (s Set) IsSupersetOf(other Set) bool {
	for _, name := range other.names {
		if !s.HasScope(name) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same names.
func (s Set) Equal(other Set) bool {
	return slices.Equal(s.names, other.names)
}

// Names returns the scope names in sorted order.
func (s Set) Names() []string {
	return slices.Clone(s.names)
}

// All iterates over the descriptors in sorted order.
func (s Set) All() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for _, name := range s.names {
			if !yield(catalog[name]) {
				return
			}
		}
	}
}

// String returns the canonical form: sorted names joined by a space.
func (s Set) String() string {
	return strings.Join(s.names, " ")
}

// MarshalJSON encodes the set as its canonical string.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a canonical string.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromString(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
