package capability

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Registry is the immutable set of capabilities a broker instance exposes.
type Registry struct {
	byName map[string]Descriptor
	sorted []Descriptor
}

// NewRegistry builds a registry from probed descriptors.
// Every descriptor must validate and names must be unique.
func NewRegistry(descs []Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate capability %q", d.Name)
		}
		r.byName[d.Name] = d
	}
	r.sorted = lo.Values(r.byName)
	slices.SortFunc(r.sorted, func(a, b Descriptor) int {
		return strings.Compare(a.Name, b.Name)
	})
	return r, nil
}

// List returns all descriptors sorted by name. The returned slice is a copy.
func (r *Registry) List() []Descriptor {
	return slices.Clone(r.sorted)
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// Names returns the capability names, sorted.
func (r *Registry) Names() []string {
	return lo.Map(r.sorted, func(d Descriptor, _ int) string { return d.Name })
}

// Len returns the number of capabilities.
func (r *Registry) Len() int {
	return len(r.sorted)
}
