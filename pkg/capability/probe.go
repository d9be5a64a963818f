package capability

import "context"

// Prober reports which capabilities the attached hardware provides.
// Drivers implement it; the result seeds the broker's Registry.
type Prober interface {
	Probe(ctx context.Context) ([]Descriptor, error)
}

// StaticProbe is a Prober returning a fixed list.
type StaticProbe []Descriptor

// Probe returns the fixed list.
func (p StaticProbe) Probe(context.Context) ([]Descriptor, error) {
	return []Descriptor(p), nil
}

// ProbeFamily returns default descriptors for every kind of the family.
func ProbeFamily(f Family, version uint32) StaticProbe {
	var out StaticProbe
	for _, k := range FamilyKinds(f) {
		out = append(out, Describe(k, version))
	}
	return out
}
