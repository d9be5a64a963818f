package capability

import (
	"fmt"
)

// Descriptor describes one capability offered by a broker instance.
// Descriptors are fixed at broker startup.
type Descriptor struct {
	Name       string      `cbor:"1,keyasint"`
	Sharing    SharingMode `cbor:"2,keyasint"`
	Version    uint32      `cbor:"3,keyasint"`
	Kind       Kind        `cbor:"4,keyasint"`
	MaxHolders int         `cbor:"5,keyasint,omitempty"`
}

// Describe builds the default descriptor for a kind at the given version.
func Describe(k Kind, version uint32) Descriptor {
	spec := k.Spec()
	if spec == nil {
		return Descriptor{Kind: k, Version: version}
	}
	return Descriptor{
		Name:       spec.Name,
		Sharing:    spec.Sharing,
		Version:    version,
		Kind:       k,
		MaxHolders: spec.MaxHolders,
	}
}

// Spec returns the kind definition for the descriptor.
func (d Descriptor) Spec() *KindSpec {
	return d.Kind.Spec()
}

// Validate checks the descriptor against its kind.
func (d Descriptor) Validate() error {
	spec := d.Kind.Spec()
	if spec == nil {
		return fmt.Errorf("capability %q: unknown kind %d", d.Name, d.Kind)
	}
	if d.Name != spec.Name {
		return fmt.Errorf("capability %q: name does not match kind %s", d.Name, spec.Name)
	}
	switch d.Sharing {
	case Exclusive:
		if d.MaxHolders > 1 {
			return fmt.Errorf("capability %q: exclusive capability with %d holders", d.Name, d.MaxHolders)
		}
	case Shared:
		if d.MaxHolders < 0 {
			return fmt.Errorf("capability %q: negative holder limit", d.Name)
		}
	default:
		return fmt.Errorf("capability %q: invalid sharing mode %d", d.Name, d.Sharing)
	}
	return nil
}

// Holders returns the effective number of concurrent handles allowed.
func (d Descriptor) Holders() int {
	if d.Sharing == Exclusive {
		return 1
	}
	if d.MaxHolders == 0 {
		return DefaultMaxHolders
	}
	return d.MaxHolders
}

// String returns a short human-readable form.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s v%d (%s)", d.Name, d.Version, d.Sharing)
}
