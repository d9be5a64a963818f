// Package version provides wire protocol version parsing and compatibility checks.
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Current is the wire protocol version spoken by brokers and clients in this module.
const Current = "1.0"

// ErrIncompatible is returned by Check when the major versions differ.
var ErrIncompatible = errors.New("incompatible protocol version")

// Protocol is a parsed "major.minor" protocol version.
type Protocol struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string.
func Parse(s string) (Protocol, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok || major == "" || minor == "" || strings.Contains(minor, ".") {
		return Protocol{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	maj, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return Protocol{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	mnr, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return Protocol{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return Protocol{Major: uint16(maj), Minor: uint16(mnr)}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Protocol {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "major.minor".
func (v Protocol) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compatible reports whether the other version has the same major version.
// Minor versions only add optional fields and operations.
func (v Protocol) Compatible(other Protocol) bool {
	return v.Major == other.Major
}

// Check parses peer and verifies it is compatible with Current.
func Check(peer string) error {
	p, err := Parse(peer)
	if err != nil {
		return err
	}
	if !MustParse(Current).Compatible(p) {
		return fmt.Errorf("%w: local %s, peer %s", ErrIncompatible, Current, p)
	}
	return nil
}
