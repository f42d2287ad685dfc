package capability

// Set is the list of capabilities a client declares support for.
// It is passed in as configuration rather than compiled in.
type Set struct {
	caps []Capability
}

// DefaultSet returns the capabilities this implementation supports out of the box
func DefaultSet() Set {
	return NewSet(Tcp, Http, Https(TLS12))
}

// NewSet builds a set, dropping duplicates and undeclared capabilities while
// keeping order
func NewSet(caps ...Capability) Set {
	s := Set{}
	for _, c := range caps {
		if c.Valid() && !s.Supports(c) {
			s.caps = append(s.caps, c.normalize())
		}
	}
	return s
}

// ParseSet keeps the names that identify a known capability and silently drops the rest
func ParseSet(names []string) Set {
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		if c, ok := FromString(name); ok {
			caps = append(caps, c)
		}
	}
	return NewSet(caps...)
}

// Supports reports whether c is in the set
func (s Set) Supports(c Capability) bool {
	for _, have := range s.caps {
		if have.Equal(c) {
			return true
		}
	}
	return false
}

// Filter returns the subset of names that this set supports, in canonical form
func (s Set) Filter(names []string) []string {
	var out []string
	for _, name := range names {
		if c, ok := FromString(name); ok && s.Supports(c) {
			out = append(out, c.String())
		}
	}
	return out
}

// Capabilities returns a copy of the members
func (s Set) Capabilities() []Capability {
	return append([]Capability(nil), s.caps...)
}

// Strings returns the canonical identifiers of the members
func (s Set) Strings() []string {
	out := make([]string, 0, len(s.caps))
	for _, c := range s.caps {
		out = append(out, c.String())
	}
	return out
}

// Len returns the number of members
func (s Set) Len() int {
	return len(s.caps)
}

// HighestTLSVersion returns the newest TLS version among the HTTPS members
func (s Set) HighestTLSVersion() (TLSVersion, bool) {
	var best TLSVersion
	found := false
	for _, c := range s.caps {
		if c.Kind != HTTPS {
			continue
		}
		if !found || c.TLS > best {
			best = c.TLS
			found = true
		}
	}
	return best, found
}
