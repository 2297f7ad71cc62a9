// Package simerr defines the typed error taxonomy shared by the cache, TLB,
// Hub, and eTLB packages. The core is fail-fast: every internal
// inconsistency is returned as one of these types rather than coerced or
// swallowed, so a caller can tell a configuration mistake from a broken
// coherence invariant.
package simerr

import "fmt"

// InvalidConfig is returned by a constructor when the requested dimensions
// cannot be realized: a non-power-of-two size/associativity/line, or an
// associativity that exceeds the number of lines.
type InvalidConfig struct {
	Component string
	Reason    string
}

func (e *InvalidConfig) Error() string {
	return fmt.Sprintf("%s: invalid config: %s", e.Component, e.Reason)
}

// CltCorrupt indicates a Cache-Line Table entry was found holding a
// location code outside {NIC, L1I, L1D, L2}. This can only happen if an
// earlier access left the CLT in an inconsistent state.
type CltCorrupt struct {
	Component string
	Location  int
}

func (e *CltCorrupt) Error() string {
	return fmt.Sprintf("%s: CLT corrupt: location %d outside {0,1,2,3}", e.Component, e.Location)
}

// InvariantBroken indicates a structural invariant the simulator depends on
// no longer holds, e.g. an eTLB entry being evicted could not find the Hub
// entry it is supposed to own, or a Hub pointer could not be resolved back
// to a Hub way.
type InvariantBroken struct {
	Component string
	Detail    string
}

func (e *InvariantBroken) Error() string {
	return fmt.Sprintf("%s: invariant broken: %s", e.Component, e.Detail)
}

// MalformedTrace is returned by the trace parser when a line cannot be
// decoded under the active trace format.
type MalformedTrace struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedTrace) Error() string {
	return fmt.Sprintf("malformed trace at line %d: %s (%q)", e.Line, e.Reason, e.Text)
}
