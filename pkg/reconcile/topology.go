package reconcile

import (
	"fmt"
	"strings"
)

// Topology is the coordination mode a supervised service declares.
type Topology string

const (
	// Standalone services restart whenever their configuration changes.
	Standalone Topology = "standalone"
	// Leader services hold restarts until the group has elected a leader.
	Leader Topology = "leader"
	// Initializer behaves like Leader for restarts; the name signals that one
	// member seeds the group's shared state.
	Initializer Topology = "initializer"
)

// ParseTopology accepts the topology names case-insensitively. The empty
// string selects Standalone.
func ParseTopology(s string) (Topology, error) {
	switch t := Topology(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return Standalone, nil
	case Standalone, Leader, Initializer:
		return t, nil
	default:
		return "", fmt.Errorf("reconcile: unknown topology %q", s)
	}
}

// Coordinated reports whether restarts wait for a finished election.
func (t Topology) Coordinated() bool { return t == Leader || t == Initializer }
