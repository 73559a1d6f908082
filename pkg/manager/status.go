package manager

import (
	"github.com/amirimatin/go-census/pkg/membership"
)

// Status is a JSON-serializable snapshot of this node suitable for the
// management endpoint and tooling.
type Status struct {
	NodeID string `json:"node_id"`
	// Healthy is true once a consensus leader is known, or always without
	// consensus.
	Healthy    bool                    `json:"healthy"`
	Term       uint64                  `json:"term"`
	LeaderID   string                  `json:"leader_id,omitempty"`
	LeaderAddr string                  `json:"leader_addr,omitempty"`
	Members    []membership.MemberInfo `json:"members"`
	Services   []ServiceStatus         `json:"services"`
	// ConfigVersion moves on every accepted service config or file write.
	ConfigVersion uint64   `json:"config_version"`
	Warnings      []string `json:"warnings,omitempty"`
}

// ServiceStatus summarizes one supervised service.
type ServiceStatus struct {
	ServiceGroup string `json:"service_group"`
	Topology     string `json:"topology"`
	Members      int    `json:"members"`
	Alive        int    `json:"alive"`
	Leader       string `json:"leader,omitempty"`
	Phase        string `json:"phase"`
	Eligible     bool   `json:"eligible"`
	Reason       string `json:"reason,omitempty"`
	Initialized  bool   `json:"initialized"`
}
