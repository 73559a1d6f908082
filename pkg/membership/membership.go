package membership

import (
	"context"

	"github.com/amirimatin/go-census/pkg/census"
)

// Node metadata keys understood by the gossip adapters.
const (
	// MetaPersistent marks a member whose data survives restarts ("true").
	MetaPersistent = "persistent"
	// MetaMgmtAddr carries the member's management endpoint.
	MetaMgmtAddr = "mgmt"
)

// MemberInfo describes a cluster member as observed by the membership layer
// (e.g., memberlist). Meta can carry auxiliary data such as management address.
type MemberInfo struct {
	ID   string            `json:"id"`
	Addr string            `json:"addr"`
	Meta map[string]string `json:"meta,omitempty"`
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. Besides peer discovery and join/leave it turns what it observes into
// census facts and disseminates service and election facts published by this
// node.
type Membership interface {
	Start(ctx context.Context) error
	Join(seeds []string) error
	Local() MemberInfo
	Members() []MemberInfo
	// Facts delivers member and health facts derived from failure detection
	// as well as facts gossiped by peers. The channel is closed by Stop.
	Facts() <-chan census.Fact
	// Broadcast disseminates f to peers. It does not deliver f locally.
	Broadcast(f census.Fact) error
	Leave() error
	Stop() error
}
