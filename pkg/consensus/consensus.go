package consensus

import (
	"context"
	"time"

	"github.com/amirimatin/go-census/pkg/census"
)

// Command represents a RAFT log command. The semantics of Op/Payload are
// defined by the FSM integration (e.g., service config writes).
type Command struct {
	Op      string
	Payload []byte
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). It exposes leadership, term information and a write path.
type Consensus interface {
	Start(ctx context.Context) error
	Apply(cmd Command, timeout time.Duration) error
	IsLeader() bool
	Leader() (id string, addr string, ok bool)
	Term() uint64
	Stop() error
}

// ElectionSource is an optional interface for engines that report their
// election progress as census election facts.
type ElectionSource interface {
	// Elections delivers a fact per configured service group whenever the
	// election state changes.
	Elections() <-chan census.ElectionFact
}
