package raftcons

import (
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/state"
)

// Options configure the Raft-based Consensus implementation.
type Options struct {
	NodeID string
	Logger *zap.Logger

	// Bootstrap forms a single-node cluster on Start when true.
	Bootstrap bool

	// ServiceGroups are the group keys whose election is driven by this raft
	// cluster. Every election change is reported once per group.
	ServiceGroups []string

	// State receives replicated service configuration. Nil selects an
	// in-memory svcconfig.State.
	State state.ConfigState

	// Timeouts (optional). Zero means defaults.
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	CommitTimeout    time.Duration
	ApplyTimeout     time.Duration // client-side apply wait

	// ElectionPoll re-evaluates the election state at this interval in
	// addition to raft observations (default 500ms).
	ElectionPoll time.Duration

	// Networking & Storage
	// If BindAddr is non-empty, a TCP transport is used bound to this address
	// (e.g., "127.0.0.1:0"). Otherwise, an in-memory transport is used.
	BindAddr string

	// DataDir selects on-disk stores when non-empty (bolt store for log/stable,
	// file snapshot store). When empty, in-memory stores are used.
	DataDir string

	// SnapshotsRetained controls how many snapshots to retain on disk.
	SnapshotsRetained int
}
