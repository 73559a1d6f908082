package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
	Term uint64 `json:"term"`
}

// LeaderNotifier is an optional interface that a Consensus implementation may
// provide to notify about leadership changes via an observable channel.
type LeaderNotifier interface {
	// LeaderCh delivers Leadership updates. Implementations should buffer and
	// coalesce as needed to avoid blocking the consensus internals.
	LeaderCh() <-chan LeaderInfo
}
