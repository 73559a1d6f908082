package raftcons

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// Three raft nodes over in-memory loopback transports elect a leader and all
// of them learn it.
func TestRaft_ThreeNodeElection_Inmem(t *testing.T) {
	n1, _ := New(Options{NodeID: "n1", Bootstrap: true, ApplyTimeout: 2 * time.Second})
	n2, _ := New(Options{NodeID: "n2"})
	n3, _ := New(Options{NodeID: "n3"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, n := range []*Node{n1, n2, n3} {
		require.NoError(t, n.Start(ctx))
		defer n.Stop()
	}

	connect := func(a, b *Node) {
		require.NotNil(t, a.lb, "loopback transport expected")
		require.NotNil(t, b.lb, "loopback transport expected")
		a.lb.Connect(b.addr, b.trans)
		b.lb.Connect(a.addr, a.trans)
	}
	connect(n1, n2)
	connect(n1, n3)
	connect(n2, n3)

	require.Eventually(t, n1.IsLeader, 3*time.Second, 50*time.Millisecond, "n1 did not become leader")

	add := func(id string, addr raft.ServerAddress) {
		require.NoError(t, n1.AddVoter(id, string(addr), 2*time.Second), "AddVoter %s", id)
	}
	add("n2", n2.addr)
	add("n3", n3.addr)
	// re-adding with the same address is accepted
	add("n2", n2.addr)

	for _, n := range []*Node{n1, n2, n3} {
		n := n
		require.Eventually(t, func() bool {
			id, _, ok := n.Leader()
			return ok && id == "n1"
		}, 5*time.Second, 50*time.Millisecond, "leader unknown on node %v", n.opts.NodeID)
	}

	require.NoError(t, n1.RemoveServer("n3", 2*time.Second))
	f := n1.r.Load().GetConfiguration()
	require.NoError(t, f.Error())
	require.Len(t, f.Configuration().Servers, 2)
}
