package memberlist

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-census/pkg/census"
	base "github.com/amirimatin/go-census/pkg/membership"
)

func freePort(t *testing.T) int {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	return a.LocalAddr().(*net.UDPAddr).Port
}

func TestMemberlist_StartLocal(t *testing.T) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	m, err := New(Options{NodeID: "t1", Bind: addr, Advertise: addr, Meta: map[string]string{base.MetaPersistent: "true"}, ProbeInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	assert.Equal(t, "t1", m.Local().ID)

	hr, ok := m.(base.HealthReporter)
	require.True(t, ok, "impl does not implement HealthReporter")
	assert.GreaterOrEqual(t, hr.HealthScore(), 0)

	// the local node is reported like any other member
	mf := awaitFact(t, m, func(f census.Fact) bool { _, ok := f.(census.MemberFact); return ok }, 3*time.Second)
	assert.Equal(t, "t1", mf.(census.MemberFact).ID)
	assert.True(t, mf.(census.MemberFact).Persistent)
	hf := awaitFact(t, m, func(f census.Fact) bool { _, ok := f.(census.HealthFact); return ok }, 3*time.Second)
	assert.Equal(t, census.HealthAlive, hf.(census.HealthFact).Health)
}

func TestMemberlist_NotStarted(t *testing.T) {
	m, err := New(Options{NodeID: "x", Bind: "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Error(t, m.Join([]string{"127.0.0.1:1"}))
	assert.Error(t, m.Broadcast(census.HealthFact{MemberID: "x"}))
	assert.Equal(t, -1, m.(base.HealthReporter).HealthScore())

	_, err = New(Options{Bind: "127.0.0.1:0"})
	assert.Error(t, err)
	_, err = New(Options{NodeID: "x"})
	assert.Error(t, err)
}

func TestMemberlist_MultiNodeJoinLeave(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	n1, addr1 := startNode(t, ctx, "n1")
	defer n1.Stop()

	n2, _ := startNode(t, ctx, "n2")
	defer n2.Stop()
	require.NoError(t, n2.Join([]string{addr1}))

	n3, _ := startNode(t, ctx, "n3")
	defer n3.Stop()
	require.NoError(t, n3.Join([]string{addr1}))

	awaitMembers(t, n1, 3, 5*time.Second)
	awaitMembers(t, n2, 3, 5*time.Second)
	awaitMembers(t, n3, 3, 5*time.Second)

	// service rumors reach the other nodes
	sf := census.ServiceFact{MemberID: "n2", ServiceGroup: "db.prod", IP: "127.0.0.1", Port: 5432}
	require.NoError(t, n2.Broadcast(sf))
	got := awaitFact(t, n1, func(f census.Fact) bool {
		v, ok := f.(census.ServiceFact)
		return ok && v.MemberID == "n2"
	}, 5*time.Second)
	assert.Equal(t, sf, got)

	_ = n2.Leave()
	_ = n2.Stop()

	awaitMembers(t, n1, 2, 5*time.Second)
	awaitMembers(t, n3, 2, 5*time.Second)
	awaitFact(t, n1, func(f census.Fact) bool {
		v, ok := f.(census.HealthFact)
		return ok && v.MemberID == "n2" && v.Health == census.HealthConfirmed
	}, 5*time.Second)
}

func startNode(t *testing.T, ctx context.Context, id string) (*impl, string) {
	t.Helper()
	m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx))
	la := m.Local().Addr
	require.NotEmpty(t, la, "local addr empty for %s", id)
	return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.Members()) == want }, timeout, 100*time.Millisecond,
		"members never reached %d", want)
}

// awaitFact drains m's facts until match accepts one.
func awaitFact(t *testing.T, m base.Membership, match func(census.Fact) bool, timeout time.Duration) census.Fact {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case f, ok := <-m.Facts():
			require.True(t, ok, "facts channel closed")
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("no matching fact within %s", timeout)
			return nil
		}
	}
}
