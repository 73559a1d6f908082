package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-census/pkg/census"
	"github.com/amirimatin/go-census/pkg/discovery"
	"github.com/amirimatin/go-census/pkg/membership"
	"github.com/amirimatin/go-census/pkg/reconcile"
)

type fakeMembership struct {
	mu        sync.Mutex
	local     membership.MemberInfo
	facts     chan census.Fact
	broadcast []census.Fact
	joined    [][]string
	stopped   bool
}

func newFakeMembership(id string) *fakeMembership {
	return &fakeMembership{
		local: membership.MemberInfo{ID: id, Addr: "127.0.0.1:7946"},
		facts: make(chan census.Fact, 64),
	}
}

func (f *fakeMembership) Start(context.Context) error { return nil }

func (f *fakeMembership) Join(seeds []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, seeds)
	return nil
}

func (f *fakeMembership) Local() membership.MemberInfo { return f.local }

func (f *fakeMembership) Members() []membership.MemberInfo {
	return []membership.MemberInfo{f.local}
}

func (f *fakeMembership) Facts() <-chan census.Fact { return f.facts }

func (f *fakeMembership) Broadcast(fact census.Fact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, fact)
	return nil
}

func (f *fakeMembership) broadcasts() []census.Fact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]census.Fact(nil), f.broadcast...)
}

func (f *fakeMembership) joins() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.joined...)
}

func (f *fakeMembership) Leave() error { return nil }

func (f *fakeMembership) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.facts)
	}
	return nil
}

type fakeSupervisor struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeSupervisor) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, sg string) error { return f.record("restart " + sg) }

func (f *fakeSupervisor) ReconfigureHooks(_ context.Context, sg string) error {
	return f.record("reconfigure " + sg)
}

func (f *fakeSupervisor) Initialize(_ context.Context, sg string) error {
	return f.record("initialize " + sg)
}

func (f *fakeSupervisor) FileUpdated(_ context.Context, sg string) error {
	return f.record("file_updated " + sg)
}

func (f *fakeSupervisor) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func webService(t *testing.T) Service {
	return Service{
		ServiceSpec: reconcile.ServiceSpec{
			ServiceGroup: census.MustParseServiceGroup("web.prod"),
			Topology:     reconcile.Standalone,
			SvcRoot:      t.TempDir(),
		},
		Hostname:     "web-1",
		IP:           "10.0.0.1",
		Port:         8080,
		PackageIdent: "core/web/1.0.0",
	}
}

// gossipOnly renders just the gossip-delivered config so census changes do
// not rewrite the config file.
var gossipOnly = reconcile.RendererFunc(func(_ context.Context, in reconcile.RenderInput) ([]byte, error) {
	return append([]byte("cfg:"), in.Gossip...), nil
})

func startManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Renderer == nil {
		opts.Renderer = gossipOnly
	}
	m, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestOptions_Validate(t *testing.T) {
	mem := newFakeMembership("m1")
	sup := &fakeSupervisor{}
	assert.Error(t, Options{Membership: mem, Supervisor: sup}.Validate())
	assert.Error(t, Options{NodeID: "m1", Supervisor: sup}.Validate())
	assert.Error(t, Options{NodeID: "m1", Membership: mem}.Validate())

	svc := webService(t)
	svc.Topology = reconcile.Leader
	err := Options{NodeID: "m1", Membership: mem, Supervisor: sup, Services: []Service{svc}}.Validate()
	require.Error(t, err, "coordinated topology without consensus")

	svc.Topology = reconcile.Standalone
	assert.NoError(t, Options{NodeID: "m1", Membership: mem, Supervisor: sup, Services: []Service{svc}}.Validate())
}

func TestManager_StandaloneServiceStarts(t *testing.T) {
	mem := newFakeMembership("m1")
	sup := &fakeSupervisor{}
	svc := webService(t)
	m := startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: sup, Services: []Service{svc}})

	require.Eventually(t, func() bool { return sup.count("restart web.prod") == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, sup.count("initialize web.prod"))
	assert.Equal(t, 1, sup.count("reconfigure web.prod"))

	raw, err := os.ReadFile(svc.ConfigPath())
	require.NoError(t, err)
	assert.Equal(t, "cfg:", string(raw))

	require.Eventually(t, func() bool {
		c, ok := m.List().Get("web.prod")
		if !ok {
			return false
		}
		me, ok := c.Me()
		return ok && me.IP == "10.0.0.1" && me.PackageIdent == "core/web/1.0.0"
	}, 5*time.Second, 20*time.Millisecond)

	var rumor census.ServiceFact
	require.Eventually(t, func() bool {
		for _, f := range mem.broadcasts() {
			if sf, ok := f.(census.ServiceFact); ok {
				rumor = sf
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "m1", rumor.MemberID)
	assert.Equal(t, "web.prod", rumor.ServiceGroup)
	assert.Equal(t, 8080, rumor.Port)
}

func TestManager_GossipFactsReachCensus(t *testing.T) {
	mem := newFakeMembership("m1")
	m := startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: &fakeSupervisor{}, Services: []Service{webService(t)}})

	mem.facts <- census.ServiceFact{MemberID: "m2", ServiceGroup: "web.prod", IP: "10.0.0.2", Port: 8080}
	mem.facts <- census.HealthFact{MemberID: "m2", Health: census.HealthSuspect}

	require.Eventually(t, func() bool {
		c, ok := m.List().Get("web.prod")
		if !ok {
			return false
		}
		e, ok := c.Get("m2")
		return ok && e.Suspect()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_LocalConfigApplyReconfigures(t *testing.T) {
	mem := newFakeMembership("m1")
	sup := &fakeSupervisor{}
	m := startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: sup, Services: []Service{webService(t)}})
	require.Eventually(t, func() bool { return sup.count("restart web.prod") == 1 }, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, m.ApplyServiceConfig(ctx, "web.prod", 0, []byte(`{"workers":4}`)))
	require.Eventually(t, func() bool { return sup.count("restart web.prod") == 2 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, sup.count("reconfigure web.prod"))

	err := m.ApplyServiceConfig(ctx, "web.prod", 1, []byte(`{"workers":8}`))
	require.ErrorIs(t, err, ErrStaleIncarnation)

	require.NoError(t, m.UploadFile(ctx, "web.prod", "motd.txt", 0, []byte("hello")))
	require.Eventually(t, func() bool { return sup.count("file_updated web.prod") == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Error(t, m.UploadFile(ctx, "web.prod", "../escape", 0, nil))

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.ConfigVersion)
}

func TestManager_StatusAndCensus(t *testing.T) {
	mem := newFakeMembership("m1")
	sup := &fakeSupervisor{}
	m := startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: sup, Services: []Service{webService(t)}})
	require.Eventually(t, func() bool { return sup.count("restart web.prod") == 1 }, 5*time.Second, 20*time.Millisecond)

	var st *Status
	require.Eventually(t, func() bool {
		var err error
		st, err = m.Status(context.Background())
		return err == nil && len(st.Services) == 1 && st.Services[0].Members == 1 && st.Services[0].Initialized
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, st.Healthy)
	assert.Equal(t, "m1", st.NodeID)
	assert.Equal(t, "web.prod", st.Services[0].ServiceGroup)
	assert.True(t, st.Services[0].Eligible)
	assert.Len(t, st.Members, 1)

	raw, err := m.CensusJSON("web.prod")
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"m1"`)

	all, err := m.CensusJSON("")
	require.NoError(t, err)
	var groups map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(all, &groups))
	assert.Contains(t, groups, "web.prod")

	_, err = m.CensusJSON("db.prod")
	assert.True(t, errors.Is(err, ErrUnknownService))
	_, err = m.CensusJSON("not-a-group")
	assert.Error(t, err)
}

func TestManager_SubscribeReceivesReconcileEvents(t *testing.T) {
	mem := newFakeMembership("m1")
	m, err := New(Options{NodeID: "m1", Membership: mem, Supervisor: &fakeSupervisor{}, Services: []Service{webService(t)}, Renderer: gossipOnly})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(context.Background())

	seen := map[EventType]bool{}
	deadline := time.After(5 * time.Second)
	for !seen[EventRestarted] {
		select {
		case ev := <-events:
			assert.Equal(t, "web.prod", ev.ServiceGroup)
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("events so far: %v", seen)
		}
	}
	assert.True(t, seen[EventReconfigured])
	assert.True(t, seen[EventInitialized])
}

func TestManager_InjectFact(t *testing.T) {
	mem := newFakeMembership("m1")
	m := startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: &fakeSupervisor{}, Services: []Service{webService(t)}})

	env, err := membership.EncodeFact(census.ServiceFact{MemberID: "m3", ServiceGroup: "web.prod", IP: "10.0.0.3"})
	require.NoError(t, err)
	require.NoError(t, m.InjectFact(context.Background(), env, true))
	require.Eventually(t, func() bool {
		c, ok := m.List().Get("web.prod")
		if !ok {
			return false
		}
		_, ok = c.Get("m3")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	found := false
	for _, f := range mem.broadcasts() {
		if sf, ok := f.(census.ServiceFact); ok && sf.MemberID == "m3" {
			found = true
		}
	}
	assert.True(t, found)

	assert.Error(t, m.InjectFact(context.Background(), []byte(`{"kind":"bogus","fact":{}}`), false))
}

func TestManager_JoinsDiscoveredSeeds(t *testing.T) {
	mem := newFakeMembership("m1")
	calls := 0
	var mu sync.Mutex
	disc := discovery.Func(func(context.Context) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("not yet")
		}
		return []string{"127.0.0.1:7946", "10.0.0.2:7946", "10.0.0.2:7946"}, nil
	})
	startManager(t, Options{NodeID: "m1", Membership: mem, Supervisor: &fakeSupervisor{}, Discovery: disc})

	require.Eventually(t, func() bool { return len(mem.joins()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"10.0.0.2:7946"}, mem.joins()[0])
}

func TestManager_StopIsIdempotent(t *testing.T) {
	m, err := New(Options{NodeID: "m1", Membership: newFakeMembership("m1"), Supervisor: &fakeSupervisor{}})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background()), "stop before start")
	require.NoError(t, m.Close())
}

func TestManager_DefaultsChangeForcesReconfigure(t *testing.T) {
	mem := newFakeMembership("m1")
	sup := &fakeSupervisor{}
	svc := webService(t)
	svc.DefaultsFile = filepath.Join(t.TempDir(), "default.json")
	require.NoError(t, os.WriteFile(svc.DefaultsFile, []byte(`{"port":1}`), 0o644))

	fromDefaults := reconcile.RendererFunc(func(_ context.Context, in reconcile.RenderInput) ([]byte, error) {
		return os.ReadFile(in.Spec.DefaultsFile)
	})
	startManager(t, Options{
		NodeID:            "m1",
		Membership:        mem,
		Supervisor:        sup,
		Services:          []Service{svc},
		Renderer:          fromDefaults,
		ReconcileInterval: time.Hour,
		WatchDefaults:     true,
	})
	require.Eventually(t, func() bool { return sup.count("reconfigure web.prod") == 1 }, 5*time.Second, 20*time.Millisecond)

	// The watcher starts alongside the first pass; keep editing until seen.
	port := 1
	require.Eventually(t, func() bool {
		port++
		_ = os.WriteFile(svc.DefaultsFile, []byte(fmt.Sprintf(`{"port":%d}`, port)), 0o644)
		return sup.count("reconfigure web.prod") >= 2
	}, 5*time.Second, 100*time.Millisecond)
}
