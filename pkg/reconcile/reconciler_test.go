package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-census/pkg/census"
	"github.com/amirimatin/go-census/pkg/state"
	"github.com/amirimatin/go-census/pkg/state/svcconfig"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	calls   []string
	initErr error
}

func (f *fakeSupervisor) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeSupervisor) Restart(_ context.Context, sg string) error {
	f.record("restart " + sg)
	return nil
}

func (f *fakeSupervisor) ReconfigureHooks(_ context.Context, sg string) error {
	f.record("reconfigure " + sg)
	return nil
}

func (f *fakeSupervisor) Initialize(_ context.Context, sg string) error {
	f.record("initialize " + sg)
	return f.initErr
}

func (f *fakeSupervisor) FileUpdated(_ context.Context, sg string) error {
	f.record("file_updated " + sg)
	return nil
}

func (f *fakeSupervisor) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeSupervisor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newReconciler(t *testing.T, opts Options) (*Reconciler, *[]Event) {
	t.Helper()
	var events []Event
	opts.OnEvent = func(e Event) { events = append(events, e) }
	r, err := New(opts)
	require.NoError(t, err)
	return r, &events
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestReconciler_LeaderTopologyWaitsForElection(t *testing.T) {
	ctx := context.Background()
	l := census.NewList("m1")
	require.NoError(t, l.ApplyServiceFact(census.ServiceFact{MemberID: "m1", ServiceGroup: "db.prod", IP: "10.0.0.1", Port: 5432}))
	require.NoError(t, l.ApplyElectionFact(census.ElectionFact{ServiceGroup: "db.prod", Status: census.ElectionRunning}))

	sup := &fakeSupervisor{}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("db.prod"), Topology: Leader, SvcRoot: t.TempDir()}
	r, events := newReconciler(t, Options{List: l, Services: []ServiceSpec{spec}, Supervisor: sup})

	require.NoError(t, r.Reconcile(ctx))
	_, err := os.Stat(spec.ConfigPath())
	require.NoError(t, err, "configuration is written even while restarts are held")
	assert.Equal(t, []string{"reconfigure db.prod"}, sup.snapshot())
	assert.Contains(t, eventTypes(*events), EventRestartDeferred)

	// another pass during the same election is quiet
	*events = nil
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 0, sup.count("restart db.prod"))
	assert.NotContains(t, eventTypes(*events), EventRestartDeferred)

	require.NoError(t, l.ApplyElectionFact(census.ElectionFact{ServiceGroup: "db.prod", MemberID: "m1", Status: census.ElectionFinished}))
	require.NoError(t, r.Reconcile(ctx))
	calls := sup.snapshot()
	require.Len(t, calls, 4)
	assert.Equal(t, "initialize db.prod", calls[2])
	assert.Equal(t, "restart db.prod", calls[3])

	c, _ := l.Get("db.prod")
	me, _ := c.Me()
	assert.True(t, me.Initialized)

	// marking the entry initialized does not change the rendered config
	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.Reconcile(ctx))
	assert.Len(t, sup.snapshot(), 4)
	assert.Equal(t, 1, sup.count("restart db.prod"))
	assert.Equal(t, 1, sup.count("initialize db.prod"))
}

func TestReconciler_InitializedServiceIsRestartedOnce(t *testing.T) {
	ctx := context.Background()
	l := census.NewList("m1")
	require.NoError(t, l.ApplyServiceFact(census.ServiceFact{MemberID: "m1", ServiceGroup: "web.default", IP: "10.0.0.1", Port: 80}))
	require.True(t, l.ApplyHealthFact(census.HealthFact{MemberID: "m1", Health: census.HealthAlive}))

	sup := &fakeSupervisor{}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("web.default"), SvcRoot: t.TempDir()}
	r, _ := newReconciler(t, Options{List: l, Services: []ServiceSpec{spec}, Supervisor: sup, Renderer: JSONRenderer{}})

	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, []string{"reconfigure web.default", "initialize web.default", "restart web.default"}, sup.snapshot())

	c, _ := l.Get("web.default")
	me, _ := c.Me()
	require.True(t, me.Initialized)

	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 1, sup.count("restart web.default"))
	assert.Equal(t, 1, sup.count("reconfigure web.default"))
}

func TestReconciler_StandaloneRestartsOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	body := "v1"
	renderer := RendererFunc(func(context.Context, RenderInput) ([]byte, error) { return []byte(body), nil })
	sup := &fakeSupervisor{}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("web.default"), SvcRoot: t.TempDir(), ConfigName: "web.conf"}
	r, _ := newReconciler(t, Options{List: census.NewList("a"), Services: []ServiceSpec{spec}, Supervisor: sup, Renderer: renderer})

	require.NoError(t, r.Reconcile(ctx))
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 1, sup.count("restart web.default"))
	assert.Equal(t, 1, sup.count("reconfigure web.default"))

	body = "v2"
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 2, sup.count("restart web.default"))
	got, err := os.ReadFile(filepath.Join(spec.SvcRoot, "web", "config", "web.conf"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func TestReconciler_FailedInitializeHoldsRestart(t *testing.T) {
	ctx := context.Background()
	sup := &fakeSupervisor{initErr: errors.New("hook exited 1")}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("web.default"), SvcRoot: t.TempDir()}
	r, events := newReconciler(t, Options{List: census.NewList("a"), Services: []ServiceSpec{spec}, Supervisor: sup})

	require.Error(t, r.Reconcile(ctx))
	assert.Equal(t, 0, sup.count("restart web.default"))
	assert.Contains(t, eventTypes(*events), EventHookFailed)

	sup.mu.Lock()
	sup.initErr = nil
	sup.mu.Unlock()
	require.NoError(t, r.Reconcile(ctx))
	assert.Equal(t, 2, sup.count("initialize web.default"))
	assert.Equal(t, 1, sup.count("restart web.default"))
}

func TestReconciler_ServiceFilesByIncarnation(t *testing.T) {
	ctx := context.Background()
	cfg := svcconfig.New()
	_, err := cfg.ApplySetServiceFile(state.ServiceFile{ServiceGroup: "web.default", Filename: "tls.pem", Incarnation: 1, Body: []byte("one")})
	require.NoError(t, err)

	sup := &fakeSupervisor{}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("web.default"), SvcRoot: t.TempDir()}
	r, _ := newReconciler(t, Options{List: census.NewList("a"), Services: []ServiceSpec{spec}, Supervisor: sup, Config: cfg})

	require.NoError(t, r.Reconcile(ctx))
	path := filepath.Join(spec.FilesDir(), "tls.pem")
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	assert.Equal(t, 0, sup.count("file_updated web.default"), "hook waits for initialization")

	_, err = cfg.ApplySetServiceFile(state.ServiceFile{ServiceGroup: "web.default", Filename: "tls.pem", Incarnation: 2, Body: []byte("two")})
	require.NoError(t, err)
	require.NoError(t, r.Reconcile(ctx))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	assert.Equal(t, 1, sup.count("file_updated web.default"))

	// a local edit is not reverted until a newer incarnation arrives
	require.NoError(t, os.WriteFile(path, []byte("local"), 0o640))
	require.NoError(t, r.Reconcile(ctx))
	got, _ = os.ReadFile(path)
	assert.Equal(t, "local", string(got))
	assert.Equal(t, 1, sup.count("file_updated web.default"))
}

func TestReconciler_GossipConfigOverridesDefaults(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	defaults := filepath.Join(dir, "default.json")
	require.NoError(t, os.WriteFile(defaults, []byte(`{"port":5432,"tls":{"enabled":false,"ca":"/ca.pem"}}`), 0o644))

	cfg := svcconfig.New()
	_, err := cfg.ApplySetServiceConfig(state.ServiceConfig{ServiceGroup: "db.prod", Incarnation: 1, Body: []byte(`{"tls":{"enabled":true}}`)})
	require.NoError(t, err)

	l := census.NewList("m1")
	require.NoError(t, l.ApplyServiceFact(census.ServiceFact{MemberID: "m1", ServiceGroup: "db.prod", IP: "10.0.0.1", Port: 5432}))
	require.NoError(t, l.ApplyElectionFact(census.ElectionFact{ServiceGroup: "db.prod", MemberID: "m1", Status: census.ElectionFinished}))

	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("db.prod"), Topology: Leader, SvcRoot: dir, DefaultsFile: defaults}
	r, _ := newReconciler(t, Options{List: l, Services: []ServiceSpec{spec}, Supervisor: &fakeSupervisor{}, Config: cfg})
	require.NoError(t, r.Reconcile(ctx))

	raw, err := os.ReadFile(spec.ConfigPath())
	require.NoError(t, err)
	var doc struct {
		Cfg struct {
			Port float64 `json:"port"`
			TLS  struct {
				Enabled bool   `json:"enabled"`
				CA      string `json:"ca"`
			} `json:"tls"`
		} `json:"cfg"`
		Svc struct {
			Members []struct {
				MemberID string `json:"member_id"`
			} `json:"members"`
		} `json:"svc"`
		Leader string `json:"leader"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(5432), doc.Cfg.Port)
	assert.True(t, doc.Cfg.TLS.Enabled)
	assert.Equal(t, "/ca.pem", doc.Cfg.TLS.CA)
	require.Len(t, doc.Svc.Members, 1)
	assert.Equal(t, "m1", doc.Svc.Members[0].MemberID)
	assert.Equal(t, "m1", doc.Leader)
}

func TestReconciler_WriteFailureIsContained(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	sup := &fakeSupervisor{}
	broken := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("web.default"), SvcRoot: blocker}
	healthy := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("api.default"), SvcRoot: t.TempDir()}
	r, events := newReconciler(t, Options{List: census.NewList("a"), Services: []ServiceSpec{broken, healthy}, Supervisor: sup})

	err := r.Reconcile(ctx)
	require.Error(t, err)
	assert.Contains(t, eventTypes(*events), EventArtifactFailed)
	assert.Equal(t, 0, sup.count("restart web.default"))
	assert.Equal(t, 1, sup.count("restart api.default"))
}

func TestReconciler_RunReactsToCensusChanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l := census.NewList("m1")
	ing := census.NewIngester(l, census.IngesterOptions{})
	go func() { _ = ing.Run(ctx) }()

	sup := &fakeSupervisor{}
	spec := ServiceSpec{ServiceGroup: census.MustParseServiceGroup("db.prod"), Topology: Leader, SvcRoot: t.TempDir()}
	r, err := New(Options{List: l, Services: []ServiceSpec{spec}, Supervisor: sup, Interval: 50 * time.Millisecond})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, ing.Changed()) }()

	require.NoError(t, ing.Submit(ctx, census.ServiceFact{MemberID: "m1", ServiceGroup: "db.prod"}))
	require.NoError(t, ing.Submit(ctx, census.ElectionFact{ServiceGroup: "db.prod", Status: census.ElectionRunning}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, sup.count("restart db.prod"))

	require.NoError(t, ing.Submit(ctx, census.ElectionFact{ServiceGroup: "db.prod", MemberID: "m1", Status: census.ElectionFinished}))
	require.Eventually(t, func() bool { return sup.count("restart db.prod") >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, sup.count("initialize db.prod"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("reconciler did not stop")
	}
}

func TestOptions_Validate(t *testing.T) {
	sg := census.MustParseServiceGroup("db.prod")
	_, err := New(Options{Supervisor: &fakeSupervisor{}})
	assert.Error(t, err)
	_, err = New(Options{List: census.NewList("a")})
	assert.Error(t, err)
	_, err = New(Options{List: census.NewList("a"), Supervisor: &fakeSupervisor{}, Services: []ServiceSpec{{ServiceGroup: sg}}})
	assert.Error(t, err, "svc root required")
	dup := ServiceSpec{ServiceGroup: sg, SvcRoot: "/svc"}
	_, err = New(Options{List: census.NewList("a"), Supervisor: &fakeSupervisor{}, Services: []ServiceSpec{dup, dup}})
	assert.Error(t, err)
	_, err = New(Options{List: census.NewList("a"), Supervisor: &fakeSupervisor{}, Services: []ServiceSpec{{ServiceGroup: sg, SvcRoot: "/svc", ConfigName: "../x"}}})
	assert.Error(t, err)
}
