//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirimatin/go-census/pkg/bootstrap"
	"github.com/amirimatin/go-census/pkg/manager"
	"github.com/amirimatin/go-census/pkg/transport"
	httpjson "github.com/amirimatin/go-census/pkg/transport/httpjson"
)

const (
	group   = "db.it"
	n1Mgmt  = "127.0.0.1:17946"
	n2Mgmt  = "127.0.0.1:18946"
	n3Mgmt  = "127.0.0.1:19946"
	n1Gossp = "127.0.0.1:7946"
)

var errNotYet = errors.New("not yet")

type nodeSpec struct {
	id, raft, mem, mgmt string
}

var trio = []nodeSpec{
	{"n1", "127.0.0.1:9521", n1Gossp, n1Mgmt},
	{"n2", "127.0.0.1:9522", "127.0.0.1:8946", n2Mgmt},
	{"n3", "127.0.0.1:9523", "127.0.0.1:9946", n3Mgmt},
}

// nodeConfig returns the config of one member of a three node census running
// a leader topology service. n1 bootstraps raft, the others join it as voters.
func nodeConfig(t *testing.T, ns nodeSpec) bootstrap.Config {
	cfg := bootstrap.Config{
		NodeID:            ns.id,
		RaftAddr:          ns.raft,
		MemBind:           ns.mem,
		MgmtAddr:          ns.mgmt,
		DiscoveryKind:     "static",
		LogLevel:          "warn",
		ReconcileInterval: 500 * time.Millisecond,
		RumorInterval:     time.Second,
		Services: []bootstrap.ServiceConfig{{
			ServiceGroup: group,
			Topology:     "leader",
			SvcRoot:      filepath.Join(t.TempDir(), ns.id),
			IP:           "127.0.0.1",
			Port:         5432,
		}},
	}
	if ns.id == "n1" {
		cfg.Bootstrap = true
	} else {
		cfg.SeedsCSV = n1Gossp
		cfg.JoinMgmt = n1Mgmt
	}
	return cfg
}

func mustStart(t *testing.T, ctx context.Context, cfg bootstrap.Config) *bootstrap.Node {
	t.Helper()
	n, err := bootstrap.Run(ctx, cfg)
	if err != nil {
		t.Fatalf("%s: %v", cfg.NodeID, err)
	}
	return n
}

func mustStartThreeNodes(t *testing.T, ctx context.Context, mod func(*bootstrap.Config)) (n1, n2, n3 *bootstrap.Node) {
	t.Helper()
	nodes := make([]*bootstrap.Node, len(trio))
	for i, ns := range trio {
		cfg := nodeConfig(t, ns)
		if mod != nil {
			mod(&cfg)
		}
		nodes[i] = mustStart(t, ctx, cfg)
	}
	return nodes[0], nodes[1], nodes[2]
}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if err := fn(); err == nil {
			return
		} else {
			last = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (manager.Status, error) {
	var s manager.Status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(b, &s)
	return s, err
}

type censusEntry struct {
	MemberID string `json:"member_id"`
	Leader   bool   `json:"leader"`
	Follower bool   `json:"follower"`
	Alive    bool   `json:"alive"`
}

type censusDoc struct {
	ServiceGroup string        `json:"service_group"`
	Self         string        `json:"me"`
	Members      []censusEntry `json:"members"`
}

func fetchCensus(ctx context.Context, cli *httpjson.Client, addr string) (censusDoc, error) {
	var c censusDoc
	b, err := cli.GetCensus(ctx, addr, transport.CensusRequest{ServiceGroup: group})
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(b, &c)
	return c, err
}

// leaderOf returns the member the census marks as leader.
func leaderOf(c censusDoc) string {
	for _, e := range c.Members {
		if e.Leader {
			return e.MemberID
		}
	}
	return ""
}

func waitForLeader(t *testing.T, ctx context.Context, cli *httpjson.Client, addr, id string) {
	t.Helper()
	waitUntil(t, 20*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, addr)
		if err != nil {
			return err
		}
		if !s.Healthy || s.LeaderID != id {
			return errNotYet
		}
		return nil
	})
}
