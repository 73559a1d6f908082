package raftcons

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/census"
	c "github.com/amirimatin/go-census/pkg/consensus"
	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
	"github.com/amirimatin/go-census/pkg/state"
	"github.com/amirimatin/go-census/pkg/state/svcconfig"
)

// Node implements consensus.Consensus using HashiCorp Raft. Besides the
// replicated service configuration it reports its election progress as
// census election facts for the configured service groups.
type Node struct {
	opts   Options
	log    *zap.Logger
	logOut io.Writer
	// r is cleared by Stop while observers and status readers may still run.
	r      atomic.Pointer[raft.Raft]
	lch    chan c.LeaderInfo
	ech    chan census.ElectionFact
	stop   chan struct{}
	// transport details
	addr  raft.ServerAddress
	trans raft.Transport
	lb    raft.LoopbackTransport
	cs    state.ConfigState

	emu  sync.Mutex
	last census.ElectionFact
	seen bool
}

func New(opts Options) (*Node, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("raftcons: empty NodeID")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.State == nil {
		opts.State = svcconfig.New()
	}
	if opts.ElectionPoll <= 0 {
		opts.ElectionPoll = 500 * time.Millisecond
	}
	for _, g := range opts.ServiceGroups {
		if _, err := state.GroupKey(g); err != nil {
			return nil, fmt.Errorf("raftcons: %w", err)
		}
	}
	return &Node{
		opts:   opts,
		log:    opts.Logger,
		logOut: zap.NewStdLog(opts.Logger.Named("raft")).Writer(),
		lch:    make(chan c.LeaderInfo, 16),
		ech:    make(chan census.ElectionFact, 64),
		stop:   make(chan struct{}),
		cs:     opts.State,
	}, nil
}

func (n *Node) Start(ctx context.Context) error {
	if n.r.Load() != nil {
		return nil
	}

	// Raft configuration
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.opts.NodeID)
	cfg.LogOutput = n.logOut
	if n.opts.HeartbeatTimeout > 0 {
		cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
		// Keep lease <= heartbeat to satisfy invariants
		if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
			cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
			if cfg.LeaderLeaseTimeout == 0 {
				cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
			}
		}
	}
	if n.opts.ElectionTimeout > 0 {
		cfg.ElectionTimeout = n.opts.ElectionTimeout
	}
	if n.opts.CommitTimeout > 0 {
		cfg.CommitTimeout = n.opts.CommitTimeout
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
		addr   raft.ServerAddress
		trans  raft.Transport
		err    error
	)

	// Storage selection: on-disk when DataDir provided, else in-memory.
	if n.opts.DataDir != "" {
		if n.opts.SnapshotsRetained == 0 {
			n.opts.SnapshotsRetained = 2
		}
		if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil {
			return err
		}
		// Bolt store for both log and stable
		bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
		if err != nil {
			return err
		}
		logs = bstore
		stable = bstore
		snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, n.logOut)
		if err != nil {
			return err
		}
	} else {
		logs = raft.NewInmemStore()
		stable = raft.NewInmemStore()
		snaps = raft.NewInmemSnapshotStore()
	}

	// Transport selection
	if n.opts.BindAddr != "" {
		nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, time.Second, n.logOut)
		if err != nil {
			return err
		}
		trans = nt
		addr = nt.LocalAddr()
	} else {
		addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
	}

	r, err := raft.NewRaft(cfg, newConfigFSM(n.cs), logs, stable, snaps, trans)
	if err != nil {
		return err
	}
	n.r.Store(r)
	n.addr = addr
	n.trans = trans
	if lb, ok := n.trans.(raft.LoopbackTransport); ok {
		n.lb = lb
	}

	// Observe leadership/state changes and forward to LeaderCh and Elections.
	obsCh := make(chan raft.Observation, 32)
	observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.RaftState:
			return true
		default:
			return false
		}
	})
	r.RegisterObserver(observer)
	go func() {
		defer r.DeregisterObserver(observer)
		for {
			select {
			case <-n.stop:
				return
			case o := <-obsCh:
				if _, ok := o.Data.(raft.LeaderObservation); ok {
					if id, addr, ok := n.Leader(); ok {
						n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
					}
				}
				n.observeElection()
			}
		}
	}()

	// Observations can be missed while the channel is full; poll as well.
	go func() {
		t := time.NewTicker(n.opts.ElectionPoll)
		defer t.Stop()
		for {
			select {
			case <-n.stop:
				return
			case <-t.C:
				n.observeElection()
			}
		}
	}()

	if n.opts.Bootstrap {
		cfgs := raft.Configuration{Servers: []raft.Server{{
			ID:      cfg.LocalID,
			Address: addr,
		}}}
		if err := r.BootstrapCluster(cfgs).Error(); err != nil {
			return err
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = n.Stop()
		case <-n.stop:
		}
	}()
	return nil
}

// currentElection maps the raft state onto an election status: a known leader
// finishes the election, a candidate is running one, and anything else means
// there is no quorum to elect a leader.
func (n *Node) currentElection() census.ElectionFact {
	if id, _, ok := n.Leader(); ok {
		return census.ElectionFact{MemberID: id, Status: census.ElectionFinished}
	}
	if r := n.r.Load(); r != nil && r.State() == raft.Candidate {
		return census.ElectionFact{Status: census.ElectionRunning}
	}
	return census.ElectionFact{Status: census.ElectionNoQuorum}
}

func (n *Node) observeElection() {
	f := n.currentElection()
	n.emu.Lock()
	if n.seen && n.last == f {
		n.emu.Unlock()
		return
	}
	n.last, n.seen = f, true
	n.emu.Unlock()

	if n.IsLeader() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
	n.log.Debug("election state changed", zap.Stringer("status", f.Status), zap.String("leader", f.MemberID))
	for _, g := range n.opts.ServiceGroups {
		ef := f
		ef.ServiceGroup = g
		select {
		case n.ech <- ef:
		default:
			n.log.Warn("raftcons: dropping election fact, channel full", zap.String("service_group", g))
		}
	}
}

func (n *Node) Apply(cmd c.Command, timeout time.Duration) error {
	r := n.r.Load()
	if r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	if r.State() != raft.Leader {
		return fmt.Errorf("raftcons: not leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	t := timeout
	if t <= 0 && n.opts.ApplyTimeout > 0 {
		t = n.opts.ApplyTimeout
	}
	af := r.Apply(data, t)
	if err := af.Error(); err != nil {
		return err
	}
	if v := af.Response(); v != nil {
		if e, ok := v.(error); ok && e != nil {
			return e
		}
	}
	return nil
}

func (n *Node) IsLeader() bool {
	r := n.r.Load()
	return r != nil && r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
	r := n.r.Load()
	if r == nil {
		return "", "", false
	}
	a, sid := r.LeaderWithID()
	if sid == "" {
		return "", "", false
	}
	return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
	r := n.r.Load()
	if r == nil {
		return 0
	}
	if v := r.Stats()["current_term"]; v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			return u
		}
	}
	return 0
}

// Addr returns the raft transport address, empty before Start.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
	r := n.r.Swap(nil)
	if r == nil {
		return nil
	}
	select {
	case <-n.stop:
	default:
		close(n.stop)
	}
	return r.Shutdown().Error()
}

// LeaderCh implements consensus.LeaderNotifier.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

// Elections implements consensus.ElectionSource.
func (n *Node) Elections() <-chan census.ElectionFact { return n.ech }

func (n *Node) emitLeader(li c.LeaderInfo) {
	select {
	case n.lch <- li:
		obsmetrics.LeaderChanges.Inc()
	default:
		// drop to avoid blocking; last-writer-wins semantics are ok for leadership
	}
}

// ConfigState returns the replicated service configuration.
func (n *Node) ConfigState() state.ConfigState { return n.cs }

// StateSnapshot returns the current config snapshot (for testing/inspection).
func (n *Node) StateSnapshot() ([]byte, error) { return n.cs.Snapshot() }

// --- Dynamic Reconfiguration (optional) ---

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
	r := n.r.Load()
	if r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	// Fast-path: if exists with same address, accept.
	cfg := r.GetConfiguration()
	if err := cfg.Error(); err == nil {
		for _, srv := range cfg.Configuration().Servers {
			if string(srv.ID) == id {
				if string(srv.Address) == addr {
					return nil
				}
				// Remove stale entry with different address before adding
				if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil {
					return err
				}
				break
			}
		}
	}
	return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
	r := n.r.Load()
	if r == nil {
		return fmt.Errorf("raftcons: not started")
	}
	return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

var (
	_ c.Consensus      = (*Node)(nil)
	_ c.LeaderNotifier = (*Node)(nil)
	_ c.ElectionSource = (*Node)(nil)
	_ c.Reconfigurer   = (*Node)(nil)
)
