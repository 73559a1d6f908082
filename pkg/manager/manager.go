// Package manager assembles a census node: it feeds gossip and election facts
// into the census registry, runs the reconciler over the supervised services,
// publishes this node's service rumors and serves the management surface.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirimatin/go-census/pkg/census"
	"github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/membership"
	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
	"github.com/amirimatin/go-census/pkg/reconcile"
	"github.com/amirimatin/go-census/pkg/state"
	"github.com/amirimatin/go-census/pkg/state/svcconfig"
	"github.com/amirimatin/go-census/pkg/transport"
)

// Manager is a running census node. The zero value is not usable; see New.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu  sync.Mutex
	run struct {
		started bool
		closed  bool
	}
	cancel context.CancelFunc
	g      *errgroup.Group

	cons consensus.Consensus
	mem  membership.Membership
	rpcS transport.RPCServer
	rpcC transport.RPCClient
	cfg  state.ConfigState

	list *census.List
	ing  *census.Ingester
	rec  *reconcile.Reconciler
	eb   eventBus
}

// configStater is implemented by consensus engines that replicate service
// config (raftcons.Node).
type configStater interface {
	ConfigState() state.ConfigState
}

// New constructs a Manager from validated options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	m := &Manager{
		opts: opts,
		log:  opts.Logger,
		cons: opts.Consensus,
		mem:  opts.Membership,
		rpcS: opts.RPCServer,
		rpcC: opts.RPCClient,
		cfg:  opts.Config,
	}
	if m.cfg == nil {
		if cs, ok := m.cons.(configStater); ok {
			m.cfg = cs.ConfigState()
		} else {
			m.cfg = svcconfig.New()
		}
	}
	m.list = census.NewList(opts.NodeID)
	m.ing = census.NewIngester(m.list, census.IngesterOptions{Buffer: opts.FactBuffer, Logger: opts.Logger})

	specs := make([]reconcile.ServiceSpec, 0, len(opts.Services))
	for _, s := range opts.Services {
		specs = append(specs, s.ServiceSpec)
	}
	rec, err := reconcile.New(reconcile.Options{
		List:       m.list,
		Services:   specs,
		Supervisor: opts.Supervisor,
		Renderer:   opts.Renderer,
		Config:     m.cfg,
		Interval:   opts.ReconcileInterval,
		Logger:     opts.Logger,
		OnEvent:    func(e reconcile.Event) { m.eb.publish(fromReconcile(e)) },
	})
	if err != nil {
		return nil, err
	}
	m.rec = rec
	return m, nil
}

// List exposes the census registry for read access.
func (m *Manager) List() *census.List { return m.list }

// Close is a convenience alias for Stop with a background context.
func (m *Manager) Close() error { return m.Stop(context.Background()) }

// Start launches membership, consensus and the management endpoint, then the
// loops feeding the registry and the reconciler. Loops stop when ctx is done
// or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run.started {
		return nil
	}
	m.run.started = true
	obsmetrics.Register()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.cancel, m.g = cancel, g

	// Management endpoint first so join requests can be answered early.
	if m.rpcS != nil {
		if err := m.rpcS.Start(gctx, m.Handlers()); err != nil {
			cancel()
			return err
		}
		m.log.Info("management endpoint listening", zap.String("addr", m.rpcS.Addr()))
	}
	if err := m.mem.Start(gctx); err != nil {
		cancel()
		return err
	}
	if m.cons != nil {
		if err := m.cons.Start(gctx); err != nil {
			cancel()
			return err
		}
	}

	g.Go(func() error { return m.ing.Run(gctx) })
	g.Go(func() error { return m.factLoop(gctx) })
	g.Go(func() error { return m.rec.Run(gctx, m.ing.Changed()) })
	g.Go(func() error { return m.rumorLoop(gctx) })
	if m.cons != nil {
		if es, ok := m.cons.(consensus.ElectionSource); ok {
			g.Go(func() error { return m.electionLoop(gctx, es.Elections()) })
		}
		if ln, ok := m.cons.(consensus.LeaderNotifier); ok {
			g.Go(func() error { return m.leaderLoop(gctx, ln.LeaderCh()) })
		}
	}
	if m.opts.WatchDefaults {
		g.Go(func() error { return m.watchDefaults(gctx) })
	}
	g.Go(func() error { return m.joinLoop(gctx) })
	return nil
}

// Stop gracefully shuts down consensus, membership and the management server
// and waits for the internal loops to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run.closed || !m.run.started {
		m.run.closed = true
		return nil
	}
	m.run.closed = true
	// Components are stopped before the context is cancelled so their own
	// ctx watchers find them already stopped.
	if m.cons != nil {
		_ = m.cons.Stop()
	}
	_ = m.mem.Leave()
	_ = m.mem.Stop()
	if m.rpcS != nil {
		_ = m.rpcS.Stop(ctx)
	}
	m.cancel()
	return m.g.Wait()
}

// Handlers returns the management callbacks served by the RPC server.
func (m *Manager) Handlers() transport.Handlers {
	return transport.Handlers{
		Status: func(ctx context.Context) ([]byte, error) {
			st, err := m.Status(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(st)
		},
		Census: func(ctx context.Context, req transport.CensusRequest) ([]byte, error) {
			return m.CensusJSON(req.ServiceGroup)
		},
		Join:        m.handleJoin,
		Leave:       m.handleLeave,
		ApplyConfig: m.handleApplyConfig,
		UploadFile:  m.handleUploadFile,
		InjectFact:  m.handleInjectFact,
	}
}

func (m *Manager) factLoop(ctx context.Context) error {
	facts := m.mem.Facts()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-facts:
			if !ok {
				return nil
			}
			if err := m.ing.Submit(ctx, f); err != nil {
				return nil
			}
		}
	}
}

// electionLoop records election progress locally. The leader also gossips its
// facts so members outside the voter set learn the outcome.
func (m *Manager) electionLoop(ctx context.Context, ch <-chan census.ElectionFact) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-ch:
			if err := m.ing.Submit(ctx, f); err != nil {
				return nil
			}
			if f.Status == census.ElectionFinished && f.MemberID == m.opts.NodeID {
				m.broadcast(f)
			}
		}
	}
}

func (m *Manager) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case li := <-ch:
			m.log.Info("leader change observed", zap.String("leader", li.ID), zap.Uint64("term", li.Term))
			liCopy := li
			m.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: &liCopy})
			if m.opts.OnLeaderChange != nil {
				m.opts.OnLeaderChange(liCopy)
			}
		}
	}
}

// rumorLoop publishes this node's service facts on start and then every
// RumorInterval, so late joiners and restarted peers learn about them.
func (m *Manager) rumorLoop(ctx context.Context) error {
	if len(m.opts.Services) == 0 {
		return nil
	}
	t := time.NewTicker(m.opts.RumorInterval)
	defer t.Stop()
	for {
		for _, s := range m.opts.Services {
			f := s.Rumor(m.opts.NodeID)
			if err := m.ing.Submit(ctx, f); err != nil {
				return nil
			}
			m.broadcast(f)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (m *Manager) broadcast(f census.Fact) {
	if err := m.mem.Broadcast(f); err != nil {
		m.log.Warn("broadcast failed", zap.String("kind", string(f.Kind())), zap.Error(err))
	}
}

// CensusJSON encodes the census of group, or of every group when group is
// empty.
func (m *Manager) CensusJSON(group string) ([]byte, error) {
	if group == "" {
		all, _ := m.list.Snapshot()
		return json.Marshal(all)
	}
	key, err := state.GroupKey(group)
	if err != nil {
		return nil, err
	}
	c, ok := m.list.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	return json.Marshal(c)
}

// Status returns a snapshot of consensus, membership and the supervised
// services as seen by this node.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	s := &Status{NodeID: m.opts.NodeID, Healthy: true, ConfigVersion: m.cfg.Version()}
	if m.cons != nil {
		s.Healthy = false
		s.Term = m.cons.Term()
		if id, _, ok := m.cons.Leader(); ok {
			s.LeaderID = id
			s.Healthy = true
			if m.cons.IsLeader() && m.rpcS != nil {
				s.LeaderAddr = m.rpcS.Addr()
			} else {
				s.LeaderAddr = m.lookupMgmtAddr(id)
			}
		}
	}
	s.Members = m.mem.Members()
	if s.Members == nil {
		s.Members = []membership.MemberInfo{}
	}
	s.Services = make([]ServiceStatus, 0, len(m.opts.Services))
	for _, svc := range m.opts.Services {
		ss := ServiceStatus{ServiceGroup: svc.Key(), Topology: string(svc.Topology)}
		c, _ := m.list.Get(svc.Key())
		if c != nil {
			ss.Members = c.Len()
			ss.Alive = len(c.AliveMembers())
			if me, ok := c.Me(); ok {
				ss.Initialized = me.Initialized
			}
			if conflicts := c.LeaderConflicts(); conflicts != nil {
				s.Warnings = append(s.Warnings, fmt.Sprintf("%s: leader conflict between %v", svc.Key(), conflicts))
			}
		}
		d := reconcile.Eligibility(svc.Topology, c)
		ss.Eligible, ss.Reason, ss.Leader = d.Eligible, d.Reason, d.Leader
		ss.Phase = d.Phase.String()
		s.Services = append(s.Services, ss)
	}
	return s, nil
}

// lookupMgmtAddr returns the management address a member advertises in its
// gossip metadata, or "" when unknown.
func (m *Manager) lookupMgmtAddr(id string) string {
	for _, mi := range m.mem.Members() {
		if mi.ID == id && mi.Meta != nil {
			return mi.Meta[membership.MetaMgmtAddr]
		}
	}
	return ""
}
