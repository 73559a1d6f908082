package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/census"
	base "github.com/amirimatin/go-census/pkg/membership"
	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
	// NodeID is the unique node identifier.
	NodeID string

	// Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
	Bind string

	// Advertise is the advertised address (host:port) that peers will use to reach this node.
	// If empty, memberlist derives it from Bind.
	Advertise string

	// Meta is optional metadata associated with the node.
	Meta map[string]string

	Logger *zap.Logger

	// FactBuffer is the capacity of the facts channel (default 256).
	FactBuffer int

	// Tuning parameters (optional). Zero means use defaults.
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	SuspicionMult  int
	RetransmitMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
	mu     sync.RWMutex
	opts   Options
	ml     *memberlist.Memberlist
	queue  *memberlist.TransmitLimitedQueue
	facts  chan census.Fact
	closed bool
	stop   chan struct{}

	// last health verdict emitted per member
	hmu    sync.Mutex
	health map[string]census.Health

	// latest locally broadcast fact per key, exchanged on push/pull
	lmu   sync.Mutex
	local map[string][]byte
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty Bind address")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FactBuffer <= 0 {
		opts.FactBuffer = 256
	}
	return &impl{
		opts:   opts,
		facts:  make(chan census.Fact, opts.FactBuffer),
		stop:   make(chan struct{}),
		health: make(map[string]census.Health),
		local:  make(map[string][]byte),
	}, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ml != nil {
		return nil
	}
	if m.closed {
		return fmt.Errorf("memberlist: stopped")
	}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = m.opts.NodeID
	host, portStr, err := net.SplitHostPort(m.opts.Bind)
	if err != nil {
		return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return err
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if m.opts.Advertise != "" {
		ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
		if err != nil {
			return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
		}
		aport, err := parsePort(aportStr)
		if err != nil {
			return err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}

	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	if m.opts.RetransmitMult > 0 {
		cfg.RetransmitMult = m.opts.RetransmitMult
	}
	cfg.LogOutput = zap.NewStdLog(m.opts.Logger.Named("memberlist")).Writer()

	m.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       m.numNodes,
		RetransmitMult: cfg.RetransmitMult,
	}
	// Encode static metadata once (e.g., management address) and expose via NodeDelegate.
	metaBytes, _ := json.Marshal(m.opts.Meta)
	cfg.Events = &eventDelegate{m: m}
	cfg.Delegate = &nodeDelegate{m: m, meta: metaBytes}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return err
	}
	m.ml = ml

	go m.healthLoop(cfg.ProbeInterval)
	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop()
		case <-m.stop:
		}
	}()
	return nil
}

func (m *impl) numNodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return 1
	}
	return m.ml.NumMembers()
}

func (m *impl) Join(seeds []string) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	_, err := ml.Join(seeds)
	return err
}

func (m *impl) Local() base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return base.MemberInfo{}
	}
	return memberInfo(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return nil
	}
	nodes := m.ml.Members()
	out := make([]base.MemberInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberInfo(n))
	}
	return out
}

func (m *impl) Facts() <-chan census.Fact { return m.facts }

// Broadcast queues f for dissemination. A queued fact with the same key is
// replaced.
func (m *impl) Broadcast(f census.Fact) error {
	msg, err := base.EncodeFact(f)
	if err != nil {
		return err
	}
	m.mu.RLock()
	q := m.queue
	m.mu.RUnlock()
	if q == nil {
		return fmt.Errorf("memberlist: not started")
	}
	key := base.FactKey(f)
	m.lmu.Lock()
	m.local[key] = msg
	m.lmu.Unlock()
	q.QueueBroadcast(&factBroadcast{key: key, msg: msg})
	obsmetrics.GossipBroadcasts.WithLabelValues(string(f.Kind())).Inc()
	return nil
}

func (m *impl) Leave() error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	// best-effort: leave and give some time to broadcast
	_ = ml.Leave(time.Second)
	return nil
}

func (m *impl) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()
	// shut down outside the lock: memberlist goroutines call back into
	// delegates that take it
	if ml != nil {
		_ = ml.Shutdown()
	}
	close(m.facts)
	return nil
}

// HealthScore exposes memberlist's awareness score if available.
// Implements membership.HealthReporter.
func (m *impl) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

// healthLoop polls node states at the probe interval so suspicion, which
// memberlist does not surface as an event, reaches the census.
func (m *impl) healthLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.pollHealth()
		}
	}
}

func (m *impl) pollHealth() {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return
	}
	nodes := ml.Members()
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		seen[n.Name] = true
		m.observeHealth(n.Name, healthOf(n.State))
	}
	m.hmu.Lock()
	var gone []string
	for id, h := range m.health {
		if !seen[id] && h != census.HealthConfirmed {
			gone = append(gone, id)
		}
	}
	m.hmu.Unlock()
	for _, id := range gone {
		m.observeHealth(id, census.HealthConfirmed)
	}
	obsmetrics.GossipMembers.Set(float64(len(nodes)))
	obsmetrics.GossipHealthScore.Set(float64(ml.GetHealthScore()))
}

// observeHealth emits a health fact when the verdict for id changed.
func (m *impl) observeHealth(id string, h census.Health) {
	m.hmu.Lock()
	prev, ok := m.health[id]
	m.health[id] = h
	m.hmu.Unlock()
	if ok && prev == h {
		return
	}
	m.emit(census.HealthFact{MemberID: id, Health: h})
}

func (m *impl) emit(f census.Fact) {
	defer func() { recover() }()
	select {
	case m.facts <- f:
	default:
		// drop if channel is full to avoid blocking
		m.opts.Logger.Warn("memberlist: dropping fact, channel full", zap.String("kind", string(f.Kind())))
	}
}

func healthOf(s memberlist.NodeStateType) census.Health {
	switch s {
	case memberlist.StateAlive:
		return census.HealthAlive
	case memberlist.StateSuspect:
		return census.HealthSuspect
	default:
		return census.HealthConfirmed
	}
}

func memberInfo(n *memberlist.Node) base.MemberInfo {
	meta := map[string]string{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func memberFact(n *memberlist.Node) census.MemberFact {
	mi := memberInfo(n)
	return census.MemberFact{ID: n.Name, Address: n.Addr.String(), Persistent: mi.Meta[base.MetaPersistent] == "true"}
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port: %q", s)
	}
	return p, nil
}

// eventDelegate turns memberlist node events into member and health facts.
type eventDelegate struct{ m *impl }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n == nil {
		return
	}
	d.m.emit(memberFact(n))
	d.m.observeHealth(n.Name, census.HealthAlive)
}

// NotifyLeave covers both graceful leaves and nodes declared dead.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	if n == nil {
		return
	}
	d.m.observeHealth(n.Name, census.HealthConfirmed)
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	if n == nil {
		return
	}
	d.m.emit(memberFact(n))
	d.m.observeHealth(n.Name, healthOf(n.State))
}

// nodeDelegate propagates node metadata and carries gossiped facts.
type nodeDelegate struct {
	m    *impl
	meta []byte
}

// NodeMeta is used to retrieve meta-data about the current node when broadcasting
// an alive message. The returned byte slice will be truncated to the given limit,
// as it will be broadcast in gossip.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg(b []byte) {
	if len(b) == 0 {
		return
	}
	f, err := base.DecodeFact(b)
	if err != nil {
		d.m.opts.Logger.Debug("memberlist: ignoring message", zap.Error(err))
		return
	}
	d.m.emit(f)
}

func (d *nodeDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	d.m.mu.RLock()
	q := d.m.queue
	d.m.mu.RUnlock()
	if q == nil {
		return nil
	}
	return q.GetBroadcasts(overhead, limit)
}

// LocalState sends the latest fact per key this node broadcast, so peers that
// missed a rumor converge on the next push/pull.
func (d *nodeDelegate) LocalState(join bool) []byte {
	d.m.lmu.Lock()
	msgs := make([]json.RawMessage, 0, len(d.m.local))
	for _, b := range d.m.local {
		msgs = append(msgs, b)
	}
	d.m.lmu.Unlock()
	b, _ := json.Marshal(msgs)
	return b
}

func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {
	var msgs []json.RawMessage
	if err := json.Unmarshal(buf, &msgs); err != nil {
		d.m.opts.Logger.Debug("memberlist: ignoring remote state", zap.Error(err))
		return
	}
	for _, b := range msgs {
		d.NotifyMsg(b)
	}
}

// factBroadcast is a queued rumor. Newer rumors for the same key invalidate it.
type factBroadcast struct {
	key string
	msg []byte
}

func (b *factBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*factBroadcast)
	return ok && o.key == b.key
}

func (b *factBroadcast) Name() string    { return b.key }
func (b *factBroadcast) Message() []byte { return b.msg }
func (b *factBroadcast) Finished()       {}

var (
	_ base.Membership           = (*impl)(nil)
	_ base.HealthReporter       = (*impl)(nil)
	_ memberlist.Delegate       = (*nodeDelegate)(nil)
	_ memberlist.EventDelegate  = (*eventDelegate)(nil)
	_ memberlist.NamedBroadcast = (*factBroadcast)(nil)
)
