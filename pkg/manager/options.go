package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/census"
	"github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/discovery"
	"github.com/amirimatin/go-census/pkg/membership"
	"github.com/amirimatin/go-census/pkg/reconcile"
	"github.com/amirimatin/go-census/pkg/state"
	"github.com/amirimatin/go-census/pkg/transport"
)

// Service is a supervised service: where its artifacts go plus what this
// node announces about it to the ring.
type Service struct {
	reconcile.ServiceSpec

	Hostname     string
	IP           string
	Port         int
	Exposes      []int
	PackageIdent string
}

// Rumor is the service fact this node publishes for s.
func (s Service) Rumor(self string) census.ServiceFact {
	return census.ServiceFact{
		MemberID:     self,
		ServiceGroup: s.Key(),
		Hostname:     s.Hostname,
		IP:           s.IP,
		Port:         s.Port,
		Exposes:      append([]int(nil), s.Exposes...),
		PackageIdent: s.PackageIdent,
	}
}

// Registrar publishes this node's gossip address to a discovery backend
// (see discovery/etcd).
type Registrar interface {
	Register(ctx context.Context, id, addr string) error
}

// Options carries dependency-injected components and runtime configuration
// used to assemble a Manager. Instances are typically produced from
// bootstrap.Config.
type Options struct {
	// NodeID identifies this node; gossip and raft must use the same id.
	NodeID string
	Logger *zap.Logger

	// Membership implementation (required).
	Membership membership.Membership
	// Consensus drives elections and replicates service config. Optional:
	// without it only standalone services can start and config writes are
	// applied locally.
	Consensus consensus.Consensus
	// RaftAddr is advertised to the leader when joining as a voter.
	RaftAddr string
	// JoinMgmt is a management address to request voter membership from
	// after start. Empty skips the request.
	JoinMgmt string

	// Discovery provides gossip seeds; Registrar announces this node.
	Discovery discovery.Discovery
	Registrar Registrar

	// Optional management RPC
	RPCServer transport.RPCServer
	RPCClient transport.RPCClient

	Services   []Service
	Supervisor reconcile.Supervisor
	// Renderer defaults to reconcile.JSONRenderer.
	Renderer reconcile.Renderer
	// Config holds gossip-delivered service config. Nil takes the consensus
	// engine's state when it exposes one, else an in-memory state.
	Config state.ConfigState

	// Timing (zero means default)
	ReconcileInterval time.Duration // 5s
	RumorInterval     time.Duration // 30s
	JoinTimeout       time.Duration // 30s, total time spent retrying seeds
	ApplyTimeout      time.Duration // 3s

	// WatchDefaults forces a reconcile pass when a package defaults file
	// changes on disk.
	WatchDefaults bool
	// FactBuffer sizes the census ingest queue.
	FactBuffer int

	// Optional callback for leadership changes.
	OnLeaderChange func(info consensus.LeaderInfo)
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("manager: empty NodeID")
	}
	if o.Membership == nil {
		return errors.New("manager: nil Membership")
	}
	if o.Supervisor == nil {
		return errors.New("manager: nil Supervisor")
	}
	for _, s := range o.Services {
		if err := s.Validate(); err != nil {
			return err
		}
		if s.Topology.Coordinated() && o.Consensus == nil {
			return fmt.Errorf("manager: %s uses %s topology but no consensus is configured", s.Key(), s.Topology)
		}
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 5 * time.Second
	}
	if o.RumorInterval <= 0 {
		o.RumorInterval = 30 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 30 * time.Second
	}
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = 3 * time.Second
	}
}
