// Package bootstrap assembles a census node from a flat Config.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/artifact"
	"github.com/amirimatin/go-census/pkg/census"
	consraft "github.com/amirimatin/go-census/pkg/consensus/raft"
	"github.com/amirimatin/go-census/pkg/discovery"
	dDNS "github.com/amirimatin/go-census/pkg/discovery/dns"
	dEtcd "github.com/amirimatin/go-census/pkg/discovery/etcd"
	dFile "github.com/amirimatin/go-census/pkg/discovery/file"
	dStatic "github.com/amirimatin/go-census/pkg/discovery/static"
	"github.com/amirimatin/go-census/internal/logutil"
	"github.com/amirimatin/go-census/pkg/manager"
	"github.com/amirimatin/go-census/pkg/membership"
	ml "github.com/amirimatin/go-census/pkg/membership/memberlist"
	"github.com/amirimatin/go-census/pkg/reconcile"
	tlsx "github.com/amirimatin/go-census/pkg/security/tlsconfig"
	"github.com/amirimatin/go-census/pkg/supervisor"
	"github.com/amirimatin/go-census/pkg/transport"
	mgmtgrpc "github.com/amirimatin/go-census/pkg/transport/grpc"
	httpjson "github.com/amirimatin/go-census/pkg/transport/httpjson"
)

// Node is an assembled manager plus the resources Build opened for it.
type Node struct {
	*manager.Manager
	closers []func() error
}

// Close stops the manager and releases discovery clients.
func (n *Node) Close() error {
	errs := []error{n.Manager.Close()}
	for _, c := range n.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// services converts the configured services into manager services.
func (c Config) services() ([]manager.Service, error) {
	out := make([]manager.Service, 0, len(c.Services))
	for _, s := range c.Services {
		sg, err := census.ParseServiceGroup(s.ServiceGroup)
		if err != nil {
			return nil, err
		}
		topo := reconcile.Standalone
		if s.Topology != "" {
			if topo, err = reconcile.ParseTopology(s.Topology); err != nil {
				return nil, err
			}
		}
		out = append(out, manager.Service{
			ServiceSpec: reconcile.ServiceSpec{
				ServiceGroup: sg,
				Topology:     topo,
				Owner:        artifact.Owner{User: s.User, Group: s.Group},
				SvcRoot:      s.SvcRoot,
				ConfigName:   s.ConfigName,
				DefaultsFile: s.DefaultsFile,
			},
			Hostname:     s.Hostname,
			IP:           s.IP,
			Port:         s.Port,
			Exposes:      s.Exposes,
			PackageIdent: s.PackageIdent,
		})
	}
	return out, nil
}

// mgmtAdvertise fills in the host of a wildcard management address from the
// membership advertise address so peers can reach it.
func mgmtAdvertise(mgmt, memAdv string) string {
	host, port, err := net.SplitHostPort(mgmt)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return mgmt
	}
	if ah, _, err := net.SplitHostPort(memAdv); err == nil && ah != "" {
		return net.JoinHostPort(ah, port)
	}
	return mgmt
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("bootstrap: empty NodeID")
	}
	if cfg.Logger == nil {
		l, err := logutil.New(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, err
		}
		cfg.Logger = l
	}
	log := cfg.Logger.With(zap.String("node", cfg.NodeID))
	node := &Node{}

	services, err := cfg.services()
	if err != nil {
		return nil, err
	}
	var coordinated []string
	hooks := make(map[string]supervisor.Hooks, len(cfg.Services))
	for i, s := range services {
		if s.Topology.Coordinated() {
			coordinated = append(coordinated, s.Key())
		}
		h := cfg.Services[i].Hooks
		hooks[s.Key()] = supervisor.Hooks{Restart: h.Restart, Reconfigure: h.Reconfigure, Initialize: h.Initialize, FileUpdated: h.FileUpdated}
	}
	sup := cfg.Supervisor
	if sup == nil {
		sup = supervisor.New(supervisor.Options{Hooks: hooks, Logger: log.Named("supervisor")})
	}

	// Discovery backend
	var (
		disc      discovery.Discovery
		registrar manager.Registrar
	)
	switch cfg.DiscoveryKind {
	case "dns":
		opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Logger: log}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh
		}
		disc = dFile.New(opts)
	case "etcd":
		p, err := dEtcd.New(dEtcd.Options{
			Endpoints: dStatic.Parse(cfg.EtcdEndpoints),
			Prefix:    cfg.EtcdPrefix,
			Self:      cfg.MemAdv,
			Logger:    log,
		})
		if err != nil {
			return nil, err
		}
		disc, registrar = p, p
		node.closers = append(node.closers, p.Close)
	case "", "static":
		disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	default:
		return nil, fmt.Errorf("bootstrap: unknown discovery %q", cfg.DiscoveryKind)
	}

	// Consensus (Raft) only drives coordinated services.
	var cons *consraft.Node
	if len(coordinated) > 0 || cfg.Bootstrap || cfg.JoinMgmt != "" {
		cons, err = consraft.New(consraft.Options{
			NodeID:        cfg.NodeID,
			Logger:        log,
			BindAddr:      cfg.RaftAddr,
			DataDir:       cfg.DataDir,
			Bootstrap:     cfg.Bootstrap,
			ServiceGroups: coordinated,
		})
		if err != nil {
			return nil, err
		}
	}

	// Membership (memberlist). The management address travels in node meta
	// for leader forwarding.
	meta := map[string]string{}
	if cfg.MgmtAddr != "" {
		meta[membership.MetaMgmtAddr] = mgmtAdvertise(cfg.MgmtAddr, cfg.MemAdv)
	}
	if cfg.Persistent {
		meta[membership.MetaPersistent] = "true"
	}
	mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: log, Meta: meta})
	if err != nil {
		return nil, err
	}

	// Management API
	srv, cli, err := managementTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	if c, ok := cli.(interface{ Close() }); ok {
		node.closers = append(node.closers, func() error { c.Close(); return nil })
	}

	opts := manager.Options{
		NodeID:            cfg.NodeID,
		Logger:            log,
		Membership:        mem,
		RaftAddr:          cfg.RaftAddr,
		JoinMgmt:          cfg.JoinMgmt,
		Discovery:         disc,
		Registrar:         registrar,
		RPCServer:         srv,
		RPCClient:         cli,
		Services:          services,
		Supervisor:        sup,
		Renderer:          cfg.Renderer,
		ReconcileInterval: cfg.ReconcileInterval,
		RumorInterval:     cfg.RumorInterval,
		WatchDefaults:     cfg.WatchDefaults,
		OnLeaderChange:    cfg.OnLeaderChange,
	}
	// a typed nil *Node must not reach the interface
	if cons != nil {
		opts.Consensus = cons
	}
	m, err := manager.New(opts)
	if err != nil {
		return nil, err
	}
	node.Manager = m
	return node, nil
}

func managementTransport(cfg Config, log *zap.Logger) (transport.RPCServer, transport.RPCClient, error) {
	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable:             true,
			CAFile:             cfg.TLSCA,
			CertFile:           cfg.TLSCert,
			KeyFile:            cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify,
			ServerName:         cfg.TLSServerName,
			Reload:             tlsx.DefaultReload,
		}
		var err error
		if srvTLS, err = topts.Server(); err != nil {
			return nil, nil, err
		}
		if cliTLS, err = topts.Client(); err != nil {
			return nil, nil, err
		}
	}
	switch cfg.MgmtProto {
	case "grpc":
		s := mgmtgrpc.NewServer(cfg.MgmtAddr, log)
		c := mgmtgrpc.NewClient(3 * time.Second)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		return s, c, nil
	case "", "http":
		s := httpjson.NewServer(cfg.MgmtAddr, log)
		c := httpjson.NewClient(3 * time.Second)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
			c.UseTLS(cliTLS)
		}
		return s, c, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unknown management protocol %q", cfg.MgmtProto)
	}
}

// Run builds and starts the node, returning it for lifecycle control. The
// caller is responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
	n, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}
