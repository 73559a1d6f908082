// Package etcd discovers gossip seeds from an etcd prefix. Every node
// registers its gossip address under <prefix><node id> with a leased key, so
// crashed nodes disappear once their lease expires.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/discovery"
)

const DefaultPrefix = "/census/members/"

type Options struct {
	// Client is used as is when set; otherwise one is dialled to Endpoints.
	Client      *clientv3.Client
	Endpoints   []string
	DialTimeout time.Duration

	Prefix string
	// Self is excluded from the returned seeds.
	Self string
	// TTL of the registration lease in seconds (default 10).
	TTL int64

	Logger *zap.Logger
}

// Provider implements discovery.Discovery on top of etcd.
type Provider struct {
	opts  Options
	cli   *clientv3.Client
	owned bool
}

var _ discovery.Discovery = (*Provider)(nil)

func New(opts Options) (*Provider, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if !strings.HasSuffix(opts.Prefix, "/") {
		opts.Prefix += "/"
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Provider{opts: opts, cli: opts.Client}
	if p.cli == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("discovery/etcd: no client and no endpoints")
		}
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   opts.Endpoints,
			DialTimeout: opts.DialTimeout,
			Logger:      opts.Logger.Named("etcd"),
		})
		if err != nil {
			return nil, fmt.Errorf("discovery/etcd: %w", err)
		}
		p.cli, p.owned = cli, true
	}
	return p, nil
}

// Key returns the registration key of a node.
func (p *Provider) Key(id string) string { return p.opts.Prefix + id }

// Seeds lists the registered gossip addresses.
func (p *Provider) Seeds(ctx context.Context) ([]string, error) {
	resp, err := p.cli.Get(ctx, p.opts.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery/etcd: get %s: %w", p.opts.Prefix, err)
	}
	seeds := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		seeds = append(seeds, string(kv.Value))
	}
	return discovery.Normalize(seeds, p.opts.Self), nil
}

// Register publishes id -> addr under a lease and keeps it alive until ctx is
// cancelled. The key is revoked on return of the keepalive loop.
func (p *Provider) Register(ctx context.Context, id, addr string) error {
	lease, err := p.cli.Grant(ctx, p.opts.TTL)
	if err != nil {
		return fmt.Errorf("discovery/etcd: grant: %w", err)
	}
	if _, err := p.cli.Put(ctx, p.Key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery/etcd: put: %w", err)
	}
	ka, err := p.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("discovery/etcd: keepalive: %w", err)
	}
	go func() {
		for range ka {
		}
		rctx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
		defer cancel()
		if _, err := p.cli.Revoke(rctx, lease.ID); err != nil {
			p.opts.Logger.Debug("etcd lease revoke failed", zap.Error(err))
		}
	}()
	p.opts.Logger.Info("registered in etcd", zap.String("key", p.Key(id)), zap.String("addr", addr))
	return nil
}

// Close releases the client when the provider dialled it.
func (p *Provider) Close() error {
	if p.owned {
		return p.cli.Close()
	}
	return nil
}
