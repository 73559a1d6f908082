package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/discovery"
)

// Options configures DNS-based discovery.
type Options struct {
	// Names are SRV records, hostnames or literal host:port seeds.
	// Examples: "_census._tcp.example.com" (SRV) or "node1.example.com" (A/AAAA).
	Names []string

	// Port used for A/AAAA answers, which carry no port (default 7946, the
	// gossip port).
	Port int

	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration

	Resolver *net.Resolver
	Logger   *zap.Logger
}

type impl struct {
	opts  Options
	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names and
// caches results for the Refresh duration.
func New(opts Options) discovery.Discovery {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &impl{opts: opts}
}

func (d *impl) Seeds(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]string(nil), d.cache...), nil
	}
	res, err := d.resolveAll(ctx)
	if len(res) == 0 && err != nil {
		return append([]string(nil), d.cache...), err
	}
	d.cache, d.last = res, time.Now()
	return append([]string(nil), d.cache...), nil
}

// resolveAll resolves every name; failures of single names are logged and
// joined so that partial answers still produce seeds.
func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
	var (
		out  []string
		errs []error
	)
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case strings.Contains(name, ":") && !strings.HasPrefix(name, "_"):
			out = append(out, name)
		case isSRVName(name):
			hps, err := d.lookupSRV(ctx, name)
			if err == nil && len(hps) > 0 {
				out = append(out, hps...)
				continue
			}
			d.opts.Logger.Debug("srv lookup failed, trying host", zap.String("name", name), zap.Error(err))
			fallthrough
		default:
			hps, err := d.lookupHost(ctx, name)
			if err != nil {
				d.opts.Logger.Warn("dns discovery lookup failed", zap.String("name", name), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			out = append(out, hps...)
		}
	}
	return discovery.Normalize(out, ""), errors.Join(errs...)
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" {
		return nil, fmt.Errorf("discovery/dns: bad srv name %q", fqdn)
	}
	_, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(strings.TrimSuffix(a.Target, "."), strconv.Itoa(int(a.Port))))
	}
	return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string) ([]string, error) {
	ips, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port)))
	}
	return out, nil
}

func isSRVName(name string) bool {
	return strings.HasPrefix(name, "_") && strings.Contains(name, "._")
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
