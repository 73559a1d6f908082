package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"

	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
)

// ConnManager caches management connections per member address with idle
// eviction. Writes are forwarded to whichever member leads, so a connection
// to a former leader is dropped once it fails instead of being reused.
type ConnManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dialer  func(ctx context.Context, target string) (*grpc.ClientConn, error)
	closing chan struct{}
	closed  sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

// NewConnManager creates a manager with the given idle TTL and dialer.
func NewConnManager(ttl time.Duration, dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)) *ConnManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &ConnManager{ttl: ttl, dialer: dialer, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// Get returns a connection for target and a release func to be called when done.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
	release := func() { m.release(target) }
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if usable(mc.cc) {
			mc.ref++
			mc.lastUsed = time.Now()
			m.mu.Unlock()
			return mc.cc, release, nil
		}
		m.dropLocked(target, mc)
	}
	m.mu.Unlock()

	// Dial outside lock
	cc, err := m.dialer(ctx, target)
	if err != nil {
		return nil, func() {}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.conns[target]; ok {
		// another goroutine won the race
		_ = cc.Close()
		existing.ref++
		existing.lastUsed = time.Now()
		return existing.cc, release, nil
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	obsmetrics.ManagementDials.Inc()
	obsmetrics.ManagementConns.Inc()
	return cc, release, nil
}

func usable(cc *grpc.ClientConn) bool {
	switch cc.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	}
	return true
}

// dropLocked closes and forgets a cached connection. Callers still holding
// it get errors from their in-flight calls and retry with a fresh one.
func (m *ConnManager) dropLocked(target string, mc *managedConn) {
	_ = mc.cc.Close()
	obsmetrics.ManagementConns.Dec()
	delete(m.conns, target)
}

func (m *ConnManager) release(target string) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// Len reports the number of cached connections.
func (m *ConnManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Close closes all cached connections and stops the janitor.
func (m *ConnManager) Close() {
	m.closed.Do(func() { close(m.closing) })
	m.mu.Lock()
	for k, mc := range m.conns {
		m.dropLocked(k, mc)
	}
	m.mu.Unlock()
}

func (m *ConnManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			m.evictIdle(time.Now().Add(-m.ttl))
		}
	}
}

func (m *ConnManager) evictIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, mc := range m.conns {
		if mc.ref == 0 && (mc.lastUsed.Before(cutoff) || !usable(mc.cc)) {
			m.dropLocked(addr, mc)
		}
	}
}
