package manager

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/discovery"
	"github.com/amirimatin/go-census/pkg/transport"
)

// joinLoop joins the gossip ring through the discovered seeds, announces this
// node to the registrar and finally asks the raft leader for a voter seat.
// Each step retries with exponential backoff for at most JoinTimeout.
func (m *Manager) joinLoop(ctx context.Context) error {
	if m.opts.Discovery != nil {
		if err := m.retry(ctx, "gossip join", m.joinSeeds); err != nil {
			m.log.Warn("gossip join gave up", zap.Error(err))
		}
	}
	if m.opts.Registrar != nil {
		local := m.mem.Local()
		err := m.retry(ctx, "register", func(ctx context.Context) error {
			return m.opts.Registrar.Register(ctx, m.opts.NodeID, local.Addr)
		})
		if err != nil {
			m.log.Warn("registration gave up", zap.Error(err))
		}
	}
	if m.opts.JoinMgmt != "" && m.cons != nil && m.rpcC != nil {
		if err := m.retry(ctx, "voter join", m.JoinVoter); err != nil {
			m.log.Warn("voter join gave up", zap.String("mgmt", m.opts.JoinMgmt), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) retry(ctx context.Context, what string, op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.opts.JoinTimeout
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		m.log.Debug(what+" failed, retrying", zap.Duration("in", d), zap.Error(err))
	})
}

func (m *Manager) joinSeeds(ctx context.Context) error {
	seeds, err := m.opts.Discovery.Seeds(ctx)
	if err != nil {
		return err
	}
	seeds = discovery.Normalize(seeds, m.mem.Local().Addr)
	if len(seeds) == 0 {
		// first node of the ring
		return nil
	}
	m.log.Info("joining membership seeds", zap.Strings("seeds", seeds))
	return m.mem.Join(seeds)
}

// JoinVoter requests to add this node as a raft voter through the leader's
// management endpoint. JoinMgmt may name any member; the leader address is
// resolved through its status.
func (m *Manager) JoinVoter(ctx context.Context) error {
	if m.rpcC == nil || m.cons == nil {
		return errors.New("manager: voter join needs consensus and an RPC client")
	}
	if m.cons.IsLeader() {
		return nil
	}
	target := m.opts.JoinMgmt
	if data, err := m.rpcC.GetStatus(ctx, target); err == nil {
		var st Status
		if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" {
			target = st.LeaderAddr
		}
	}
	req := transport.JoinRequest{ID: m.opts.NodeID, RaftAddr: m.opts.RaftAddr}
	resp, err := m.rpcC.PostJoin(ctx, target, req)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		if resp.Error == ErrNotLeader.Error() {
			return ErrNotLeader
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("manager: join rejected")
	}
	m.log.Info("joined as voter", zap.String("via", target))
	return nil
}
