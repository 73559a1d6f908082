package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amirimatin/go-census/pkg/consensus"
	"github.com/amirimatin/go-census/pkg/membership"
	obsmetrics "github.com/amirimatin/go-census/pkg/observability/metrics"
	"github.com/amirimatin/go-census/pkg/observability/tracing"
	"github.com/amirimatin/go-census/pkg/state"
	"github.com/amirimatin/go-census/pkg/transport"
)

// ErrStaleIncarnation rejects a write whose incarnation is not greater than
// the stored one.
var ErrStaleIncarnation = errors.New("manager: incarnation not greater than current")

// ApplyServiceConfig publishes body as the configuration of group. A zero
// incarnation selects current+1. Without consensus the write is applied
// locally; followers forward it to the leader's management endpoint.
func (m *Manager) ApplyServiceConfig(ctx context.Context, group string, incarnation uint64, body []byte) error {
	ctx, end := tracing.StartSpan(ctx, "manager.ApplyServiceConfig", "service_group", group)
	defer end()
	key, err := state.GroupKey(group)
	if err != nil {
		return err
	}
	if forward, err := m.mustForward(); err != nil {
		return err
	} else if forward {
		return m.forward(ctx, func(ctx context.Context, addr string) (transport.WriteResponse, error) {
			return m.rpcC.PostConfig(ctx, addr, transport.ApplyConfigRequest{ServiceGroup: key, Incarnation: incarnation, Body: body})
		})
	}
	cur, _ := m.cfg.ServiceConfig(key)
	inc, err := nextIncarnation(cur.Incarnation, incarnation)
	if err != nil {
		return err
	}
	sc := state.ServiceConfig{ServiceGroup: key, Incarnation: inc, Body: body}
	if m.cons == nil {
		_, err := m.cfg.ApplySetServiceConfig(sc)
		if err == nil {
			m.rec.Force()
		}
		return err
	}
	return m.apply(state.OpSetServiceConfig, sc)
}

// UploadFile publishes a named service file to group. Incarnations follow the
// rules of ApplyServiceConfig, per file name.
func (m *Manager) UploadFile(ctx context.Context, group, filename string, incarnation uint64, body []byte) error {
	ctx, end := tracing.StartSpan(ctx, "manager.UploadFile", "service_group", group, "filename", filename)
	defer end()
	key, err := state.GroupKey(group)
	if err != nil {
		return err
	}
	if err := state.ValidateFilename(filename); err != nil {
		return err
	}
	if forward, err := m.mustForward(); err != nil {
		return err
	} else if forward {
		return m.forward(ctx, func(ctx context.Context, addr string) (transport.WriteResponse, error) {
			return m.rpcC.PostFile(ctx, addr, transport.UploadFileRequest{ServiceGroup: key, Filename: filename, Incarnation: incarnation, Body: body})
		})
	}
	var cur uint64
	for _, f := range m.cfg.ServiceFiles(key) {
		if f.Filename == filename {
			cur = f.Incarnation
		}
	}
	inc, err := nextIncarnation(cur, incarnation)
	if err != nil {
		return err
	}
	sf := state.ServiceFile{ServiceGroup: key, Filename: filename, Incarnation: inc, Body: body}
	if m.cons == nil {
		_, err := m.cfg.ApplySetServiceFile(sf)
		if err == nil {
			m.rec.Force()
		}
		return err
	}
	return m.apply(state.OpSetServiceFile, sf)
}

func nextIncarnation(cur, want uint64) (uint64, error) {
	if want == 0 {
		return cur + 1, nil
	}
	if want <= cur {
		return 0, fmt.Errorf("%w: %d <= %d", ErrStaleIncarnation, want, cur)
	}
	return want, nil
}

// mustForward reports whether a write has to go to the leader.
func (m *Manager) mustForward() (bool, error) {
	if m.cons == nil || m.cons.IsLeader() {
		return false, nil
	}
	if m.rpcC == nil {
		return false, ErrNotLeader
	}
	return true, nil
}

func (m *Manager) forward(ctx context.Context, call func(ctx context.Context, addr string) (transport.WriteResponse, error)) error {
	id, _, ok := m.cons.Leader()
	if !ok {
		return ErrNoLeader
	}
	addr := m.lookupMgmtAddr(id)
	if addr == "" {
		return fmt.Errorf("%w: no management address for leader %s", ErrUnreachable, id)
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.ApplyTimeout)
	defer cancel()
	resp, err := call(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if !resp.Accepted {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return errors.New("manager: write rejected")
	}
	return nil
}

func (m *Manager) apply(op string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.cons.Apply(consensus.Command{Op: op, Payload: b}, m.opts.ApplyTimeout)
}

// InjectFact applies an encoded fact envelope to the local registry and, when
// broadcast is set, gossips it to the other members.
func (m *Manager) InjectFact(ctx context.Context, envelope []byte, broadcast bool) error {
	f, err := membership.DecodeFact(envelope)
	if err != nil {
		return err
	}
	if err := m.ing.Submit(ctx, f); err != nil {
		return err
	}
	if broadcast {
		return m.mem.Broadcast(f)
	}
	return nil
}

func writeResponse(err error, leader string) transport.WriteResponse {
	if err != nil {
		return transport.WriteResponse{Error: err.Error(), Leader: leader}
	}
	return transport.WriteResponse{Accepted: true, Leader: leader}
}

func (m *Manager) leaderMgmt() string {
	if m.cons == nil {
		return ""
	}
	if m.cons.IsLeader() && m.rpcS != nil {
		return m.rpcS.Addr()
	}
	if id, _, ok := m.cons.Leader(); ok {
		return m.lookupMgmtAddr(id)
	}
	return ""
}

func (m *Manager) handleApplyConfig(ctx context.Context, req transport.ApplyConfigRequest) (transport.WriteResponse, error) {
	err := m.ApplyServiceConfig(ctx, req.ServiceGroup, req.Incarnation, req.Body)
	if err != nil {
		m.log.Warn("service config rejected", zap.String("service_group", req.ServiceGroup), zap.Error(err))
	}
	return writeResponse(err, m.leaderMgmt()), nil
}

func (m *Manager) handleUploadFile(ctx context.Context, req transport.UploadFileRequest) (transport.WriteResponse, error) {
	err := m.UploadFile(ctx, req.ServiceGroup, req.Filename, req.Incarnation, req.Body)
	if err != nil {
		m.log.Warn("service file rejected", zap.String("service_group", req.ServiceGroup), zap.String("filename", req.Filename), zap.Error(err))
	}
	return writeResponse(err, m.leaderMgmt()), nil
}

func (m *Manager) handleInjectFact(ctx context.Context, req transport.InjectFactRequest) (transport.InjectFactResponse, error) {
	if err := m.InjectFact(ctx, req.Envelope, req.Broadcast); err != nil {
		return transport.InjectFactResponse{Error: err.Error()}, nil
	}
	return transport.InjectFactResponse{Accepted: true}, nil
}

func (m *Manager) handleJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
	_, end := tracing.StartSpan(ctx, "manager.handleJoin", "id", req.ID)
	defer end()
	// Only leader accepts join requests
	if m.cons == nil || !m.cons.IsLeader() {
		obsmetrics.JoinRequests.WithLabelValues("rejected").Inc()
		m.log.Warn("join rejected (not leader)", zap.String("id", req.ID))
		return transport.JoinResponse{Leader: m.leaderMgmt(), Error: ErrNotLeader.Error()}, nil
	}
	rc, ok := m.cons.(consensus.Reconfigurer)
	if !ok {
		return transport.JoinResponse{Error: "manager: consensus does not support reconfiguration"}, nil
	}
	if err := rc.AddVoter(req.ID, req.RaftAddr, 3*time.Second); err != nil {
		obsmetrics.JoinRequests.WithLabelValues("failed").Inc()
		m.log.Error("add voter failed", zap.String("id", req.ID), zap.String("raft_addr", req.RaftAddr), zap.Error(err))
		return transport.JoinResponse{Error: err.Error()}, nil
	}
	obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
	m.log.Info("join accepted", zap.String("id", req.ID), zap.String("raft_addr", req.RaftAddr))
	return transport.JoinResponse{Accepted: true}, nil
}

func (m *Manager) handleLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	_, end := tracing.StartSpan(ctx, "manager.handleLeave", "id", req.ID)
	defer end()
	if m.cons == nil || !m.cons.IsLeader() {
		m.log.Warn("leave rejected (not leader)", zap.String("id", req.ID))
		return transport.LeaveResponse{Error: ErrNotLeader.Error()}, nil
	}
	rc, ok := m.cons.(consensus.Reconfigurer)
	if !ok {
		return transport.LeaveResponse{Error: "manager: consensus does not support reconfiguration"}, nil
	}
	if err := rc.RemoveServer(req.ID, 3*time.Second); err != nil {
		m.log.Warn("remove voter failed", zap.String("id", req.ID), zap.Error(err))
		return transport.LeaveResponse{Error: err.Error()}, nil
	}
	m.log.Info("leave accepted", zap.String("id", req.ID))
	return transport.LeaveResponse{Accepted: true}, nil
}
