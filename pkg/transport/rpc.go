package transport

import (
	"context"
	"encoding/json"
)

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on manager types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// CensusRequest selects a single service group; empty means all groups.
type CensusRequest struct {
	ServiceGroup string `json:"service_group,omitempty"`
}

// CensusFunc returns the JSON-encoded census view.
type CensusFunc func(ctx context.Context, req CensusRequest) ([]byte, error)

// JoinRequest describes a join intent from a node and carries the RAFT address
// that should be added as a voter to the cluster.
type JoinRequest struct {
	ID       string `json:"id"`
	RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally leader address or error.
type JoinResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JoinFunc handles node join requests (leader-only).
type JoinFunc func(ctx context.Context, req JoinRequest) (JoinResponse, error)

// LeaveRequest requests removal of a node from the cluster.
type LeaveRequest struct {
	ID string `json:"id"`
}

// LeaveResponse indicates whether the leave/remove was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// LeaveFunc handles node leave requests (leader-only).
type LeaveFunc func(ctx context.Context, req LeaveRequest) (LeaveResponse, error)

// ApplyConfigRequest publishes a configuration body to a service group.
type ApplyConfigRequest struct {
	ServiceGroup string `json:"service_group"`
	Incarnation  uint64 `json:"incarnation"`
	Body         []byte `json:"body"`
}

// UploadFileRequest publishes a named file to a service group.
type UploadFileRequest struct {
	ServiceGroup string `json:"service_group"`
	Filename     string `json:"filename"`
	Incarnation  uint64 `json:"incarnation"`
	Body         []byte `json:"body"`
}

// WriteResponse reports the outcome of a replicated write. Writes received
// by a follower are forwarded to the leader; Leader names it.
type WriteResponse struct {
	Accepted bool   `json:"accepted"`
	Leader   string `json:"leader,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ApplyConfigFunc func(ctx context.Context, req ApplyConfigRequest) (WriteResponse, error)

type UploadFileFunc func(ctx context.Context, req UploadFileRequest) (WriteResponse, error)

// InjectFactRequest carries one encoded fact envelope ({"kind":..,"fact":..}).
type InjectFactRequest struct {
	Envelope json.RawMessage `json:"envelope"`
	// Broadcast also gossips the fact to the other members.
	Broadcast bool `json:"broadcast,omitempty"`
}

type InjectFactResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

type InjectFactFunc func(ctx context.Context, req InjectFactRequest) (InjectFactResponse, error)

// Handlers bundles the management callbacks. Nil handlers are reported as
// not supported by the servers.
type Handlers struct {
	Status      StatusFunc
	Census      CensusFunc
	Join        JoinFunc
	Leave       LeaveFunc
	ApplyConfig ApplyConfigFunc
	UploadFile  UploadFileFunc
	InjectFact  InjectFactFunc
}

// RPCServer exposes management endpoints for intra-cluster calls and the CLI.
type RPCServer interface {
	Start(ctx context.Context, h Handlers) error
	Addr() string
	Stop(ctx context.Context) error
}

// RPCClient performs management calls to other nodes using the chosen
// protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	GetCensus(ctx context.Context, addr string, req CensusRequest) ([]byte, error)
	PostJoin(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
	PostLeave(ctx context.Context, addr string, req LeaveRequest) (LeaveResponse, error)
	PostConfig(ctx context.Context, addr string, req ApplyConfigRequest) (WriteResponse, error)
	PostFile(ctx context.Context, addr string, req UploadFileRequest) (WriteResponse, error)
	PostFact(ctx context.Context, addr string, req InjectFactRequest) (InjectFactResponse, error)
}
