package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/amirimatin/go-census/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config

	once sync.Once
	cm   *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client. Call before the first request.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// invoke calls method on addr over a managed connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	c.once.Do(func() { c.cm = NewConnManager(30*time.Second, c.dial) })
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, release, err := c.cm.Get(cctx, addr)
	if err != nil {
		return err
	}
	defer release()
	return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(blob)
	if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) GetCensus(ctx context.Context, addr string, req transport.CensusRequest) ([]byte, error) {
	out := new(blob)
	if err := c.invoke(ctx, addr, "GetCensus", &req, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// write invokes a write-style method and lifts the response error.
func write[Resp any](ctx context.Context, c *Client, addr, method string, in any, errOf func(Resp) string) (Resp, error) {
	var out Resp
	if err := c.invoke(ctx, addr, method, in, &out); err != nil {
		return out, err
	}
	if msg := errOf(out); msg != "" {
		return out, errors.New(msg)
	}
	return out, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	return write(ctx, c, addr, "Join", &req, func(r transport.JoinResponse) string { return r.Error })
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	return write(ctx, c, addr, "Leave", &req, func(r transport.LeaveResponse) string { return r.Error })
}

func (c *Client) PostConfig(ctx context.Context, addr string, req transport.ApplyConfigRequest) (transport.WriteResponse, error) {
	return write(ctx, c, addr, "ApplyConfig", &req, func(r transport.WriteResponse) string { return r.Error })
}

func (c *Client) PostFile(ctx context.Context, addr string, req transport.UploadFileRequest) (transport.WriteResponse, error) {
	return write(ctx, c, addr, "UploadFile", &req, func(r transport.WriteResponse) string { return r.Error })
}

func (c *Client) PostFact(ctx context.Context, addr string, req transport.InjectFactRequest) (transport.InjectFactResponse, error) {
	return write(ctx, c, addr, "InjectFact", &req, func(r transport.InjectFactResponse) string { return r.Error })
}

// Close releases cached connections.
func (c *Client) Close() {
	if c.cm != nil {
		c.cm.Close()
	}
}

var _ transport.RPCClient = (*Client)(nil)
