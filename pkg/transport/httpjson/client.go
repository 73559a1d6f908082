package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/amirimatin/go-census/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and retries transport failures with exponential backoff.
// Handler errors are returned without retry.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
	retries   uint64
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, retries: 2}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do runs one request, retrying transport failures and gateway errors.
func (c *Client) do(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var (
		status int
		out    []byte
	)
	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status, out = resp.StatusCode, b
		if resp.StatusCode >= 502 && resp.StatusCode <= 504 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx))
	return status, out, err
}

func (c *Client) get(ctx context.Context, addr, path string) ([]byte, error) {
	status, b, err := c.do(ctx, http.MethodGet, c.url(addr, path), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", status, bytes.TrimSpace(b))
	}
	return b, nil
}

// postJSON posts in and decodes the answer into out. errOf extracts the
// error message carried by out.
func postJSON[Resp any](ctx context.Context, c *Client, addr, path string, in any, errOf func(Resp) string) (Resp, error) {
	var out Resp
	body, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	status, b, err := c.do(ctx, http.MethodPost, c.url(addr, path), body)
	if err != nil {
		return out, err
	}
	_ = json.Unmarshal(b, &out)
	if status != http.StatusOK {
		if msg := errOf(out); msg != "" {
			return out, errors.New(msg)
		}
		return out, fmt.Errorf("%s status %d: %s", path, status, bytes.TrimSpace(b))
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	return c.get(ctx, addr, "/status")
}

func (c *Client) GetCensus(ctx context.Context, addr string, req transport.CensusRequest) ([]byte, error) {
	path := "/census"
	if req.ServiceGroup != "" {
		path += "?group=" + url.QueryEscape(req.ServiceGroup)
	}
	return c.get(ctx, addr, path)
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	return postJSON(ctx, c, addr, "/join", req, func(r transport.JoinResponse) string { return r.Error })
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	return postJSON(ctx, c, addr, "/leave", req, func(r transport.LeaveResponse) string { return r.Error })
}

func (c *Client) PostConfig(ctx context.Context, addr string, req transport.ApplyConfigRequest) (transport.WriteResponse, error) {
	return postJSON(ctx, c, addr, "/config", req, func(r transport.WriteResponse) string { return r.Error })
}

func (c *Client) PostFile(ctx context.Context, addr string, req transport.UploadFileRequest) (transport.WriteResponse, error) {
	return postJSON(ctx, c, addr, "/file", req, func(r transport.WriteResponse) string { return r.Error })
}

func (c *Client) PostFact(ctx context.Context, addr string, req transport.InjectFactRequest) (transport.InjectFactResponse, error) {
	return postJSON(ctx, c, addr, "/fact", req, func(r transport.InjectFactResponse) string { return r.Error })
}

var _ transport.RPCClient = (*Client)(nil)
