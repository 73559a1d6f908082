package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirimatin/go-census/pkg/transport"
)

func testHandlers(t *testing.T) transport.Handlers {
	t.Helper()
	return transport.Handlers{
		Status: func(context.Context) ([]byte, error) { return []byte(`{"id":"n1"}`), nil },
		Census: func(_ context.Context, req transport.CensusRequest) ([]byte, error) {
			if req.ServiceGroup == "missing.prod" {
				return nil, errors.New("unknown service group")
			}
			return json.Marshal(map[string]string{"group": req.ServiceGroup})
		},
		Join: func(_ context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
			return transport.JoinResponse{Accepted: req.ID == "n2", Leader: "n1"}, nil
		},
		ApplyConfig: func(_ context.Context, req transport.ApplyConfigRequest) (transport.WriteResponse, error) {
			if req.Incarnation == 0 {
				return transport.WriteResponse{Leader: "n1"}, errors.New("incarnation required")
			}
			return transport.WriteResponse{Accepted: true}, nil
		},
		InjectFact: func(_ context.Context, req transport.InjectFactRequest) (transport.InjectFactResponse, error) {
			return transport.InjectFactResponse{Accepted: len(req.Envelope) > 0}, nil
		},
	}
}

func TestServerClientRoundTrip(t *testing.T) {
	ts := httptest.NewServer(Handler(testHandlers(t)))
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")
	c := NewClient(2 * time.Second)
	ctx := context.Background()

	st, err := c.GetStatus(ctx, addr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"n1"}`, string(st))

	cs, err := c.GetCensus(ctx, addr, transport.CensusRequest{ServiceGroup: "db.prod@acme"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"group":"db.prod@acme"}`, string(cs))

	_, err = c.GetCensus(ctx, addr, transport.CensusRequest{ServiceGroup: "missing.prod"})
	assert.ErrorContains(t, err, "404")

	jr, err := c.PostJoin(ctx, addr, transport.JoinRequest{ID: "n2", RaftAddr: "127.0.0.1:1"})
	require.NoError(t, err)
	assert.True(t, jr.Accepted)

	wr, err := c.PostConfig(ctx, addr, transport.ApplyConfigRequest{ServiceGroup: "db.prod", Incarnation: 1, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, wr.Accepted)

	wr, err = c.PostConfig(ctx, addr, transport.ApplyConfigRequest{ServiceGroup: "db.prod"})
	require.EqualError(t, err, "incarnation required")
	assert.Equal(t, "n1", wr.Leader)

	fr, err := c.PostFact(ctx, addr, transport.InjectFactRequest{Envelope: json.RawMessage(`{"kind":"health"}`)})
	require.NoError(t, err)
	assert.True(t, fr.Accepted)

	// nil handlers are reported as unsupported
	_, err = c.PostFile(ctx, addr, transport.UploadFileRequest{ServiceGroup: "db.prod", Filename: "a"})
	assert.ErrorContains(t, err, "501")
}

func TestHandler_MethodsAndHealth(t *testing.T) {
	h := Handler(testHandlers(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/join", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/join", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewServer("127.0.0.1:0", nil)
	require.NoError(t, s.Start(ctx, testHandlers(t)))
	addr := s.Addr()
	require.NotEqual(t, "127.0.0.1:0", addr)

	_, err := NewClient(time.Second).GetStatus(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}
