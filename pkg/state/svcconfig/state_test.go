package svcconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	base "github.com/amirimatin/go-census/pkg/state"
)

func TestState_IncarnationGating(t *testing.T) {
	s := New()
	ok, err := s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "db.prod", Incarnation: 2, Body: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.True(t, ok)
	v := s.Version()

	ok, err = s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "db.prod", Incarnation: 2, Body: []byte(`{"a":2}`)})
	require.NoError(t, err)
	assert.False(t, ok, "equal incarnation is ignored")
	ok, err = s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "db.prod", Incarnation: 1, Body: []byte(`{"a":3}`)})
	require.NoError(t, err)
	assert.False(t, ok, "older incarnation is ignored")
	assert.Equal(t, v, s.Version())

	c, found := s.ServiceConfig("db.prod")
	require.True(t, found)
	assert.Equal(t, `{"a":1}`, string(c.Body))

	ok, err = s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "db.prod", Incarnation: 3, Body: []byte(`{"a":4}`)})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, s.Version(), v)
}

func TestState_ServiceFiles(t *testing.T) {
	s := New()
	for _, f := range []base.ServiceFile{
		{ServiceGroup: "db.prod", Filename: "tls.key", Incarnation: 1, Body: []byte("k1")},
		{ServiceGroup: "db.prod", Filename: "ca.pem", Incarnation: 1, Body: []byte("ca")},
		{ServiceGroup: "db.prod", Filename: "tls.key", Incarnation: 2, Body: []byte("k2")},
		{ServiceGroup: "web.prod", Filename: "index.html", Incarnation: 7, Body: []byte("<p>")},
	} {
		ok, err := s.ApplySetServiceFile(f)
		require.NoError(t, err)
		assert.True(t, ok, f.Filename)
	}
	files := s.ServiceFiles("db.prod")
	require.Len(t, files, 2)
	assert.Equal(t, "ca.pem", files[0].Filename)
	assert.Equal(t, "tls.key", files[1].Filename)
	assert.Equal(t, uint64(2), files[1].Incarnation)
	assert.Equal(t, "k2", string(files[1].Body))

	files[1].Body[0] = 'x'
	assert.Equal(t, "k2", string(s.ServiceFiles("db.prod")[1].Body), "readers get copies")
}

func TestState_RejectsInvalidInput(t *testing.T) {
	s := New()
	_, err := s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "nodot"})
	require.Error(t, err)
	for _, name := range []string{"", ".", "..", "../etc/passwd", "a/b"} {
		_, err = s.ApplySetServiceFile(base.ServiceFile{ServiceGroup: "db.prod", Filename: name, Incarnation: 1})
		assert.ErrorIs(t, err, base.ErrInvalidFilename, name)
	}
	assert.Equal(t, uint64(0), s.Version())
}

func TestState_SnapshotRestore(t *testing.T) {
	s := New()
	_, err := s.ApplySetServiceConfig(base.ServiceConfig{ServiceGroup: "db.prod@acme", Incarnation: 1, Body: []byte("x = 1")})
	require.NoError(t, err)
	_, err = s.ApplySetServiceFile(base.ServiceFile{ServiceGroup: "db.prod@acme", Filename: "f", Incarnation: 4, Body: []byte("body")})
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	s2 := New()
	require.NoError(t, s2.Restore(snap))
	snap2, err := s2.Snapshot()
	require.NoError(t, err)
	assert.JSONEq(t, string(snap), string(snap2))
	assert.NotZero(t, s2.Version())

	c, ok := s2.ServiceConfig("db.prod@acme")
	require.True(t, ok)
	assert.Equal(t, "x = 1", string(c.Body))

	assert.Error(t, s2.Restore([]byte(`{"version":9}`)))
}
