package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{" b:2", "a:1", "", "b:2", "me:1"}, "me:1")
	assert.Equal(t, []string{"a:1", "b:2"}, got)
	assert.Empty(t, Normalize(nil, ""))
}

func TestFunc(t *testing.T) {
	d := Func(func(context.Context) ([]string, error) { return []string{"x:1"}, nil })
	got, err := d.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x:1"}, got)
}
