package activity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noop(context.Context, *Context) (Result, error) {
	return Ok{}, nil
}

func TestRegistryCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("HttpRequest", HandlerFunc(noop)))

	_, ok := r.Lookup("httprequest")
	require.True(t, ok)
	_, ok = r.Lookup("HTTPREQUEST")
	require.True(t, ok)
	_, ok = r.Lookup("other")
	require.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("log", HandlerFunc(noop)))
	require.Error(t, r.Register("LOG", HandlerFunc(noop)))
}

func TestRegistryRejectsEmpty(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("", HandlerFunc(noop)))
	require.Error(t, r.Register("x", nil))
}

func TestRegistryTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("delay", HandlerFunc(noop)))
	require.NoError(t, r.Register("condition", HandlerFunc(noop)))
	require.Equal(t, []string{"condition", "delay"}, r.Types())
}
