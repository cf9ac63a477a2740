package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolRegistryListOrder(t *testing.T) {
	r := NewToolRegistry()
	r.Register("b", "second", nil, func(ctx context.Context, args []byte) ([]byte, error) { return nil, nil })
	r.Register("a", "first", nil, func(ctx context.Context, args []byte) ([]byte, error) { return nil, nil })

	tools := r.List()
	require.Len(t, tools, 2)
	require.Equal(t, "b", tools[0].Name, "registration order, not lexical")
	require.Equal(t, "a", tools[1].Name)
}

func TestToolRegistryCall(t *testing.T) {
	r := NewToolRegistry()
	registerBuiltinTools(r)

	out, err := r.Call(context.Background(), "echo", []byte(`{"k":"v"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"k":"v"}`, string(out))

	info, err := r.Call(context.Background(), "host_info", nil)
	require.NoError(t, err)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(info, &parsed))
	require.Contains(t, parsed, "os")
}

func TestToolRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	_, err := r.Call(context.Background(), "nope", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown tool")
}
