package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solswap/execution-engine/discovery/inmem"
)

func TestRegisterService(t *testing.T) {
	registry := inmem.NewRegistry()
	ctx := context.Background()

	sr, err := RegisterService(ctx, registry, "engine-1", "execution-engine", "127.0.0.1:3000", testLogger())
	require.NoError(t, err)

	addrs, err := registry.Discover(ctx, "execution-engine")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:3000"}, addrs)

	// The background loop keeps the TTL check passing
	require.Eventually(t, func() bool {
		return registry.HealthCheck("engine-1", "execution-engine") == nil
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, sr.Deregister(ctx))

	addrs, err = registry.Discover(ctx, "execution-engine")
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestDeregisterUnknownService(t *testing.T) {
	registry := inmem.NewRegistry()
	assert.NoError(t, registry.Deregister(context.Background(), "ghost", "execution-engine"))
	assert.Error(t, registry.HealthCheck("ghost", "execution-engine"))
}
