package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/storage"
)

func TestBuiltin_CoversEveryProviderType(t *testing.T) {
	registry := Builtin(config.NewDefault().Providers, zap.NewNop())
	assert.Empty(t, registry.Missing())
	assert.Len(t, registry.Types(), len(storage.ProviderTypes()))
}

func TestInMemory_CoversEveryProviderType(t *testing.T) {
	registry := InMemory(provider.NewMemoryStore())
	assert.Empty(t, registry.Missing())
}

func TestBuiltin_RackspaceConstructs(t *testing.T) {
	registry := Builtin(config.NewDefault().Providers, zap.NewNop())
	ctor, err := registry.Lookup(storage.ProviderRackspace)
	require.NoError(t, err)

	p, err := ctor(context.Background(), storage.StorageAccount{
		ID: "7", Username: "u", Password: "k", Type: storage.ProviderRackspace,
	}, provider.Routing{})
	require.NoError(t, err)
	assert.Equal(t, "7", p.StoreID())
	assert.Equal(t, storage.ProviderRackspace, p.Type())
}
