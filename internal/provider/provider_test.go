package provider

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeroute/storeroute/internal/circuit"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

func testAccounts() *storage.AccountManager {
	return storage.NewAccountManager("archive.example.org", "443", "acme", []storage.StorageAccount{
		{ID: "1", Type: storage.ProviderAmazonS3, Primary: true},
		{ID: "2", Type: storage.ProviderChronStage, Options: map[string]string{
			storage.OptBridgeHost: "bridge.example.org",
			storage.OptBridgePort: "8080",
			storage.OptBridgeUser: "bridge",
			storage.OptBridgePass: "secret",
		}},
	})
}

type countingRegistry struct {
	*Registry
	built atomic.Int32
}

func newCountingRegistry(store *MemoryStore) *countingRegistry {
	r := &countingRegistry{Registry: NewRegistry()}
	base := store.Constructor()
	counted := func(ctx context.Context, a storage.StorageAccount, rt Routing) (Provider, error) {
		r.built.Add(1)
		return base(ctx, a, rt)
	}
	for _, t := range storage.ProviderTypes() {
		r.Register(t, counted)
	}
	return r
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(storage.ProviderRackspace)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnsupportedProvider, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))

	r.Register(storage.ProviderRackspace, NewMemoryStore().Constructor())
	_, err = r.Lookup(storage.ProviderRackspace)
	assert.NoError(t, err)
	assert.Equal(t, []storage.ProviderType{storage.ProviderRackspace}, r.Types())
	assert.NotContains(t, r.Missing(), storage.ProviderRackspace)
	assert.Contains(t, r.Missing(), storage.ProviderAmazonS3)
}

func TestFactory_HandlesAreBuiltOncePerStore(t *testing.T) {
	reg := newCountingRegistry(NewMemoryStore())
	f := NewFactory(testAccounts(), reg.Registry, NewStateless(StatelessOptions{}), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make([]Provider, 20)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.Primary(ctx)
			assert.NoError(t, err)
			handles[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), reg.built.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}

	byID, err := f.ByID(ctx, "1")
	require.NoError(t, err)
	assert.Same(t, handles[0], byID)
}

func TestFactory_Secondary(t *testing.T) {
	f := NewFactory(testAccounts(), newCountingRegistry(NewMemoryStore()).Registry, NewStateless(StatelessOptions{}), nil)
	ctx := context.Background()

	p, err := f.Secondary(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, storage.ProviderChronStage, p.Type())

	bridged, ok := p.(Bridged)
	require.True(t, ok)
	assert.Equal(t, "bridge.example.org:8080", bridged.Bridge().Address())

	_, err = f.Secondary(ctx, "1")
	assert.Equal(t, errors.ErrCodeStoreNotFound, errors.CodeOf(err), "primary is not a secondary")

	_, err = f.Secondary(ctx, "99")
	assert.Equal(t, errors.ErrCodeStoreNotFound, errors.CodeOf(err))
}

func TestFactory_UnsupportedType(t *testing.T) {
	accounts := storage.NewAccountManager("h", "443", "acme", []storage.StorageAccount{
		{ID: "1", Type: storage.ProviderType("AZURE"), Primary: true},
	})
	f := NewFactory(accounts, NewRegistry(), NewStateless(StatelessOptions{}), nil)

	_, err := f.Primary(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnsupportedProvider, errors.CodeOf(err))
	assert.Equal(t, errors.CategoryConfiguration, errors.KindOf(err))
}

func TestFactory_Close(t *testing.T) {
	f := NewFactory(testAccounts(), newCountingRegistry(NewMemoryStore()).Registry, NewStateless(StatelessOptions{}), nil)
	ctx := context.Background()

	_, err := f.Primary(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Primary(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestBridgeEndpointFor(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]string
		wantErr bool
	}{
		{"complete", map[string]string{storage.OptBridgeHost: "h", storage.OptBridgePort: "8080"}, false},
		{"missing host", map[string]string{storage.OptBridgePort: "8080"}, true},
		{"missing port", map[string]string{storage.OptBridgeHost: "h"}, true},
		{"bad port", map[string]string{storage.OptBridgeHost: "h", storage.OptBridgePort: "http"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BridgeEndpointFor(storage.StorageAccount{ID: "2", Options: tt.options})
			if tt.wantErr {
				assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateless_Classification(t *testing.T) {
	store := NewMemoryStore()
	f := NewFactory(testAccounts(), newCountingRegistry(store).Registry, nil, nil)
	p, err := f.Primary(context.Background())
	require.NoError(t, err)

	s := NewStateless(StatelessOptions{Timeout: time.Second})

	store.FailWith("1", stderr.New("connection reset by peer"))
	err = s.Put(context.Background(), p, "space", "item", &Content{Body: io.NopCloser(bytes.NewReader(nil))})
	assert.Equal(t, errors.ErrCodeProviderUnavailable, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))

	store.FailWith("1", errors.NewError(errors.ErrCodeProviderRejected, "bad request"))
	_, err = s.Exists(context.Background(), p, "space", "item")
	assert.Equal(t, errors.ErrCodeProviderRejected, errors.CodeOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestStateless_BreakerOpensPerStore(t *testing.T) {
	store := NewMemoryStore()
	f := NewFactory(testAccounts(), newCountingRegistry(store).Registry, nil, nil)
	primary, err := f.Primary(context.Background())
	require.NoError(t, err)
	secondary, err := f.Secondary(context.Background(), "2")
	require.NoError(t, err)

	s := NewStateless(StatelessOptions{Breakers: circuit.NewManager(circuit.Config{FailureThreshold: 2})})
	store.FailWith("1", stderr.New("503"))

	for i := 0; i < 2; i++ {
		_ = s.Health(context.Background(), primary)
	}
	store.FailWith("1", nil)

	err = s.Health(context.Background(), primary)
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.NoError(t, s.Health(context.Background(), secondary))
}

func TestStateless_CopyAndDelete(t *testing.T) {
	store := NewMemoryStore()
	store.Seed("1", "photos", "a.jpg", []byte("jpeg-bytes"))
	f := NewFactory(testAccounts(), newCountingRegistry(store).Registry, nil, nil)
	ctx := context.Background()
	src, _ := f.Primary(ctx)
	dst, _ := f.Secondary(ctx, "2")

	s := NewStateless(StatelessOptions{})
	require.NoError(t, s.Copy(ctx, src, dst, "photos", "a.jpg"))

	got, err := s.Get(ctx, dst, "photos", "a.jpg")
	require.NoError(t, err)
	data, _ := io.ReadAll(got.Body)
	require.NoError(t, got.Body.Close())
	assert.Equal(t, "jpeg-bytes", string(data))

	ids, err := s.List(ctx, dst, "photos", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, ids)

	require.NoError(t, s.Delete(ctx, dst, "photos", "a.jpg"))
	require.NoError(t, s.Delete(ctx, dst, "photos", "a.jpg"), "deleting missing content succeeds")
}

func TestBodyMD5(t *testing.T) {
	tests := []struct {
		etag string
		want string
	}{
		{"8d777f385d3dfec8815d20f7496026dc", "8d777f385d3dfec8815d20f7496026dc"},
		{"8d777f385d3dfec8815d20f7496026dc-12", ""},
		{`"8d777f385d3dfec8815d20f7496026dc"`, ""},
		{"zz777f385d3dfec8815d20f7496026dc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BodyMD5(tt.etag), tt.etag)
	}
}

type closeCounter struct {
	Provider
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.Provider.Close()
}

func TestFactory_CloseDuringConstruction(t *testing.T) {
	store := NewMemoryStore()
	base := store.Constructor()
	var f *Factory
	var built *closeCounter

	reg := NewRegistry()
	reg.Register(storage.ProviderAmazonS3, func(ctx context.Context, a storage.StorageAccount, rt Routing) (Provider, error) {
		go func() { _ = f.Close() }()
		require.Eventually(t, func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.closed
		}, time.Second, time.Millisecond)

		p, err := base(ctx, a, rt)
		if err != nil {
			return nil, err
		}
		built = &closeCounter{Provider: p}
		return built, nil
	})
	f = NewFactory(testAccounts(), reg, NewStateless(StatelessOptions{}), nil)

	_, err := f.Primary(context.Background())
	assert.Equal(t, errors.ErrCodeProviderUnavailable, errors.CodeOf(err))
	require.NotNil(t, built)
	assert.Eventually(t, func() bool { return built.closes.Load() == 1 }, time.Second, time.Millisecond,
		"a handle built after close is released exactly once")
}
