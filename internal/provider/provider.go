// Package provider turns resolved storage descriptors into live backend
// handles. Construction is dispatched through a Registry keyed by provider
// type; a Factory holds the handles for one tenant.
package provider

import (
	"context"
	"encoding/hex"
	"io"
	"sort"
	"sync"

	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Content is a stored item. Body is nil for metadata-only results.
type Content struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
	// Checksum is the hex MD5 of Body, empty when the backend cannot vouch
	// for one.
	Checksum   string
	Properties map[string]string
}

// BodyMD5 returns etag when it is a plain hex MD5 digest and "" otherwise.
// Multipart, manifest and KMS-encrypted objects carry ETags that are not
// digests of the body.
func BodyMD5(etag string) string {
	if len(etag) != 32 {
		return ""
	}
	if _, err := hex.DecodeString(etag); err != nil {
		return ""
	}
	return etag
}

// Provider is a live handle on one tenant backend.
type Provider interface {
	Type() storage.ProviderType
	StoreID() string

	ListContents(ctx context.Context, spaceID, prefix string) ([]string, error)
	GetContent(ctx context.Context, spaceID, contentID string) (*Content, error)
	PutContent(ctx context.Context, spaceID, contentID string, content *Content) error
	DeleteContent(ctx context.Context, spaceID, contentID string) error
	ContentExists(ctx context.Context, spaceID, contentID string) (bool, error)
	HealthCheck(ctx context.Context) error

	Close() error
}

// Routing is the per-tenant context every constructor receives.
type Routing struct {
	Host      string
	Port      string
	AccountID string
}

// Constructor builds a handle for one account.
type Constructor func(ctx context.Context, account storage.StorageAccount, routing Routing) (Provider, error)

// Registry maps provider types to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[storage.ProviderType]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[storage.ProviderType]Constructor)}
}

// Register adds or replaces the constructor for t.
func (r *Registry) Register(t storage.ProviderType, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = c
}

// Lookup returns the constructor for t, or CONFIG_UNSUPPORTED_PROVIDER.
func (r *Registry) Lookup(t storage.ProviderType) (Constructor, error) {
	r.mu.RLock()
	c, ok := r.constructors[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedProvider, "unsupported provider type: %s", t).
			WithComponent("provider")
	}
	return c, nil
}

// Types returns the registered provider types, sorted.
func (r *Registry) Types() []storage.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]storage.ProviderType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Missing returns the known provider types that have no constructor.
func (r *Registry) Missing() []storage.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []storage.ProviderType
	for _, t := range storage.ProviderTypes() {
		if _, ok := r.constructors[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}
