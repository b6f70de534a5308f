package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// MemoryStore keeps content for in-process providers, keyed by store id.
// It backs local runs and tests; handles built from the same store share data.
type MemoryStore struct {
	mu     sync.RWMutex
	stores map[string]map[string]map[string]memoryItem // store -> space -> content
	puts   map[string]int
	fail   map[string]error
}

type memoryItem struct {
	data        []byte
	contentType string
	props       map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stores: make(map[string]map[string]map[string]memoryItem),
		puts:   make(map[string]int),
		fail:   make(map[string]error),
	}
}

// Constructor returns a Constructor producing handles over this store.
func (m *MemoryStore) Constructor() Constructor {
	return func(_ context.Context, account storage.StorageAccount, _ Routing) (Provider, error) {
		p := &memoryProvider{store: m, account: account}
		if account.Type == storage.ProviderChronStage {
			endpoint, err := BridgeEndpointFor(account)
			if err != nil {
				return nil, err
			}
			return &bridgedMemoryProvider{memoryProvider: p, endpoint: endpoint}, nil
		}
		return p, nil
	}
}

// Puts returns how many writes storeID has received.
func (m *MemoryStore) Puts(storeID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts[storeID]
}

// FailWith makes every operation on storeID return err until cleared with nil.
func (m *MemoryStore) FailWith(storeID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, storeID)
		return
	}
	m.fail[storeID] = err
}

// Seed writes content directly, bypassing counters.
func (m *MemoryStore) Seed(storeID, spaceID, contentID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space(storeID, spaceID)[contentID] = memoryItem{data: append([]byte(nil), data...)}
}

func (m *MemoryStore) space(storeID, spaceID string) map[string]memoryItem {
	spaces, ok := m.stores[storeID]
	if !ok {
		spaces = make(map[string]map[string]memoryItem)
		m.stores[storeID] = spaces
	}
	items, ok := spaces[spaceID]
	if !ok {
		items = make(map[string]memoryItem)
		spaces[spaceID] = items
	}
	return items
}

type memoryProvider struct {
	store   *MemoryStore
	account storage.StorageAccount
}

func (p *memoryProvider) Type() storage.ProviderType { return p.account.Type }
func (p *memoryProvider) StoreID() string            { return p.account.ID }

func (p *memoryProvider) failure() error {
	return p.store.fail[p.account.ID]
}

func (p *memoryProvider) ListContents(ctx context.Context, spaceID, prefix string) ([]string, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	if err := p.failure(); err != nil {
		return nil, err
	}
	spaces := p.store.stores[p.account.ID]
	items, ok := spaces[spaceID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeSpaceNotFound, "space %s not found", spaceID).WithComponent("provider")
	}
	var ids []string
	for id := range items {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *memoryProvider) GetContent(ctx context.Context, spaceID, contentID string) (*Content, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	if err := p.failure(); err != nil {
		return nil, err
	}
	item, ok := p.store.stores[p.account.ID][spaceID][contentID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeContentNotFound, "content %s/%s not found", spaceID, contentID).
			WithComponent("provider")
	}
	sum := md5.Sum(item.data)
	return &Content{
		Body:        io.NopCloser(bytes.NewReader(item.data)),
		Size:        int64(len(item.data)),
		ContentType: item.contentType,
		Checksum:    hex.EncodeToString(sum[:]),
		Properties:  copyProps(item.props),
	}, nil
}

func (p *memoryProvider) PutContent(ctx context.Context, spaceID, contentID string, content *Content) error {
	data, err := io.ReadAll(content.Body)
	if err != nil {
		return err
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if err := p.failure(); err != nil {
		return err
	}
	p.store.space(p.account.ID, spaceID)[contentID] = memoryItem{
		data:        data,
		contentType: content.ContentType,
		props:       copyProps(content.Properties),
	}
	p.store.puts[p.account.ID]++
	return nil
}

func (p *memoryProvider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if err := p.failure(); err != nil {
		return err
	}
	items := p.store.stores[p.account.ID][spaceID]
	if _, ok := items[contentID]; !ok {
		return errors.Newf(errors.ErrCodeContentNotFound, "content %s/%s not found", spaceID, contentID).
			WithComponent("provider")
	}
	delete(items, contentID)
	return nil
}

func (p *memoryProvider) ContentExists(ctx context.Context, spaceID, contentID string) (bool, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	if err := p.failure(); err != nil {
		return false, err
	}
	_, ok := p.store.stores[p.account.ID][spaceID][contentID]
	return ok, nil
}

func (p *memoryProvider) HealthCheck(ctx context.Context) error {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.failure()
}

func (p *memoryProvider) Close() error { return nil }

type bridgedMemoryProvider struct {
	*memoryProvider
	endpoint BridgeEndpoint
}

func (p *bridgedMemoryProvider) Bridge() BridgeEndpoint { return p.endpoint }

func copyProps(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
