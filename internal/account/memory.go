package account

import (
	"context"
	"sync"

	"github.com/storeroute/storeroute/pkg/errors"
)

// MemoryRepository is an in-process Repository used by the memory driver
// and by tests. Every lookup is counted.
type MemoryRepository struct {
	mu       sync.RWMutex
	accounts map[string]AccountInfo
	globals  []GlobalProperties
	lookups  map[string]int
	failWith map[string]error
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[string]AccountInfo),
		lookups:  make(map[string]int),
		failWith: make(map[string]error),
	}
}

// Put stores or replaces an account keyed by its subdomain.
func (r *MemoryRepository) Put(info AccountInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[info.Subdomain] = info
}

// Delete removes an account.
func (r *MemoryRepository) Delete(subdomain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, subdomain)
}

// SetGlobalProperties replaces the global property records.
func (r *MemoryRepository) SetGlobalProperties(props ...GlobalProperties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globals = append([]GlobalProperties(nil), props...)
}

// FailWith makes lookups of subdomain return err until cleared with nil.
func (r *MemoryRepository) FailWith(subdomain string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failWith, subdomain)
		return
	}
	r.failWith[subdomain] = err
}

// Lookups returns how many times subdomain was fetched.
func (r *MemoryRepository) Lookups(subdomain string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookups[subdomain]
}

// FindBySubdomain implements Repository.
func (r *MemoryRepository) FindBySubdomain(ctx context.Context, subdomain string) (*AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err, "find account")
	}

	r.mu.Lock()
	r.lookups[subdomain]++
	failure := r.failWith[subdomain]
	info, ok := r.accounts[subdomain]
	r.mu.Unlock()

	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCodeAccountNotFound, "no account for subdomain %q", subdomain).
			WithComponent("account")
	}

	out := info
	out.Secondaries = append([]StorageProviderAccount(nil), info.Secondaries...)
	return &out, nil
}

// GlobalProperties implements Repository.
func (r *MemoryRepository) GlobalProperties(ctx context.Context) ([]GlobalProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.FromContext(err, "global properties")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]GlobalProperties(nil), r.globals...), nil
}
