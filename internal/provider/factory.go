package provider

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Factory yields live handles for one tenant's accounts. Handles are built
// on first use, once per store id, and reused until Close.
type Factory struct {
	accounts  *storage.AccountManager
	registry  *Registry
	stateless *Stateless
	logger    *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

type handle struct {
	mu       sync.Mutex
	provider Provider
}

// NewFactory wraps a tenant's resolved accounts.
func NewFactory(accounts *storage.AccountManager, registry *Registry, stateless *Stateless, logger *zap.Logger) *Factory {
	return &Factory{
		accounts:  accounts,
		registry:  registry,
		stateless: stateless,
		logger:    logging.OrNamed(logger, "provider").With(logging.Tenant(accounts.AccountID)),
		handles:   make(map[string]*handle),
	}
}

// TenantID returns the tenant this factory serves.
func (f *Factory) TenantID() string {
	return f.accounts.AccountID
}

// Accounts returns the resolved account set.
func (f *Factory) Accounts() *storage.AccountManager {
	return f.accounts
}

// Stateless returns the shared account-agnostic operation path.
func (f *Factory) Stateless() *Stateless {
	return f.stateless
}

// Primary returns the handle for the tenant's primary store.
func (f *Factory) Primary(ctx context.Context) (Provider, error) {
	account, ok := f.accounts.Primary()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeStoreNotFound, "tenant has no primary store").
			WithComponent("provider").
			WithOperation("primary").
			WithContext("tenant", f.TenantID())
	}
	return f.get(ctx, account)
}

// Secondary returns the handle for a non-primary store.
func (f *Factory) Secondary(ctx context.Context, storeID string) (Provider, error) {
	account, ok := f.accounts.ByID(storeID)
	if !ok || account.Primary {
		return nil, f.storeNotFound("secondary", storeID)
	}
	return f.get(ctx, account)
}

// ByID returns the handle for any store of the tenant.
func (f *Factory) ByID(ctx context.Context, storeID string) (Provider, error) {
	account, ok := f.accounts.ByID(storeID)
	if !ok {
		return nil, f.storeNotFound("by_id", storeID)
	}
	return f.get(ctx, account)
}

func (f *Factory) storeNotFound(op, storeID string) error {
	return errors.Newf(errors.ErrCodeStoreNotFound, "store %s is not configured for tenant", storeID).
		WithComponent("provider").
		WithOperation(op).
		WithContext("tenant", f.TenantID()).
		WithContext("store_id", storeID)
}

func (f *Factory) get(ctx context.Context, account storage.StorageAccount) (Provider, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, f.closedError()
	}
	h, ok := f.handles[account.ID]
	if !ok {
		h = &handle{}
		f.handles[account.ID] = h
	}
	f.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.provider != nil {
		return h.provider, nil
	}

	construct, err := f.registry.Lookup(account.Type)
	if err != nil {
		return nil, err
	}

	routing := Routing{Host: f.accounts.Host, Port: f.accounts.Port, AccountID: f.accounts.AccountID}
	p, err := construct(ctx, account, routing)
	if err != nil {
		f.logger.Warn("provider construction failed",
			append([]zap.Field{logging.StoreID(account.ID), zap.String("provider_type", string(account.Type))},
				logging.ErrorFields(err)...)...)
		return nil, classify(ctx, err, "construct")
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		// Close ran while this handle was being built and could not see it.
		if err := p.Close(); err != nil {
			f.logger.Warn("closing provider built after factory close", logging.StoreID(account.ID), logging.Err(err))
		}
		return nil, f.closedError()
	}

	h.provider = p
	f.logger.Debug("provider constructed",
		logging.StoreID(account.ID),
		zap.String("provider_type", string(account.Type)))
	return p, nil
}

// The cache has replaced a closed factory; callers should fetch a fresh one.
func (f *Factory) closedError() error {
	return errors.NewError(errors.ErrCodeProviderUnavailable, "provider factory closed").
		WithComponent("provider").
		WithContext("tenant", f.TenantID())
}

// Close releases every constructed handle. It is safe to call more than once.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	handles := f.handles
	f.handles = nil
	f.mu.Unlock()

	var err error
	for _, h := range handles {
		h.mu.Lock()
		if h.provider != nil {
			err = multierr.Append(err, h.provider.Close())
			h.provider = nil
		}
		h.mu.Unlock()
	}
	return err
}
