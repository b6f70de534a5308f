// Package resolver turns a tenant id into a provider factory: Builder reads
// the account repository and Cache keeps one factory per tenant.
package resolver

import (
	"context"
	stderr "errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/account"
	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Repository   account.Repository
	Registry     *provider.Registry
	Stateless    *provider.Stateless
	Instance     config.InstanceConfig
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

// Builder resolves a tenant's storage descriptors from the account
// repository. It does not cache.
type Builder struct {
	repo      account.Repository
	registry  *provider.Registry
	stateless *provider.Stateless
	instance  config.InstanceConfig
	timeout   time.Duration
	logger    *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.Stateless == nil {
		opts.Stateless = provider.NewStateless(provider.StatelessOptions{Logger: opts.Logger})
	}
	return &Builder{
		repo:      opts.Repository,
		registry:  opts.Registry,
		stateless: opts.Stateless,
		instance:  opts.Instance,
		timeout:   opts.QueryTimeout,
		logger:    logging.OrNamed(opts.Logger, "resolver"),
	}
}

// Build resolves tenantID and wraps the result in a new factory.
func (b *Builder) Build(ctx context.Context, tenantID string) (*provider.Factory, error) {
	accounts, err := b.Descriptors(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return provider.NewFactory(accounts, b.registry, b.stateless, b.logger), nil
}

// Descriptors resolves tenantID into its ordered account set: the primary
// first, then the secondaries in repository order.
func (b *Builder) Descriptors(ctx context.Context, tenantID string) (*storage.AccountManager, error) {
	qctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	info, err := b.repo.FindBySubdomain(qctx, tenantID)
	if err != nil {
		return nil, repositoryError(qctx, err, "find account").WithContext("tenant", tenantID)
	}

	accounts := make([]storage.StorageAccount, 0, 1+len(info.Secondaries))
	accounts = append(accounts, descriptor(info.Primary, true))
	for _, secondary := range info.Secondaries {
		accounts = append(accounts, descriptor(secondary, false))
	}

	if needsGlobals(accounts) {
		globals, err := b.repo.GlobalProperties(qctx)
		if err != nil {
			return nil, repositoryError(qctx, err, "global properties").WithContext("tenant", tenantID)
		}
		if len(globals) > 0 {
			for i := range accounts {
				if accounts[i].Type.CDNEligible() {
					applyCDN(&accounts[i], globals[0])
				}
			}
		}
	}

	b.logger.Debug("resolved storage accounts",
		logging.Tenant(tenantID),
		zap.Int("accounts", len(accounts)))

	return storage.NewAccountManager(b.instance.Host, b.instance.Port, tenantID, accounts), nil
}

func descriptor(src account.StorageProviderAccount, primary bool) storage.StorageAccount {
	options := make(map[string]string, len(src.Properties)+len(storage.CDNOptions))
	for k, v := range src.Properties {
		options[k] = v
	}
	return storage.StorageAccount{
		ID:       strconv.FormatInt(src.ID, 10),
		Username: src.Username,
		Password: src.Password,
		Type:     src.ProviderType,
		Primary:  primary,
		Options:  options,
	}
}

func needsGlobals(accounts []storage.StorageAccount) bool {
	for _, a := range accounts {
		if a.Type.CDNEligible() {
			return true
		}
	}
	return false
}

func applyCDN(a *storage.StorageAccount, g account.GlobalProperties) {
	a.Options[storage.OptCDNAccountID] = g.CDNAccountID
	a.Options[storage.OptCDNKeyID] = g.CDNKeyID
	a.Options[storage.OptCDNKeyPath] = g.CDNKeyPath
}

// repositoryError keeps classified errors and maps the rest to timeouts or
// repository failures.
func repositoryError(ctx context.Context, err error, op string) *errors.Error {
	if e, ok := errors.As(err); ok {
		return e
	}
	if stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
		return errors.FromContext(err, op).WithComponent("resolver")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.FromContext(ctxErr, op).WithComponent("resolver")
	}
	return errors.Wrap(err, errors.ErrCodeRepositoryFailure, op+" failed").WithComponent("resolver")
}
