// Package account is the read-only view of tenant account records and the
// process-wide global properties.
package account

import (
	"context"

	"github.com/storeroute/storeroute/internal/storage"
)

// AccountInfo is a tenant with its primary and secondary provider accounts.
type AccountInfo struct {
	ID          int64
	Subdomain   string
	Primary     StorageProviderAccount
	Secondaries []StorageProviderAccount
}

// StorageProviderAccount holds raw backend credentials as stored.
type StorageProviderAccount struct {
	ID           int64
	Username     string
	Password     string
	ProviderType storage.ProviderType
	Properties   map[string]string
}

// GlobalProperties are rarely changing settings applied to CDN-eligible accounts.
type GlobalProperties struct {
	CDNAccountID string
	CDNKeyID     string
	CDNKeyPath   string
}

// Repository looks up tenant accounts. Implementations return an
// ACCOUNT_NOT_FOUND error for unknown tenants and REPOSITORY_FAILURE for
// anything else that goes wrong talking to the backing store.
type Repository interface {
	FindBySubdomain(ctx context.Context, subdomain string) (*AccountInfo, error)
	GlobalProperties(ctx context.Context) ([]GlobalProperties, error)
}
