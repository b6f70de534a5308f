// Package storage defines the resolved storage descriptors a tenant's
// provider factory is built from.
package storage

import (
	"sort"
	"strings"
)

// ProviderType identifies a storage backend implementation.
type ProviderType string

const (
	ProviderAmazonS3      ProviderType = "AMAZON_S3"
	ProviderAmazonGlacier ProviderType = "AMAZON_GLACIER"
	ProviderRackspace     ProviderType = "RACKSPACE"
	ProviderChronStage    ProviderType = "CHRON_STAGE"
)

// ProviderTypes returns every provider type the system knows about.
func ProviderTypes() []ProviderType {
	return []ProviderType{
		ProviderAmazonS3,
		ProviderAmazonGlacier,
		ProviderRackspace,
		ProviderChronStage,
	}
}

// ParseProviderType accepts any casing of a known provider type.
func ParseProviderType(s string) (ProviderType, bool) {
	t := ProviderType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range ProviderTypes() {
		if t == known {
			return t, true
		}
	}
	return t, false
}

// CDNEligible reports whether accounts of this type receive the global CDN options.
func (t ProviderType) CDNEligible() bool {
	return t == ProviderAmazonS3
}

// Option keys recognized in a StorageAccount's option map.
const (
	OptStorageClass = "storage-class"

	OptBridgeHost = "bridge-host"
	OptBridgePort = "bridge-port"
	OptBridgeUser = "bridge-user"
	OptBridgePass = "bridge-pass"

	OptCDNAccountID = "cdn-account-id"
	OptCDNKeyID     = "cdn-key-id"
	OptCDNKeyPath   = "cdn-key-path"
)

// CDNOptions lists the keys populated from global properties.
var CDNOptions = []string{OptCDNAccountID, OptCDNKeyID, OptCDNKeyPath}

// StorageAccount is the resolved descriptor for one backend of a tenant.
type StorageAccount struct {
	ID       string
	Username string
	Password string
	Type     ProviderType
	Primary  bool
	OwnerID  string
	Options  map[string]string
}

// Option returns the value stored under key, or "".
func (a StorageAccount) Option(key string) string {
	return a.Options[key]
}

// HasCDNOptions reports whether any CDN key is present.
func (a StorageAccount) HasCDNOptions() bool {
	for _, k := range CDNOptions {
		if _, ok := a.Options[k]; ok {
			return true
		}
	}
	return false
}

// Masked returns a copy safe for display: the password and any
// password-like option are replaced.
func (a StorageAccount) Masked() StorageAccount {
	out := a
	if out.Password != "" {
		out.Password = "****"
	}
	out.Options = make(map[string]string, len(a.Options))
	for k, v := range a.Options {
		if strings.HasSuffix(k, "-pass") || strings.HasSuffix(k, "-secret") {
			v = "****"
		}
		out.Options[k] = v
	}
	return out
}

// AccountManager is the ordered set of resolved accounts for one tenant
// plus the routing context the provider factory needs.
type AccountManager struct {
	Host      string
	Port      string
	AccountID string

	accounts []StorageAccount
	byID     map[string]int
}

// NewAccountManager returns a manager holding accounts in the given order.
func NewAccountManager(host, port, accountID string, accounts []StorageAccount) *AccountManager {
	m := &AccountManager{
		Host:      host,
		Port:      port,
		AccountID: accountID,
		accounts:  make([]StorageAccount, len(accounts)),
		byID:      make(map[string]int, len(accounts)),
	}
	copy(m.accounts, accounts)
	for i, a := range m.accounts {
		m.byID[a.ID] = i
	}
	return m
}

// Primary returns the primary account. ok is false only for an empty manager.
func (m *AccountManager) Primary() (StorageAccount, bool) {
	for _, a := range m.accounts {
		if a.Primary {
			return a, true
		}
	}
	return StorageAccount{}, false
}

// ByID returns the account with the given store id.
func (m *AccountManager) ByID(id string) (StorageAccount, bool) {
	i, ok := m.byID[id]
	if !ok {
		return StorageAccount{}, false
	}
	return m.accounts[i], true
}

// Accounts returns a copy of every account in resolution order.
func (m *AccountManager) Accounts() []StorageAccount {
	out := make([]StorageAccount, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// SecondaryIDs returns the store ids of the non-primary accounts, sorted.
func (m *AccountManager) SecondaryIDs() []string {
	var ids []string
	for _, a := range m.accounts {
		if !a.Primary {
			ids = append(ids, a.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of accounts.
func (m *AccountManager) Len() int {
	return len(m.accounts)
}
