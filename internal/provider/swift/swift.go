// Package swift implements the Rackspace provider on OpenStack Swift.
// Each space is a container named after the space id.
package swift

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ncw/swift/v2"
	"go.uber.org/zap"

	rconfig "github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// DefaultAuthURL is the Rackspace identity endpoint.
const DefaultAuthURL = "https://identity.api.rackspacecloud.com/v2.0"

// objectStore is the subset of *swift.Connection a provider uses.
type objectStore interface {
	Authenticate(ctx context.Context) error
	Authenticated() bool
	UnAuthenticate()
	ObjectNamesAll(ctx context.Context, container string, opts *swift.ObjectsOpts) ([]string, error)
	Open(ctx context.Context, container, objectName string) (io.ReadCloser, swift.Headers, error)
	ObjectPut(ctx context.Context, container string, objectName string, contents io.Reader, checkHash bool, Hash string, contentType string, h swift.Headers) (swift.Headers, error)
	ObjectDelete(ctx context.Context, container string, objectName string) error
	Object(ctx context.Context, container string, objectName string) (swift.Object, swift.Headers, error)
}

// connection adapts *swift.Connection to objectStore.
type connection struct {
	*swift.Connection
}

func (c connection) Open(ctx context.Context, container, objectName string) (io.ReadCloser, swift.Headers, error) {
	file, headers, err := c.ObjectOpen(ctx, container, objectName, false, nil)
	if err != nil {
		return nil, nil, err
	}
	return file, headers, nil
}

// Options configures Swift providers.
type Options struct {
	AuthURL string
	Region  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// OptionsFrom derives provider options from the providers configuration.
func OptionsFrom(cfg rconfig.ProvidersConfig, logger *zap.Logger) Options {
	return Options{
		AuthURL: cfg.Swift.AuthURL,
		Region:  cfg.Swift.Region,
		Timeout: cfg.RequestTimeout,
		Logger:  logger,
	}
}

// Provider is a RACKSPACE handle.
type Provider struct {
	account storage.StorageAccount
	conn    objectStore
	logger  *zap.Logger
}

// Constructor returns a provider.Constructor for RACKSPACE accounts.
func Constructor(opts Options) provider.Constructor {
	return func(_ context.Context, account storage.StorageAccount, _ provider.Routing) (provider.Provider, error) {
		return New(account, opts)
	}
}

// New builds a provider. Authentication happens on first use.
func New(account storage.StorageAccount, opts Options) (*Provider, error) {
	if account.Username == "" || account.Password == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "Swift accounts need a username and API key").
			WithComponent("provider.swift").
			WithContext("store_id", account.ID)
	}
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}

	conn := &swift.Connection{
		UserName: account.Username,
		ApiKey:   account.Password,
		AuthUrl:  opts.AuthURL,
		Region:   opts.Region,
	}
	if opts.Timeout > 0 {
		conn.Timeout = opts.Timeout
	}
	return newProvider(account, connection{conn}, opts), nil
}

func newProvider(account storage.StorageAccount, conn objectStore, opts Options) *Provider {
	return &Provider{
		account: account,
		conn:    conn,
		logger:  logging.OrNamed(opts.Logger, "provider.swift").With(logging.StoreID(account.ID)),
	}
}

// Type implements provider.Provider.
func (p *Provider) Type() storage.ProviderType { return p.account.Type }

// StoreID implements provider.Provider.
func (p *Provider) StoreID() string { return p.account.ID }

// ListContents returns object names in the space's container.
func (p *Provider) ListContents(ctx context.Context, spaceID, prefix string) ([]string, error) {
	var opts *swift.ObjectsOpts
	if prefix != "" {
		opts = &swift.ObjectsOpts{Prefix: prefix}
	}
	names, err := p.conn.ObjectNamesAll(ctx, spaceID, opts)
	if err != nil {
		return nil, p.translateError(err, "list", spaceID, "")
	}
	return names, nil
}

// GetContent opens an object. The caller closes Body.
func (p *Provider) GetContent(ctx context.Context, spaceID, contentID string) (*provider.Content, error) {
	body, headers, err := p.conn.Open(ctx, spaceID, contentID)
	if err != nil {
		return nil, p.translateError(err, "get", spaceID, contentID)
	}

	size, _ := strconv.ParseInt(headers["Content-Length"], 10, 64)
	return &provider.Content{
		Body:        body,
		Size:        size,
		ContentType: headers["Content-Type"],
		Checksum:    provider.BodyMD5(headers["Etag"]),
		Properties:  headers.ObjectMetadata(),
	}, nil
}

// PutContent writes an object. Swift verifies the checksum when one is given.
func (p *Provider) PutContent(ctx context.Context, spaceID, contentID string, content *provider.Content) error {
	if content == nil || content.Body == nil {
		return errors.Newf(errors.ErrCodeValidationFailed, "no body for %s/%s", spaceID, contentID).
			WithComponent("provider.swift")
	}

	var headers swift.Headers
	if len(content.Properties) > 0 {
		headers = swift.Metadata(content.Properties).ObjectHeaders()
	}

	checksum := provider.BodyMD5(content.Checksum)
	_, err := p.conn.ObjectPut(ctx, spaceID, contentID, content.Body,
		checksum != "", checksum, content.ContentType, headers)
	if err != nil {
		return p.translateError(err, "put", spaceID, contentID)
	}
	return nil
}

// DeleteContent removes an object.
func (p *Provider) DeleteContent(ctx context.Context, spaceID, contentID string) error {
	if err := p.conn.ObjectDelete(ctx, spaceID, contentID); err != nil {
		return p.translateError(err, "delete", spaceID, contentID)
	}
	return nil
}

// ContentExists reports whether an object is present.
func (p *Provider) ContentExists(ctx context.Context, spaceID, contentID string) (bool, error) {
	_, _, err := p.conn.Object(ctx, spaceID, contentID)
	if err == nil {
		return true, nil
	}
	err = p.translateError(err, "exists", spaceID, contentID)
	if errors.CodeOf(err) == errors.ErrCodeContentNotFound {
		return false, nil
	}
	return false, err
}

// HealthCheck authenticates if needed.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if p.conn.Authenticated() {
		return nil
	}
	if err := p.conn.Authenticate(ctx); err != nil {
		return p.translateError(err, "authenticate", "", "")
	}
	return nil
}

// Close drops the auth token.
func (p *Provider) Close() error {
	p.conn.UnAuthenticate()
	return nil
}

func (p *Provider) translateError(err error, operation, spaceID, contentID string) error {
	switch {
	case stderr.Is(err, swift.ObjectNotFound):
		return errors.Newf(errors.ErrCodeContentNotFound, "content not found: %s/%s", spaceID, contentID).
			WithComponent("provider.swift").
			WithOperation(operation).
			WithCause(err)
	case stderr.Is(err, swift.ContainerNotFound):
		return errors.Newf(errors.ErrCodeSpaceNotFound, "space not found: %s", spaceID).
			WithComponent("provider.swift").
			WithOperation(operation).
			WithCause(err)
	case stderr.Is(err, swift.AuthorizationFailed), stderr.Is(err, swift.ObjectCorrupted):
		return errors.Wrap(err, errors.ErrCodeProviderRejected, operation+" rejected").
			WithComponent("provider.swift").
			WithOperation(operation)
	}

	var swiftErr *swift.Error
	if stderr.As(err, &swiftErr) && swiftErr.StatusCode >= 400 && swiftErr.StatusCode < 500 &&
		swiftErr.StatusCode != 408 && swiftErr.StatusCode != 429 {
		return errors.Wrap(err, errors.ErrCodeProviderRejected, operation+" rejected").
			WithComponent("provider.swift").
			WithOperation(operation).
			WithContext("status", strconv.Itoa(swiftErr.StatusCode))
	}
	return fmt.Errorf("swift %s %s: %w", operation, strings.Trim(spaceID+"/"+contentID, "/"), err)
}
