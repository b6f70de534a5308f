package swift

import (
	"bytes"
	"context"
	stderr "errors"
	"io"
	"strings"
	"testing"

	"github.com/ncw/swift/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

type fakeStore struct {
	containers map[string]map[string][]byte
	headers    swift.Headers
	authed     bool
	authErr    error
	putHash    string
	putCheck   bool
}

func newFakeStore(containers ...string) *fakeStore {
	f := &fakeStore{containers: make(map[string]map[string][]byte)}
	for _, c := range containers {
		f.containers[c] = make(map[string][]byte)
	}
	return f
}

func (f *fakeStore) Authenticate(context.Context) error {
	if f.authErr != nil {
		return f.authErr
	}
	f.authed = true
	return nil
}

func (f *fakeStore) Authenticated() bool { return f.authed }
func (f *fakeStore) UnAuthenticate()     { f.authed = false }

func (f *fakeStore) ObjectNamesAll(_ context.Context, container string, opts *swift.ObjectsOpts) ([]string, error) {
	c, ok := f.containers[container]
	if !ok {
		return nil, swift.ContainerNotFound
	}
	var names []string
	for name := range c {
		if opts == nil || strings.HasPrefix(name, opts.Prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeStore) Open(_ context.Context, container, name string) (io.ReadCloser, swift.Headers, error) {
	c, ok := f.containers[container]
	if !ok {
		return nil, nil, swift.ContainerNotFound
	}
	data, ok := c[name]
	if !ok {
		return nil, nil, swift.ObjectNotFound
	}
	h := swift.Headers{"Content-Length": "4", "Content-Type": "text/plain", "Etag": "abc"}
	for k, v := range f.headers {
		h[k] = v
	}
	return io.NopCloser(bytes.NewReader(data)), h, nil
}

func (f *fakeStore) ObjectPut(_ context.Context, container, name string, contents io.Reader, checkHash bool, hash, _ string, h swift.Headers) (swift.Headers, error) {
	c, ok := f.containers[container]
	if !ok {
		return nil, swift.ContainerNotFound
	}
	data, _ := io.ReadAll(contents)
	c[name] = data
	f.putCheck, f.putHash, f.headers = checkHash, hash, h
	return swift.Headers{}, nil
}

func (f *fakeStore) ObjectDelete(_ context.Context, container, name string) error {
	c, ok := f.containers[container]
	if !ok {
		return swift.ContainerNotFound
	}
	if _, ok := c[name]; !ok {
		return swift.ObjectNotFound
	}
	delete(c, name)
	return nil
}

func (f *fakeStore) Object(_ context.Context, container, name string) (swift.Object, swift.Headers, error) {
	c, ok := f.containers[container]
	if !ok {
		return swift.Object{}, nil, swift.ContainerNotFound
	}
	if _, ok := c[name]; !ok {
		return swift.Object{}, nil, swift.ObjectNotFound
	}
	return swift.Object{Name: name}, swift.Headers{}, nil
}

func rackspaceAccount() storage.StorageAccount {
	return storage.StorageAccount{ID: "2", Username: "user", Password: "key", Type: storage.ProviderRackspace}
}

func TestProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("space")
	p := newProvider(rackspaceAccount(), store, Options{Logger: zap.NewNop()})

	require.NoError(t, p.PutContent(ctx, "space", "item", &provider.Content{
		Body:       io.NopCloser(strings.NewReader("data")),
		Checksum:   "8d777f385d3dfec8815d20f7496026dc",
		Properties: map[string]string{"owner": "x"},
	}))
	assert.True(t, store.putCheck)
	assert.Equal(t, "8d777f385d3dfec8815d20f7496026dc", store.putHash)
	assert.Equal(t, "x", store.headers["X-Object-Meta-Owner"])

	content, err := p.GetContent(ctx, "space", "item")
	require.NoError(t, err)
	defer content.Body.Close()
	data, err := io.ReadAll(content.Body)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
	assert.Equal(t, int64(4), content.Size)
	assert.Empty(t, content.Checksum, "a non-digest ETag is not reported")
	assert.Equal(t, "x", content.Properties["owner"])

	ids, err := p.ListContents(ctx, "space", "it")
	require.NoError(t, err)
	assert.Equal(t, []string{"item"}, ids)

	exists, err := p.ContentExists(ctx, "space", "item")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, p.DeleteContent(ctx, "space", "item"))
	exists, err = p.ContentExists(ctx, "space", "item")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProvider_ManifestETagIsNotVerified(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore("space")
	store.containers["space"]["segmented"] = []byte("data")
	store.headers = swift.Headers{"Etag": `"8d777f385d3dfec8815d20f7496026dc"`}
	p := newProvider(rackspaceAccount(), store, Options{Logger: zap.NewNop()})

	content, err := p.GetContent(ctx, "space", "segmented")
	require.NoError(t, err)
	assert.Empty(t, content.Checksum)

	require.NoError(t, p.PutContent(ctx, "space", "copy", content))
	assert.False(t, store.putCheck)
	assert.Empty(t, store.putHash)
}

func TestProvider_TranslateError(t *testing.T) {
	p := newProvider(rackspaceAccount(), newFakeStore(), Options{Logger: zap.NewNop()})

	tests := []struct {
		name       string
		err        error
		code       errors.ErrorCode
		structured bool
	}{
		{"object missing", swift.ObjectNotFound, errors.ErrCodeContentNotFound, true},
		{"container missing", swift.ContainerNotFound, errors.ErrCodeSpaceNotFound, true},
		{"auth failed", swift.AuthorizationFailed, errors.ErrCodeProviderRejected, true},
		{"bad request", &swift.Error{StatusCode: 400, Text: "bad"}, errors.ErrCodeProviderRejected, true},
		{"throttled", &swift.Error{StatusCode: 429, Text: "slow down"}, "", false},
		{"server error", &swift.Error{StatusCode: 503, Text: "down"}, "", false},
		{"transport", stderr.New("connection refused"), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.translateError(tt.err, "get", "space", "item")
			_, ok := errors.As(err)
			assert.Equal(t, tt.structured, ok)
			if tt.structured {
				assert.Equal(t, tt.code, errors.CodeOf(err))
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	store := newFakeStore()
	p := newProvider(rackspaceAccount(), store, Options{Logger: zap.NewNop()})

	require.NoError(t, p.HealthCheck(context.Background()))
	assert.True(t, store.authed)

	require.NoError(t, p.Close())
	assert.False(t, store.authed)

	store.authErr = swift.AuthorizationFailed
	err := p.HealthCheck(context.Background())
	assert.Equal(t, errors.ErrCodeProviderRejected, errors.CodeOf(err))
}

func TestNew_RequiresCredentials(t *testing.T) {
	account := rackspaceAccount()
	account.Password = ""
	_, err := New(account, Options{})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	p, err := New(rackspaceAccount(), Options{})
	require.NoError(t, err)
	assert.Equal(t, storage.ProviderRackspace, p.Type())
}
