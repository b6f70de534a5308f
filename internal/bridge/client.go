package bridge

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/storeroute/storeroute/internal/circuit"
	"github.com/storeroute/storeroute/internal/config"
	"github.com/storeroute/storeroute/internal/logging"
	"github.com/storeroute/storeroute/internal/provider"
	"github.com/storeroute/storeroute/pkg/errors"
	"github.com/storeroute/storeroute/pkg/retry"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Scheme     string
	Timeout    time.Duration
	Retry      retry.Config
	Breakers   *circuit.Manager
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// OptionsFrom derives client options from the bridge configuration.
func OptionsFrom(cfg config.BridgeConfig, logger *zap.Logger) ClientOptions {
	opts := ClientOptions{
		Scheme:  cfg.Scheme,
		Timeout: cfg.RequestTimeout,
		Retry: retry.Config{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.BaseDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Logger: logger,
	}
	if cfg.CircuitBreaker.Enabled {
		cb := circuit.DefaultConfig()
		if cfg.CircuitBreaker.FailureThreshold > 0 {
			cb.FailureThreshold = uint32(cfg.CircuitBreaker.FailureThreshold)
		}
		if cfg.CircuitBreaker.Timeout > 0 {
			cb.Timeout = cfg.CircuitBreaker.Timeout
		}
		opts.Breakers = circuit.NewManager(cb)
	}
	return opts
}

// Client calls snapshot bridges. One client serves every bridge endpoint;
// each endpoint gets its own circuit breaker.
type Client struct {
	http     *http.Client
	scheme   string
	timeout  time.Duration
	retryer  *retry.Retryer
	breakers *circuit.Manager
	logger   *zap.Logger
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	logger := logging.OrNamed(opts.Logger, "bridge")
	r := retry.New(opts.Retry).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		logger.Warn("bridge call failed, retrying",
			append([]zap.Field{zap.Int("attempt", attempt), zap.Duration("delay", delay)},
				logging.ErrorFields(err)...)...)
	})
	return &Client{
		http:     opts.HTTPClient,
		scheme:   opts.Scheme,
		timeout:  opts.Timeout,
		retryer:  r,
		breakers: opts.Breakers,
		logger:   logger,
	}
}

// Breakers returns the per-endpoint breakers, nil when breaking is off.
func (c *Client) Breakers() *circuit.Manager {
	return c.breakers
}

// CreateSnapshot asks the bridge at endpoint to create snapshotID. A bridge
// that already holds the snapshot answers 409, which counts as success.
func (c *Client) CreateSnapshot(ctx context.Context, endpoint provider.BridgeEndpoint, snapshotID string, params CreateSnapshotParameters) (*CreateSnapshotResult, error) {
	body, err := params.Serialize()
	if err != nil {
		return nil, err
	}

	target := url.URL{
		Scheme: c.scheme,
		Host:   endpoint.Address(),
		Path:   "/bridge/snapshot/" + snapshotID,
	}

	var result *CreateSnapshotResult
	err = c.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return c.execute(ctx, endpoint.Address(), func(ctx context.Context) error {
			var err error
			result, err = c.put(ctx, target.String(), endpoint, body)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if result.SnapshotID == "" {
		result.SnapshotID = snapshotID
	}

	c.logger.Info("snapshot requested",
		zap.String("snapshot_id", result.SnapshotID),
		zap.String("bridge", endpoint.Address()),
		zap.String("status", result.Status),
		zap.Bool("already_exists", result.AlreadyExists))
	return result, nil
}

func (c *Client) execute(ctx context.Context, address string, fn func(context.Context) error) error {
	if c.breakers == nil {
		return fn(ctx)
	}
	return c.breakers.Execute(ctx, "bridge/"+address, fn)
}

func (c *Client) put(ctx context.Context, target string, endpoint provider.BridgeEndpoint, body string) (*CreateSnapshotResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "build bridge request").
			WithComponent("bridge")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if endpoint.Username != "" {
		req.SetBasicAuth(endpoint.Username, endpoint.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
			return nil, errors.FromContext(err, "bridge call").WithComponent("bridge")
		}
		return nil, errors.Wrap(err, errors.ErrCodeProviderUnavailable, "bridge unreachable").
			WithComponent("bridge").
			WithContext("bridge", endpoint.Address())
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProviderUnavailable, "read bridge response").
			WithComponent("bridge")
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return &CreateSnapshotResult{AlreadyExists: true, Status: "EXISTS"}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := &CreateSnapshotResult{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, result); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeSerializationFailed, "decode bridge response").
					WithComponent("bridge")
			}
		}
		return result, nil
	default:
		return nil, statusError(resp.StatusCode, payload, endpoint)
	}
}

// statusError treats throttling, timeouts and server errors as transient
// and every other failure status as a refusal.
func statusError(status int, payload []byte, endpoint provider.BridgeEndpoint) error {
	code := errors.ErrCodeProviderRejected
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		code = errors.ErrCodeProviderUnavailable
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return errors.NewError(code, fmt.Sprintf("bridge returned %d: %s", status, msg)).
		WithComponent("bridge").
		WithContext("bridge", endpoint.Address()).
		WithContext("status", strconv.Itoa(status))
}
