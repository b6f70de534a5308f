package provider

import (
	"net"
	"strconv"

	"github.com/storeroute/storeroute/internal/storage"
	"github.com/storeroute/storeroute/pkg/errors"
)

// BridgeEndpoint is where a staging store's snapshot bridge listens.
type BridgeEndpoint struct {
	Host     string
	Port     string
	Username string
	Password string
}

// Address returns host:port.
func (e BridgeEndpoint) Address() string {
	return net.JoinHostPort(e.Host, e.Port)
}

// Bridged is implemented by providers that sit in front of a snapshot bridge.
type Bridged interface {
	Bridge() BridgeEndpoint
}

// BridgeEndpointFor reads the bridge-* options of a staging account.
func BridgeEndpointFor(account storage.StorageAccount) (BridgeEndpoint, error) {
	e := BridgeEndpoint{
		Host:     account.Option(storage.OptBridgeHost),
		Port:     account.Option(storage.OptBridgePort),
		Username: account.Option(storage.OptBridgeUser),
		Password: account.Option(storage.OptBridgePass),
	}

	invalid := func(msg string) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, msg).
			WithComponent("provider").
			WithContext("store_id", account.ID)
	}

	if e.Host == "" {
		return BridgeEndpoint{}, invalid("bridge-host option is required")
	}
	if e.Port == "" {
		return BridgeEndpoint{}, invalid("bridge-port option is required")
	}
	if p, err := strconv.Atoi(e.Port); err != nil || p <= 0 || p > 65535 {
		return BridgeEndpoint{}, invalid("bridge-port option must be a port number")
	}
	return e, nil
}
