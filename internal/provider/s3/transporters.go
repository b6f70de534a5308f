package s3

import (
	"sync"

	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

type transporterCache struct {
	mu    sync.Mutex
	build func(bucket string) *cargoships3.Transporter
	byKey map[string]*cargoships3.Transporter
}

func newTransporterCache(build func(bucket string) *cargoships3.Transporter) *transporterCache {
	return &transporterCache{build: build, byKey: make(map[string]*cargoships3.Transporter)}
}

func (c *transporterCache) get(bucket string) *cargoships3.Transporter {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byKey[bucket]
	if !ok {
		t = c.build(bucket)
		c.byKey[bucket] = t
	}
	return t
}
