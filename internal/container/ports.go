package container

import (
	"context"
	"sync"
	"time"

	"github.com/IITvamp/cmux/internal/controlplane"
)

// portCacheTTL amortizes repeated inspect calls. Ports are immutable after
// container start, so a short TTL is safe; the cache is invalidated only on
// an observed not-running state.
const portCacheTTL = 2 * time.Second

type portCache struct {
	mu      sync.Mutex
	ports   controlplane.PortMap
	fetched time.Time
}

// get returns cached ports when fresh, otherwise fetches via inspect. An
// inspect that finds the container not running clears the cache.
func (p *portCache) get(ctx context.Context, cli *Client, nameOrID string) (controlplane.PortMap, error) {
	p.mu.Lock()
	if !p.fetched.IsZero() && time.Since(p.fetched) < portCacheTTL {
		ports := p.ports
		p.mu.Unlock()
		return ports, nil
	}
	p.mu.Unlock()

	state, err := cli.InspectState(ctx, nameOrID)
	if err != nil {
		return controlplane.PortMap{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !state.Running {
		p.ports = controlplane.PortMap{}
		p.fetched = time.Time{}
		return controlplane.PortMap{}, nil
	}
	p.ports = state.Ports
	p.fetched = time.Now()
	return p.ports, nil
}

func (p *portCache) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ports = controlplane.PortMap{}
	p.fetched = time.Time{}
}
