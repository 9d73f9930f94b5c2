package manager

import (
	"context"
	"fmt"
	"math/rand"
)

// allocatePort claims a free host port from the configured range. The
// scan starts at a random offset so concurrent workers spread their
// claims instead of racing on the same low ports; the store's atomic
// claim is what actually guarantees disjointness.
func (m *Manager) allocatePort(ctx context.Context) (int, error) {
	span := m.cfg.PortRangeEnd - m.cfg.PortRangeStart + 1
	offset := rand.Intn(span)

	for i := 0; i < span; i++ {
		port := m.cfg.PortRangeStart + (offset+i)%span
		ok, err := m.store.ClaimPort(ctx, port)
		if err != nil {
			return 0, fmt.Errorf("claim port: %w", err)
		}
		if ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", m.cfg.PortRangeStart, m.cfg.PortRangeEnd)
}
