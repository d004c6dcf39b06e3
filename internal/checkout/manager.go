package checkout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-dbpool/codel/internal/connector"
	"github.com/go-dbpool/codel/internal/metrics"
	"github.com/go-dbpool/codel/pkg/poolspec"
)

// Manager owns one Broker per configured pool and is the entry point a
// process wires its query layer and Connector supervision against.
type Manager struct {
	mu      sync.RWMutex
	brokers map[string]*Broker
	conns   map[string]connector.Connector
}

// NewManager builds a Broker and eagerly installs MinConnections Holders
// for every PoolSpec, using the matching entry in conns (keyed by
// PoolSpec.ID) as that pool's Connector.
func NewManager(ctx context.Context, specs []poolspec.PoolSpec, conns map[string]connector.Connector) (*Manager, error) {
	m := &Manager{
		brokers: make(map[string]*Broker, len(specs)),
		conns:   conns,
	}

	for i := range specs {
		spec := &specs[i]
		conn, ok := conns[spec.ID]
		if !ok {
			m.Close()
			return nil, fmt.Errorf("checkout: no connector registered for pool %s", spec.ID)
		}

		broker := NewBroker(BrokerConfig{
			Pool:           spec.ID,
			QueueTarget:    spec.QueueTarget,
			QueueInterval:  spec.QueueInterval,
			IdleInterval:   spec.IdleInterval,
			DefaultTimeout: spec.Timeout,
			Pinger:         pingerAdapter{conn},
			Resetter:       resetterAdapter{conn},
			OnHolderLost:   m.holderLostFunc(spec.ID),
		})
		m.brokers[spec.ID] = broker

		for i := 0; i < spec.MinConnections; i++ {
			if err := m.installOne(ctx, spec.ID); err != nil {
				log.Printf("[checkout] pool %s: warm connection %d/%d failed: %v",
					spec.ID, i+1, spec.MinConnections, err)
			}
		}
		log.Printf("[checkout] pool %s: manager initialized", spec.ID)
	}

	return m, nil
}

// pingerAdapter bridges connector.Connector's any-typed Ping method to
// the Pinger interface the Broker expects, which speaks in the package's
// own named ConnRef type.
type pingerAdapter struct{ c connector.Connector }

func (p pingerAdapter) Ping(ctx context.Context, conn ConnRef) error {
	return p.c.Ping(ctx, conn)
}

// resetterAdapter bridges connector.Connector's any-typed Reset method to
// the Resetter interface the Broker expects, analogous to pingerAdapter.
type resetterAdapter struct{ c connector.Connector }

func (r resetterAdapter) Reset(ctx context.Context, conn ConnRef) error {
	return r.c.Reset(ctx, conn)
}

func (m *Manager) installOne(ctx context.Context, poolID string) error {
	m.mu.RLock()
	conn := m.conns[poolID]
	broker := m.brokers[poolID]
	m.mu.RUnlock()

	live, err := conn.Connect(ctx)
	if err != nil {
		metrics.ConnectorErrors.WithLabelValues(poolID, "connect").Inc()
		return fmt.Errorf("connecting for pool %s: %w", poolID, err)
	}
	broker.Install(live, "default", nil)
	return nil
}

// holderLostFunc returns the OnHolderLost callback wired into a pool's
// Broker: it closes the torn-down connection and, unless the teardown
// was a permanent Stop, asks the Connector for a fresh one so the pool's
// capacity doesn't silently shrink.
func (m *Manager) holderLostFunc(poolID string) func(conn ConnRef, err error, respawn bool) {
	return func(conn ConnRef, cause error, respawn bool) {
		m.mu.RLock()
		c := m.conns[poolID]
		m.mu.RUnlock()
		if c != nil && conn != nil {
			if err := c.Close(conn); err != nil {
				log.Printf("[checkout] pool %s: closing torn-down connection: %v", poolID, err)
			}
		}
		if !respawn {
			log.Printf("[checkout] pool %s: worker stopped permanently (%v)", poolID, cause)
			return
		}
		log.Printf("[checkout] pool %s: connection lost (%v), respawning", poolID, cause)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.installOne(ctx, poolID); err != nil {
			log.Printf("[checkout] pool %s: respawn failed: %v", poolID, err)
		}
	}
}

// Checkout routes to the named pool's Broker.
func (m *Manager) Checkout(ctx context.Context, poolID string, opts Options) (*Handle, string, any, error) {
	broker, ok := m.Broker(poolID)
	if !ok {
		return nil, "", nil, fmt.Errorf("checkout: unknown pool %s", poolID)
	}
	return broker.Checkout(ctx, opts)
}

// Checkin routes a Handle back to its owning pool's Broker.
func (m *Manager) Checkin(h *Handle, newState any) {
	if h == nil {
		return
	}
	if broker, ok := m.Broker(h.Pool); ok {
		broker.Checkin(h, newState)
	}
}

// Disconnect routes a Handle's teardown to its owning pool's Broker.
func (m *Manager) Disconnect(h *Handle, err error) {
	if h == nil {
		return
	}
	if broker, ok := m.Broker(h.Pool); ok {
		broker.Disconnect(h, err)
	}
}

// Stop routes a Handle's permanent worker stop to its owning pool's
// Broker.
func (m *Manager) Stop(h *Handle, err error) {
	if h == nil {
		return
	}
	if broker, ok := m.Broker(h.Pool); ok {
		broker.Stop(h, err)
	}
}

// Broker returns the named pool's Broker.
func (m *Manager) Broker(poolID string) (*Broker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.brokers[poolID]
	return b, ok
}

// Stats returns a snapshot for every managed pool.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.brokers))
	for _, b := range m.brokers {
		out = append(out, b.Stats())
	}
	return out
}

// Close stops every pool's Broker.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.brokers {
		b.Close()
		log.Printf("[checkout] pool %s: broker closed", id)
	}
	m.brokers = nil
	return nil
}
