package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-dbpool/codel/internal/connector"
	"github.com/go-dbpool/codel/pkg/poolspec"
)

func newTestManager(t *testing.T, minConns int) (*Manager, *connector.Memory) {
	t.Helper()
	mem := connector.NewMemory()
	spec := poolspec.PoolSpec{
		ID:             "mgr-test",
		QueueTarget:    50 * time.Millisecond,
		QueueInterval:  time.Second,
		IdleInterval:   time.Hour,
		Timeout:        time.Second,
		MinConnections: minConns,
		MaxConnections: minConns,
	}
	m, err := NewManager(context.Background(), []poolspec.PoolSpec{spec},
		map[string]connector.Connector{spec.ID: mem})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m, mem
}

func TestManagerCheckoutCheckinRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 1)

	handle, _, _, err := m.Checkout(context.Background(), "mgr-test", Options{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	m.Checkin(handle, nil)

	// The same holder comes back on the next checkout.
	handle2, _, _, err := m.Checkout(context.Background(), "mgr-test", Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if handle2.Holder != handle.Holder {
		t.Fatal("expected the checked-in holder to be reused")
	}
	m.Checkin(handle2, nil)
}

func TestManagerUnknownPool(t *testing.T) {
	m, _ := newTestManager(t, 1)
	if _, _, _, err := m.Checkout(context.Background(), "nope", Options{}); err == nil {
		t.Fatal("expected an error for an unknown pool")
	}
}

func TestManagerDisconnectRespawnsConnection(t *testing.T) {
	m, _ := newTestManager(t, 1)

	handle, _, _, err := m.Checkout(context.Background(), "mgr-test", Options{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	m.Disconnect(handle, errors.New("backend went away"))

	// The Connector supplies a fresh connection, so a subsequent checkout
	// succeeds with a different holder.
	deadline := time.Now().Add(2 * time.Second)
	for {
		handle2, _, _, err := m.Checkout(context.Background(), "mgr-test",
			Options{Timeout: 200 * time.Millisecond})
		if err == nil {
			if handle2.Holder == handle.Holder {
				t.Fatal("disconnected holder must not be handed out again")
			}
			m.Checkin(handle2, nil)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no replacement holder appeared after disconnect: %v", err)
		}
	}
}

func TestManagerStopRetiresConnectionPermanently(t *testing.T) {
	m, _ := newTestManager(t, 1)

	handle, _, _, err := m.Checkout(context.Background(), "mgr-test", Options{})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	m.Stop(handle, errors.New("retiring"))

	time.Sleep(100 * time.Millisecond)
	broker, _ := m.Broker("mgr-test")
	stats := broker.Stats()
	if stats.Installed-stats.Destroyed != 0 {
		t.Fatalf("Stop must not respawn: installed=%d destroyed=%d", stats.Installed, stats.Destroyed)
	}

	// With the pool permanently drained, a no-queue checkout fails fast.
	_, _, _, err = m.Checkout(context.Background(), "mgr-test", Options{NoQueue: true})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != Unavailable {
		t.Fatalf("expected Unavailable from a drained pool, got %v", err)
	}
}
