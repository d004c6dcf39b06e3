package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is a dependency-free Connector for tests: it hands out fake
// connection handles without touching a network, so checkout-package
// tests can exercise install/checkout/checkin/disconnect without a real
// SQL Server.
type Memory struct {
	nextID atomic.Uint64

	mu       sync.Mutex
	failPing bool
	closed   map[uint64]bool
}

// Conn is the fake handle Memory.Connect produces.
type Conn struct {
	ID     uint64
	Resets int
}

// NewMemory constructs an empty Memory connector.
func NewMemory() *Memory {
	return &Memory{closed: make(map[uint64]bool)}
}

func (m *Memory) Connect(ctx context.Context) (any, error) {
	return &Conn{ID: m.nextID.Add(1)}, nil
}

func (m *Memory) Ping(ctx context.Context, conn any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPing {
		return fmt.Errorf("memory connector: simulated ping failure")
	}
	c := conn.(*Conn)
	if m.closed[c.ID] {
		return fmt.Errorf("memory connector: conn %d already closed", c.ID)
	}
	return nil
}

func (m *Memory) Reset(ctx context.Context, conn any) error {
	conn.(*Conn).Resets++
	return nil
}

func (m *Memory) Close(conn any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[conn.(*Conn).ID] = true
	return nil
}

// SetFailPing toggles whether subsequent Ping calls report failure, for
// exercising the idle-ping-dies-so-destroy-and-respawn path.
func (m *Memory) SetFailPing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPing = fail
}
