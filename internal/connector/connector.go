// Package connector defines the boundary between the checkout broker and
// however a live connection actually gets established. internal/checkout
// only ever deals in the opaque checkout.ConnRef it receives from
// Install; this package is what produces one.
package connector

import "context"

// Connector establishes, health-checks, resets, and tears down the
// connections a pool's Broker hands out. The broker calls none of these
// directly — a supervising Manager does, wiring Connect's result into
// checkout.Broker.Install and Ping into the broker's idle-check hook.
type Connector interface {
	// Connect opens one new live connection.
	Connect(ctx context.Context) (conn any, err error)

	// Ping health-checks an idle connection. A non-nil error means the
	// connection is no longer usable and should be discarded.
	Ping(ctx context.Context, conn any) error

	// Reset clears per-session state before a connection is reused for a
	// new checkout (e.g. sp_reset_connection).
	Reset(ctx context.Context, conn any) error

	// Close releases a connection permanently.
	Close(conn any) error
}
