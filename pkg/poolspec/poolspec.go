// Package poolspec defines the configuration model for a single named
// connection pool: its CoDel queue-discipline parameters and the backend
// coordinates handed to its Connector.
package poolspec

import "time"

// PoolSpec describes one independently-operated checkout broker.
//
// Multiple independent pools are supported by the Manager (see
// internal/checkout); each one gets its own PoolSpec, Broker goroutine,
// Ready/Wait Queue and CoDel state.
type PoolSpec struct {
	// ID names the pool. Used as a label on every metric and log line,
	// and as the routing key clients pass to Manager.Checkout.
	ID string `yaml:"id"`

	// QueueTarget is the acceptable head-of-line delay; waits
	// persistently above it put the CoDel controller into slow mode.
	QueueTarget time.Duration `yaml:"queue_target"`

	// QueueInterval is the CoDel measurement window.
	QueueInterval time.Duration `yaml:"queue_interval"`

	// IdleInterval is the period between idle-connection pings.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// Timeout is the default checkout wait timeout when the caller does
	// not supply one. 0 means no pool default: a checkout that supplies
	// neither a timeout nor a deadline then waits without bound.
	// config.Load sets 5s when the field is unset.
	Timeout time.Duration `yaml:"timeout"`

	// WatchdogMode selects how client liveness is tracked: "local" (the
	// caller's own context.Context, the default) or "remote" (Redis
	// heartbeat keys, for clients running in another process).
	WatchdogMode string `yaml:"watchdog_mode"`

	// MinConnections is the number of connections the Connector is asked
	// to install eagerly at startup.
	MinConnections int `yaml:"min_connections"`

	// MaxConnections is validated by internal/config (it must be set and
	// be at least MinConnections) and logged at startup. Neither the
	// Manager nor the shipped Connectors enforce it: the broker holds
	// whatever Holders have been installed.
	MaxConnections int `yaml:"max_connections"`

	// Backend coordinates, handed verbatim to the SQL Server reference
	// Connector (internal/connector/mssql.go). A pool using a different
	// Connector implementation may ignore these fields entirely.
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// DSN returns the SQL Server connection string for this pool's backend,
// for use by the reference mssql Connector.
func (s *PoolSpec) DSN() string {
	return "sqlserver://" + s.Username + ":" + s.Password +
		"@" + s.Host + ":" + itoa(s.Port) +
		"?database=" + s.Database +
		"&connection+timeout=" + itoa(int(s.ConnectionTimeout.Seconds()))
}

// Addr returns the host:port address of this pool's backend.
func (s *PoolSpec) Addr() string {
	return s.Host + ":" + itoa(s.Port)
}

// itoa avoids pulling in strconv for a single call site.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	if n < 0 {
		return "-" + itoa(-n)
	}
	digits := make([]byte, 0, 10)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
