package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/go-dbpool/codel/pkg/poolspec"
)

// MSSQL is the reference Connector, establishing one *sql.DB per Holder
// against a SQL Server backend. MaxOpenConns is pinned to 1 so each
// Holder maps to exactly one physical connection; the broker, not
// database/sql, does the pooling.
type MSSQL struct {
	spec *poolspec.PoolSpec
}

// NewMSSQL builds a Connector for the backend described by spec.
func NewMSSQL(spec *poolspec.PoolSpec) *MSSQL {
	return &MSSQL{spec: spec}
}

func (m *MSSQL) Connect(ctx context.Context) (any, error) {
	db, err := sql.Open("sqlserver", m.spec.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	connectCtx := ctx
	if m.spec.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, m.spec.ConnectionTimeout)
		defer cancel()
	}
	if err := db.PingContext(connectCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

func (m *MSSQL) Ping(ctx context.Context, conn any) error {
	db := conn.(*sql.DB)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(pingCtx)
}

// Reset runs sp_reset_connection to clear session state before a
// connection is handed to its next tenant.
func (m *MSSQL) Reset(ctx context.Context, conn any) error {
	db := conn.(*sql.DB)
	resetCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := db.ExecContext(resetCtx, "EXEC sp_reset_connection")
	return err
}

func (m *MSSQL) Close(conn any) error {
	return conn.(*sql.DB).Close()
}
