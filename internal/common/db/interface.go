package db

import (
	"context"
	"database/sql"
	"time"
)

// Database is a relational store connection pool exposing both direct
// query execution and transaction support. MySQL is the only concrete
// implementation in this module.
type Database interface {
	Querier

	Transaction(ctx context.Context, fn func(tx Transaction) error) error
	BeginTx(ctx context.Context, opts *TxOptions) (Transaction, error)
	Prepare(ctx context.Context, query string) (Stmt, error)
	Ping(ctx context.Context) error
	Close() error
	Stats() Stats
	GetDB() interface{}
}

// Transaction is a Querier scoped to an open transaction.
type Transaction interface {
	Query(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) Row
	Exec(ctx context.Context, query string, args ...interface{}) (Result, error)
	Prepare(ctx context.Context, query string) (Stmt, error)
	Commit() error
	Rollback() error
}

// Stmt is a prepared statement bound to a Database or Transaction.
type Stmt interface {
	Exec(ctx context.Context, args ...interface{}) (Result, error)
	Query(ctx context.Context, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, args ...interface{}) Row
	Close() error
}

// Rows is a forward-only cursor over query results.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
	Columns() ([]string, error)
	ColumnTypes() ([]ColumnType, error)
	NextResultSet() bool
}

// Row is a query result expected to hold at most one row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result reports the outcome of a non-query statement.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// ColumnType describes one result column.
type ColumnType interface {
	Name() string
	DatabaseTypeName() string
	Length() (int64, bool)
}

// TxOptions mirrors sql.TxOptions without binding callers to database/sql.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// ConvertTxOptions translates TxOptions into the stdlib equivalent. A nil
// input yields nil, requesting the driver's default isolation level.
func ConvertTxOptions(opts *TxOptions) *sql.TxOptions {
	if opts == nil {
		return nil
	}
	return &sql.TxOptions{Isolation: opts.Isolation, ReadOnly: opts.ReadOnly}
}

// Stats reports connection pool health.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}

// ConvertSQLStats translates database/sql's pool stats into Stats.
func ConvertSQLStats(s sql.DBStats) Stats {
	return Stats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDuration:    s.WaitDuration,
	}
}
