package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an open transaction handle.
type Tx interface{}

// TransactionManager runs fn inside a database transaction and hands it the tx handle.
//
// The concrete type of tx is infra-defined (pgx.Tx for Postgres). Stores that accept a Tx
// must also accept nil and fall back to their pool.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
