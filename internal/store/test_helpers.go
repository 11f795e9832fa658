package store

import (
	"context"

	"github.com/pashagolub/pgxmock/v4"
)

// setupMockContext stashes the mock where conn(ctx) looks for a transaction,
// so store methods run against pgxmock without a pool.
func setupMockContext(mock pgxmock.PgxPoolIface) context.Context {
	return context.WithValue(context.Background(), txKey{}, mock)
}
