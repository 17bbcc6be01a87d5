package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/target/placement-fulfillment/internal/data/pgxutil"
)

// AdvisoryLocker serialises cluster-wide work on transaction-scoped Postgres
// advisory locks.
type AdvisoryLocker struct {
	DB *sql.DB
}

// NewAdvisoryLocker constructs an AdvisoryLocker.
func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{DB: db}
}

// lockKey is the FNV-1a 64-bit hash of name bounded to BIGINT.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- bounded to MaxInt64 above.
}

// TryWithLock runs fn while holding the lock for name.
//   - (false, nil): lock held elsewhere; fn was not run
//   - (true, nil): fn ran and succeeded
//   - (true, err): fn ran and failed with err
func (l *AdvisoryLocker) TryWithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	var locked bool
	var fnErr error

	err := pgxutil.WithSQLTx(ctx, l.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey(name)).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock %s: %w", name, err)
			}
			if !locked {
				return nil
			}
			fnErr = fn(ctx)
			return nil
		},
	})
	if err != nil {
		return false, err
	}
	return locked, fnErr
}
