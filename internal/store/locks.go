package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/edisonhq/edison/internal/fault"
)

// DefaultLockTTL bounds how long a crashed owner can hold a lock.
const DefaultLockTTL = time.Hour

// AcquireLock takes the named advisory lock for owner with the given TTL.
// A live lock held by another owner is a LockHeld error; an expired lock is
// stolen. Re-acquiring by the same owner extends the TTL.
func (s *Store) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			holder    string
			expiresAt int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT owner, expires_at FROM locks WHERE name = ?`, name).
			Scan(&holder, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx,
				`INSERT INTO locks (name, owner, expires_at) VALUES (?, ?, ?)`,
				name, owner, t2n(expires))
			return err
		case err != nil:
			return err
		}
		if holder != owner && n2t(expiresAt).After(now) {
			return fault.New(fault.LockHeld, "lock %q held by %s until %s",
				name, holder, n2t(expiresAt).Format(time.RFC3339))
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE locks SET owner = ?, expires_at = ? WHERE name = ?`,
			owner, t2n(expires), name)
		return err
	})
}

// HeartbeatLock extends a held lock's TTL. Losing the lock (expiry plus a
// steal) is a LockHeld error; the caller must stop its work.
func (s *Store) HeartbeatLock(ctx context.Context, name, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE name = ? AND owner = ?`,
		t2n(time.Now().UTC().Add(ttl)), name, owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.LockHeld, "lock %q no longer held by %s", name, owner)
	}
	return nil
}

// ReleaseLock drops the lock if owner still holds it. Releasing a lock that
// was already stolen or expired is not an error.
func (s *Store) ReleaseLock(ctx context.Context, name, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = ? AND owner = ?`, name, owner)
	return err
}
